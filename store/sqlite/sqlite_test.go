package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/savings-ledger/savings"
	"github.com/warp/savings-ledger/store/sqlite"
)

const admin savings.Actor = "admin-1"

var testNow = time.Date(2026, time.October, 19, 9, 30, 0, 0, time.UTC)

func newStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newService(s savings.Store) *savings.Service {
	return savings.NewService(s, savings.WithClock(func() time.Time { return testNow }))
}

func fund(t *testing.T, svc *savings.Service, pilgrim string, amount int64) *savings.Account {
	t.Helper()
	ctx := context.Background()

	acct, err := svc.OpenAccount(ctx, admin, savings.OpenAccountParams{
		PilgrimID: savings.PilgrimID(pilgrim), AccountNumber: "7001-" + pilgrim, Bank: savings.BankMandiri,
	})
	require.NoError(t, err)

	d, err := svc.RecordDeposit(ctx, admin, savings.RecordDepositParams{
		AccountID: acct.ID, Amount: savings.NewMoney(amount), Method: savings.MethodTransfer,
	})
	require.NoError(t, err)
	_, err = svc.ApproveDeposit(ctx, admin, d.ID, "ok")
	require.NoError(t, err)
	return acct
}

func TestStore_RoundTripsLedgerRows(t *testing.T) {
	s := newStore(t, ":memory:")
	svc := newService(s)
	ctx := context.Background()
	acct := fund(t, svc, "pilgrim-1", 10_000_000)

	reg := savings.RegistrationID("reg-42")
	draft, err := svc.CreateAllocation(ctx, admin, savings.CreateAllocationParams{
		AccountID: acct.ID, Amount: savings.MustParseMoney("2500000.50"), RegistrationID: &reg, Note: "umrah deposit",
	})
	require.NoError(t, err)

	posted, err := svc.PostAllocation(ctx, admin, draft.ID)
	require.NoError(t, err)

	got, err := s.GetAllocation(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, "2500000.50", got.Amount.String())
	assert.Equal(t, savings.AllocationPosted, got.Status)
	require.NotNil(t, got.RegistrationID)
	assert.Equal(t, reg, *got.RegistrationID)
	require.NotNil(t, got.InvoiceID)
	assert.Equal(t, *posted.InvoiceID, *got.InvoiceID)
	require.NotNil(t, got.PostedAt)
	assert.True(t, testNow.Equal(*got.PostedAt))
	assert.Nil(t, got.ReversedAt)

	deposits, err := s.ListDeposits(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	assert.Equal(t, savings.DepositApproved, deposits[0].Status)
	assert.Equal(t, admin, deposits[0].VerifiedBy)

	inv, err := s.GetInvoice(ctx, *got.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, "INV-20261019-0001", inv.Number)
	assert.Equal(t, "2500000.50", inv.TotalAmount.String())

	byInvoice, err := s.ListAllocationsByInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, byInvoice, 1)

	summary, err := svc.Summary(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "7499999.50", summary.Balance.Available.String())
	assert.True(t, summary.Balance.Locked.IsZero())
}

func TestStore_NotFound(t *testing.T) {
	s := newStore(t, ":memory:")
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, savings.ErrNotFound)
	_, err = s.GetDeposit(ctx, "missing")
	assert.ErrorIs(t, err, savings.ErrNotFound)
	_, err = s.GetAllocation(ctx, "missing")
	assert.ErrorIs(t, err, savings.ErrNotFound)
	_, err = s.GetInvoice(ctx, "missing")
	assert.ErrorIs(t, err, savings.ErrNotFound)
}

func TestStore_DuplicateAccountNumber(t *testing.T) {
	s := newStore(t, ":memory:")
	svc := newService(s)
	fund(t, svc, "pilgrim-1", 1)

	_, err := svc.OpenAccount(context.Background(), admin, savings.OpenAccountParams{
		PilgrimID: "pilgrim-2", AccountNumber: "7001-pilgrim-1", Bank: savings.BankBNI,
	})
	assert.ErrorIs(t, err, savings.ErrDuplicate)
}

func TestStore_RollbackDiscardsInvoiceAndSequence(t *testing.T) {
	s := newStore(t, ":memory:")
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx savings.Tx) error {
		seq, err := tx.NextInvoiceSequence(ctx, testNow)
		require.NoError(t, err)
		assert.Equal(t, 1, seq)
		require.NoError(t, tx.InsertInvoice(ctx, savings.Invoice{
			ID: "inv-1", Number: "INV-20261019-0001", IssuedAt: testNow,
			TotalAmount: savings.NewMoney(5), Status: savings.InvoiceActive,
			CreatedAt: testNow, UpdatedAt: testNow,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetInvoice(ctx, "inv-1")
	assert.ErrorIs(t, err, savings.ErrNotFound)

	require.NoError(t, s.WithTx(ctx, func(tx savings.Tx) error {
		seq, err := tx.NextInvoiceSequence(ctx, testNow)
		assert.Equal(t, 1, seq)
		return err
	}))
}

func TestStore_InvoiceSequencePerDay(t *testing.T) {
	s := newStore(t, ":memory:")
	ctx := context.Background()

	var got []int
	require.NoError(t, s.WithTx(ctx, func(tx savings.Tx) error {
		for _, day := range []time.Time{testNow, testNow, testNow.AddDate(0, 0, 1), testNow} {
			seq, err := tx.NextInvoiceSequence(ctx, day)
			if err != nil {
				return err
			}
			got = append(got, seq)
		}
		return nil
	}))
	assert.Equal(t, []int{1, 2, 1, 3}, got)
}

func TestStore_Outbox(t *testing.T) {
	s := newStore(t, ":memory:")
	svc := newService(s)
	ctx := context.Background()
	acct := fund(t, svc, "pilgrim-1", 10_000_000)

	for i := 0; i < 2; i++ {
		a, err := svc.CreateAllocation(ctx, admin, savings.CreateAllocationParams{AccountID: acct.ID, Amount: savings.NewMoney(1_000)})
		require.NoError(t, err)
		_, err = svc.PostAllocation(ctx, admin, a.ID)
		require.NoError(t, err)
	}

	pending, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, savings.EventAllocationPosted, pending[0].EventType)
	assert.NotEmpty(t, pending[0].Payload)

	require.NoError(t, s.MarkEventFailed(ctx, pending[0].ID, "broker down"))
	require.NoError(t, s.MarkEventSent(ctx, pending[1].ID, testNow))

	pending, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)

	assert.ErrorIs(t, s.MarkEventSent(ctx, "missing", testNow), savings.ErrNotFound)
}

func TestStore_ConcurrentAllocations_NeverOverdraw(t *testing.T) {
	s := newStore(t, filepath.Join(t.TempDir(), "savings.db"))
	svc := newService(s)
	ctx := context.Background()
	acct := fund(t, svc, "pilgrim-1", 10_000_000)

	const workers = 8
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		mu    sync.Mutex
		ok    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.CreateAllocation(ctx, admin, savings.CreateAllocationParams{
				AccountID: acct.ID, Amount: savings.NewMoney(6_000_000),
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, savings.ErrInsufficientBalance)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, ok)
	summary, err := svc.Summary(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "4000000.00", summary.Balance.Available.String())
	assert.Equal(t, "6000000.00", summary.Balance.Locked.String())
}

func TestStore_ArchivedAccountsHiddenFromLists(t *testing.T) {
	s := newStore(t, ":memory:")
	svc := newService(s)
	ctx := context.Background()
	acct := fund(t, svc, "pilgrim-1", 1_000)

	_, err := svc.SetAccountStatus(ctx, admin, acct.ID, savings.AccountClosed)
	require.NoError(t, err)
	require.NoError(t, svc.ArchiveAccount(ctx, admin, acct.ID))

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	_, err = s.GetAccountByPilgrim(ctx, "pilgrim-1")
	assert.ErrorIs(t, err, savings.ErrNotFound)

	// The pilgrim may open a fresh account once the old one is archived.
	_, err = svc.OpenAccount(ctx, admin, savings.OpenAccountParams{
		PilgrimID: "pilgrim-1", AccountNumber: "7002-pilgrim-1", Bank: savings.BankBSI,
	})
	require.NoError(t, err)
}

func TestStore_Reset(t *testing.T) {
	s := newStore(t, ":memory:")
	svc := newService(s)
	ctx := context.Background()
	acct := fund(t, svc, "pilgrim-1", 1_000)

	require.NoError(t, s.Reset(ctx))

	_, err := s.GetAccount(ctx, acct.ID)
	assert.ErrorIs(t, err, savings.ErrNotFound)
}

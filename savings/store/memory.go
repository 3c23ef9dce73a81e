// Package store provides an in-memory savings.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/savings-ledger/savings"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps all ledger rows in maps. WithTx holds a single writer lock
// for the whole transaction (so every account lock is trivially exclusive)
// and works on a copy of the state that replaces the live state only on
// commit.
type Memory struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	accounts    map[savings.AccountID]savings.Account
	deposits    map[savings.DepositID]savings.Deposit
	allocations map[savings.AllocationID]savings.Allocation
	invoices    map[savings.InvoiceID]savings.Invoice
	sequences   map[string]int
	outbox      []savings.OutboxRecord
}

func NewMemory() *Memory {
	return &Memory{state: &state{
		accounts:    make(map[savings.AccountID]savings.Account),
		deposits:    make(map[savings.DepositID]savings.Deposit),
		allocations: make(map[savings.AllocationID]savings.Allocation),
		invoices:    make(map[savings.InvoiceID]savings.Invoice),
		sequences:   make(map[string]int),
	}}
}

// Reset drops all data (for demo scenarios).
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = NewMemory().state
	return nil
}

func (s *state) clone() *state {
	c := &state{
		accounts:    make(map[savings.AccountID]savings.Account, len(s.accounts)),
		deposits:    make(map[savings.DepositID]savings.Deposit, len(s.deposits)),
		allocations: make(map[savings.AllocationID]savings.Allocation, len(s.allocations)),
		invoices:    make(map[savings.InvoiceID]savings.Invoice, len(s.invoices)),
		sequences:   make(map[string]int, len(s.sequences)),
		outbox:      make([]savings.OutboxRecord, len(s.outbox)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.deposits {
		c.deposits[k] = v
	}
	for k, v := range s.allocations {
		c.allocations[k] = v
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	copy(c.outbox, s.outbox)
	return c
}

// WithTx runs fn against a private copy of the state.
func (m *Memory) WithTx(ctx context.Context, fn func(tx savings.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &savings.TransientError{Op: "begin", Err: err}
	}

	work := m.state.clone()
	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *Memory) read() *state {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reads outside a transaction see the last committed state. Committed
// states are never mutated in place, so holding the pointer is safe.

func (m *Memory) GetAccount(ctx context.Context, id savings.AccountID) (*savings.Account, error) {
	return m.read().getAccount(id)
}

func (m *Memory) GetAccountByPilgrim(ctx context.Context, id savings.PilgrimID) (*savings.Account, error) {
	return m.read().getAccountByPilgrim(id)
}

func (m *Memory) ListAccounts(ctx context.Context) ([]savings.Account, error) {
	return m.read().listAccounts(), nil
}

func (m *Memory) GetDeposit(ctx context.Context, id savings.DepositID) (*savings.Deposit, error) {
	return m.read().getDeposit(id)
}

func (m *Memory) ListDeposits(ctx context.Context, id savings.AccountID) ([]savings.Deposit, error) {
	return m.read().listDeposits(id), nil
}

func (m *Memory) GetAllocation(ctx context.Context, id savings.AllocationID) (*savings.Allocation, error) {
	return m.read().getAllocation(id)
}

func (m *Memory) ListAllocations(ctx context.Context, id savings.AccountID) ([]savings.Allocation, error) {
	return m.read().listAllocations(func(a savings.Allocation) bool { return a.AccountID == id }), nil
}

func (m *Memory) ListAllocationsByInvoice(ctx context.Context, id savings.InvoiceID) ([]savings.Allocation, error) {
	return m.read().listAllocations(func(a savings.Allocation) bool {
		return a.InvoiceID != nil && *a.InvoiceID == id
	}), nil
}

func (m *Memory) GetInvoice(ctx context.Context, id savings.InvoiceID) (*savings.Invoice, error) {
	return m.read().getInvoice(id)
}

// =============================================================================
// OUTBOX
// =============================================================================

func (m *Memory) PendingEvents(_ context.Context, limit int) ([]savings.OutboxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []savings.OutboxRecord
	for _, rec := range m.state.outbox {
		if rec.SentAt != nil {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkEventSent(_ context.Context, id string, at time.Time) error {
	return m.updateOutbox(id, func(rec *savings.OutboxRecord) {
		rec.SentAt = &at
		rec.Attempts++
	})
}

func (m *Memory) MarkEventFailed(_ context.Context, id string, reason string) error {
	return m.updateOutbox(id, func(rec *savings.OutboxRecord) {
		rec.Attempts++
		rec.LastError = reason
	})
}

func (m *Memory) updateOutbox(id string, fn func(*savings.OutboxRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	for i := range work.outbox {
		if work.outbox[i].ID == id {
			fn(&work.outbox[i])
			m.state = work
			return nil
		}
	}
	return &savings.NotFoundError{Kind: "outbox record", ID: id}
}

// =============================================================================
// TRANSACTION
// =============================================================================

type memTx struct {
	state *state
}

func (t *memTx) GetAccount(_ context.Context, id savings.AccountID) (*savings.Account, error) {
	return t.state.getAccount(id)
}

func (t *memTx) GetAccountByPilgrim(_ context.Context, id savings.PilgrimID) (*savings.Account, error) {
	return t.state.getAccountByPilgrim(id)
}

func (t *memTx) ListAccounts(context.Context) ([]savings.Account, error) {
	return t.state.listAccounts(), nil
}

func (t *memTx) GetDeposit(_ context.Context, id savings.DepositID) (*savings.Deposit, error) {
	return t.state.getDeposit(id)
}

func (t *memTx) ListDeposits(_ context.Context, id savings.AccountID) ([]savings.Deposit, error) {
	return t.state.listDeposits(id), nil
}

func (t *memTx) GetAllocation(_ context.Context, id savings.AllocationID) (*savings.Allocation, error) {
	return t.state.getAllocation(id)
}

func (t *memTx) ListAllocations(_ context.Context, id savings.AccountID) ([]savings.Allocation, error) {
	return t.state.listAllocations(func(a savings.Allocation) bool { return a.AccountID == id }), nil
}

func (t *memTx) ListAllocationsByInvoice(_ context.Context, id savings.InvoiceID) ([]savings.Allocation, error) {
	return t.state.listAllocations(func(a savings.Allocation) bool {
		return a.InvoiceID != nil && *a.InvoiceID == id
	}), nil
}

func (t *memTx) GetInvoice(_ context.Context, id savings.InvoiceID) (*savings.Invoice, error) {
	return t.state.getInvoice(id)
}

// LockAccount is a plain read: the transaction already holds the store's
// writer lock.
func (t *memTx) LockAccount(_ context.Context, id savings.AccountID) (*savings.Account, error) {
	return t.state.getAccount(id)
}

func (t *memTx) InsertAccount(_ context.Context, a savings.Account) error {
	if _, ok := t.state.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account %s", savings.ErrDuplicate, a.ID)
	}
	for _, existing := range t.state.accounts {
		if existing.AccountNumber == a.AccountNumber {
			return fmt.Errorf("%w: account number %s", savings.ErrDuplicate, a.AccountNumber)
		}
	}
	t.state.accounts[a.ID] = a
	return nil
}

func (t *memTx) UpdateAccount(_ context.Context, a savings.Account) error {
	cur, ok := t.state.accounts[a.ID]
	if !ok {
		return &savings.NotFoundError{Kind: "account", ID: string(a.ID)}
	}
	cur.Status = a.Status
	cur.UpdatedAt = a.UpdatedAt
	cur.DeletedAt = a.DeletedAt
	t.state.accounts[a.ID] = cur
	return nil
}

func (t *memTx) InsertDeposit(_ context.Context, d savings.Deposit) error {
	if _, ok := t.state.deposits[d.ID]; ok {
		return fmt.Errorf("%w: deposit %s", savings.ErrDuplicate, d.ID)
	}
	t.state.deposits[d.ID] = d
	return nil
}

func (t *memTx) UpdateDepositVerification(_ context.Context, d savings.Deposit) error {
	cur, ok := t.state.deposits[d.ID]
	if !ok {
		return &savings.NotFoundError{Kind: "deposit", ID: string(d.ID)}
	}
	cur.Status = d.Status
	cur.VerifiedBy = d.VerifiedBy
	cur.VerifiedAt = d.VerifiedAt
	cur.VerificationNote = d.VerificationNote
	t.state.deposits[d.ID] = cur
	return nil
}

func (t *memTx) InsertAllocation(_ context.Context, a savings.Allocation) error {
	if _, ok := t.state.allocations[a.ID]; ok {
		return fmt.Errorf("%w: allocation %s", savings.ErrDuplicate, a.ID)
	}
	t.state.allocations[a.ID] = a
	return nil
}

func (t *memTx) UpdateAllocation(_ context.Context, a savings.Allocation) error {
	if _, ok := t.state.allocations[a.ID]; !ok {
		return &savings.NotFoundError{Kind: "allocation", ID: string(a.ID)}
	}
	t.state.allocations[a.ID] = a
	return nil
}

func (t *memTx) DeleteAllocation(_ context.Context, id savings.AllocationID) error {
	if _, ok := t.state.allocations[id]; !ok {
		return &savings.NotFoundError{Kind: "allocation", ID: string(id)}
	}
	delete(t.state.allocations, id)
	return nil
}

func (t *memTx) InsertInvoice(_ context.Context, inv savings.Invoice) error {
	for _, existing := range t.state.invoices {
		if existing.Number == inv.Number {
			return fmt.Errorf("%w: invoice number %s", savings.ErrDuplicate, inv.Number)
		}
	}
	t.state.invoices[inv.ID] = inv
	return nil
}

func (t *memTx) AddInvoiceAmount(_ context.Context, id savings.InvoiceID, delta savings.Money, at time.Time) error {
	inv, ok := t.state.invoices[id]
	if !ok {
		return &savings.NotFoundError{Kind: "invoice", ID: string(id)}
	}
	inv.TotalAmount = inv.TotalAmount.Add(delta)
	inv.UpdatedAt = at
	t.state.invoices[id] = inv
	return nil
}

func (t *memTx) SetInvoiceStatus(_ context.Context, id savings.InvoiceID, status savings.InvoiceStatus, at time.Time) error {
	inv, ok := t.state.invoices[id]
	if !ok {
		return &savings.NotFoundError{Kind: "invoice", ID: string(id)}
	}
	inv.Status = status
	inv.UpdatedAt = at
	t.state.invoices[id] = inv
	return nil
}

func (t *memTx) NextInvoiceSequence(_ context.Context, day time.Time) (int, error) {
	k := day.Format("2006-01-02")
	t.state.sequences[k]++
	return t.state.sequences[k], nil
}

func (t *memTx) EnqueueEvent(_ context.Context, rec savings.OutboxRecord) error {
	t.state.outbox = append(t.state.outbox, rec)
	return nil
}

// =============================================================================
// STATE QUERIES
// =============================================================================

func (s *state) getAccount(id savings.AccountID) (*savings.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, &savings.NotFoundError{Kind: "account", ID: string(id)}
	}
	return &a, nil
}

func (s *state) getAccountByPilgrim(id savings.PilgrimID) (*savings.Account, error) {
	for _, a := range s.accounts {
		if a.PilgrimID == id && a.DeletedAt == nil {
			a := a
			return &a, nil
		}
	}
	return nil, &savings.NotFoundError{Kind: "account", ID: "pilgrim:" + string(id)}
}

func (s *state) listAccounts() []savings.Account {
	out := make([]savings.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if a.DeletedAt == nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) getDeposit(id savings.DepositID) (*savings.Deposit, error) {
	d, ok := s.deposits[id]
	if !ok {
		return nil, &savings.NotFoundError{Kind: "deposit", ID: string(id)}
	}
	return &d, nil
}

func (s *state) listDeposits(id savings.AccountID) []savings.Deposit {
	var out []savings.Deposit
	for _, d := range s.deposits {
		if d.AccountID == id {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PaidAt.Equal(out[j].PaidAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].PaidAt.Before(out[j].PaidAt)
	})
	return out
}

func (s *state) getAllocation(id savings.AllocationID) (*savings.Allocation, error) {
	a, ok := s.allocations[id]
	if !ok {
		return nil, &savings.NotFoundError{Kind: "allocation", ID: string(id)}
	}
	return &a, nil
}

func (s *state) listAllocations(keep func(savings.Allocation) bool) []savings.Allocation {
	var out []savings.Allocation
	for _, a := range s.allocations {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AllocatedAt.Equal(out[j].AllocatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].AllocatedAt.Before(out[j].AllocatedAt)
	})
	return out
}

func (s *state) getInvoice(id savings.InvoiceID) (*savings.Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return nil, &savings.NotFoundError{Kind: "invoice", ID: string(id)}
	}
	return &inv, nil
}

package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/savings-ledger/events"
	"github.com/warp/savings-ledger/savings"
	"github.com/warp/savings-ledger/savings/store"
	"go.uber.org/mock/gomock"
)

const admin savings.Actor = "admin-1"

// postOne runs a full deposit → allocation → post cycle and returns the
// account that owns the resulting event.
func postOne(t *testing.T, svc *savings.Service) savings.AccountID {
	t.Helper()
	ctx := context.Background()

	acct, err := svc.OpenAccount(ctx, admin, savings.OpenAccountParams{
		PilgrimID: "pilgrim-1", AccountNumber: "7001", Bank: savings.BankBSI,
	})
	require.NoError(t, err)
	d, err := svc.RecordDeposit(ctx, admin, savings.RecordDepositParams{
		AccountID: acct.ID, Amount: savings.NewMoney(1_000_000), Method: savings.MethodCash,
	})
	require.NoError(t, err)
	_, err = svc.ApproveDeposit(ctx, admin, d.ID, "")
	require.NoError(t, err)
	a, err := svc.CreateAllocation(ctx, admin, savings.CreateAllocationParams{
		AccountID: acct.ID, Amount: savings.NewMoney(250_000),
	})
	require.NoError(t, err)
	_, err = svc.PostAllocation(ctx, admin, a.ID)
	require.NoError(t, err)
	return acct.ID
}

func TestRelay_Flush(t *testing.T) {
	tests := []struct {
		name        string
		publishErr  error
		wantSent    int
		wantPending int
	}{
		{name: "publish succeeds", wantSent: 1, wantPending: 0},
		{name: "publish fails", publishErr: errors.New("broker unavailable"), wantSent: 0, wantPending: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			mem := store.NewMemory()
			accountID := postOne(t, savings.NewService(mem))

			publisher := events.NewMockPublisher(ctrl)
			publisher.EXPECT().
				Publish(gomock.Any(), savings.EventAllocationPosted, gomock.Any(), string(accountID)).
				DoAndReturn(func(_ context.Context, _ string, payload []byte, _ string) error {
					var evt savings.AllocationPostedEvent
					require.NoError(t, json.Unmarshal(payload, &evt))
					assert.Equal(t, accountID, evt.AccountID)
					assert.Equal(t, "250000.00", evt.Amount.String())
					return tt.publishErr
				})

			relay := events.NewRelay(mem, publisher, nil)
			sent, err := relay.Flush(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantSent, sent)

			pending, err := mem.PendingEvents(context.Background(), 0)
			require.NoError(t, err)
			require.Len(t, pending, tt.wantPending)
			if tt.publishErr != nil {
				assert.Equal(t, 1, pending[0].Attempts)
				assert.Equal(t, tt.publishErr.Error(), pending[0].LastError)
			}
		})
	}
}

func TestRelay_RetriesFailedRecordOnNextFlush(t *testing.T) {
	ctrl := gomock.NewController(t)
	mem := store.NewMemory()
	postOne(t, savings.NewService(mem))

	publisher := events.NewMockPublisher(ctrl)
	gomock.InOrder(
		publisher.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("timeout")),
		publisher.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil),
	)

	relay := events.NewRelay(mem, publisher, nil)
	ctx := context.Background()

	sent, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	sent, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	// Nothing left: a third flush publishes nothing.
	sent, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestRelay_NudgeDeliversWithoutWaitingForTick(t *testing.T) {
	ctrl := gomock.NewController(t)
	mem := store.NewMemory()

	publisher := events.NewMockPublisher(ctrl)
	delivered := make(chan struct{})
	publisher.EXPECT().
		Publish(gomock.Any(), savings.EventAllocationPosted, gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, []byte, string) error {
			close(delivered)
			return nil
		})

	relay := events.NewRelay(mem, publisher, nil)
	relay.Interval = time.Hour
	relay.Start()
	defer relay.Stop()

	svc := savings.NewService(mem, savings.WithNudger(relay))
	postOne(t, svc)

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered after nudge")
	}
}

func TestRelay_StopIsIdempotent(t *testing.T) {
	relay := events.NewRelay(store.NewMemory(), events.NewLogPublisher(nil), nil)
	relay.Interval = time.Hour

	relay.Start()
	relay.Start()
	relay.Stop()
	relay.Stop()
}

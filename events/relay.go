/*
relay.go - Outbox relay

PURPOSE:
  Moves committed outbox records to the Publisher. Ledger transactions
  only write the record; this goroutine publishes it afterwards, so a
  broker outage never fails or rolls back a ledger operation.

DELIVERY:
  At least once. A record is marked sent only after Publish returned nil.
  A failed publish bumps the attempt counter, keeps the error and is
  retried on the next pass.

TRIGGERS:
  - Every Interval (default: 5s)
  - Nudge(), called by the ledger service right after a commit that
    enqueued events, so delivery is not delayed by a full interval

USAGE:
  relay := events.NewRelay(store, publisher, logger)
  relay.Start()
  svc := savings.NewService(store, savings.WithNudger(relay))
  // ... later
  relay.Stop()

SEE ALSO:
  - savings/events.go: OutboxRecord, AllocationPostedEvent
  - publisher.go, kafka.go: Publisher implementations
*/
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/savings-ledger/savings"
)

// Relay periodically publishes pending outbox records.
type Relay struct {
	Outbox    savings.Outbox
	Publisher Publisher
	Interval  time.Duration
	BatchSize int

	logger *slog.Logger
	now    func() time.Time

	nudge   chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// flushMu keeps Flush calls from publishing the same batch twice.
	flushMu sync.Mutex
}

func NewRelay(outbox savings.Outbox, publisher Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		Outbox:    outbox,
		Publisher: publisher,
		Interval:  5 * time.Second,
		BatchSize: 100,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		nudge:     make(chan struct{}, 1),
	}
}

// Start launches the delivery goroutine. Calling Start twice is a no-op.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.wg.Add(1)

	go r.run()

	r.logger.Info("outbox relay started", "interval", r.Interval, "batch_size", r.BatchSize)
}

// Stop waits for the in-flight pass to finish.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	close(r.stop)
	r.wg.Wait()
	r.running = false
	r.logger.Info("outbox relay stopped")
}

// Nudge asks for a pass as soon as possible. It never blocks.
func (r *Relay) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

func (r *Relay) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stop
		cancel()
	}()

	// Deliver whatever a previous process left behind.
	r.pass(ctx)

	for {
		select {
		case <-ticker.C:
			r.pass(ctx)
		case <-r.nudge:
			r.pass(ctx)
		case <-r.stop:
			return
		}
	}
}

func (r *Relay) pass(ctx context.Context) {
	if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("outbox pass failed", "error", err)
	}
}

// Flush publishes one batch of pending records and returns how many were
// delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	records, err := r.Outbox.PendingEvents(ctx, r.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range records {
		if err := r.Publisher.Publish(ctx, rec.EventType, rec.Payload, rec.PartitionKey); err != nil {
			r.logger.Warn("event publish failed",
				"event_id", rec.ID, "event_type", rec.EventType,
				"attempts", rec.Attempts+1, "error", err)
			if err := r.Outbox.MarkEventFailed(ctx, rec.ID, err.Error()); err != nil {
				return sent, err
			}
			continue
		}
		if err := r.Outbox.MarkEventSent(ctx, rec.ID, r.now()); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

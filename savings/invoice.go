/*
invoice.go - Keeps invoices in step with allocation state

PURPOSE:
  Posting an allocation settles its funds into exactly one invoice;
  reversing it cancels that invoice. Both happen inside the ledger
  transaction that changes the allocation, never from a hook.

RULES:
  Post, no invoice referenced:   create one, seeded with the amount,
                                 numbered INV-YYYYMMDD-NNNN, status active
  Post, invoice referenced:      add the amount to its total, status untouched
  Reverse:                       subtract the amount, cancel unless already
                                 cancelled (re-cancel is a no-op)

  Invoice.TotalAmount therefore always equals the sum of the posted
  allocations that reference it.
*/
package savings

import (
	"context"
	"fmt"
	"time"
)

// InvoiceSynchronizer creates and updates invoices on behalf of allocations.
type InvoiceSynchronizer struct {
	now   func() time.Time
	newID func() string
}

func NewInvoiceSynchronizer(now func() time.Time, newID func() string) *InvoiceSynchronizer {
	return &InvoiceSynchronizer{now: now, newID: newID}
}

// InvoiceNumber formats the human-readable invoice number for a day and
// its per-day sequence.
func InvoiceNumber(day time.Time, seq int) string {
	return fmt.Sprintf("INV-%s-%04d", day.Format("20060102"), seq)
}

// CreateFromAllocation creates an active invoice whose total is the
// allocation amount.
func (s *InvoiceSynchronizer) CreateFromAllocation(ctx context.Context, tx Tx, a Allocation) (*Invoice, error) {
	now := s.now()
	seq, err := tx.NextInvoiceSequence(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("next invoice sequence: %w", err)
	}

	inv := Invoice{
		ID:          InvoiceID(s.newID()),
		Number:      InvoiceNumber(now, seq),
		IssuedAt:    truncateDay(now),
		TotalAmount: a.Amount,
		Status:      InvoiceActive,
		Note:        fmt.Sprintf("Savings allocation %s", a.ID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.InsertInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("insert invoice: %w", err)
	}
	return &inv, nil
}

// AddAmount increments an existing invoice's total by delta.
func (s *InvoiceSynchronizer) AddAmount(ctx context.Context, tx Tx, id InvoiceID, delta Money) (*Invoice, error) {
	if err := tx.AddInvoiceAmount(ctx, id, delta, s.now()); err != nil {
		return nil, err
	}
	return tx.GetInvoice(ctx, id)
}

// Release undoes a reversed allocation's contribution and cancels the
// invoice. Cancelling an already cancelled invoice changes nothing but
// the total.
func (s *InvoiceSynchronizer) Release(ctx context.Context, tx Tx, id InvoiceID, amount Money) (*Invoice, error) {
	inv, err := tx.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := tx.AddInvoiceAmount(ctx, id, amount.Neg(), now); err != nil {
		return nil, err
	}
	if inv.Status != InvoiceCancelled {
		if err := tx.SetInvoiceStatus(ctx, id, InvoiceCancelled, now); err != nil {
			return nil, err
		}
	}
	return tx.GetInvoice(ctx, id)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

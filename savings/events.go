package savings

import (
	"encoding/json"
	"time"
)

// EventAllocationPosted is emitted once per successful PostAllocation.
const EventAllocationPosted = "savings.allocation_posted"

// AllocationPostedEvent is the payload of EventAllocationPosted.
type AllocationPostedEvent struct {
	AllocationID   AllocationID    `json:"allocation_id"`
	AccountID      AccountID       `json:"account_id"`
	RegistrationID *RegistrationID `json:"registration_id,omitempty"`
	InvoiceID      InvoiceID       `json:"invoice_id"`
	InvoiceNumber  string          `json:"invoice_number"`
	Amount         Money           `json:"amount"`
	PostedBy       Actor           `json:"posted_by"`
	PostedAt       time.Time       `json:"posted_at"`
}

// OutboxRecord is an event written in the same transaction as the ledger
// change that caused it, and published after commit.
type OutboxRecord struct {
	ID           string
	EventType    string
	PartitionKey string
	Payload      []byte
	CreatedAt    time.Time
	SentAt       *time.Time
	Attempts     int
	LastError    string
}

func newAllocationPostedRecord(id string, a Allocation, inv Invoice) (OutboxRecord, error) {
	payload, err := json.Marshal(AllocationPostedEvent{
		AllocationID:   a.ID,
		AccountID:      a.AccountID,
		RegistrationID: a.RegistrationID,
		InvoiceID:      inv.ID,
		InvoiceNumber:  inv.Number,
		Amount:         a.Amount,
		PostedBy:       a.PostedBy,
		PostedAt:       *a.PostedAt,
	})
	if err != nil {
		return OutboxRecord{}, err
	}
	return OutboxRecord{
		ID:           id,
		EventType:    EventAllocationPosted,
		PartitionKey: string(a.AccountID),
		Payload:      payload,
		CreatedAt:    *a.PostedAt,
	}, nil
}

// Nudger is told when new outbox records were committed.
type Nudger interface {
	Nudge()
}

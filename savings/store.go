/*
store.go - Persistence interface for the savings ledger

PURPOSE:
  Defines the boundary between the ledger service and the database.
  Implementations: savings/store (in-memory), store/sqlite, store/postgres.

KEY INTERFACES:
  Reader: Lookups usable outside and inside a transaction
  Tx:     Writes, plus LockAccount, valid only inside WithTx
  Store:  Reader + WithTx
  Outbox: Post-commit event delivery bookkeeping

LOCKING CONTRACT:
  Tx.LockAccount takes an EXCLUSIVE lock on the account row that is held
  until WithTx returns. Every ledger operation calls it before reading
  balances, so operations on one account are totally ordered while
  different accounts proceed in parallel (where the database allows).

ATOMICITY:
  WithTx commits only if fn returns nil. Any error, including business
  errors raised after some writes, rolls back everything fn wrote.

APPEND-MOSTLY:
  Deposits: only verification fields are ever updated.
  Allocations: only a draft may be edited or deleted.
  Accounts and invoices: soft delete only.

NOT FOUND:
  Get* methods return a *NotFoundError (errors.Is ErrNotFound) when the
  row does not exist, never (nil, nil).
*/
package savings

import (
	"context"
	"time"
)

// Reader is the read side of the store.
type Reader interface {
	GetAccount(ctx context.Context, id AccountID) (*Account, error)
	GetAccountByPilgrim(ctx context.Context, pilgrimID PilgrimID) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	GetDeposit(ctx context.Context, id DepositID) (*Deposit, error)
	ListDeposits(ctx context.Context, accountID AccountID) ([]Deposit, error)

	GetAllocation(ctx context.Context, id AllocationID) (*Allocation, error)
	ListAllocations(ctx context.Context, accountID AccountID) ([]Allocation, error)
	ListAllocationsByInvoice(ctx context.Context, invoiceID InvoiceID) ([]Allocation, error)

	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
}

// Tx is a store transaction.
type Tx interface {
	Reader

	// LockAccount loads the account and holds an exclusive lock on it
	// until the transaction ends.
	LockAccount(ctx context.Context, id AccountID) (*Account, error)

	InsertAccount(ctx context.Context, a Account) error
	// UpdateAccount writes Status, UpdatedAt and DeletedAt.
	UpdateAccount(ctx context.Context, a Account) error

	InsertDeposit(ctx context.Context, d Deposit) error
	// UpdateDepositVerification writes Status, VerifiedBy, VerifiedAt, VerificationNote.
	UpdateDepositVerification(ctx context.Context, d Deposit) error

	InsertAllocation(ctx context.Context, a Allocation) error
	UpdateAllocation(ctx context.Context, a Allocation) error
	DeleteAllocation(ctx context.Context, id AllocationID) error

	InsertInvoice(ctx context.Context, inv Invoice) error
	AddInvoiceAmount(ctx context.Context, id InvoiceID, delta Money, at time.Time) error
	SetInvoiceStatus(ctx context.Context, id InvoiceID, status InvoiceStatus, at time.Time) error
	// NextInvoiceSequence returns 1, 2, 3... per calendar day.
	NextInvoiceSequence(ctx context.Context, day time.Time) (int, error)

	EnqueueEvent(ctx context.Context, rec OutboxRecord) error
}

// Store is the persistence boundary of the ledger service.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Outbox is implemented by stores that persist outbox records.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkEventSent(ctx context.Context, id string, at time.Time) error
	MarkEventFailed(ctx context.Context, id string, reason string) error
}

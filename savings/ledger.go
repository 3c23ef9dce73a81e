/*
ledger.go - The savings ledger service

PURPOSE:
  The only code path that mutates ledger state. Every operation runs as:

    begin tx ─▶ lock account ─▶ recompute balance ─▶ validate
             ─▶ mutate ─▶ cascade to invoice ─▶ enqueue event ─▶ commit

  Any error anywhere in that chain rolls the whole transaction back, so an
  invoice is never created for an allocation that failed to post.

CONCURRENCY:
  The account lock is held until commit, not just until validation. Two
  concurrent CreateAllocation calls on one account are therefore ordered:
  the second recomputes the balance after the first committed and fails
  with ErrInsufficientBalance if the pair would overdraw.

OPERATIONS:
  Accounts:     OpenAccount, SetAccountStatus, ArchiveAccount
  Deposits:     RecordDeposit, ApproveDeposit, RejectDeposit
  Allocations:  CreateAllocation, UpdateAllocation, PostAllocation,
                ReverseAllocation, DeleteAllocation
  Reads:        Summary, Account, Accounts, Deposits, Allocations, Invoice

EVENTS:
  PostAllocation writes an AllocationPostedEvent outbox record inside the same
  transaction. After commit the Nudger (events.Relay) is poked; delivery
  failures are the relay's problem and never reach the caller.

SEE ALSO:
  - balance.go: Calculate
  - invoice.go: InvoiceSynchronizer
  - store.go: Store / Tx contract
*/
package savings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    Store
	invoices *InvoiceSynchronizer
	nudger   Nudger
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

type Option func(*Service)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces uuid.NewString (tests).
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithNudger registers the outbox relay to wake after commits that
// enqueued events.
func WithNudger(n Nudger) Option {
	return func(s *Service) { s.nudger = n }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.invoices = NewInvoiceSynchronizer(s.now, s.newID)
	return s
}

// =============================================================================
// PARAMS
// =============================================================================

type OpenAccountParams struct {
	PilgrimID     PilgrimID
	AccountNumber string
	Bank          Bank
	OpenedAt      time.Time
}

type RecordDepositParams struct {
	AccountID AccountID
	Amount    Money
	PaidAt    time.Time
	Method    PaymentMethod
	ProofRef  string
}

type CreateAllocationParams struct {
	AccountID      AccountID
	Amount         Money
	RegistrationID *RegistrationID
	InvoiceID      *InvoiceID
	AllocatedAt    time.Time
	Note           string
}

// UpdateAllocationParams replaces the editable fields of a draft.
type UpdateAllocationParams struct {
	Amount         Money
	RegistrationID *RegistrationID
	InvoiceID      *InvoiceID
	AllocatedAt    time.Time
	Note           string
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Service) OpenAccount(ctx context.Context, actor Actor, p OpenAccountParams) (*Account, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if p.PilgrimID == "" {
		return nil, &ValidationError{Field: "pilgrim_id", Message: "required"}
	}
	if strings.TrimSpace(p.AccountNumber) == "" {
		return nil, &ValidationError{Field: "account_number", Message: "required"}
	}
	if !p.Bank.Valid() {
		return nil, &ValidationError{Field: "bank", Message: fmt.Sprintf("unknown bank %q", p.Bank)}
	}

	now := s.now()
	acct := Account{
		ID:            AccountID(s.newID()),
		PilgrimID:     p.PilgrimID,
		AccountNumber: strings.TrimSpace(p.AccountNumber),
		Bank:          p.Bank,
		OpenedAt:      orNow(p.OpenedAt, now),
		Status:        AccountActive,
		CreatedBy:     actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.store.WithTx(ctx, func(tx Tx) error {
		existing, err := tx.GetAccountByPilgrim(ctx, p.PilgrimID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: pilgrim %s already has account %s", ErrDuplicate, p.PilgrimID, existing.ID)
		}
		return tx.InsertAccount(ctx, acct)
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// SetAccountStatus moves an account between active and inactive, or closes
// it. Closed is terminal. An account with draft allocations or pending
// deposits cannot be closed.
func (s *Service) SetAccountStatus(ctx context.Context, actor Actor, id AccountID, status AccountStatus) (*Account, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}

	var out Account
	err := s.store.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.LockAccount(ctx, id)
		if err != nil {
			return err
		}
		if acct.Status == AccountClosed && status != AccountClosed {
			return &InvalidStateError{Kind: "account", ID: string(id), Status: string(acct.Status), Action: "reopen"}
		}
		if status == AccountClosed && acct.Status != AccountClosed {
			summary, err := s.summaryFrom(ctx, tx, id)
			if err != nil {
				return err
			}
			if summary.DraftAllocationCount > 0 || summary.PendingDepositCount > 0 {
				return &InvalidStateError{Kind: "account", ID: string(id), Status: "has open drafts or pending deposits", Action: "close"}
			}
		}

		acct.Status = status
		acct.UpdatedAt = s.now()
		if err := tx.UpdateAccount(ctx, *acct); err != nil {
			return err
		}
		out = *acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("account status changed", "account_id", id, "status", status, "actor", actor)
	return &out, nil
}

// ArchiveAccount soft-deletes a closed account. History is kept.
func (s *Service) ArchiveAccount(ctx context.Context, actor Actor, id AccountID) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.LockAccount(ctx, id)
		if err != nil {
			return err
		}
		if acct.Status != AccountClosed {
			return &InvalidStateError{Kind: "account", ID: string(id), Status: string(acct.Status), Action: "archive"}
		}
		now := s.now()
		acct.DeletedAt = &now
		acct.UpdatedAt = now
		return tx.UpdateAccount(ctx, *acct)
	})
}

// =============================================================================
// DEPOSITS
// =============================================================================

// RecordDeposit registers money paid in. It counts toward the balance only
// once approved.
func (s *Service) RecordDeposit(ctx context.Context, actor Actor, p RecordDepositParams) (*Deposit, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if err := validateAmount(p.Amount); err != nil {
		return nil, err
	}
	if !p.Method.Valid() {
		return nil, &ValidationError{Field: "method", Message: fmt.Sprintf("unknown payment method %q", p.Method)}
	}

	now := s.now()
	dep := Deposit{
		ID:        DepositID(s.newID()),
		AccountID: p.AccountID,
		Amount:    p.Amount,
		PaidAt:    orNow(p.PaidAt, now),
		Method:    p.Method,
		ProofRef:  p.ProofRef,
		Status:    DepositPending,
		CreatedBy: actor,
		CreatedAt: now,
	}

	err := s.store.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.LockAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		if acct.Status == AccountClosed {
			return &InvalidStateError{Kind: "account", ID: string(acct.ID), Status: string(acct.Status), Action: "deposit into"}
		}
		return tx.InsertDeposit(ctx, dep)
	})
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

func (s *Service) ApproveDeposit(ctx context.Context, actor Actor, id DepositID, note string) (*Deposit, error) {
	return s.verifyDeposit(ctx, actor, id, DepositApproved, note)
}

// RejectDeposit is final: a rejected deposit never counts again.
func (s *Service) RejectDeposit(ctx context.Context, actor Actor, id DepositID, note string) (*Deposit, error) {
	return s.verifyDeposit(ctx, actor, id, DepositRejected, note)
}

func (s *Service) verifyDeposit(ctx context.Context, actor Actor, id DepositID, to DepositStatus, note string) (*Deposit, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	action := "approve"
	if to == DepositRejected {
		action = "reject"
	}

	var out Deposit
	err := s.store.WithTx(ctx, func(tx Tx) error {
		dep, err := lockDeposit(ctx, tx, id)
		if err != nil {
			return err
		}
		if dep.Status != DepositPending {
			return &InvalidStateError{Kind: "deposit", ID: string(id), Status: string(dep.Status), Action: action}
		}

		now := s.now()
		dep.Status = to
		dep.VerifiedBy = actor
		dep.VerifiedAt = &now
		dep.VerificationNote = note
		if err := tx.UpdateDepositVerification(ctx, *dep); err != nil {
			return err
		}
		out = *dep
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("deposit verified", "deposit_id", id, "account_id", out.AccountID, "status", to, "actor", actor)
	return &out, nil
}

// lockDeposit locks the deposit's account, then re-reads the deposit so the
// status check sees any verification committed while we waited.
func lockDeposit(ctx context.Context, tx Tx, id DepositID) (*Deposit, error) {
	dep, err := tx.GetDeposit(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.LockAccount(ctx, dep.AccountID); err != nil {
		return nil, err
	}
	return tx.GetDeposit(ctx, id)
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

// CreateAllocation earmarks funds as a draft. The amount must not exceed
// the available balance computed under the account lock.
func (s *Service) CreateAllocation(ctx context.Context, actor Actor, p CreateAllocationParams) (*Allocation, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if p.AccountID == "" {
		return nil, &ValidationError{Field: "account_id", Message: "required"}
	}
	if err := validateAmount(p.Amount); err != nil {
		return nil, err
	}

	now := s.now()
	alloc := Allocation{
		ID:             AllocationID(s.newID()),
		AccountID:      p.AccountID,
		RegistrationID: p.RegistrationID,
		InvoiceID:      p.InvoiceID,
		Amount:         p.Amount,
		AllocatedAt:    orNow(p.AllocatedAt, now),
		Note:           p.Note,
		Status:         AllocationDraft,
		CreatedBy:      actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.store.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.LockAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		if acct.Status != AccountActive {
			return &InvalidStateError{Kind: "account", ID: string(acct.ID), Status: string(acct.Status), Action: "allocate from"}
		}
		if p.InvoiceID != nil {
			if _, err := tx.GetInvoice(ctx, *p.InvoiceID); err != nil {
				return err
			}
		}

		bal, err := s.balanceTx(ctx, tx, p.AccountID)
		if err != nil {
			return err
		}
		if p.Amount.GreaterThan(bal.Available) {
			return &InsufficientBalanceError{AccountID: p.AccountID, Available: bal.Available, Requested: p.Amount}
		}
		return tx.InsertAllocation(ctx, alloc)
	})
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

// UpdateAllocation edits a draft. The new amount is checked against the
// available balance plus the draft's own current amount.
func (s *Service) UpdateAllocation(ctx context.Context, actor Actor, id AllocationID, p UpdateAllocationParams) (*Allocation, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if err := validateAmount(p.Amount); err != nil {
		return nil, err
	}

	var out Allocation
	err := s.store.WithTx(ctx, func(tx Tx) error {
		alloc, acct, err := lockAllocation(ctx, tx, id)
		if err != nil {
			return err
		}
		if alloc.Status != AllocationDraft {
			return &InvalidStateError{Kind: "allocation", ID: string(id), Status: string(alloc.Status), Action: "edit"}
		}
		if p.InvoiceID != nil {
			if _, err := tx.GetInvoice(ctx, *p.InvoiceID); err != nil {
				return err
			}
		}

		bal, err := s.balanceTx(ctx, tx, acct.ID)
		if err != nil {
			return err
		}
		headroom := bal.Available.Add(alloc.Amount)
		if p.Amount.GreaterThan(headroom) {
			return &InsufficientBalanceError{AccountID: acct.ID, Available: headroom, Requested: p.Amount}
		}

		alloc.Amount = p.Amount
		alloc.RegistrationID = p.RegistrationID
		alloc.InvoiceID = p.InvoiceID
		alloc.AllocatedAt = orNow(p.AllocatedAt, alloc.AllocatedAt)
		alloc.Note = p.Note
		alloc.UpdatedAt = s.now()
		if err := tx.UpdateAllocation(ctx, *alloc); err != nil {
			return err
		}
		out = *alloc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PostAllocation settles a draft into its invoice, creating the invoice if
// the draft has none. A second call fails with ErrInvalidState.
func (s *Service) PostAllocation(ctx context.Context, actor Actor, id AllocationID) (*Allocation, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	var out Allocation
	err := s.store.WithTx(ctx, func(tx Tx) error {
		alloc, acct, err := lockAllocation(ctx, tx, id)
		if err != nil {
			return err
		}
		if alloc.Status != AllocationDraft {
			return &InvalidStateError{Kind: "allocation", ID: string(id), Status: string(alloc.Status), Action: "post"}
		}

		bal, err := s.balanceTx(ctx, tx, acct.ID)
		if err != nil {
			return err
		}
		if bal.Locked.LessThan(alloc.Amount) {
			return &InsufficientLockedBalanceError{AllocationID: id, Locked: bal.Locked, Amount: alloc.Amount}
		}

		var inv *Invoice
		if alloc.InvoiceID == nil {
			inv, err = s.invoices.CreateFromAllocation(ctx, tx, *alloc)
		} else {
			inv, err = s.invoices.AddAmount(ctx, tx, *alloc.InvoiceID, alloc.Amount)
		}
		if err != nil {
			return err
		}

		now := s.now()
		alloc.InvoiceID = &inv.ID
		alloc.Status = AllocationPosted
		alloc.PostedBy = actor
		alloc.PostedAt = &now
		alloc.UpdatedAt = now
		if err := tx.UpdateAllocation(ctx, *alloc); err != nil {
			return err
		}

		rec, err := newAllocationPostedRecord(s.newID(), *alloc, *inv)
		if err != nil {
			return fmt.Errorf("encode allocation posted event: %w", err)
		}
		if err := tx.EnqueueEvent(ctx, rec); err != nil {
			return err
		}
		out = *alloc
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("allocation posted",
		"allocation_id", id, "account_id", out.AccountID, "invoice_id", *out.InvoiceID,
		"amount", out.Amount.String(), "actor", actor)
	if s.nudger != nil {
		s.nudger.Nudge()
	}
	return &out, nil
}

// ReverseAllocation undoes a posted allocation: its funds return to the
// available balance and the linked invoice is cancelled.
func (s *Service) ReverseAllocation(ctx context.Context, actor Actor, id AllocationID, reason string) (*Allocation, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	var out Allocation
	err := s.store.WithTx(ctx, func(tx Tx) error {
		alloc, _, err := lockAllocation(ctx, tx, id)
		if err != nil {
			return err
		}
		if alloc.Status != AllocationPosted {
			return &InvalidStateError{Kind: "allocation", ID: string(id), Status: string(alloc.Status), Action: "reverse"}
		}

		now := s.now()
		alloc.Status = AllocationReversed
		alloc.ReversedBy = actor
		alloc.ReversedAt = &now
		alloc.ReversalNote = reason
		alloc.UpdatedAt = now
		if err := tx.UpdateAllocation(ctx, *alloc); err != nil {
			return err
		}

		if alloc.InvoiceID != nil {
			if _, err := s.invoices.Release(ctx, tx, *alloc.InvoiceID, alloc.Amount); err != nil {
				return err
			}
		}
		out = *alloc
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("allocation reversed", "allocation_id", id, "account_id", out.AccountID, "actor", actor)
	return &out, nil
}

// DeleteAllocation hard-deletes a draft. Posted and reversed allocations
// are history and cannot be deleted.
func (s *Service) DeleteAllocation(ctx context.Context, actor Actor, id AllocationID) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx Tx) error {
		alloc, _, err := lockAllocation(ctx, tx, id)
		if err != nil {
			return err
		}
		if alloc.Status != AllocationDraft {
			return &InvalidStateError{Kind: "allocation", ID: string(id), Status: string(alloc.Status), Action: "delete"}
		}
		return tx.DeleteAllocation(ctx, id)
	})
}

func lockAllocation(ctx context.Context, tx Tx, id AllocationID) (*Allocation, *Account, error) {
	alloc, err := tx.GetAllocation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	acct, err := tx.LockAccount(ctx, alloc.AccountID)
	if err != nil {
		return nil, nil, err
	}
	alloc, err = tx.GetAllocation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return alloc, acct, nil
}

// =============================================================================
// READS
// =============================================================================

// Summary derives the account's balances and per-status counts from its
// full history. It is never cached.
func (s *Service) Summary(ctx context.Context, id AccountID) (*Summary, error) {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	summary, err := s.summaryFrom(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (s *Service) Account(ctx context.Context, id AccountID) (*Account, error) {
	return s.store.GetAccount(ctx, id)
}

func (s *Service) Accounts(ctx context.Context) ([]Account, error) {
	return s.store.ListAccounts(ctx)
}

func (s *Service) Deposits(ctx context.Context, id AccountID) ([]Deposit, error) {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListDeposits(ctx, id)
}

func (s *Service) Allocations(ctx context.Context, id AccountID) ([]Allocation, error) {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAllocations(ctx, id)
}

func (s *Service) Invoice(ctx context.Context, id InvoiceID) (*Invoice, error) {
	return s.store.GetInvoice(ctx, id)
}

func (s *Service) balanceTx(ctx context.Context, tx Tx, id AccountID) (Balance, error) {
	summary, err := s.summaryFrom(ctx, tx, id)
	if err != nil {
		return Balance{}, err
	}
	return summary.Balance, nil
}

func (s *Service) summaryFrom(ctx context.Context, r Reader, id AccountID) (Summary, error) {
	deposits, err := r.ListDeposits(ctx, id)
	if err != nil {
		return Summary{}, fmt.Errorf("load deposits: %w", err)
	}
	allocations, err := r.ListAllocations(ctx, id)
	if err != nil {
		return Summary{}, fmt.Errorf("load allocations: %w", err)
	}
	summary := Summarize(id, deposits, allocations)
	if summary.Balance.Clamped {
		s.logger.Warn("balance clamped to zero",
			"account_id", id,
			"approved", summary.Buckets.Approved.String(),
			"draft", summary.Buckets.Draft.String(),
			"posted", summary.Buckets.Posted.String())
	}
	return summary, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func validateAmount(m Money) error {
	if !m.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if !m.HasValidScale() {
		return &ValidationError{Field: "amount", Message: "more than two fractional digits"}
	}
	return nil
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

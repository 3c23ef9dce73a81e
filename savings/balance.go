/*
balance.go - Balance calculation from deposit and allocation history

PURPOSE:
  Answers "how much can this pilgrim still allocate?". The answer is never
  read from a column: it is recomputed from the account's deposits and
  allocations every time, inside the account lock when validating a write.

BUCKETS:
  approved  = Σ deposits with status approved
  draft     = Σ allocations with status draft
  posted    = Σ allocations with status posted
  reversed  = Σ allocations with status reversed (reported, not spendable debt)

  Available = max(0, approved - draft - posted)
  Locked    = max(0, draft)
  Total     = Available + Locked

  A reversed allocation leaves the posted sum, which restores Available by
  exactly its amount. It never re-enters Locked.

CLAMPING:
  Negative intermediate results are clamped to zero and flagged with
  Clamped so the service can log the anomaly. Summary.Check turns the
  flag into ErrBalanceInconsistency.

SEE ALSO:
  - ledger.go: Calls Calculate under the account lock
*/
package savings

import "fmt"

// =============================================================================
// BALANCE
// =============================================================================

type Balance struct {
	Available Money
	Locked    Money
	Total     Money

	// Clamped is true when history would have produced a negative bucket.
	Clamped bool
}

// Buckets are the raw per-status sums a Balance is derived from.
type Buckets struct {
	Approved Money
	Pending  Money
	Rejected Money

	Draft    Money
	Posted   Money
	Reversed Money
}

// Summary is the account read model: balance plus counts and sums by status.
type Summary struct {
	AccountID AccountID
	Balance   Balance
	Buckets   Buckets

	DepositCount         int
	ApprovedDepositCount int
	PendingDepositCount  int
	RejectedDepositCount int

	AllocationCount         int
	DraftAllocationCount    int
	PostedAllocationCount   int
	ReversedAllocationCount int
}

// TotalDeposits is the sum of every deposit regardless of status.
func (s Summary) TotalDeposits() Money {
	return s.Buckets.Approved.Add(s.Buckets.Pending).Add(s.Buckets.Rejected)
}

// TotalAllocations is the sum of every allocation regardless of status.
func (s Summary) TotalAllocations() Money {
	return s.Buckets.Draft.Add(s.Buckets.Posted).Add(s.Buckets.Reversed)
}

// =============================================================================
// CALCULATOR - pure, no I/O
// =============================================================================

// Summarize folds an account's history into a Summary.
func Summarize(accountID AccountID, deposits []Deposit, allocations []Allocation) Summary {
	s := Summary{AccountID: accountID}
	b := Buckets{
		Approved: ZeroMoney(), Pending: ZeroMoney(), Rejected: ZeroMoney(),
		Draft: ZeroMoney(), Posted: ZeroMoney(), Reversed: ZeroMoney(),
	}

	for _, d := range deposits {
		s.DepositCount++
		switch d.Status {
		case DepositApproved:
			s.ApprovedDepositCount++
			b.Approved = b.Approved.Add(d.Amount)
		case DepositPending:
			s.PendingDepositCount++
			b.Pending = b.Pending.Add(d.Amount)
		case DepositRejected:
			s.RejectedDepositCount++
			b.Rejected = b.Rejected.Add(d.Amount)
		}
	}

	for _, a := range allocations {
		s.AllocationCount++
		switch a.Status {
		case AllocationDraft:
			s.DraftAllocationCount++
			b.Draft = b.Draft.Add(a.Amount)
		case AllocationPosted:
			s.PostedAllocationCount++
			b.Posted = b.Posted.Add(a.Amount)
		case AllocationReversed:
			s.ReversedAllocationCount++
			b.Reversed = b.Reversed.Add(a.Amount)
		}
	}

	s.Buckets = b
	s.Balance = b.Balance()
	return s
}

// Balance derives the two spendable buckets.
func (b Buckets) Balance() Balance {
	available, clampedA := b.Approved.Sub(b.Draft).Sub(b.Posted).ClampZero()
	locked, clampedL := b.Draft.ClampZero()
	return Balance{
		Available: available,
		Locked:    locked,
		Total:     available.Add(locked),
		Clamped:   clampedA || clampedL,
	}
}

// Calculate returns the balance of one account's history.
func Calculate(deposits []Deposit, allocations []Allocation) Balance {
	return Summarize("", deposits, allocations).Balance
}

// Check reports a clamped balance as ErrBalanceInconsistency for callers
// that prefer failure over silent clamping.
func (s Summary) Check() error {
	if !s.Balance.Clamped {
		return nil
	}
	return fmt.Errorf("%w: account %s: approved %s, draft %s, posted %s",
		ErrBalanceInconsistency, s.AccountID, s.Buckets.Approved, s.Buckets.Draft, s.Buckets.Posted)
}

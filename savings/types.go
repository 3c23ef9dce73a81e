/*
Package savings implements the pilgrim savings ledger.

PURPOSE:
  A pilgrim saves toward an Umrah package through a single savings account.
  Money enters through deposits (verified by an admin) and leaves through
  allocations that earmark funds against an invoice. This package holds the
  entities, the balance calculator, the persistence contract and the ledger
  service that mutates all of them under an account lock.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: a rupiah amount backed by decimal.Decimal
  - Account, Deposit, Allocation, Invoice: the ledger entities
  - Actor: the caller identity stamped on every mutation

DESIGN PRINCIPLES:
  1. Derived balances: an Account has NO balance fields. Balances are
     replayed from deposits and allocations on every read and write.
  2. Precision: decimal.Decimal, at most two fractional digits.
  3. Explicit identity: every mutation takes an Actor argument, there is
     no ambient "current user".

SEE ALSO:
  - balance.go: Balance calculation from history
  - ledger.go: The transactional service
  - store.go: Persistence interface
*/
package savings

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Rupiah amount with minor-unit precision
// =============================================================================

// MoneyScale is the number of fractional digits a Money value may carry.
const MoneyScale = 2

// MaxMoneyIntegerDigits bounds the integer part so every amount fits the
// NUMERIC(18,2) columns of the postgres store.
const MaxMoneyIntegerDigits = 16

// Money is an amount in the account currency (IDR).
type Money struct {
	Value decimal.Decimal
}

func NewMoney(value int64) Money { return Money{Value: decimal.NewFromInt(value)} }

// ParseMoney parses a plain decimal string. Values with more than MoneyScale
// fractional digits are rejected rather than rounded. Exponent notation is
// refused before parsing so no input can force an unbounded rescale.
func ParseMoney(s string) (Money, error) {
	if strings.ContainsAny(s, "eE") {
		return Money{}, &ValidationError{Field: "amount", Message: fmt.Sprintf("exponent notation not accepted: %q", s)}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, &ValidationError{Field: "amount", Message: fmt.Sprintf("not a number: %q", s)}
	}
	if d.NumDigits()+int(d.Exponent()) > MaxMoneyIntegerDigits {
		return Money{}, &ValidationError{Field: "amount", Message: fmt.Sprintf("more than %d integer digits", MaxMoneyIntegerDigits)}
	}
	m := Money{Value: d}
	if !m.HasValidScale() {
		return Money{}, &ValidationError{Field: "amount", Message: "more than two fractional digits"}
	}
	return m, nil
}

// MustParseMoney is ParseMoney for literals in tests and fixtures.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func ZeroMoney() Money                     { return Money{Value: decimal.Zero} }
func (m Money) Add(o Money) Money          { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money          { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money                 { return Money{Value: m.Value.Neg()} }
func (m Money) IsZero() bool               { return m.Value.IsZero() }
func (m Money) IsNegative() bool           { return m.Value.IsNegative() }
func (m Money) IsPositive() bool           { return m.Value.IsPositive() }
func (m Money) GreaterThan(o Money) bool   { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool      { return m.Value.LessThan(o.Value) }
func (m Money) Equal(o Money) bool         { return m.Value.Equal(o.Value) }
func (m Money) String() string             { return m.Value.StringFixed(MoneyScale) }
func (m Money) HasValidScale() bool        { return m.Value.Equal(m.Value.Truncate(MoneyScale)) }
func (m Money) ClampZero() (Money, bool) {
	if m.IsNegative() {
		return ZeroMoney(), true
	}
	return m, false
}

// MarshalJSON encodes money as a string so no precision is lost in clients.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts both "1500000.00" and 1500000.
func (m *Money) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return &ValidationError{Field: "amount", Message: "must be a string or number"}
		}
		s = n.String()
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type DepositID string
type AllocationID string
type InvoiceID string
type PilgrimID string
type RegistrationID string

// Actor identifies who performs a ledger operation (an admin user id).
type Actor string

func (a Actor) Validate() error {
	if a == "" {
		return &ValidationError{Field: "actor", Message: "caller identity is required"}
	}
	return nil
}

// =============================================================================
// ACCOUNT
// =============================================================================

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
	AccountClosed   AccountStatus = "closed"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case AccountActive, AccountInactive, AccountClosed:
		return true
	}
	return false
}

// Bank is the issuing bank of a savings account.
type Bank string

const (
	BankBSI      Bank = "bsi"
	BankBRI      Bank = "bri"
	BankBNI      Bank = "bni"
	BankMandiri  Bank = "mandiri"
	BankMuamalat Bank = "muamalat"
	BankBTN      Bank = "btn"
)

func (b Bank) Valid() bool {
	switch b {
	case BankBSI, BankBRI, BankBNI, BankMandiri, BankMuamalat, BankBTN:
		return true
	}
	return false
}

// Account is a pilgrim's savings account. It deliberately carries no
// balance: see Calculate.
type Account struct {
	ID            AccountID
	PilgrimID     PilgrimID
	AccountNumber string
	Bank          Bank
	OpenedAt      time.Time
	Status        AccountStatus

	CreatedBy Actor
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// =============================================================================
// DEPOSIT
// =============================================================================

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodTransfer PaymentMethod = "transfer"
	MethodGateway  PaymentMethod = "gateway"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodTransfer, MethodGateway:
		return true
	}
	return false
}

type DepositStatus string

const (
	DepositPending  DepositStatus = "pending"
	DepositApproved DepositStatus = "approved"
	DepositRejected DepositStatus = "rejected"
)

// Deposit is money paid into an account. Only approved deposits count
// toward the balance.
type Deposit struct {
	ID        DepositID
	AccountID AccountID
	Amount    Money
	PaidAt    time.Time
	Method    PaymentMethod
	ProofRef  string
	Status    DepositStatus

	// Set once, on the transition out of pending
	VerifiedBy       Actor
	VerifiedAt       *time.Time
	VerificationNote string

	CreatedBy Actor
	CreatedAt time.Time
}

// =============================================================================
// ALLOCATION
// =============================================================================

type AllocationStatus string

const (
	AllocationDraft    AllocationStatus = "draft"
	AllocationPosted   AllocationStatus = "posted"
	AllocationReversed AllocationStatus = "reversed"
)

// Allocation earmarks account funds against an invoice.
//
//	draft ──Post──▶ posted ──Reverse──▶ reversed
//	  │
//	  └──Delete (hard delete, draft only)
type Allocation struct {
	ID             AllocationID
	AccountID      AccountID
	RegistrationID *RegistrationID
	InvoiceID      *InvoiceID
	Amount         Money
	AllocatedAt    time.Time
	Note           string
	Status         AllocationStatus

	CreatedBy    Actor
	PostedBy     Actor
	PostedAt     *time.Time
	ReversedBy   Actor
	ReversedAt   *time.Time
	ReversalNote string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceActive    InvoiceStatus = "active"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Invoice is the billing record allocations settle into. TotalAmount is
// maintained additively when allocations post.
type Invoice struct {
	ID          InvoiceID
	Number      string
	IssuedAt    time.Time
	TotalAmount Money
	Status      InvoiceStatus
	Note        string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

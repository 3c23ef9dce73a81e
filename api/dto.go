/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Account:     AccountDTO, OpenAccountRequest, SetAccountStatusRequest
  Deposit:     DepositDTO, RecordDepositRequest, VerifyDepositRequest
  Allocation:  AllocationDTO, AllocationRequest, ReverseAllocationRequest
  Invoice:     InvoiceDTO
  Summary:     SummaryDTO, BalanceDisplayDTO, BucketDTO
  Scenarios:   ScenarioDTO, LoadScenarioRequest

MONEY:
  Amounts are serialized as decimal strings ("1500000.00") so clients
  never round through float64. Display strings ("Rp 1.500.000") are
  rendered with Indonesian digit grouping.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"strings"
	"time"

	"github.com/warp/savings-ledger/savings"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	ID            string     `json:"id"`
	PilgrimID     string     `json:"pilgrim_id"`
	AccountNumber string     `json:"account_number"`
	Bank          string     `json:"bank"`
	Status        string     `json:"status"`
	OpenedAt      time.Time  `json:"opened_at"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

type OpenAccountRequest struct {
	PilgrimID     string     `json:"pilgrim_id"`
	AccountNumber string     `json:"account_number"`
	Bank          string     `json:"bank"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
}

type SetAccountStatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// DEPOSITS
// =============================================================================

type DepositDTO struct {
	ID               string        `json:"id"`
	AccountID        string        `json:"account_id"`
	Amount           savings.Money `json:"amount"`
	AmountDisplay    string        `json:"amount_display"`
	PaidAt           time.Time     `json:"paid_at"`
	Method           string        `json:"method"`
	ProofRef         string        `json:"proof_ref,omitempty"`
	Status           string        `json:"status"`
	VerifiedBy       string        `json:"verified_by,omitempty"`
	VerifiedAt       *time.Time    `json:"verified_at,omitempty"`
	VerificationNote string        `json:"verification_note,omitempty"`
	CreatedBy        string        `json:"created_by"`
	CreatedAt        time.Time     `json:"created_at"`
}

type RecordDepositRequest struct {
	Amount   savings.Money `json:"amount"`
	PaidAt   *time.Time    `json:"paid_at,omitempty"`
	Method   string        `json:"method"`
	ProofRef string        `json:"proof_ref,omitempty"`
}

// VerifyDepositRequest is the optional body of approve and reject.
type VerifyDepositRequest struct {
	Note string `json:"note"`
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

type AllocationDTO struct {
	ID             string        `json:"id"`
	AccountID      string        `json:"account_id"`
	RegistrationID *string       `json:"registration_id,omitempty"`
	InvoiceID      *string       `json:"invoice_id,omitempty"`
	Amount         savings.Money `json:"amount"`
	AmountDisplay  string        `json:"amount_display"`
	AllocatedAt    time.Time     `json:"allocated_at"`
	Note           string        `json:"note,omitempty"`
	Status         string        `json:"status"`
	CreatedBy      string        `json:"created_by"`
	PostedBy       string        `json:"posted_by,omitempty"`
	PostedAt       *time.Time    `json:"posted_at,omitempty"`
	ReversedBy     string        `json:"reversed_by,omitempty"`
	ReversedAt     *time.Time    `json:"reversed_at,omitempty"`
	ReversalNote   string        `json:"reversal_note,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// AllocationRequest is used for both creating and editing a draft.
type AllocationRequest struct {
	Amount         savings.Money `json:"amount"`
	RegistrationID *string       `json:"registration_id,omitempty"`
	InvoiceID      *string       `json:"invoice_id,omitempty"`
	AllocatedAt    *time.Time    `json:"allocated_at,omitempty"`
	Note           string        `json:"note,omitempty"`
}

type ReverseAllocationRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceDTO struct {
	ID           string          `json:"id"`
	Number       string          `json:"number"`
	IssuedAt     time.Time       `json:"issued_at"`
	TotalAmount  savings.Money   `json:"total_amount"`
	TotalDisplay string          `json:"total_display"`
	Status       string          `json:"status"`
	Note         string          `json:"note,omitempty"`
	Allocations  []AllocationDTO `json:"allocations"`
}

// =============================================================================
// SUMMARY
// =============================================================================

// SummaryDTO is the derived read model of an account.
type SummaryDTO struct {
	AccountID   string            `json:"account_id"`
	Available   savings.Money     `json:"available"`
	Locked      savings.Money     `json:"locked"`
	Total       savings.Money     `json:"total"`
	Display     BalanceDisplayDTO `json:"display"`
	Clamped     bool              `json:"clamped,omitempty"`
	Deposits    DepositBreakdown  `json:"deposits"`
	Allocations AllocBreakdown    `json:"allocations"`
}

// BalanceDisplayDTO holds pre-formatted strings for UI display.
type BalanceDisplayDTO struct {
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Total     string `json:"total"`
}

type BucketDTO struct {
	Count  int           `json:"count"`
	Amount savings.Money `json:"amount"`
}

type DepositBreakdown struct {
	Count    int           `json:"count"`
	Total    savings.Money `json:"total"`
	Approved BucketDTO     `json:"approved"`
	Pending  BucketDTO     `json:"pending"`
	Rejected BucketDTO     `json:"rejected"`
}

type AllocBreakdown struct {
	Count    int           `json:"count"`
	Total    savings.Money `json:"total"`
	Draft    BucketDTO     `json:"draft"`
	Posted   BucketDTO     `json:"posted"`
	Reversed BucketDTO     `json:"reversed"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// ShortfallDetails accompanies insufficient_balance errors.
type ShortfallDetails struct {
	Message   string        `json:"message"`
	Available savings.Money `json:"available"`
	Requested savings.Money `json:"requested"`
	Shortfall savings.Money `json:"shortfall"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

var idr = message.NewPrinter(language.Indonesian)

// formatRupiah renders "Rp 2.500.000" or "Rp 2.500.000,50". The integer
// part goes through the printer for grouping; the fraction is appended
// as-is so no amount ever passes through a float.
func formatRupiah(m savings.Money) string {
	fixed := m.Value.Abs().StringFixed(savings.MoneyScale)
	_, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	if m.IsNegative() {
		b.WriteString("-")
	}
	b.WriteString("Rp ")
	b.WriteString(idr.Sprintf("%d", m.Value.Abs().IntPart()))
	if strings.Trim(frac, "0") != "" {
		b.WriteString(",")
		b.WriteString(frac)
	}
	return b.String()
}

func toAccountDTO(a savings.Account) AccountDTO {
	return AccountDTO{
		ID:            string(a.ID),
		PilgrimID:     string(a.PilgrimID),
		AccountNumber: a.AccountNumber,
		Bank:          string(a.Bank),
		Status:        string(a.Status),
		OpenedAt:      a.OpenedAt,
		CreatedBy:     string(a.CreatedBy),
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
		DeletedAt:     a.DeletedAt,
	}
}

func toDepositDTO(d savings.Deposit) DepositDTO {
	return DepositDTO{
		ID:               string(d.ID),
		AccountID:        string(d.AccountID),
		Amount:           d.Amount,
		AmountDisplay:    formatRupiah(d.Amount),
		PaidAt:           d.PaidAt,
		Method:           string(d.Method),
		ProofRef:         d.ProofRef,
		Status:           string(d.Status),
		VerifiedBy:       string(d.VerifiedBy),
		VerifiedAt:       d.VerifiedAt,
		VerificationNote: d.VerificationNote,
		CreatedBy:        string(d.CreatedBy),
		CreatedAt:        d.CreatedAt,
	}
}

func toAllocationDTO(a savings.Allocation) AllocationDTO {
	dto := AllocationDTO{
		ID:            string(a.ID),
		AccountID:     string(a.AccountID),
		Amount:        a.Amount,
		AmountDisplay: formatRupiah(a.Amount),
		AllocatedAt:   a.AllocatedAt,
		Note:          a.Note,
		Status:        string(a.Status),
		CreatedBy:     string(a.CreatedBy),
		PostedBy:      string(a.PostedBy),
		PostedAt:      a.PostedAt,
		ReversedBy:    string(a.ReversedBy),
		ReversedAt:    a.ReversedAt,
		ReversalNote:  a.ReversalNote,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
	if a.RegistrationID != nil {
		s := string(*a.RegistrationID)
		dto.RegistrationID = &s
	}
	if a.InvoiceID != nil {
		s := string(*a.InvoiceID)
		dto.InvoiceID = &s
	}
	return dto
}

func toAllocationDTOs(allocs []savings.Allocation) []AllocationDTO {
	dtos := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		dtos[i] = toAllocationDTO(a)
	}
	return dtos
}

func toSummaryDTO(s savings.Summary) SummaryDTO {
	b := s.Buckets
	return SummaryDTO{
		AccountID: string(s.AccountID),
		Available: s.Balance.Available,
		Locked:    s.Balance.Locked,
		Total:     s.Balance.Total,
		Display: BalanceDisplayDTO{
			Available: formatRupiah(s.Balance.Available),
			Locked:    formatRupiah(s.Balance.Locked),
			Total:     formatRupiah(s.Balance.Total),
		},
		Clamped: s.Balance.Clamped,
		Deposits: DepositBreakdown{
			Count:    s.DepositCount,
			Total:    s.TotalDeposits(),
			Approved: BucketDTO{Count: s.ApprovedDepositCount, Amount: b.Approved},
			Pending:  BucketDTO{Count: s.PendingDepositCount, Amount: b.Pending},
			Rejected: BucketDTO{Count: s.RejectedDepositCount, Amount: b.Rejected},
		},
		Allocations: AllocBreakdown{
			Count:    s.AllocationCount,
			Total:    s.TotalAllocations(),
			Draft:    BucketDTO{Count: s.DraftAllocationCount, Amount: b.Draft},
			Posted:   BucketDTO{Count: s.PostedAllocationCount, Amount: b.Posted},
			Reversed: BucketDTO{Count: s.ReversedAllocationCount, Amount: b.Reversed},
		},
	}
}

func optionalTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

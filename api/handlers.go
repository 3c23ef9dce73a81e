/*
handlers.go - HTTP API handlers for the savings ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every decision to savings.Service.
  Handlers never compute balances themselves.

ENDPOINTS:
  Accounts:
    GET    /api/accounts                    List accounts
    POST   /api/accounts                    Open account
    GET    /api/accounts/{id}               Account details
    PUT    /api/accounts/{id}/status        Change status
    DELETE /api/accounts/{id}               Archive (closed accounts only)
    GET    /api/accounts/{id}/summary       Derived balances (?strict=true)

  Deposits:
    GET    /api/accounts/{id}/deposits      List
    POST   /api/accounts/{id}/deposits      Record (pending)
    POST   /api/deposits/{id}/approve       Approve
    POST   /api/deposits/{id}/reject        Reject

  Allocations:
    GET    /api/accounts/{id}/allocations   List
    POST   /api/accounts/{id}/allocations   Create draft
    PUT    /api/allocations/{id}            Edit draft
    DELETE /api/allocations/{id}            Delete draft
    POST   /api/allocations/{id}/post       Post (issues or extends invoice)
    POST   /api/allocations/{id}/reverse    Reverse

  Invoices:
    GET    /api/invoices/{id}               Invoice with its allocations

ERROR HANDLING:
  Error kinds map to HTTP status:
  - 400: ErrValidation, malformed JSON
  - 401: Missing or invalid caller identity
  - 404: ErrNotFound
  - 409: ErrInvalidState, ErrDuplicate
  - 422: ErrInsufficientBalance (details carry the shortfall)
  - 500: ErrInsufficientLockedBalance, ErrBalanceInconsistency, anything else
  - 503: ErrTransient (safe to retry the whole request)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/savings-ledger/savings"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *savings.Service
	Store   savings.Store

	logger *slog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. store must be the one svc was built on;
// it is used for health checks and scenario resets.
func NewHandler(svc *savings.Service, store savings.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Store: store, logger: logger}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Healthz reports liveness and, when the store supports it, database reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Service.Accounts(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	acct, err := h.Service.OpenAccount(r.Context(), actorFrom(r.Context()), savings.OpenAccountParams{
		PilgrimID:     savings.PilgrimID(req.PilgrimID),
		AccountNumber: req.AccountNumber,
		Bank:          savings.Bank(req.Bank),
		OpenedAt:      optionalTime(req.OpenedAt),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(*acct))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Service.Account(r.Context(), savings.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*acct))
}

func (h *Handler) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	var req SetAccountStatusRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	acct, err := h.Service.SetAccountStatus(r.Context(), actorFrom(r.Context()),
		savings.AccountID(chi.URLParam(r, "id")), savings.AccountStatus(req.Status))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*acct))
}

func (h *Handler) ArchiveAccount(w http.ResponseWriter, r *http.Request) {
	err := h.Service.ArchiveAccount(r.Context(), actorFrom(r.Context()), savings.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSummary returns the derived balances. With ?strict=true a clamped
// balance is reported as an error instead of being silently floored.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	strict := false
	if v := r.URL.Query().Get("strict"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid strict parameter", err)
			return
		}
		strict = parsed
	}

	summary, err := h.Service.Summary(r.Context(), savings.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if strict {
		if err := summary.Check(); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(*summary))
}

// =============================================================================
// DEPOSIT HANDLERS
// =============================================================================

func (h *Handler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := h.Service.Deposits(r.Context(), savings.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	dtos := make([]DepositDTO, len(deposits))
	for i, d := range deposits {
		dtos[i] = toDepositDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RecordDeposit(w http.ResponseWriter, r *http.Request) {
	var req RecordDepositRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	d, err := h.Service.RecordDeposit(r.Context(), actorFrom(r.Context()), savings.RecordDepositParams{
		AccountID: savings.AccountID(chi.URLParam(r, "id")),
		Amount:    req.Amount,
		PaidAt:    optionalTime(req.PaidAt),
		Method:    savings.PaymentMethod(req.Method),
		ProofRef:  req.ProofRef,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDepositDTO(*d))
}

func (h *Handler) ApproveDeposit(w http.ResponseWriter, r *http.Request) {
	h.verifyDeposit(w, r, h.Service.ApproveDeposit)
}

func (h *Handler) RejectDeposit(w http.ResponseWriter, r *http.Request) {
	h.verifyDeposit(w, r, h.Service.RejectDeposit)
}

type verifyFunc func(ctx context.Context, actor savings.Actor, id savings.DepositID, note string) (*savings.Deposit, error)

func (h *Handler) verifyDeposit(w http.ResponseWriter, r *http.Request, verify verifyFunc) {
	var req VerifyDepositRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	d, err := verify(r.Context(), actorFrom(r.Context()), savings.DepositID(chi.URLParam(r, "id")), req.Note)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDepositDTO(*d))
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.Service.Allocations(r.Context(), savings.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTOs(allocs))
}

func (h *Handler) CreateAllocation(w http.ResponseWriter, r *http.Request) {
	var req AllocationRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	a, err := h.Service.CreateAllocation(r.Context(), actorFrom(r.Context()), savings.CreateAllocationParams{
		AccountID:      savings.AccountID(chi.URLParam(r, "id")),
		Amount:         req.Amount,
		RegistrationID: registrationRef(req.RegistrationID),
		InvoiceID:      invoiceRef(req.InvoiceID),
		AllocatedAt:    optionalTime(req.AllocatedAt),
		Note:           req.Note,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(*a))
}

func (h *Handler) UpdateAllocation(w http.ResponseWriter, r *http.Request) {
	var req AllocationRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	a, err := h.Service.UpdateAllocation(r.Context(), actorFrom(r.Context()),
		savings.AllocationID(chi.URLParam(r, "id")), savings.UpdateAllocationParams{
			Amount:         req.Amount,
			RegistrationID: registrationRef(req.RegistrationID),
			InvoiceID:      invoiceRef(req.InvoiceID),
			AllocatedAt:    optionalTime(req.AllocatedAt),
			Note:           req.Note,
		})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(*a))
}

func (h *Handler) PostAllocation(w http.ResponseWriter, r *http.Request) {
	a, err := h.Service.PostAllocation(r.Context(), actorFrom(r.Context()), savings.AllocationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(*a))
}

func (h *Handler) ReverseAllocation(w http.ResponseWriter, r *http.Request) {
	var req ReverseAllocationRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	a, err := h.Service.ReverseAllocation(r.Context(), actorFrom(r.Context()),
		savings.AllocationID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(*a))
}

func (h *Handler) DeleteAllocation(w http.ResponseWriter, r *http.Request) {
	err := h.Service.DeleteAllocation(r.Context(), actorFrom(r.Context()), savings.AllocationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := savings.InvoiceID(chi.URLParam(r, "id"))
	inv, err := h.Service.Invoice(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	allocs, err := h.Store.ListAllocationsByInvoice(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, InvoiceDTO{
		ID:           string(inv.ID),
		Number:       inv.Number,
		IssuedAt:     inv.IssuedAt,
		TotalAmount:  inv.TotalAmount,
		TotalDisplay: formatRupiah(inv.TotalAmount),
		Status:       string(inv.Status),
		Note:         inv.Note,
		Allocations:  toAllocationDTOs(allocs),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeBody decodes the JSON body into v. When required is false an empty
// body is accepted. It writes the 400 itself and reports whether to go on.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, required bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (!required && errors.Is(err, io.EOF)) {
		return true
	}

	var verr *savings.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, "Validation failed", verr)
		return false
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", err)
	return false
}

func registrationRef(s *string) *savings.RegistrationID {
	if s == nil || *s == "" {
		return nil
	}
	id := savings.RegistrationID(*s)
	return &id
}

func invoiceRef(s *string) *savings.InvoiceID {
	if s == nil || *s == "" {
		return nil
	}
	id := savings.InvoiceID(*s)
	return &id
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// errorKind maps a ledger error to its HTTP status, a stable code and a
// short message. Order matters: a TransientError also unwraps to its cause.
func errorKind(err error) (int, string, string) {
	switch {
	case savings.IsRetryable(err):
		return http.StatusServiceUnavailable, "transient", "Temporary failure, retry the request"
	case savings.IsNotFound(err):
		return http.StatusNotFound, "not_found", "Not found"
	case errors.Is(err, savings.ErrValidation):
		return http.StatusBadRequest, "validation", "Validation failed"
	case errors.Is(err, savings.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "Invalid state transition"
	case errors.Is(err, savings.ErrDuplicate):
		return http.StatusConflict, "duplicate", "Already exists"
	case errors.Is(err, savings.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance", "Insufficient balance"
	case errors.Is(err, savings.ErrInsufficientLockedBalance):
		return http.StatusInternalServerError, "insufficient_locked_balance", "Locked balance does not cover allocation"
	case errors.Is(err, savings.ErrBalanceInconsistency):
		return http.StatusInternalServerError, "balance_inconsistency", "Balance history is inconsistent"
	}
	return http.StatusInternalServerError, "internal", "Internal error"
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := errorKind(err)

	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}
	var short *savings.InsufficientBalanceError
	if errors.As(err, &short) {
		resp.Details = ShortfallDetails{
			Message:   err.Error(),
			Available: short.Available,
			Requested: short.Requested,
			Shortfall: short.Shortfall(),
		}
	}

	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"status", status,
		"error", err,
	}
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", attrs...)
	case savings.IsClientError(err):
		h.logger.Debug("request rejected", attrs...)
	}
	writeJSON(w, status, resp)
}

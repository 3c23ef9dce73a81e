/*
handlers_test.go - HTTP tests for the ledger API

Tests for:
- Full deposit → allocation → post → reverse flow over HTTP
- Error kind → status mapping
- Caller identity (header and JWT modes)
- Rupiah display formatting
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/savings-ledger/savings"
	"github.com/warp/savings-ledger/savings/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testActor = "admin-1"

var testNow = time.Date(2026, time.October, 19, 9, 30, 0, 0, time.UTC)

type testAPI struct {
	t      *testing.T
	router http.Handler
	mem    *store.Memory
}

func newTestAPI(t *testing.T, cfg RouterConfig) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	svc := savings.NewService(mem, savings.WithClock(func() time.Time { return testNow }))
	return &testAPI{t: t, router: NewRouter(NewHandler(svc, mem, nil), cfg), mem: mem}
}

// do sends a request as testActor and returns the recorder.
func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	return a.send(method, path, body, map[string]string{ActorHeader: testActor})
}

func (a *testAPI) send(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(a.t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// fundedAccount opens an account and approves one deposit of amount.
func (a *testAPI) fundedAccount(pilgrim, amount string) AccountDTO {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/accounts", OpenAccountRequest{
		PilgrimID: pilgrim, AccountNumber: "7110-" + pilgrim, Bank: "bsi",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	acct := decode[AccountDTO](a.t, rec)

	rec = a.do(http.MethodPost, "/api/accounts/"+acct.ID+"/deposits",
		map[string]string{"amount": amount, "method": "transfer", "proof_ref": "TRF-1"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	dep := decode[DepositDTO](a.t, rec)
	assert.Equal(a.t, "pending", dep.Status)

	rec = a.do(http.MethodPost, "/api/deposits/"+dep.ID+"/approve", VerifyDepositRequest{Note: "matched"})
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	return acct
}

func (a *testAPI) summary(accountID string) SummaryDTO {
	a.t.Helper()
	rec := a.do(http.MethodGet, "/api/accounts/"+accountID+"/summary?strict=true", nil)
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[SummaryDTO](a.t, rec)
}

func (a *testAPI) createAllocation(accountID, amount string) *httptest.ResponseRecorder {
	return a.do(http.MethodPost, "/api/accounts/"+accountID+"/allocations",
		map[string]any{"amount": amount, "registration_id": "reg-1", "note": "umrah"})
}

// =============================================================================
// FLOW TESTS
// =============================================================================

func TestAPI_AllocationLifecycle(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	acct := api.fundedAccount("pilgrim-1", "10000000")

	// GIVEN: a draft of 6,000,000 against a 10,000,000 balance
	rec := api.createAllocation(acct.ID, "6000000")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	draft := decode[AllocationDTO](t, rec)
	assert.Equal(t, "draft", draft.Status)
	assert.Equal(t, testActor, draft.CreatedBy)

	s := api.summary(acct.ID)
	assert.Equal(t, "4000000.00", s.Available.String())
	assert.Equal(t, "6000000.00", s.Locked.String())
	assert.Equal(t, "Rp 4.000.000", s.Display.Available)
	assert.Equal(t, 1, s.Allocations.Draft.Count)

	// WHEN: it is posted
	rec = api.do(http.MethodPost, "/api/allocations/"+draft.ID+"/post", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	posted := decode[AllocationDTO](t, rec)

	// THEN: the lock is released and an invoice carries the amount
	require.NotNil(t, posted.InvoiceID)
	s = api.summary(acct.ID)
	assert.Equal(t, "4000000.00", s.Available.String())
	assert.True(t, s.Locked.IsZero())
	assert.Equal(t, "10000000.00", s.Total.Add(s.Allocations.Posted.Amount).String())

	rec = api.do(http.MethodGet, "/api/invoices/"+*posted.InvoiceID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	inv := decode[InvoiceDTO](t, rec)
	assert.Equal(t, "INV-20261019-0001", inv.Number)
	assert.Equal(t, "6000000.00", inv.TotalAmount.String())
	assert.Equal(t, "Rp 6.000.000", inv.TotalDisplay)
	assert.Len(t, inv.Allocations, 1)

	// WHEN: it is reversed
	rec = api.do(http.MethodPost, "/api/allocations/"+draft.ID+"/reverse", ReverseAllocationRequest{Reason: "trip cancelled"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reversed := decode[AllocationDTO](t, rec)
	assert.Equal(t, "reversed", reversed.Status)
	assert.Equal(t, "trip cancelled", reversed.ReversalNote)

	// THEN: the full amount is available again and the invoice is cancelled
	s = api.summary(acct.ID)
	assert.Equal(t, "10000000.00", s.Available.String())
	inv = decode[InvoiceDTO](t, api.do(http.MethodGet, "/api/invoices/"+*posted.InvoiceID, nil))
	assert.Equal(t, "cancelled", inv.Status)
}

func TestAPI_UpdateAndDeleteDraft(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	acct := api.fundedAccount("pilgrim-1", "1000000")
	draft := decode[AllocationDTO](t, api.createAllocation(acct.ID, "400000"))

	rec := api.do(http.MethodPut, "/api/allocations/"+draft.ID, map[string]any{"amount": "900000", "note": "full"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "900000.00", decode[AllocationDTO](t, rec).Amount.String())

	rec = api.do(http.MethodPut, "/api/allocations/"+draft.ID, map[string]any{"amount": "1000001"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = api.do(http.MethodDelete, "/api/allocations/"+draft.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	list := decode[[]AllocationDTO](t, api.do(http.MethodGet, "/api/accounts/"+acct.ID+"/allocations", nil))
	assert.Empty(t, list)
	assert.Equal(t, "1000000.00", api.summary(acct.ID).Available.String())
}

func TestAPI_RejectDepositKeepsBalance(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	acct := api.fundedAccount("pilgrim-1", "500000")

	dep := decode[DepositDTO](t, api.do(http.MethodPost, "/api/accounts/"+acct.ID+"/deposits",
		map[string]string{"amount": "250000.50", "method": "cash"}))
	assert.Equal(t, "Rp 250.000,50", dep.AmountDisplay)

	rec := api.do(http.MethodPost, "/api/deposits/"+dep.ID+"/reject", VerifyDepositRequest{Note: "slip unreadable"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rejected := decode[DepositDTO](t, rec)
	assert.Equal(t, "rejected", rejected.Status)
	assert.Equal(t, testActor, rejected.VerifiedBy)

	// A decided deposit cannot be decided again.
	rec = api.do(http.MethodPost, "/api/deposits/"+dep.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	s := api.summary(acct.ID)
	assert.Equal(t, "500000.00", s.Available.String())
	assert.Equal(t, 1, s.Deposits.Rejected.Count)
	assert.Equal(t, "250000.50", s.Deposits.Rejected.Amount.String())

	deposits := decode[[]DepositDTO](t, api.do(http.MethodGet, "/api/accounts/"+acct.ID+"/deposits", nil))
	assert.Len(t, deposits, 2)
}

func TestAPI_CloseAndArchiveAccount(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	acct := api.fundedAccount("pilgrim-1", "100000")

	rec := api.do(http.MethodDelete, "/api/accounts/"+acct.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "only closed accounts can be archived")

	rec = api.do(http.MethodPut, "/api/accounts/"+acct.ID+"/status", SetAccountStatusRequest{Status: "closed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "closed", decode[AccountDTO](t, rec).Status)

	rec = api.do(http.MethodDelete, "/api/accounts/"+acct.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	accounts := decode[[]AccountDTO](t, api.do(http.MethodGet, "/api/accounts", nil))
	assert.Empty(t, accounts)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_InsufficientBalanceCarriesShortfall(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	acct := api.fundedAccount("pilgrim-1", "10000000")
	require.Equal(t, http.StatusCreated, api.createAllocation(acct.ID, "6000000").Code)

	rec := api.createAllocation(acct.ID, "6000000")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	resp := decode[struct {
		Error   string           `json:"error"`
		Code    string           `json:"code"`
		Details ShortfallDetails `json:"details"`
	}](t, rec)
	assert.Equal(t, "insufficient_balance", resp.Code)
	assert.Equal(t, "4000000.00", resp.Details.Available.String())
	assert.Equal(t, "6000000.00", resp.Details.Requested.String())
	assert.Equal(t, "2000000.00", resp.Details.Shortfall.String())
}

func TestAPI_ErrorStatuses(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	acct := api.fundedAccount("pilgrim-1", "1000000")
	draft := decode[AllocationDTO](t, api.createAllocation(acct.ID, "100000"))
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/allocations/"+draft.ID+"/post", nil).Code)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantKind string
	}{
		{"unknown account", http.MethodGet, "/api/accounts/missing", nil, http.StatusNotFound, "not_found"},
		{"unknown invoice", http.MethodGet, "/api/invoices/missing", nil, http.StatusNotFound, "not_found"},
		{"summary of unknown account", http.MethodGet, "/api/accounts/missing/summary", nil, http.StatusNotFound, "not_found"},
		{"unknown bank", http.MethodPost, "/api/accounts",
			OpenAccountRequest{PilgrimID: "pilgrim-2", AccountNumber: "1", Bank: "citibank"}, http.StatusBadRequest, "validation"},
		{"duplicate account number", http.MethodPost, "/api/accounts",
			OpenAccountRequest{PilgrimID: "pilgrim-2", AccountNumber: acct.AccountNumber, Bank: "bri"}, http.StatusConflict, "duplicate"},
		{"second account for pilgrim", http.MethodPost, "/api/accounts",
			OpenAccountRequest{PilgrimID: "pilgrim-1", AccountNumber: "other", Bank: "bri"}, http.StatusConflict, "duplicate"},
		{"post twice", http.MethodPost, "/api/allocations/" + draft.ID + "/post", nil, http.StatusConflict, "invalid_state"},
		{"delete posted", http.MethodDelete, "/api/allocations/" + draft.ID, nil, http.StatusConflict, "invalid_state"},
		{"zero amount", http.MethodPost, "/api/accounts/" + acct.ID + "/allocations",
			map[string]string{"amount": "0"}, http.StatusBadRequest, "validation"},
		{"unknown status", http.MethodPut, "/api/accounts/" + acct.ID + "/status",
			SetAccountStatusRequest{Status: "frozen"}, http.StatusBadRequest, "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(tt.method, tt.path, tt.body)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantKind, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestAPI_MalformedBodies(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	acct := api.fundedAccount("pilgrim-1", "1000000")

	for name, body := range map[string]string{
		"not json":             `{"amount":`,
		"three decimal places": `{"amount":"1.001","method":"cash"}`,
		"amount not a number":  `{"amount":"lots","method":"cash"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := api.do(http.MethodPost, "/api/accounts/"+acct.ID+"/deposits", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &savings.NotFoundError{Kind: "account", ID: "a"}, http.StatusNotFound},
		{"validation", &savings.ValidationError{Field: "amount", Message: "must be positive"}, http.StatusBadRequest},
		{"invalid state", &savings.InvalidStateError{Kind: "allocation", ID: "a", Status: "posted", Action: "post"}, http.StatusConflict},
		{"duplicate", savings.ErrDuplicate, http.StatusConflict},
		{"insufficient balance", &savings.InsufficientBalanceError{}, http.StatusUnprocessableEntity},
		{"insufficient locked", &savings.InsufficientLockedBalanceError{}, http.StatusInternalServerError},
		{"inconsistent", savings.ErrBalanceInconsistency, http.StatusInternalServerError},
		{"transient wins over its cause", &savings.TransientError{Op: "lock account", Err: context.DeadlineExceeded}, http.StatusServiceUnavailable},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _, _ := errorKind(tt.err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestAPI_ServiceErrorLogging(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	mem := store.NewMemory()
	svc := savings.NewService(mem, savings.WithClock(func() time.Time { return testNow }))
	api := &testAPI{t: t, router: NewRouter(NewHandler(svc, mem, logger), RouterConfig{}), mem: mem}

	acct := api.fundedAccount("pilgrim-1", "1000")

	// Client errors are logged at debug only.
	rec := api.createAllocation(acct.ID, "5000")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, logs.String(), `"msg":"request rejected"`)
	assert.Contains(t, logs.String(), `"level":"DEBUG"`)
	assert.NotContains(t, logs.String(), `"msg":"request failed"`)

	// Not found is neither a client error nor a failure.
	logs.Reset()
	rec = api.do(http.MethodGet, "/api/accounts/missing/summary", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, strings.TrimSpace(logs.String()))
}

func TestAPI_RejectsExponentAmounts(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	acct := api.fundedAccount("pilgrim-1", "1000")

	for _, body := range []string{
		`{"amount": "1e-20000000", "method": "transfer", "proof_ref": "TRF-2"}`,
		`{"amount": 1e20000000, "method": "transfer", "proof_ref": "TRF-2"}`,
		`{"amount": "100000000000000000", "method": "transfer", "proof_ref": "TRF-2"}`,
	} {
		rec := api.do(http.MethodPost, "/api/accounts/"+acct.ID+"/deposits", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestAPI_SummaryStrictFlag(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	acct := api.fundedAccount("pilgrim-1", "1000")

	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/accounts/"+acct.ID+"/summary?strict=1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/accounts/"+acct.ID+"/summary?strict=maybe", nil).Code)
}

// =============================================================================
// IDENTITY
// =============================================================================

func TestAPI_MutationsRequireActor(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})

	rec := api.send(http.MethodPost, "/api/accounts",
		OpenAccountRequest{PilgrimID: "pilgrim-1", AccountNumber: "1", Bank: "bsi"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Reads stay open.
	rec = api.send(http.MethodGet, "/api/accounts", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_JWTIdentity(t *testing.T) {
	const secret = "test-signing-secret"
	api := newTestAPI(t, RouterConfig{JWTSecret: secret})
	body := OpenAccountRequest{PilgrimID: "pilgrim-1", AccountNumber: "1", Bank: "bsi"}

	good, err := NewIdentity(secret).SignToken("finance-officer-7", time.Hour)
	require.NoError(t, err)
	forged, err := NewIdentity("another-secret").SignToken("finance-officer-7", time.Hour)
	require.NoError(t, err)
	expired, err := NewIdentity(secret).SignToken("finance-officer-7", -time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		headers  map[string]string
		wantCode int
	}{
		{"header ignored when secret is set", map[string]string{ActorHeader: "admin-1"}, http.StatusUnauthorized},
		{"forged signature", map[string]string{"Authorization": "Bearer " + forged}, http.StatusUnauthorized},
		{"expired token", map[string]string{"Authorization": "Bearer " + expired}, http.StatusUnauthorized},
		{"not a bearer token", map[string]string{"Authorization": "Basic YWRtaW46YWRtaW4="}, http.StatusUnauthorized},
		{"valid token", map[string]string{"Authorization": "Bearer " + good}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.send(http.MethodPost, "/api/accounts", body, tt.headers)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if rec.Code == http.StatusCreated {
				assert.Equal(t, "finance-officer-7", decode[AccountDTO](t, rec).CreatedBy)
			}
		})
	}
}

// =============================================================================
// MISC
// =============================================================================

func TestAPI_Healthz(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	rec := api.send(http.MethodGet, "/api/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestFormatRupiah(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "Rp 0"},
		{"999", "Rp 999"},
		{"10000000", "Rp 10.000.000"},
		{"2500000.50", "Rp 2.500.000,50"},
		{"1234.05", "Rp 1.234,05"},
		{"-75000", "-Rp 75.000"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, formatRupiah(savings.MustParseMoney(tt.in)))
		})
	}
}

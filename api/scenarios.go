/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos. Each scenario is a YAML file under scenarios/,
	embedded into the binary, describing accounts with their deposits
	and allocations.

AVAILABLE SCENARIOS:

	new-saver:          Fresh account, approved and pending deposits
	verification-queue: Pending / rejected deposits across pilgrims
	umrah-settlement:   Posted, draft, reversed allocations, shared invoice
	family-group:       Fully allocated, inactive and closed accounts

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Open each account
 3. Record deposits, then approve or reject them
 4. Create allocations, then post and reverse them as described
 5. Apply the final account status

	Everything goes through savings.Service, so a scenario can never
	build a state the ledger itself would refuse.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "umrah-settlement"}

ADDING NEW SCENARIOS:

	Drop a NN-name.yaml file into scenarios/. Files load in name order.

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
*/
package api

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"sort"
	"sync"

	"github.com/warp/savings-ledger/savings"
	"gopkg.in/yaml.v3"
)

//go:embed scenarios/*.yaml
var scenarioFS embed.FS

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Accounts    []scenarioAccount `yaml:"accounts"`
}

type scenarioAccount struct {
	PilgrimID     string               `yaml:"pilgrim_id"`
	AccountNumber string               `yaml:"account_number"`
	Bank          string               `yaml:"bank"`
	Status        string               `yaml:"status"`
	Deposits      []scenarioDeposit    `yaml:"deposits"`
	Allocations   []scenarioAllocation `yaml:"allocations"`
}

type scenarioDeposit struct {
	Amount   string `yaml:"amount"`
	Method   string `yaml:"method"`
	ProofRef string `yaml:"proof_ref"`
	Status   string `yaml:"status"` // pending | approved | rejected
	Note     string `yaml:"note"`
}

type scenarioAllocation struct {
	Key            string `yaml:"key"`
	Amount         string `yaml:"amount"`
	RegistrationID string `yaml:"registration_id"`
	Note           string `yaml:"note"`
	Status         string `yaml:"status"` // draft | posted | reversed
	Reason         string `yaml:"reason"`

	// SameInvoiceAs names the key of an earlier posted allocation whose
	// invoice this one settles into.
	SameInvoiceAs string `yaml:"same_invoice_as"`
}

func (s scenario) dto() ScenarioDTO {
	return ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description}
}

var scenarioCatalog = sync.OnceValues(func() ([]scenario, error) {
	names, err := fs.Glob(scenarioFS, "scenarios/*.yaml")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]scenario, 0, len(names))
	for _, name := range names {
		raw, err := scenarioFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		var sc scenario
		if err := yaml.Unmarshal(raw, &sc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if sc.ID == "" {
			return nil, fmt.Errorf("parse %s: missing id", name)
		}
		out = append(out, sc)
	}
	return out, nil
})

func findScenario(id string) (scenario, bool, error) {
	all, err := scenarioCatalog()
	if err != nil {
		return scenario{}, false, err
	}
	for _, sc := range all {
		if sc.ID == id {
			return sc, true, nil
		}
	}
	return scenario{}, false, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := scenarioCatalog()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenarios", err)
		return
	}
	dtos := make([]ScenarioDTO, len(all))
	for i, sc := range all {
		dtos[i] = sc.dto()
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	sc, ok, err := findScenario(current)
	if err != nil || !ok {
		writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
		return
	}
	writeJSON(w, http.StatusOK, sc.dto())
}

type resetter interface {
	Reset(ctx context.Context) error
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	sc, ok, err := findScenario(req.ScenarioID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenarios", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	store, ok := h.Store.(resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return
	}

	// One load at a time: a concurrent reset would interleave two scenarios.
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := store.Reset(ctx); err != nil {
		h.writeServiceError(w, r, fmt.Errorf("reset store: %w", err))
		return
	}
	if err := h.loadScenario(ctx, actorFrom(ctx), sc); err != nil {
		h.writeServiceError(w, r, fmt.Errorf("load scenario %s: %w", sc.ID, err))
		return
	}
	h.currentScenario = sc.ID

	h.logger.Info("scenario loaded", "scenario", sc.ID, "actor", actorFrom(ctx))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": sc.ID})
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, actor savings.Actor, sc scenario) error {
	for _, sa := range sc.Accounts {
		if err := h.loadScenarioAccount(ctx, actor, sa); err != nil {
			return fmt.Errorf("pilgrim %s: %w", sa.PilgrimID, err)
		}
	}
	return nil
}

func (h *Handler) loadScenarioAccount(ctx context.Context, actor savings.Actor, sa scenarioAccount) error {
	svc := h.Service

	acct, err := svc.OpenAccount(ctx, actor, savings.OpenAccountParams{
		PilgrimID:     savings.PilgrimID(sa.PilgrimID),
		AccountNumber: sa.AccountNumber,
		Bank:          savings.Bank(sa.Bank),
	})
	if err != nil {
		return err
	}

	for _, sd := range sa.Deposits {
		amount, err := savings.ParseMoney(sd.Amount)
		if err != nil {
			return err
		}
		d, err := svc.RecordDeposit(ctx, actor, savings.RecordDepositParams{
			AccountID: acct.ID,
			Amount:    amount,
			Method:    savings.PaymentMethod(sd.Method),
			ProofRef:  sd.ProofRef,
		})
		if err != nil {
			return err
		}
		switch savings.DepositStatus(sd.Status) {
		case savings.DepositApproved:
			_, err = svc.ApproveDeposit(ctx, actor, d.ID, sd.Note)
		case savings.DepositRejected:
			_, err = svc.RejectDeposit(ctx, actor, d.ID, sd.Note)
		case savings.DepositPending, "":
		default:
			err = fmt.Errorf("unknown deposit status %q", sd.Status)
		}
		if err != nil {
			return err
		}
	}

	invoices := make(map[string]*savings.InvoiceID)
	for _, sl := range sa.Allocations {
		amount, err := savings.ParseMoney(sl.Amount)
		if err != nil {
			return err
		}
		params := savings.CreateAllocationParams{
			AccountID:      acct.ID,
			Amount:         amount,
			RegistrationID: registrationRef(&sl.RegistrationID),
			Note:           sl.Note,
		}
		if sl.SameInvoiceAs != "" {
			inv, ok := invoices[sl.SameInvoiceAs]
			if !ok {
				return fmt.Errorf("allocation %q not posted before it is referenced", sl.SameInvoiceAs)
			}
			params.InvoiceID = inv
		}

		a, err := svc.CreateAllocation(ctx, actor, params)
		if err != nil {
			return err
		}

		status := savings.AllocationStatus(sl.Status)
		switch status {
		case savings.AllocationDraft, "":
			continue
		case savings.AllocationPosted, savings.AllocationReversed:
		default:
			return fmt.Errorf("unknown allocation status %q", sl.Status)
		}

		posted, err := svc.PostAllocation(ctx, actor, a.ID)
		if err != nil {
			return err
		}
		if sl.Key != "" {
			invoices[sl.Key] = posted.InvoiceID
		}
		if status == savings.AllocationReversed {
			if _, err := svc.ReverseAllocation(ctx, actor, a.ID, sl.Reason); err != nil {
				return err
			}
		}
	}

	if sa.Status != "" && savings.AccountStatus(sa.Status) != savings.AccountActive {
		if _, err := svc.SetAccountStatus(ctx, actor, acct.ID, savings.AccountStatus(sa.Status)); err != nil {
			return err
		}
	}
	return nil
}

/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin frontend
  5. Identity:   Caller identity (see auth.go)

ROUTE GROUPS:
  /api/accounts/*       Accounts, their deposits, allocations and summary
  /api/deposits/*       Deposit verification
  /api/allocations/*    Draft edits, posting, reversal
  /api/invoices/*       Invoice lookup
  /api/scenarios/*      Demo scenarios
  /api/healthz          Liveness + store ping

  Every mutating route is wrapped with requireActor.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the settings the router needs from config.Config.
type RouterConfig struct {
	CORSOrigins []string
	JWTSecret   string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))
	r.Use(NewIdentity(cfg.JWTSecret).Middleware)

	mutate := func(fn http.HandlerFunc) http.Handler { return requireActor(fn) }

	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", h.Healthz)

		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Method(http.MethodPost, "/", mutate(h.OpenAccount))
			r.Get("/{id}", h.GetAccount)
			r.Method(http.MethodPut, "/{id}/status", mutate(h.SetAccountStatus))
			r.Method(http.MethodDelete, "/{id}", mutate(h.ArchiveAccount))
			r.Get("/{id}/summary", h.GetSummary)
			r.Get("/{id}/deposits", h.ListDeposits)
			r.Method(http.MethodPost, "/{id}/deposits", mutate(h.RecordDeposit))
			r.Get("/{id}/allocations", h.ListAllocations)
			r.Method(http.MethodPost, "/{id}/allocations", mutate(h.CreateAllocation))
		})

		// Deposit verification routes
		r.Route("/deposits", func(r chi.Router) {
			r.Method(http.MethodPost, "/{id}/approve", mutate(h.ApproveDeposit))
			r.Method(http.MethodPost, "/{id}/reject", mutate(h.RejectDeposit))
		})

		// Allocation routes
		r.Route("/allocations", func(r chi.Router) {
			r.Method(http.MethodPut, "/{id}", mutate(h.UpdateAllocation))
			r.Method(http.MethodDelete, "/{id}", mutate(h.DeleteAllocation))
			r.Method(http.MethodPost, "/{id}/post", mutate(h.PostAllocation))
			r.Method(http.MethodPost, "/{id}/reverse", mutate(h.ReverseAllocation))
		})

		r.Get("/invoices/{id}", h.GetInvoice)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Method(http.MethodPost, "/load", mutate(h.LoadScenario))
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Savings Ledger</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Savings Ledger API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/accounts">/api/accounts</a> - List accounts</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List demo scenarios</li>
<li><a href="/api/healthz">/api/healthz</a> - Health check</li>
</ul>
</body>
</html>`))
	})

	return r
}

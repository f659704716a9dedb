/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     One logrus line per request (status, duration, request id)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for a bookkeeping frontend

ROUTE GROUPS:
  /api/accounts/*     Cash accounts, balances, deposits, entries
  /api/transfers      Same-currency transfers
  /api/entries/*      Entry corrections
  /api/purchases/*    Purchases (lots)
  /api/lots, /api/inventory
  /api/sales/*        Sales, allocation preview, reversal
  /api/profit/*       Realized profit, withdrawals and history
  /api/customers/*    Customers and receivables
  /api/settlements/*  Customer payments
  /api/reconcile/*    Reconciliation report and run history
  /healthz            Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// DefaultAllowedOrigins is used when NewRouter gets no origins.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
			r.Delete("/{id}", h.DeactivateAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/entries", h.GetEntries)
			r.Post("/{id}/deposit", h.Deposit)
			r.Post("/{id}/withdraw", h.Withdraw)
		})
		r.Post("/transfers", h.Transfer)
		r.Post("/entries/{id}/correct", h.CorrectEntry)

		r.Route("/purchases", func(r chi.Router) {
			r.Post("/", h.RecordPurchase)
			r.Get("/{id}", h.GetPurchase)
			r.Delete("/{id}", h.ReversePurchase)
		})
		r.Get("/lots", h.ListLots)
		r.Get("/inventory", h.GetInventory)

		r.Route("/sales", func(r chi.Router) {
			r.Post("/", h.RecordSale)
			r.Post("/plan", h.PlanSale)
			r.Get("/{id}", h.GetSale)
			r.Delete("/{id}", h.ReverseSale)
		})
		r.Route("/profit", func(r chi.Router) {
			r.Get("/", h.GetProfit)
			r.Get("/history", h.ProfitHistory)
			r.Post("/withdraw", h.WithdrawProfit)
			r.Delete("/withdrawals/{id}", h.ReverseProfitWithdrawal)
		})

		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.ListCustomers)
			r.Post("/", h.CreateCustomer)
			r.Get("/{id}/receivable", h.GetReceivable)
		})
		r.Route("/settlements", func(r chi.Router) {
			r.Post("/", h.PostSettlement)
			r.Delete("/{id}", h.ReverseSettlement)
		})

		r.Route("/reconcile", func(r chi.Router) {
			r.Get("/", h.Reconcile)
			r.Get("/runs", h.ListReconciliationRuns)
		})
	})

	return r
}

// requestLogger replaces middleware.Logger with a structured logrus line.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.WithFields(logrus.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"duration":   time.Since(start),
					"request_id": middleware.GetReqID(r.Context()),
				}).Info("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

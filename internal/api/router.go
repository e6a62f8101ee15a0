/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies middleware: logging, panic recovery, timeouts, CORS, bearer auth,
 * idempotency replay, and per-account rate limiting on money movement.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/corridorpay/ledger-service/internal/app"
)

// RouterDeps carries the middleware dependencies the router wires in.
type RouterDeps struct {
	JWTSecret           string
	IdempotencyKeys     app.KeyedStore
	IdempotencyTTL      time.Duration
	RateLimiter         *app.RedisRateLimiter
	MoneyLimitPerMinute int
	RequestTimeout      time.Duration
}

// LedgerRoutes creates and returns the router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r.Use(middleware.Timeout(timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After", "Idempotency-Replayed"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(deps.JWTSecret))

		// Account and history reads.
		r.Post("/accounts", h.CreateAccountHandler)
		r.Get("/accounts/me", h.GetAccountHandler)
		r.Get("/accounts/me/kyc", h.KYCStatusHandler)
		r.Get("/transactions", h.ListTransactionsHandler)
		r.Get("/transactions/{transactionID}", h.GetTransactionHandler)

		// Money-moving endpoints get idempotency replay and rate limiting.
		r.Group(func(r chi.Router) {
			r.Use(IdempotencyMiddleware(deps.IdempotencyKeys, deps.IdempotencyTTL))
			r.Use(RateLimitMiddleware(deps.RateLimiter, "money", deps.MoneyLimitPerMinute, time.Minute))

			r.Post("/deposits", h.DepositHandler)
			r.Post("/withdrawals", h.WithdrawHandler)
			r.Post("/transfers", h.TransferHandler)

			r.Post("/savings/deposits", h.SavingsDepositHandler)
			r.Post("/savings/withdrawals", h.SavingsWithdrawHandler)
			r.Post("/savings/{currency}/claim", h.ClaimYieldHandler)

			r.Post("/loans", h.ApplyLoanHandler)
			r.Post("/loans/{loanID}/approve", h.ApproveLoanHandler)
			r.Post("/loans/{loanID}/reject", h.RejectLoanHandler)
			r.Post("/loans/{loanID}/repayments", h.RepayLoanHandler)
		})

		// Savings and loan reads.
		r.Get("/savings", h.ListSavingsPositionsHandler)
		r.Get("/savings/{currency}", h.GetSavingsPositionHandler)
		r.Get("/loans", h.ListLoansHandler)
		r.Get("/loans/{loanID}", h.GetLoanHandler)
	})

	return r
}

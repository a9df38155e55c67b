/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Auth:       Bearer-token actor resolution

AUTH:
  Tokens map bearer credentials to actor names. Rate limits, period
  locks, and idempotency keys are all scoped per actor. With no tokens
  configured the API is open and the actor comes from the X-Actor
  header (single-user/dev mode).

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type contextKey string

const actorKey contextKey = "actor"

const defaultActor = "default"

// NewRouter creates a router with all routes configured. tokens maps
// bearer tokens to actor names; empty means open access.
func NewRouter(h *Handler, tokens map[string]string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(auth(tokens))

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/invoices/{month}", h.GetInvoice)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.CreateTransaction)
			r.Put("/{id}", h.EditTransaction)
			r.Delete("/{id}", h.DeleteTransaction)
		})

		r.Post("/transfers", h.Transfer)
		r.Post("/bill-payments", h.PayBill)

		r.Route("/periods", func(r chi.Router) {
			r.Post("/{month}/lock", h.LockPeriod)
			r.Post("/{month}/unlock", h.UnlockPeriod)
		})
	})

	return r
}

// auth resolves the acting user. With tokens configured, requests must
// carry a known bearer token; otherwise the X-Actor header applies.
func auth(tokens map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := defaultActor

			if len(tokens) > 0 {
				header := r.Header.Get("Authorization")
				token, ok := strings.CutPrefix(header, "Bearer ")
				if !ok {
					writeError(w, http.StatusUnauthorized, "Missing bearer token", "unauthorized")
					return
				}
				actor, ok = tokens[token]
				if !ok {
					writeError(w, http.StatusUnauthorized, "Unknown token", "unauthorized")
					return
				}
			} else if header := r.Header.Get("X-Actor"); header != "" {
				actor = header
			}

			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFrom(r *http.Request) string {
	if actor, ok := r.Context().Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return defaultActor
}

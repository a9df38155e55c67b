/*
handlers.go - HTTP handlers for the ledger mutation engine

PURPOSE:
  Exposes the mutation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the service
  layer. Every mutation passes through the per-actor rate limiter and
  the idempotency cache before it reaches the service.

ENDPOINTS:
  Accounts:
    GET    /api/accounts                          List accounts
    GET    /api/accounts/{id}/transactions        Transaction history
    GET    /api/accounts/{id}/invoices/{month}    Credit-card invoice

  Mutations:
    POST   /api/transactions                      Create (or installment series)
    PUT    /api/transactions/{id}?scope=          Edit
    DELETE /api/transactions/{id}?scope=          Delete
    POST   /api/transfers                         Transfer between accounts
    POST   /api/bill-payments                     Pay a credit-card bill

  Periods:
    POST   /api/periods/{month}/lock              Close an accounting month
    POST   /api/periods/{month}/unlock            Reopen it

REQUEST FLOW:
  1. Resolve the actor (auth middleware)
  2. Rate limit: strict for money-moving operations, moderate otherwise
  3. Parse and convert the DTO
  4. Execute through the idempotency cache
  5. On unreachable storage, capture into the offline queue (202)
  6. Map the error taxonomy onto HTTP statuses

ERROR HANDLING:
  - 400: validation and business-rule rejections
  - 401: missing/unknown credentials
  - 403: locked accounting period
  - 404: unknown account or transaction
  - 429: rate limited (with Retry-After)
  - 500: everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/plani/ledger-engine/ledger"
	"github.com/plani/ledger-engine/service"
)

// Handler holds the dependencies of every endpoint.
type Handler struct {
	svc      *service.Service
	cache    *service.IdempotencyCache
	queue    *service.OfflineQueue // nil disables offline capture
	strict   *service.RateLimiter  // transfers, bill payments
	moderate *service.RateLimiter  // create, edit, delete
	currency string                // ISO code for display formatting
	log      zerolog.Logger
}

// NewHandler wires the endpoint dependencies. queue may be nil; an
// empty currency falls back to BRL.
func NewHandler(svc *service.Service, cache *service.IdempotencyCache, queue *service.OfflineQueue, currency string, log zerolog.Logger) *Handler {
	if currency == "" {
		currency = "BRL"
	}
	return &Handler{
		svc:      svc,
		cache:    cache,
		queue:    queue,
		strict:   service.NewRateLimiter(service.StrictRateLimit, service.DefaultRateWindow),
		moderate: service.NewRateLimiter(service.ModerateRateLimit, service.DefaultRateWindow),
		currency: currency,
		log:      log,
	}
}

// =============================================================================
// READS
// =============================================================================

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.svc.Accounts(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]AccountDTO, 0, len(accts))
	for _, acct := range accts {
		dtos = append(dtos, toAccountDTO(acct, h.currency))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	txs, err := h.svc.AccountTransactions(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	month := chi.URLParam(r, "month")

	invoice, err := h.svc.AccountInvoice(r.Context(), id, month)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dto := InvoiceDTO{
		AccountID:    string(invoice.AccountID),
		Month:        invoice.Month,
		DueDate:      invoice.DueDate.Format(dateLayout),
		Total:        invoice.Total.String(),
		Transactions: make([]TransactionDTO, 0, len(invoice.Transactions)),
	}
	for _, tx := range invoice.Transactions {
		dto.Transactions = append(dto.Transactions, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// MUTATIONS
// =============================================================================

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if !h.admit(w, actor, h.moderate) {
		return
	}

	var body CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "validation_error")
		return
	}

	req, err := toCreateRequest(body)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.execute(w, r, actor, ledger.MutationCreate, req, http.StatusCreated, func() (*service.MutationResult, error) {
		return h.svc.Create(r.Context(), actor, req)
	})
}

func toCreateRequest(body CreateTransactionRequest) (ledger.CreateRequest, error) {
	txType := ledger.TransactionType(body.Type)
	amount, err := parseSigned(body.Amount, txType)
	if err != nil {
		return ledger.CreateRequest{}, err
	}
	date, err := parseDate(body.Date)
	if err != nil {
		return ledger.CreateRequest{}, err
	}
	status := ledger.TransactionStatus(body.Status)
	if body.Status == "" {
		status = ledger.StatusCompleted
	}
	return ledger.CreateRequest{
		AccountID:    ledger.AccountID(body.AccountID),
		Description:  body.Description,
		Amount:       amount,
		Type:         txType,
		Status:       status,
		Date:         date,
		InvoiceMonth: body.InvoiceMonth,
		Installments: body.Installments,
	}, nil
}

func (h *Handler) EditTransaction(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if !h.admit(w, actor, h.moderate) {
		return
	}

	var body EditTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "validation_error")
		return
	}

	patch, err := toPatch(body)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	req := ledger.EditRequest{
		TransactionID: ledger.TransactionID(chi.URLParam(r, "id")),
		Scope:         scopeFrom(r),
		Patch:         patch,
	}

	h.execute(w, r, actor, ledger.MutationEdit, req, http.StatusOK, func() (*service.MutationResult, error) {
		return h.svc.Edit(r.Context(), actor, req)
	})
}

func toPatch(body EditTransactionRequest) (ledger.TransactionPatch, error) {
	var patch ledger.TransactionPatch
	patch.Description = body.Description
	patch.InvoiceMonth = body.InvoiceMonth

	if body.Type != nil {
		txType := ledger.TransactionType(*body.Type)
		patch.Type = &txType
	}
	if body.Status != nil {
		status := ledger.TransactionStatus(*body.Status)
		patch.Status = &status
	}
	if body.Amount != nil {
		txType := ledger.TxIncome
		if patch.Type != nil {
			txType = *patch.Type
		}
		amount, err := ledger.ParseAmount(*body.Amount)
		if err != nil {
			return patch, err
		}
		if txType == ledger.TxExpense && amount.IsPositive() {
			amount = amount.Neg()
		}
		patch.Amount = &amount
	}
	if body.Date != nil {
		date, err := parseDate(*body.Date)
		if err != nil {
			return patch, err
		}
		patch.Date = &date
	}
	return patch, nil
}

func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if !h.admit(w, actor, h.moderate) {
		return
	}

	req := ledger.DeleteRequest{
		TransactionID: ledger.TransactionID(chi.URLParam(r, "id")),
		Scope:         scopeFrom(r),
	}

	h.execute(w, r, actor, ledger.MutationDelete, req, http.StatusOK, func() (*service.MutationResult, error) {
		return h.svc.Delete(r.Context(), actor, req)
	})
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if !h.admit(w, actor, h.strict) {
		return
	}

	var body TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "validation_error")
		return
	}

	amount, err := parseMagnitude(body.Amount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	date, err := parseDate(body.Date)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	req := ledger.TransferRequest{
		FromAccountID: ledger.AccountID(body.FromAccountID),
		ToAccountID:   ledger.AccountID(body.ToAccountID),
		Amount:        amount,
		Description:   body.Description,
		Date:          date,
	}

	h.execute(w, r, actor, ledger.MutationTransfer, req, http.StatusCreated, func() (*service.MutationResult, error) {
		return h.svc.Transfer(r.Context(), actor, req)
	})
}

func (h *Handler) PayBill(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if !h.admit(w, actor, h.strict) {
		return
	}

	var body PayBillRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "validation_error")
		return
	}

	amount, err := parseMagnitude(body.Amount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	date, err := parseDate(body.Date)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	req := ledger.PayBillRequest{
		FromAccountID:   ledger.AccountID(body.FromAccountID),
		CreditAccountID: ledger.AccountID(body.CreditAccountID),
		Amount:          amount,
		Description:     body.Description,
		Date:            date,
	}

	h.execute(w, r, actor, ledger.MutationPayBill, req, http.StatusCreated, func() (*service.MutationResult, error) {
		return h.svc.PayBill(r.Context(), actor, req)
	})
}

// =============================================================================
// PERIODS
// =============================================================================

func (h *Handler) LockPeriod(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	month := chi.URLParam(r, "month")
	if err := h.svc.LockPeriod(r.Context(), actor, month); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "month": month, "locked": true})
}

func (h *Handler) UnlockPeriod(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	month := chi.URLParam(r, "month")
	if err := h.svc.UnlockPeriod(r.Context(), actor, month); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "month": month, "locked": false})
}

// =============================================================================
// SHARED PLUMBING
// =============================================================================

// execute runs a mutation through the idempotency cache, falling back
// to the offline queue when storage is unreachable.
func (h *Handler) execute(w http.ResponseWriter, r *http.Request, actor string, kind ledger.MutationKind, req any, okStatus int, fn func() (*service.MutationResult, error)) {
	key := service.RequestKey(actor, kind, req)
	result, replayed, err := h.cache.Execute(r.Context(), key, fn)

	if err != nil && errors.Is(err, ledger.ErrOffline) && h.queue != nil {
		if qerr := h.queue.Enqueue(r.Context(), actor, kind, req); qerr != nil {
			h.writeDomainError(w, qerr)
			return
		}
		writeJSON(w, http.StatusAccepted, QueuedResponse{
			Success: true,
			Queued:  true,
			Message: "storage unreachable; mutation queued for replay",
		})
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if replayed {
		okStatus = http.StatusOK
	}
	writeJSON(w, okStatus, toMutationResponse(result, replayed))
}

// admit enforces the rate limit, answering 429 with Retry-After.
func (h *Handler) admit(w http.ResponseWriter, actor string, limiter *service.RateLimiter) bool {
	if limiter.Allow(actor) {
		return true
	}
	retryAfter := limiter.RetryAfter(actor)
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)+1))
	writeError(w, http.StatusTooManyRequests,
		fmt.Sprintf("Too many requests; retry after %s", retryAfter.Round(time.Second)),
		"rate_limited")
	return false
}

func scopeFrom(r *http.Request) ledger.EditScope {
	if scope := r.URL.Query().Get("scope"); scope != "" {
		return ledger.EditScope(scope)
	}
	return ledger.ScopeCurrent
}

// writeDomainError maps the engine's error taxonomy onto HTTP statuses
// without leaking storage internals.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrPeriodLocked):
		var locked *ledger.PeriodLockedError
		details := map[string]string{}
		if errors.As(err, &locked) {
			details["month"] = locked.Month
		}
		writeErrorDetails(w, http.StatusForbidden, err.Error(), "period_locked", details)

	case errors.Is(err, ledger.ErrInsufficientFunds):
		var funds *ledger.InsufficientFundsError
		details := map[string]string{}
		if errors.As(err, &funds) {
			details["available"] = funds.Available.String()
			details["requested"] = funds.Requested.String()
		}
		writeErrorDetails(w, http.StatusBadRequest, err.Error(), "insufficient_funds", details)

	case errors.Is(err, ledger.ErrCreditLimitExceeded):
		var limit *ledger.CreditLimitError
		details := map[string]string{}
		if errors.As(err, &limit) {
			details["limit"] = limit.Limit.String()
			details["used"] = limit.Used.String()
			details["available"] = limit.Available.String()
			details["requested"] = limit.Requested.String()
		}
		writeErrorDetails(w, http.StatusBadRequest, err.Error(), "credit_limit_exceeded", details)

	case errors.Is(err, ledger.ErrSameAccountTransfer):
		writeError(w, http.StatusBadRequest, err.Error(), "same_account_transfer")

	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), "validation_error")

	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", "not_found")

	case errors.Is(err, ledger.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error(), "rate_limited")

	default:
		h.log.Error().Err(err).Msg("mutation failed")
		writeError(w, http.StatusInternalServerError, "Internal error", "internal_error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeErrorDetails(w, status, message, code, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, message, code string, details map[string]string) {
	if len(details) == 0 {
		details = nil
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

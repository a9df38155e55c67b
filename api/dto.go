/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

AMOUNTS ON THE WIRE:
  Decimal strings ("150.00"), parsed with exact decimal arithmetic and
  stored as integer minor units. Requests carry positive magnitudes; the
  transaction type decides the sign. Responses carry signed amounts.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/money.go: Amount parsing and formatting
*/
package api

import (
	"fmt"
	"time"

	"github.com/plani/ledger-engine/ledger"
	"github.com/plani/ledger-engine/service"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateTransactionRequest records an income or expense. Amount is a
// positive decimal string; the type decides the sign.
type CreateTransactionRequest struct {
	AccountID    string `json:"account_id"`
	Description  string `json:"description"`
	Amount       string `json:"amount"`
	Type         string `json:"type"`   // income | expense
	Status       string `json:"status"` // pending | completed (default completed)
	Date         string `json:"date"`   // YYYY-MM-DD
	InvoiceMonth string `json:"invoice_month,omitempty"`
	Installments int    `json:"installments,omitempty"`
}

// EditTransactionRequest patches a transaction. Absent fields are left
// unchanged. An empty invoice_month string clears a user override.
// Amount is signed as stored (negative for expenses); when type is set
// to expense in the same patch, a positive amount is negated for
// convenience.
type EditTransactionRequest struct {
	Description  *string `json:"description,omitempty"`
	Amount       *string `json:"amount,omitempty"`
	Type         *string `json:"type,omitempty"`
	Status       *string `json:"status,omitempty"`
	Date         *string `json:"date,omitempty"`
	InvoiceMonth *string `json:"invoice_month,omitempty"`
}

// TransferRequest moves funds between two accounts.
type TransferRequest struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        string `json:"amount"`
	Description   string `json:"description,omitempty"`
	Date          string `json:"date"`
}

// PayBillRequest pays a credit-card bill from a funding account.
type PayBillRequest struct {
	FromAccountID   string `json:"from_account_id"`
	CreditAccountID string `json:"credit_account_id"`
	Amount          string `json:"amount"`
	Description     string `json:"description,omitempty"`
	Date            string `json:"date"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// AccountDTO represents an account in API responses. Balance is the
// plain decimal figure; BalanceDisplay is the currency-formatted
// rendering for direct presentation.
type AccountDTO struct {
	ID             string `json:"id"`
	Owner          string `json:"owner"`
	Kind           string `json:"kind"`
	Balance        string `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
	CreditLimit    string `json:"credit_limit,omitempty"`
	ClosingDay     int    `json:"closing_day,omitempty"`
	DueDay         int    `json:"due_day,omitempty"`
	Color          string `json:"color,omitempty"`
	Label          string `json:"label,omitempty"`
}

// TransactionDTO represents a transaction in API responses.
type TransactionDTO struct {
	ID                  string `json:"id"`
	AccountID           string `json:"account_id"`
	CounterAccountID    string `json:"counter_account_id,omitempty"`
	Description         string `json:"description"`
	Amount              string `json:"amount"` // signed
	Type                string `json:"type"`
	Status              string `json:"status"`
	Date                string `json:"date"`
	ParentID            string `json:"parent_id,omitempty"`
	InstallmentIndex    int    `json:"installment_index,omitempty"`
	InvoiceMonth        string `json:"invoice_month,omitempty"`
	LinkedTransactionID string `json:"linked_transaction_id,omitempty"`
	CreatedAt           string `json:"created_at,omitempty"`
}

// MutationResponse reports a committed mutation: the rows it wrote and
// the resulting balance of every touched account.
type MutationResponse struct {
	Success      bool              `json:"success"`
	Transactions []TransactionDTO  `json:"transactions,omitempty"`
	Balances     map[string]string `json:"balances"`
	Affected     int               `json:"affected"`
	Warning      bool              `json:"warning,omitempty"`
	Replayed     bool              `json:"replayed,omitempty"` // served from the idempotency cache
}

// QueuedResponse acknowledges a mutation captured for offline replay.
type QueuedResponse struct {
	Success bool   `json:"success"`
	Queued  bool   `json:"queued"`
	Message string `json:"message"`
}

// InvoiceDTO summarizes one credit-card invoice month.
type InvoiceDTO struct {
	AccountID    string           `json:"account_id"`
	Month        string           `json:"month"`
	DueDate      string           `json:"due_date"`
	Total        string           `json:"total"`
	Transactions []TransactionDTO `json:"transactions"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(acct ledger.Account, currency string) AccountDTO {
	dto := AccountDTO{
		ID:             string(acct.ID),
		Owner:          acct.Owner,
		Kind:           string(acct.Kind),
		Balance:        acct.Balance.String(),
		BalanceDisplay: acct.Balance.Display(currency),
		ClosingDay:     acct.ClosingDay,
		DueDay:         acct.DueDay,
		Color:          acct.Color,
		Label:          acct.Label,
	}
	if !acct.CreditLimit.IsZero() {
		dto.CreditLimit = acct.CreditLimit.String()
	}
	return dto
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:                  string(tx.ID),
		AccountID:           string(tx.AccountID),
		CounterAccountID:    string(tx.CounterAccountID),
		Description:         tx.Description,
		Amount:              tx.Amount.String(),
		Type:                string(tx.Type),
		Status:              string(tx.Status),
		Date:                tx.Date.Format(dateLayout),
		ParentID:            string(tx.ParentID),
		InstallmentIndex:    tx.InstallmentIndex,
		InvoiceMonth:        tx.InvoiceMonth,
		LinkedTransactionID: string(tx.LinkedTransactionID),
	}
	if !tx.CreatedAt.IsZero() {
		dto.CreatedAt = tx.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toMutationResponse(result *service.MutationResult, replayed bool) MutationResponse {
	resp := MutationResponse{
		Success:  true,
		Balances: make(map[string]string, len(result.Balances)),
		Affected: result.Affected,
		Warning:  result.Warning,
		Replayed: replayed,
	}
	for _, tx := range result.Transactions {
		resp.Transactions = append(resp.Transactions, toTransactionDTO(tx))
	}
	for id, balance := range result.Balances {
		resp.Balances[string(id)] = balance.String()
	}
	return resp
}

// parseMagnitude parses a positive decimal amount string.
func parseMagnitude(s string) (ledger.Amount, error) {
	amount, err := ledger.ParseAmount(s)
	if err != nil {
		return 0, err
	}
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ledger.ErrValidation)
	}
	return amount, nil
}

// parseSigned parses an amount string and applies the sign the
// transaction type implies. Clients may send either "150.00" or
// "-150.00" for an expense.
func parseSigned(s string, txType ledger.TransactionType) (ledger.Amount, error) {
	amount, err := ledger.ParseAmount(s)
	if err != nil {
		return 0, err
	}
	if txType == ledger.TxExpense && amount.IsPositive() {
		amount = amount.Neg()
	}
	return amount, nil
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q (want YYYY-MM-DD)", ledger.ErrValidation, s)
	}
	return t, nil
}

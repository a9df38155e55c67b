/*
Package service orchestrates ledger mutations end to end.

PURPOSE:
  The single write path of the engine. Every mutation, whatever surface
  it arrives from (HTTP, offline replay), flows through here in the
  same order:

    1. Validate the request shape
    2. Reject dates inside locked accounting periods
    3. Load the touched accounts
    4. Advisory funds/credit check (user feedback, warnings)
    5. Build the transaction rows (installment series, transfer legs)
    6. Atomic storage procedure, retried on transient failure
    7. Best-effort event publish

  The storage procedure re-validates the hard constraint inside its own
  transaction, so a race between step 4 and step 6 cannot overdraw an
  account. Step 4 exists for actionable feedback and the low-headroom
  warning, not for safety.

KEY TYPES:
  Service:        the orchestrator
  MutationResult: rows written, resulting balances, warning flag

SEE ALSO:
  - ledger/store.go: atomicity contract of the procedures
  - service/idempotency.go: request coalescing and replay of results
  - service/offline.go: durable queue for offline-captured mutations
*/
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plani/ledger-engine/events"
	"github.com/plani/ledger-engine/ledger"
)

// defaultOperationTimeout bounds one storage procedure attempt so a
// stalled database surfaces as a classified timeout even when the
// caller's context carries no deadline.
const defaultOperationTimeout = 5 * time.Second

// Service coordinates validation, period locks, storage procedures,
// retries, and event publication for the five mutation operations.
type Service struct {
	store     ledger.MutationStore
	locks     ledger.PeriodLockStore
	retry     RetryPolicy
	opTimeout time.Duration
	publisher events.Publisher
	log       zerolog.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Service.
type Option func(*Service)

// WithRetryPolicy overrides the default storage retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

// WithOperationTimeout overrides the per-attempt storage deadline.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Service) { s.opTimeout = d }
}

// WithPublisher sets the mutation event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides transaction ID generation (tests).
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// New builds a Service over the given stores.
func New(store ledger.MutationStore, locks ledger.PeriodLockStore, opts ...Option) *Service {
	s := &Service{
		store:     store,
		locks:     locks,
		retry:     DefaultRetryPolicy(),
		opTimeout: defaultOperationTimeout,
		publisher: events.Nop{},
		log:       zerolog.Nop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MutationResult reports what a committed mutation did.
type MutationResult struct {
	Transactions []ledger.Transaction
	Balances     ledger.BalanceSet
	Affected     int
	Warning      bool // committed, but less than 20% headroom remains
}

// =============================================================================
// CREATE
// =============================================================================

// Create records a transaction, expanding Installments >= 2 into a
// monthly series sharing a generated parent ID. Amount is the
// per-installment amount; each row advances one month and bills to the
// invoice month its own date computes (a user override applies to the
// first row only).
func (s *Service) Create(ctx context.Context, actor string, req ledger.CreateRequest) (*MutationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkPeriod(ctx, actor, req.Date); err != nil {
		return nil, err
	}

	acct, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	count := req.Installments
	if count == 0 {
		count = 1
	}

	// Advisory check against the total completed effect of the series.
	var delta ledger.Amount
	if req.Status == ledger.StatusCompleted {
		delta = ledger.NewAmount(int64(req.Amount) * int64(count))
	}
	res := ledger.Check(ctx, s.store, acct, delta, "")
	if !res.Valid {
		return nil, res.Reason
	}

	txs := s.buildSeries(acct, req, count)

	balances, err := s.commitCreate(ctx, txs)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ledger.MutationCreate, actor, txs, balances)
	return &MutationResult{
		Transactions: txs,
		Balances:     balances,
		Affected:     len(txs),
		Warning:      res.Warning,
	}, nil
}

func (s *Service) buildSeries(acct *ledger.Account, req ledger.CreateRequest, count int) []ledger.Transaction {
	now := s.now().UTC()

	var parent ledger.TransactionID
	if count > 1 {
		parent = ledger.TransactionID(s.newID())
	}

	txs := make([]ledger.Transaction, 0, count)
	for i := 0; i < count; i++ {
		id := req.ID
		if id == "" || i > 0 {
			id = ledger.TransactionID(s.newID())
		}

		txDate := req.Date.AddDate(0, i, 0)
		override := ""
		if i == 0 {
			override = req.InvoiceMonth
		}
		month, overridden := ledger.ResolveInvoiceMonth(acct, txDate, override)

		desc := req.Description
		if count > 1 {
			desc = fmt.Sprintf("%s (%d/%d)", req.Description, i+1, count)
		}

		tx := ledger.Transaction{
			ID:                id,
			AccountID:         req.AccountID,
			Description:       desc,
			Amount:            req.Amount,
			Type:              req.Type,
			Status:            req.Status,
			Date:              txDate,
			InvoiceMonth:      month,
			InvoiceOverridden: overridden,
			CreatedAt:         now,
		}
		if count > 1 {
			tx.ParentID = parent
			tx.InstallmentIndex = i + 1
		}
		txs = append(txs, tx)
	}
	return txs
}

// =============================================================================
// EDIT
// =============================================================================

// Edit patches a transaction and, per scope, its installment siblings.
// Value fields apply series-wide; date and invoice-month changes touch
// the target row only.
func (s *Service) Edit(ctx context.Context, actor string, req ledger.EditRequest) (*MutationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	target, err := s.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if err := s.checkPeriod(ctx, actor, target.Date); err != nil {
		return nil, err
	}
	if req.Patch.Date != nil {
		if err := s.checkPeriod(ctx, actor, *req.Patch.Date); err != nil {
			return nil, err
		}
	}

	acct, err := s.store.GetAccount(ctx, target.AccountID)
	if err != nil {
		return nil, err
	}

	// Advisory check on the target row's net signed delta. The procedure
	// re-validates the full scoped delta atomically.
	res := ledger.Check(ctx, s.store, acct, editDelta(*target, req.Patch), target.ID)
	if !res.Valid {
		return nil, res.Reason
	}

	var (
		affected int
		balances ledger.BalanceSet
	)
	err = s.retry.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		n, set, err := s.store.ApplyEdit(opCtx, ledger.EditCommand{
			Target: req.TransactionID,
			Scope:  req.Scope,
			Patch:  req.Patch,
		})
		if err != nil {
			return err
		}
		affected, balances = n, set
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ledger.MutationEdit, actor, nil, balances)
	return &MutationResult{
		Balances: balances,
		Affected: affected,
		Warning:  res.Warning,
	}, nil
}

// editDelta is the signed balance change the patch would cause on the
// target row alone.
func editDelta(target ledger.Transaction, p ledger.TransactionPatch) ledger.Amount {
	var before, after ledger.Amount
	if target.IsCompleted() {
		before = target.Amount
	}

	nextAmount := target.Amount
	if p.Amount != nil {
		nextAmount = *p.Amount
	}
	nextType := target.Type
	if p.Type != nil {
		nextType = *p.Type
	}
	// The store reconciles the sign with the type; mirror that here so
	// the advisory figures match what will be written.
	switch nextType {
	case ledger.TxIncome:
		nextAmount = nextAmount.Abs()
	case ledger.TxExpense:
		nextAmount = nextAmount.Abs().Neg()
	}
	nextStatus := target.Status
	if p.Status != nil {
		nextStatus = *p.Status
	}
	if nextStatus == ledger.StatusCompleted {
		after = nextAmount
	}
	return after.Sub(before)
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes a transaction and, per scope, its siblings, reversing
// completed balance effects. Deleting a missing transaction succeeds
// with zero affected rows so replays converge.
func (s *Service) Delete(ctx context.Context, actor string, req ledger.DeleteRequest) (*MutationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	target, err := s.store.GetTransaction(ctx, req.TransactionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return &MutationResult{Balances: ledger.BalanceSet{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.checkPeriod(ctx, actor, target.Date); err != nil {
		return nil, err
	}

	var (
		affected int
		balances ledger.BalanceSet
	)
	err = s.retry.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		n, set, err := s.store.ApplyDelete(opCtx, ledger.DeleteCommand{
			Target: req.TransactionID,
			Scope:  req.Scope,
		})
		if err != nil {
			return err
		}
		affected, balances = n, set
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ledger.MutationDelete, actor, nil, balances)
	return &MutationResult{Balances: balances, Affected: affected}, nil
}

// =============================================================================
// TRANSFER
// =============================================================================

// Transfer moves funds between two accounts as two linked legs written
// atomically. Transfers settle immediately; both legs are completed.
func (s *Service) Transfer(ctx context.Context, actor string, req ledger.TransferRequest) (*MutationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkPeriod(ctx, actor, req.Date); err != nil {
		return nil, err
	}

	from, err := s.store.GetAccount(ctx, req.FromAccountID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetAccount(ctx, req.ToAccountID); err != nil {
		return nil, err
	}

	res := ledger.Check(ctx, s.store, from, req.Amount.Neg(), "")
	if !res.Valid {
		return nil, res.Reason
	}

	txs := s.buildPair(req.FromAccountID, req.ToAccountID, req.Amount, req.Description, req.Date)

	balances, err := s.commitCreate(ctx, txs)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ledger.MutationTransfer, actor, txs, balances)
	return &MutationResult{
		Transactions: txs,
		Balances:     balances,
		Affected:     len(txs),
		Warning:      res.Warning,
	}, nil
}

// =============================================================================
// PAY BILL
// =============================================================================

// PayBill pays a credit-card bill from a funding account: a debit leg
// on the funding account and a linked debt-reducing leg on the card.
func (s *Service) PayBill(ctx context.Context, actor string, req ledger.PayBillRequest) (*MutationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkPeriod(ctx, actor, req.Date); err != nil {
		return nil, err
	}

	from, err := s.store.GetAccount(ctx, req.FromAccountID)
	if err != nil {
		return nil, err
	}
	card, err := s.store.GetAccount(ctx, req.CreditAccountID)
	if err != nil {
		return nil, err
	}
	if !card.IsCredit() {
		return nil, fmt.Errorf("%w: account %s is not a credit account", ledger.ErrValidation, card.ID)
	}

	res := ledger.Check(ctx, s.store, from, req.Amount.Neg(), "")
	if !res.Valid {
		return nil, res.Reason
	}

	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("Bill payment %s", card.Label)
	}
	txs := s.buildPair(req.FromAccountID, req.CreditAccountID, req.Amount, desc, req.Date)

	balances, err := s.commitCreate(ctx, txs)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ledger.MutationPayBill, actor, txs, balances)
	return &MutationResult{
		Transactions: txs,
		Balances:     balances,
		Affected:     len(txs),
		Warning:      res.Warning,
	}, nil
}

// buildPair builds the two completed legs of a transfer or bill payment.
func (s *Service) buildPair(from, to ledger.AccountID, amount ledger.Amount, desc string, date time.Time) []ledger.Transaction {
	now := s.now().UTC()
	outID := ledger.TransactionID(s.newID())
	inID := ledger.TransactionID(s.newID())

	return []ledger.Transaction{
		{
			ID:                  outID,
			AccountID:           from,
			CounterAccountID:    to,
			Description:         desc,
			Amount:              amount.Neg(),
			Type:                ledger.TxTransfer,
			Status:              ledger.StatusCompleted,
			Date:                date,
			LinkedTransactionID: inID,
			CreatedAt:           now,
		},
		{
			ID:                  inID,
			AccountID:           to,
			CounterAccountID:    from,
			Description:         desc,
			Amount:              amount,
			Type:                ledger.TxTransfer,
			Status:              ledger.StatusCompleted,
			Date:                date,
			LinkedTransactionID: outID,
			CreatedAt:           now,
		},
	}
}

// =============================================================================
// READS
// =============================================================================

// Accounts lists all accounts.
func (s *Service) Accounts(ctx context.Context) ([]ledger.Account, error) {
	return s.store.ListAccounts(ctx)
}

// AccountTransactions lists an account's transactions in date order.
func (s *Service) AccountTransactions(ctx context.Context, id ledger.AccountID) ([]ledger.Transaction, error) {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, id)
}

// Invoice summarizes one credit-card invoice month.
type Invoice struct {
	AccountID    ledger.AccountID
	Month        string
	DueDate      time.Time
	Total        ledger.Amount // positive magnitude owed
	Transactions []ledger.Transaction
}

// AccountInvoice returns a credit account's invoice for a YYYY-MM month.
func (s *Service) AccountInvoice(ctx context.Context, id ledger.AccountID, month string) (*Invoice, error) {
	if err := ledger.ValidateInvoiceMonth(month); err != nil {
		return nil, err
	}
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if !acct.IsCredit() {
		return nil, fmt.Errorf("%w: account %s is not a credit account", ledger.ErrValidation, id)
	}

	txs, err := s.store.ListInvoiceTransactions(ctx, id, month)
	if err != nil {
		return nil, err
	}

	var total ledger.Amount
	for _, tx := range txs {
		total = total.Add(tx.Amount)
	}
	due, err := acct.Cycle().DueDate(month)
	if err != nil {
		return nil, err
	}

	return &Invoice{
		AccountID:    id,
		Month:        month,
		DueDate:      due,
		Total:        total.Debt(),
		Transactions: txs,
	}, nil
}

// LockPeriod closes an accounting month for an owner.
func (s *Service) LockPeriod(ctx context.Context, owner, month string) error {
	if err := ledger.ValidateInvoiceMonth(month); err != nil {
		return err
	}
	return s.locks.LockPeriod(ctx, owner, month)
}

// UnlockPeriod reopens a closed accounting month.
func (s *Service) UnlockPeriod(ctx context.Context, owner, month string) error {
	if err := ledger.ValidateInvoiceMonth(month); err != nil {
		return err
	}
	return s.locks.UnlockPeriod(ctx, owner, month)
}

// =============================================================================
// INTERNAL
// =============================================================================

func (s *Service) checkPeriod(ctx context.Context, owner string, date time.Time) error {
	locked, err := s.locks.IsPeriodLocked(ctx, owner, date)
	if err != nil {
		return err
	}
	if locked {
		return &ledger.PeriodLockedError{Owner: owner, Month: ledger.MonthOf(date)}
	}
	return nil
}

func (s *Service) commitCreate(ctx context.Context, txs []ledger.Transaction) (ledger.BalanceSet, error) {
	var balances ledger.BalanceSet
	err := s.retry.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		set, err := s.store.CreateTransactions(opCtx, txs)
		if err != nil {
			return err
		}
		balances = set
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balances, nil
}

// publish emits the mutation event. A publish failure is logged and
// dropped; the mutation has already committed.
func (s *Service) publish(ctx context.Context, kind ledger.MutationKind, actor string, txs []ledger.Transaction, balances ledger.BalanceSet) {
	ids := make([]ledger.TransactionID, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	bal := make(map[string]int64, len(balances))
	for id, amount := range balances {
		bal[string(id)] = int64(amount)
	}

	event := events.MutationEvent{
		Kind:         kind,
		Actor:        actor,
		Transactions: ids,
		Balances:     bal,
		OccurredAt:   s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("kind", string(kind)).Msg("mutation event publish failed")
	}
}

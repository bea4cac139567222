// Package ledger applies balance mutations together with their ledger entries.
//
// Every mutation locks the user row, checks the balance invariants, writes the
// new balances and appends exactly one entry inside a single unit of work.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/paybridge/errs"
	"github.com/coachpo/paybridge/internal/domain/ledgerstore"
	"github.com/coachpo/paybridge/internal/domain/orderstore"
	"github.com/coachpo/paybridge/internal/domain/uow"
	"github.com/coachpo/paybridge/internal/observability"
	"github.com/coachpo/paybridge/internal/telemetry"
)

const source = "ledger"

// Service owns the hold, release and credit discipline.
type Service struct {
	store     uow.Store
	logger    observability.Logger
	mutations metric.Int64Counter
}

// NewService wires the ledger to a unit of work.
func NewService(store uow.Store, logger observability.Logger) *Service {
	svc := &Service{store: store, logger: observability.OrNop(logger)}
	meter := otel.Meter("app.ledger")
	if counter, err := meter.Int64Counter("paybridge_ledger_mutations_total",
		metric.WithDescription("Ledger entries appended by kind"),
		metric.WithUnit("{entry}")); err == nil {
		svc.mutations = counter
	}
	return svc
}

// MinorToMajor converts an integer minor-unit amount to a two-decimal balance amount.
func MinorToMajor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// EnsureUser creates a zero-balance user on first contact.
func (s *Service) EnsureUser(ctx context.Context, userID int64) (ledgerstore.User, error) {
	var user ledgerstore.User
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx uow.Tx) error {
		var err error
		user, err = tx.EnsureUser(ctx, userID)
		return err
	})
	return user, err
}

// Balance reads the user's balances.
func (s *Service) Balance(ctx context.Context, userID int64) (ledgerstore.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, ledgerstore.ErrUserNotFound) {
		return ledgerstore.User{}, errs.NotFound(source, errs.CanonicalUserNotFound, strconv.FormatInt(userID, 10))
	}
	return user, err
}

// CreditOnSuccess credits the order's base amount once. It reports whether a
// credit was applied.
func (s *Service) CreditOnSuccess(ctx context.Context, order orderstore.Order) (bool, error) {
	var credited bool
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx uow.Tx) error {
		var err error
		credited, err = s.CreditOnSuccessTx(ctx, tx, order)
		return err
	})
	return credited, err
}

// CreditOnSuccessTx is CreditOnSuccess inside a caller-owned unit of work. The
// user row is locked before the existing-credit check so concurrent credits for
// the same order serialize on it.
func (s *Service) CreditOnSuccessTx(ctx context.Context, tx uow.Tx, order orderstore.Order) (bool, error) {
	if order.ID == 0 {
		return false, errs.New(source, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	user, err := lockOrCreate(ctx, tx, order.UserID)
	if err != nil {
		return false, err
	}
	exists, err := tx.HasOrderEntry(ctx, order.ID, ledgerstore.KindDepositCredit)
	if err != nil {
		return false, err
	}
	if exists {
		s.logger.Info("deposit already credited",
			observability.F("order", order.MerchantOrderNo),
			observability.F("user", order.UserID))
		return false, nil
	}
	amount := MinorToMajor(order.AmountMinor)
	if err := tx.SetBalances(ctx, user.ID, user.Available.Add(amount), user.Held); err != nil {
		return false, err
	}
	orderID := order.ID
	if err := tx.AppendEntry(ctx, ledgerstore.Entry{
		UserID:  user.ID,
		Kind:    ledgerstore.KindDepositCredit,
		Amount:  amount,
		OrderID: &orderID,
		Note:    "Order success",
	}); err != nil {
		return false, err
	}
	s.record(ctx, ledgerstore.KindDepositCredit)
	s.logger.Info("deposit credited",
		observability.F("order", order.MerchantOrderNo),
		observability.F("user", user.ID),
		observability.F("amount", amount.StringFixed(2)))
	return true, nil
}

// HoldRequest describes a payout to be held from the available balance.
type HoldRequest struct {
	UserID  int64
	Amount  decimal.Decimal
	Network string
	Address string
}

// HoldForPayout moves amount from available to held and creates the pending payout.
func (s *Service) HoldForPayout(ctx context.Context, req HoldRequest) (ledgerstore.Payout, error) {
	var payout ledgerstore.Payout
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx uow.Tx) error {
		var err error
		payout, err = s.HoldForPayoutTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return ledgerstore.Payout{}, err
	}
	return payout, nil
}

// HoldForPayoutTx is HoldForPayout inside a caller-owned unit of work.
func (s *Service) HoldForPayoutTx(ctx context.Context, tx uow.Tx, req HoldRequest) (ledgerstore.Payout, error) {
	network, ok := ledgerstore.ParseNetwork(req.Network)
	if !ok {
		return ledgerstore.Payout{}, errs.New(source, errs.CodeInvalid,
			errs.WithMessage("unsupported payout network"), errs.WithField("network", req.Network))
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		return ledgerstore.Payout{}, errs.New(source, errs.CodeInvalid, errs.WithMessage("payout address required"))
	}
	amount, err := payoutAmount(req.Amount)
	if err != nil {
		return ledgerstore.Payout{}, err
	}

	user, err := lockOrCreate(ctx, tx, req.UserID)
	if err != nil {
		return ledgerstore.Payout{}, err
	}
	if user.Available.LessThan(amount) {
		return ledgerstore.Payout{}, errs.New(source, errs.CodeInsufficientBalance,
			errs.WithCanonicalCode(errs.CanonicalInsufficientBalance),
			errs.WithMessage("insufficient available balance"),
			errs.WithField("available", user.Available.StringFixed(2)),
			errs.WithField("requested", amount.StringFixed(2)))
	}
	if err := tx.SetBalances(ctx, user.ID, user.Available.Sub(amount), user.Held.Add(amount)); err != nil {
		return ledgerstore.Payout{}, err
	}
	payout, err := tx.CreatePayout(ctx, ledgerstore.Payout{
		UserID:  user.ID,
		Amount:  amount,
		Network: network,
		Address: address,
		Status:  ledgerstore.PayoutPending,
	})
	if err != nil {
		return ledgerstore.Payout{}, err
	}
	payoutID := payout.ID
	err = tx.AppendEntry(ctx, ledgerstore.Entry{
		UserID:   user.ID,
		Kind:     ledgerstore.KindPayoutHold,
		Amount:   amount,
		PayoutID: &payoutID,
		Note:     "Payout request hold",
	})
	if err != nil {
		return ledgerstore.Payout{}, err
	}
	s.record(ctx, ledgerstore.KindPayoutHold)
	s.logger.Info("payout held",
		observability.F("payout", payout.ID),
		observability.F("user", payout.UserID),
		observability.F("amount", amount.StringFixed(2)))
	return payout, nil
}

// Decision is the outcome of ApprovePayout or RejectPayout.
type Decision struct {
	Payout ledgerstore.Payout `json:"payout"`
	// Applied is false when the payout was no longer pending.
	Applied bool `json:"applied"`
}

// ApprovePayout settles a pending payout: the frozen amount leaves the held balance.
func (s *Service) ApprovePayout(ctx context.Context, payoutID int64, note, txID string) (Decision, error) {
	var decision Decision
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx uow.Tx) error {
		var err error
		decision, err = s.ApprovePayoutTx(ctx, tx, payoutID, note, txID)
		return err
	})
	return decision, err
}

// ApprovePayoutTx is ApprovePayout inside a caller-owned unit of work.
func (s *Service) ApprovePayoutTx(ctx context.Context, tx uow.Tx, payoutID int64, note, txID string) (Decision, error) {
	payout, user, pending, err := lockPending(ctx, tx, payoutID)
	if err != nil || !pending {
		return Decision{Payout: payout}, err
	}
	held, err := release(user, payout)
	if err != nil {
		return Decision{}, err
	}
	if err := tx.SetBalances(ctx, user.ID, user.Available, held); err != nil {
		return Decision{}, err
	}
	note = strings.TrimSpace(note)
	update := ledgerstore.PayoutUpdate{ID: payout.ID, Status: ledgerstore.PayoutApproved, AdminNote: note, TxID: strings.TrimSpace(txID)}
	if err := tx.UpdatePayout(ctx, update); err != nil {
		return Decision{}, err
	}
	entryNote := note
	if entryNote == "" {
		entryNote = "Approved"
	}
	if err := appendPayoutEntry(ctx, tx, payout, ledgerstore.KindPayoutApprove, entryNote); err != nil {
		return Decision{}, err
	}
	payout.Status = ledgerstore.PayoutApproved
	payout.AdminNote = update.AdminNote
	payout.TxID = update.TxID
	s.record(ctx, ledgerstore.KindPayoutApprove)
	s.logger.Info("payout approved", observability.F("payout", payout.ID), observability.F("txid", payout.TxID))
	return Decision{Payout: payout, Applied: true}, nil
}

// RejectPayout returns the frozen amount of a pending payout to the available balance.
func (s *Service) RejectPayout(ctx context.Context, payoutID int64, reason string) (Decision, error) {
	var decision Decision
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx uow.Tx) error {
		var err error
		decision, err = s.RejectPayoutTx(ctx, tx, payoutID, reason)
		return err
	})
	return decision, err
}

// RejectPayoutTx is RejectPayout inside a caller-owned unit of work.
func (s *Service) RejectPayoutTx(ctx context.Context, tx uow.Tx, payoutID int64, reason string) (Decision, error) {
	payout, user, pending, err := lockPending(ctx, tx, payoutID)
	if err != nil || !pending {
		return Decision{Payout: payout}, err
	}
	held, err := release(user, payout)
	if err != nil {
		return Decision{}, err
	}
	if err := tx.SetBalances(ctx, user.ID, user.Available.Add(payout.Amount), held); err != nil {
		return Decision{}, err
	}
	reason = strings.TrimSpace(reason)
	if err := tx.UpdatePayout(ctx, ledgerstore.PayoutUpdate{ID: payout.ID, Status: ledgerstore.PayoutRejected, AdminNote: reason}); err != nil {
		return Decision{}, err
	}
	if err := appendPayoutEntry(ctx, tx, payout, ledgerstore.KindPayoutRejectReturn, reason); err != nil {
		return Decision{}, err
	}
	payout.Status = ledgerstore.PayoutRejected
	payout.AdminNote = reason
	s.record(ctx, ledgerstore.KindPayoutRejectReturn)
	s.logger.Info("payout rejected", observability.F("payout", payout.ID), observability.F("reason", reason))
	return Decision{Payout: payout, Applied: true}, nil
}

func (s *Service) record(ctx context.Context, kind ledgerstore.EntryKind) {
	if s.mutations == nil {
		return
	}
	s.mutations.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrEntryKind.String(string(kind)),
	))
}

func lockOrCreate(ctx context.Context, tx uow.Tx, userID int64) (ledgerstore.User, error) {
	if userID <= 0 {
		return ledgerstore.User{}, errs.New(source, errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	if _, err := tx.EnsureUser(ctx, userID); err != nil {
		return ledgerstore.User{}, err
	}
	return tx.LockUser(ctx, userID)
}

// lockPending locks the payout and its owner. pending is false when the
// payout was already decided.
func lockPending(ctx context.Context, tx uow.Tx, payoutID int64) (ledgerstore.Payout, ledgerstore.User, bool, error) {
	payout, err := tx.LockPayout(ctx, payoutID)
	if errors.Is(err, ledgerstore.ErrPayoutNotFound) {
		return ledgerstore.Payout{}, ledgerstore.User{}, false,
			errs.NotFound(source, errs.CanonicalPayoutNotFound, strconv.FormatInt(payoutID, 10))
	}
	if err != nil {
		return ledgerstore.Payout{}, ledgerstore.User{}, false, err
	}
	if payout.Status != ledgerstore.PayoutPending {
		return payout, ledgerstore.User{}, false, nil
	}
	user, err := tx.LockUser(ctx, payout.UserID)
	if err != nil {
		return ledgerstore.Payout{}, ledgerstore.User{}, false, err
	}
	return payout, user, true, nil
}

func release(user ledgerstore.User, payout ledgerstore.Payout) (decimal.Decimal, error) {
	held := user.Held.Sub(payout.Amount)
	if held.IsNegative() {
		return decimal.Zero, errs.New(source, errs.CodeConflict,
			errs.WithMessage("held balance below payout amount"),
			errs.WithField("payout", strconv.FormatInt(payout.ID, 10)),
			errs.WithField("held", user.Held.StringFixed(2)))
	}
	return held, nil
}

func appendPayoutEntry(ctx context.Context, tx uow.Tx, payout ledgerstore.Payout, kind ledgerstore.EntryKind, note string) error {
	payoutID := payout.ID
	if err := tx.AppendEntry(ctx, ledgerstore.Entry{
		UserID:   payout.UserID,
		Kind:     kind,
		Amount:   payout.Amount,
		PayoutID: &payoutID,
		Note:     note,
	}); err != nil {
		return fmt.Errorf("append %s entry: %w", kind, err)
	}
	return nil
}

func payoutAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, errs.New(source, errs.CodeInvalid, errs.WithMessage("amount must be > 0"))
	}
	if !amount.Equal(amount.Truncate(2)) {
		return decimal.Zero, errs.New(source, errs.CodeInvalid,
			errs.WithMessage("amount supports at most two decimals"), errs.WithField("amount", amount.String()))
	}
	return amount.Truncate(2), nil
}

// ParseAmount parses a user-entered payout amount such as "25.50".
func ParseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, errs.New(source, errs.CodeInvalid, errs.WithMessage("invalid amount"), errs.WithCause(err))
	}
	return payoutAmount(amount)
}

// Package admin exposes operator operations. Every mutation writes an audit
// row in the same unit of work as its effect.
package admin

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/paybridge/errs"
	"github.com/coachpo/paybridge/internal/app/ledger"
	"github.com/coachpo/paybridge/internal/app/orders"
	"github.com/coachpo/paybridge/internal/domain/auditstore"
	"github.com/coachpo/paybridge/internal/domain/ledgerstore"
	"github.com/coachpo/paybridge/internal/domain/orderstore"
	"github.com/coachpo/paybridge/internal/domain/uow"
	"github.com/coachpo/paybridge/internal/observability"
	"github.com/coachpo/paybridge/internal/telemetry"
)

const (
	source = "admin"

	defaultReconcileWorkers = 4
	pendingScanLimit        = 200
)

// Audit actions.
const (
	ActionHoldPayout    = "payout.hold"
	ActionApprovePayout = "payout.approve"
	ActionRejectPayout  = "payout.reject"
	ActionReconcile     = "order.reconcile"
	ActionClose         = "order.close"
)

// Service bundles the operator view of orders, payouts and balances.
type Service struct {
	store     uow.Store
	ledger    *ledger.Service
	lifecycle *orders.Lifecycle
	logger    observability.Logger
	workers   int

	sweepDuration metric.Float64Histogram
}

// Option configures optional service behaviour.
type Option func(*Service)

// WithReconcileWorkers bounds the parallelism of ReconcilePending.
func WithReconcileWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// NewService wires the operator operations.
func NewService(store uow.Store, ledgerSvc *ledger.Service, lifecycle *orders.Lifecycle, logger observability.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		ledger:    ledgerSvc,
		lifecycle: lifecycle,
		logger:    observability.OrNop(logger),
		workers:   defaultReconcileWorkers,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if hist, err := otel.Meter("app.admin").Float64Histogram("paybridge_reconcile_sweep_duration",
		metric.WithDescription("Duration of pending-order reconcile sweeps"),
		metric.WithUnit("ms")); err == nil {
		s.sweepDuration = hist
	}
	return s
}

// ListPayouts lists payouts, newest first. A blank status lists all.
func (s *Service) ListPayouts(ctx context.Context, status string, limit int) ([]ledgerstore.Payout, error) {
	st := ledgerstore.PayoutStatus(strings.ToLower(strings.TrimSpace(status)))
	switch st {
	case "", ledgerstore.PayoutPending, ledgerstore.PayoutApproved, ledgerstore.PayoutRejected:
	default:
		return nil, errs.New(source, errs.CodeInvalid, errs.WithMessage("unknown payout status"), errs.WithField("status", status))
	}
	return s.store.ListPayouts(ctx, ledgerstore.PayoutQuery{Status: st, Limit: limit})
}

// SearchOrders matches ref against merchant and provider order numbers.
func (s *Service) SearchOrders(ctx context.Context, ref string) (orderstore.Order, error) {
	return s.lifecycle.Find(ctx, ref)
}

// RecentOrders lists a user's latest orders.
func (s *Service) RecentOrders(ctx context.Context, userID int64, limit int) ([]orderstore.Order, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.store.ListOrders(ctx, orderstore.OrderQuery{UserID: userID, Limit: limit})
}

// Balance reads a user's balances.
func (s *Service) Balance(ctx context.Context, userID int64) (ledgerstore.User, error) {
	return s.ledger.Balance(ctx, userID)
}

// HoldPayout creates a pending payout on behalf of actor and audits it in the
// same unit of work.
func (s *Service) HoldPayout(ctx context.Context, actor string, req ledger.HoldRequest) (ledgerstore.Payout, error) {
	var payout ledgerstore.Payout
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx uow.Tx) error {
		var err error
		payout, err = s.ledger.HoldForPayoutTx(ctx, tx, req)
		if err != nil {
			return err
		}
		return tx.AppendAudit(ctx, auditstore.Entry{
			Actor:  actor,
			Action: ActionHoldPayout,
			Target: payoutTarget(payout.ID),
			Detail: map[string]any{
				"user":    payout.UserID,
				"amount":  payout.Amount.StringFixed(2),
				"network": string(payout.Network),
				"address": payout.Address,
			},
		})
	})
	return payout, err
}

// ApprovePayout approves a pending payout on behalf of actor.
func (s *Service) ApprovePayout(ctx context.Context, actor string, payoutID int64, txID, note string) (ledger.Decision, error) {
	var decision ledger.Decision
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx uow.Tx) error {
		var err error
		decision, err = s.ledger.ApprovePayoutTx(ctx, tx, payoutID, note, txID)
		if err != nil {
			return err
		}
		return tx.AppendAudit(ctx, auditstore.Entry{
			Actor:  actor,
			Action: ActionApprovePayout,
			Target: payoutTarget(payoutID),
			Detail: map[string]any{"txid": strings.TrimSpace(txID), "note": strings.TrimSpace(note), "applied": decision.Applied},
		})
	})
	return decision, err
}

// RejectPayout rejects a pending payout and returns its funds.
func (s *Service) RejectPayout(ctx context.Context, actor string, payoutID int64, reason string) (ledger.Decision, error) {
	if strings.TrimSpace(reason) == "" {
		return ledger.Decision{}, errs.New(source, errs.CodeInvalid, errs.WithMessage("reject reason required"))
	}
	var decision ledger.Decision
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx uow.Tx) error {
		var err error
		decision, err = s.ledger.RejectPayoutTx(ctx, tx, payoutID, reason)
		if err != nil {
			return err
		}
		return tx.AppendAudit(ctx, auditstore.Entry{
			Actor:  actor,
			Action: ActionRejectPayout,
			Target: payoutTarget(payoutID),
			Detail: map[string]any{"reason": strings.TrimSpace(reason), "applied": decision.Applied},
		})
	})
	return decision, err
}

// Reconcile queries the gateway for ref and applies the reported state.
func (s *Service) Reconcile(ctx context.Context, actor, ref string) (orders.Transition, error) {
	return s.lifecycle.Reconcile(ctx, ref, s.auditHook(actor, ActionReconcile))
}

// Close closes ref at the gateway and applies the reported state.
func (s *Service) Close(ctx context.Context, actor, ref string) (orders.Transition, error) {
	return s.lifecycle.Close(ctx, ref, s.auditHook(actor, ActionClose))
}

// SweepReport summarises a ReconcilePending run.
type SweepReport struct {
	Scanned  int `json:"scanned"`
	Applied  int `json:"applied"`
	Credited int `json:"credited"`
	Failed   int `json:"failed"`
}

// ReconcilePending reconciles created and in-payment orders last updated
// more than olderThan ago, a bounded number at a time. A non-positive
// olderThan selects every pending order.
func (s *Service) ReconcilePending(ctx context.Context, actor string, olderThan time.Duration) (SweepReport, error) {
	started := time.Now()
	query := orderstore.OrderQuery{
		Statuses: []orderstore.Status{orderstore.StatusCreated, orderstore.StatusInPayment},
		Limit:    pendingScanLimit,
	}
	if olderThan > 0 {
		query.UpdatedBefore = started.Add(-olderThan)
	}
	pending, err := s.store.ListOrders(ctx, query)
	if err != nil {
		return SweepReport{}, err
	}
	var applied, credited, failed atomic.Int64
	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.workers)
	for _, order := range pending {
		p.Go(func(ctx context.Context) error {
			tr, err := s.Reconcile(ctx, actor, order.MerchantOrderNo)
			if err != nil {
				failed.Add(1)
				s.logger.Error("reconcile failed",
					observability.F("order", order.MerchantOrderNo), observability.Err(err))
				return nil
			}
			if tr.Applied {
				applied.Add(1)
			}
			if tr.Credited {
				credited.Add(1)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return SweepReport{}, err
	}
	report := SweepReport{
		Scanned:  len(pending),
		Applied:  int(applied.Load()),
		Credited: int(credited.Load()),
		Failed:   int(failed.Load()),
	}
	if s.sweepDuration != nil {
		s.sweepDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
			metric.WithAttributes(telemetry.OperationResultAttributes("reconcile_sweep", sweepResult(report))...))
	}
	s.logger.Info("reconcile sweep finished",
		observability.F("scanned", report.Scanned),
		observability.F("applied", report.Applied),
		observability.F("credited", report.Credited),
		observability.F("failed", report.Failed))
	return report, ctx.Err()
}

// AuditTrail lists recent audit rows.
func (s *Service) AuditTrail(ctx context.Context, limit int) ([]auditstore.Entry, error) {
	return s.store.ListAudit(ctx, limit)
}

func (s *Service) auditHook(actor, action string) orders.Hook {
	return func(ctx context.Context, tx uow.Tx, tr orders.Transition) error {
		return tx.AppendAudit(ctx, auditstore.Entry{
			Actor:  actor,
			Action: action,
			Target: "order:" + tr.Order.MerchantOrderNo,
			Detail: map[string]any{
				"reported": tr.Reported,
				"from":     string(tr.From),
				"to":       string(tr.Order.Status),
				"applied":  tr.Applied,
				"credited": tr.Credited,
			},
		})
	}
}

func sweepResult(report SweepReport) string {
	if report.Failed > 0 {
		return telemetry.ResultError
	}
	return telemetry.ResultOK
}

func payoutTarget(id int64) string {
	return "payout:" + strconv.FormatInt(id, 10)
}

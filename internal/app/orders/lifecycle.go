// Package orders drives payment orders from creation to a terminal state.
package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/paybridge/errs"
	"github.com/coachpo/paybridge/internal/app/ledger"
	"github.com/coachpo/paybridge/internal/domain/orderstore"
	"github.com/coachpo/paybridge/internal/domain/uow"
	"github.com/coachpo/paybridge/internal/infra/adapters/paygate"
	"github.com/coachpo/paybridge/internal/observability"
	"github.com/coachpo/paybridge/internal/telemetry"
)

const (
	source = "orders"

	unknownResponseReason = "unknown provider response"
	gatewayErrorReason    = "gateway error"
)

// Gateway is the subset of the payment gateway client the lifecycle drives.
type Gateway interface {
	Create(ctx context.Context, req paygate.CreateRequest) (paygate.Result, error)
	Query(ctx context.Context, req paygate.QueryRequest) (paygate.Result, error)
	Close(ctx context.Context, req paygate.CloseRequest) (paygate.Result, error)
}

// Config holds the order pricing and transition settings.
type Config struct {
	FeePercent   decimal.Decimal
	Policy       orderstore.Policy
	NumberPrefix string
	Currency     string
	WayCode      string
}

// Lifecycle creates orders and applies gateway-reported states to them.
type Lifecycle struct {
	store   uow.Store
	gateway Gateway
	ledger  *ledger.Service
	cfg     Config
	logger  observability.Logger
	clock   func() time.Time
	suffix  func() int

	transitions metric.Int64Counter
}

// Option configures optional lifecycle behaviour.
type Option func(*Lifecycle)

// WithClock overrides the clock used for order numbers.
func WithClock(clock func() time.Time) Option {
	return func(l *Lifecycle) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithSuffix overrides the random three-digit order number suffix.
func WithSuffix(suffix func() int) Option {
	return func(l *Lifecycle) {
		if suffix != nil {
			l.suffix = suffix
		}
	}
}

// NewLifecycle wires the order lifecycle.
func NewLifecycle(store uow.Store, gateway Gateway, ledgerSvc *ledger.Service, cfg Config, logger observability.Logger, opts ...Option) *Lifecycle {
	if cfg.Policy == "" {
		cfg.Policy = orderstore.PolicyLastWriterWins
	}
	if strings.TrimSpace(cfg.NumberPrefix) == "" {
		cfg.NumberPrefix = "FP"
	}
	l := &Lifecycle{
		store:   store,
		gateway: gateway,
		ledger:  ledgerSvc,
		cfg:     cfg,
		logger:  observability.OrNop(logger),
		clock:   time.Now,
		suffix:  randomSuffix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	meter := otel.Meter("app.orders")
	if counter, err := meter.Int64Counter("paybridge_order_transitions_total",
		metric.WithDescription("Order status transitions by trigger and target status"),
		metric.WithUnit("{transition}")); err == nil {
		l.transitions = counter
	}
	return l
}

// CreateInput is a purchase intent.
type CreateInput struct {
	UserID       int64
	AmountMinor  int64
	WayCode      string
	PackageLabel string
	Remark       string
	ClientIP     string
}

// CreateOutcome reports what the gateway made of a new order.
type CreateOutcome struct {
	Order      orderstore.Order
	CashierURL string
	// Pending is set when the gateway reported a duplicate submission and no
	// cashier URL could be recovered. The caller should poll the order status.
	Pending   bool
	Recovered bool
}

// Create persists a new order, registers it with the gateway and records the
// outcome. Gateway failures leave the order in failure and are not returned
// as errors.
func (l *Lifecycle) Create(ctx context.Context, in CreateInput) (CreateOutcome, error) {
	if in.UserID <= 0 {
		return CreateOutcome{}, errs.New(source, errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	if in.AmountMinor <= 0 {
		return CreateOutcome{}, errs.New(source, errs.CodeInvalid, errs.WithMessage("amount must be positive"))
	}
	wayCode := strings.TrimSpace(in.WayCode)
	if wayCode == "" {
		wayCode = l.cfg.WayCode
	}
	if wayCode == "" {
		return CreateOutcome{}, errs.New(source, errs.CodeInvalid, errs.WithMessage("way code required"))
	}

	draft := orderstore.Order{
		MerchantOrderNo:  OrderNumber(l.cfg.NumberPrefix, in.UserID, l.clock(), l.suffix()),
		UserID:           in.UserID,
		WayCode:          wayCode,
		PackageLabel:     strings.TrimSpace(in.PackageLabel),
		AmountMinor:      in.AmountMinor,
		FeePercent:       l.cfg.FeePercent,
		FinalAmountMinor: FinalAmount(in.AmountMinor, l.cfg.FeePercent),
		Currency:         l.cfg.Currency,
		Status:           orderstore.StatusCreated,
	}
	var order orderstore.Order
	err := l.store.WithTransaction(ctx, func(ctx context.Context, tx uow.Tx) error {
		if _, err := tx.EnsureUser(ctx, in.UserID); err != nil {
			return err
		}
		var err error
		order, err = tx.CreateOrder(ctx, draft)
		return err
	})
	if err != nil {
		return CreateOutcome{}, err
	}
	l.logger.Info("order created",
		observability.F("order", order.MerchantOrderNo),
		observability.F("user", order.UserID),
		observability.F("amount", order.AmountMinor),
		observability.F("final", order.FinalAmountMinor))

	remark := strings.TrimSpace(in.Remark)
	if remark == "" && order.PackageLabel != "" {
		remark = order.PackageLabel
	}
	res, gwErr := l.gateway.Create(ctx, paygate.CreateRequest{
		MerchantOrderNo: order.MerchantOrderNo,
		AmountMinor:     order.FinalAmountMinor,
		WayCode:         wayCode,
		Remark:          remark,
		ClientIP:        in.ClientIP,
	})
	update, outcome := l.classifyCreate(order, res, gwErr)
	err = l.store.WithTransaction(ctx, func(ctx context.Context, tx uow.Tx) error {
		current, err := tx.LockOrder(ctx, order.MerchantOrderNo)
		if err != nil {
			return err
		}
		update = settleCreate(current, update)
		if update.Status == "" {
			l.logger.Info("order moved on during create, keeping its status",
				observability.F("order", current.MerchantOrderNo),
				observability.F("status", current.Status))
		}
		if err := tx.UpdateOrder(ctx, update); err != nil {
			return err
		}
		order = current
		return nil
	})
	if err != nil {
		return CreateOutcome{}, err
	}
	outcome.Order = merge(order, update)
	if update.Status != "" {
		l.record(ctx, "create", outcome.Order.Status)
	}
	return outcome, nil
}

// settleCreate limits a create-response update to orders still in created.
// Once a notification or reconcile has moved the order, only the gateway
// snapshot and identifiers are recorded.
func settleCreate(current orderstore.Order, update orderstore.OrderUpdate) orderstore.OrderUpdate {
	if current.Status == orderstore.StatusCreated {
		return update
	}
	update.Status = ""
	update.FailureReason = ""
	return update
}

func (l *Lifecycle) classifyCreate(order orderstore.Order, res paygate.Result, gwErr error) (orderstore.OrderUpdate, CreateOutcome) {
	update := orderstore.OrderUpdate{ID: order.ID, RawCreate: res.Response.Raw}
	if gwErr != nil {
		l.logger.Error("gateway create failed",
			observability.F("order", order.MerchantOrderNo), observability.Err(gwErr))
		update.Status = orderstore.StatusFailure
		update.FailureReason = gatewayErrorReason
		return update, CreateOutcome{}
	}
	if res.CashierURL != "" {
		status, known := orderstore.StatusFromCode(res.Response.State())
		if !known {
			status = orderstore.StatusInPayment
		}
		update.Status = status
		update.ProviderOrderNo = res.Response.ProviderOrderNo()
		update.CashierURL = res.CashierURL
		return update, CreateOutcome{CashierURL: res.CashierURL, Recovered: res.Recovered}
	}
	if res.Anomaly == paygate.AnomalyDuplicateSubmission {
		l.logger.Info("gateway reports duplicate submission, order left pending",
			observability.F("order", order.MerchantOrderNo))
		update.Status = orderstore.StatusInPayment
		update.ProviderOrderNo = res.Response.ProviderOrderNo()
		return update, CreateOutcome{Pending: true}
	}
	reason := strings.TrimSpace(res.Response.Msg)
	if reason == "" {
		reason = unknownResponseReason
	}
	l.logger.Info("gateway create returned no cashier url",
		observability.F("order", order.MerchantOrderNo),
		observability.F("code", res.Response.Code),
		observability.F("reason", reason))
	update.Status = orderstore.StatusFailure
	update.FailureReason = reason
	return update, CreateOutcome{}
}

// Report is a gateway-reported state for an order.
type Report struct {
	State           string
	ProviderOrderNo string
	// Raw is stored as the latest notification snapshot when set.
	Raw map[string]any
	// Trigger names what produced the report, e.g. notify or reconcile.
	Trigger string
}

// Transition describes the effect of applying a report.
type Transition struct {
	Order    orderstore.Order
	From     orderstore.Status
	Reported string
	Applied  bool
	Credited bool
}

// ApplyTx applies report to order inside a caller-owned unit of work. Unknown
// states and states refused by the status policy leave the order untouched.
// A success credits the base amount at most once.
func (l *Lifecycle) ApplyTx(ctx context.Context, tx uow.Tx, order orderstore.Order, report Report) (Transition, error) {
	tr := Transition{Order: order, From: order.Status, Reported: strings.TrimSpace(report.State)}
	to, known := orderstore.StatusFromCode(tr.Reported)
	if !known {
		l.logger.Info("reported state not recognised, order untouched",
			observability.F("order", order.MerchantOrderNo), observability.F("state", tr.Reported))
		return tr, nil
	}
	if !l.cfg.Policy.Allows(order.Status, to) {
		l.logger.Info("reported state refused by status policy",
			observability.F("order", order.MerchantOrderNo),
			observability.F("from", order.Status),
			observability.F("to", to),
			observability.F("policy", l.cfg.Policy))
		return tr, nil
	}
	update := orderstore.OrderUpdate{
		ID:              order.ID,
		Status:          to,
		ProviderOrderNo: report.ProviderOrderNo,
		RawNotify:       report.Raw,
	}
	if err := tx.UpdateOrder(ctx, update); err != nil {
		return tr, err
	}
	tr.Order = merge(order, update)
	tr.Applied = true
	if to == orderstore.StatusSuccess {
		credited, err := l.ledger.CreditOnSuccessTx(ctx, tx, tr.Order)
		if err != nil {
			return tr, err
		}
		tr.Credited = credited
	}
	trigger := report.Trigger
	if trigger == "" {
		trigger = "apply"
	}
	l.record(ctx, trigger, to)
	l.logger.Info("order transitioned",
		observability.F("order", order.MerchantOrderNo),
		observability.F("from", tr.From),
		observability.F("to", to),
		observability.F("trigger", trigger),
		observability.F("credited", tr.Credited))
	return tr, nil
}

// Find resolves ref against merchant and provider order numbers.
func (l *Lifecycle) Find(ctx context.Context, ref string) (orderstore.Order, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return orderstore.Order{}, errs.New(source, errs.CodeInvalid, errs.WithMessage("order reference required"))
	}
	order, err := l.store.FindOrder(ctx, ref)
	if errors.Is(err, orderstore.ErrNotFound) {
		return orderstore.Order{}, errs.NotFound(source, errs.CanonicalOrderNotFound, ref)
	}
	return order, err
}

// Hook runs inside the unit of work that applied a transition and commits
// with it.
type Hook func(ctx context.Context, tx uow.Tx, tr Transition) error

// Reconcile queries the gateway for ref and applies a known reported state.
func (l *Lifecycle) Reconcile(ctx context.Context, ref string, hooks ...Hook) (Transition, error) {
	order, err := l.Find(ctx, ref)
	if err != nil {
		return Transition{}, err
	}
	res, err := l.gateway.Query(ctx, paygate.QueryRequest{
		MerchantOrderNo: order.MerchantOrderNo,
		ProviderOrderNo: order.ProviderOrderNo,
	})
	if err != nil {
		return Transition{Order: order, From: order.Status}, err
	}
	return l.applyLocked(ctx, order.MerchantOrderNo, Report{
		State:           res.Response.State(),
		ProviderOrderNo: res.Response.ProviderOrderNo(),
		Trigger:         "reconcile",
	}, hooks)
}

// Close asks the gateway to close ref and applies the reported state, if any.
func (l *Lifecycle) Close(ctx context.Context, ref string, hooks ...Hook) (Transition, error) {
	order, err := l.Find(ctx, ref)
	if err != nil {
		return Transition{}, err
	}
	res, err := l.gateway.Close(ctx, paygate.CloseRequest{
		MerchantOrderNo: order.MerchantOrderNo,
		ProviderOrderNo: order.ProviderOrderNo,
	})
	if err != nil {
		return Transition{Order: order, From: order.Status}, err
	}
	return l.applyLocked(ctx, order.MerchantOrderNo, Report{
		State:           res.Response.State(),
		ProviderOrderNo: res.Response.ProviderOrderNo(),
		Trigger:         "close",
	}, hooks)
}

func (l *Lifecycle) applyLocked(ctx context.Context, merchantOrderNo string, report Report, hooks []Hook) (Transition, error) {
	var tr Transition
	err := l.store.WithTransaction(ctx, func(ctx context.Context, tx uow.Tx) error {
		order, err := tx.LockOrder(ctx, merchantOrderNo)
		if err != nil {
			return err
		}
		if tr, err = l.ApplyTx(ctx, tx, order, report); err != nil {
			return err
		}
		for _, hook := range hooks {
			if err := hook(ctx, tx, tr); err != nil {
				return err
			}
		}
		return nil
	})
	return tr, err
}

func (l *Lifecycle) record(ctx context.Context, trigger string, status orderstore.Status) {
	if l.transitions == nil {
		return
	}
	l.transitions.Add(ctx, 1, metric.WithAttributes(telemetry.StatusAttributes(trigger, string(status))...))
}

// merge mirrors the store's update semantics onto an in-memory copy.
func merge(order orderstore.Order, update orderstore.OrderUpdate) orderstore.Order {
	if update.Status != "" {
		order.Status = update.Status
	}
	if v := strings.TrimSpace(update.ProviderOrderNo); v != "" {
		order.ProviderOrderNo = v
	}
	if v := strings.TrimSpace(update.CashierURL); v != "" {
		order.CashierURL = v
	}
	if v := strings.TrimSpace(update.FailureReason); v != "" {
		order.FailureReason = v
	}
	if update.RawCreate != nil {
		order.RawCreate = update.RawCreate
	}
	if update.RawNotify != nil {
		order.RawNotify = update.RawNotify
	}
	return order
}

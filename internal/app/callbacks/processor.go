package callbacks

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/paybridge/errs"
	"github.com/coachpo/paybridge/internal/app/orders"
	"github.com/coachpo/paybridge/internal/domain/fields"
	"github.com/coachpo/paybridge/internal/domain/orderstore"
	"github.com/coachpo/paybridge/internal/domain/uow"
	"github.com/coachpo/paybridge/internal/observability"
	"github.com/coachpo/paybridge/internal/signing"
	"github.com/coachpo/paybridge/internal/telemetry"
)

const source = "callbacks"

// Outcome classifies a processed notification.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeOrderNotFound Outcome = "order_not_found"
	OutcomeRejected      Outcome = "rejected"
)

// Notification is the subset of a gateway push the processor acts on.
type Notification struct {
	MerchantOrderNo string
	ProviderOrderNo string
	State           string
	SignType        string
}

// ParseNotification extracts the logical fields from a notification payload.
func ParseNotification(payload map[string]any) Notification {
	return Notification{
		MerchantOrderNo: fields.Text(payload, "mchOrderNo", "merchantOrderNo"),
		ProviderOrderNo: fields.Text(payload, "payOrderNo", "providerOrderNo"),
		State:           fields.Text(payload, "state"),
		SignType:        fields.Text(payload, signing.SignTypeField),
	}
}

// Key returns the notification's event key.
func (n Notification) Key() string {
	return EventKey(n.MerchantOrderNo, n.ProviderOrderNo, n.State)
}

// Applier applies a reported state to a locked order.
type Applier interface {
	ApplyTx(ctx context.Context, tx uow.Tx, order orderstore.Order, report orders.Report) (orders.Transition, error)
}

// Result reports what happened to one notification.
type Result struct {
	Outcome      Outcome
	Notification Notification
	Transition   orders.Transition
}

// Processor verifies, admits and applies gateway notifications.
type Processor struct {
	store     uow.Store
	signer    *signing.Signer
	applier   Applier
	dedup     *Deduplicator
	acceptAlt bool
	logger    observability.Logger

	notifications metric.Int64Counter
	duration      metric.Float64Histogram
}

// ProcessorOption configures optional processor behaviour.
type ProcessorOption func(*Processor)

// AcceptAltSignature also accepts signatures computed without signType in
// the signed set.
func AcceptAltSignature(accept bool) ProcessorOption {
	return func(p *Processor) {
		p.acceptAlt = accept
	}
}

// NewProcessor wires the notification path.
func NewProcessor(store uow.Store, signer *signing.Signer, applier Applier, logger observability.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:   store,
		signer:  signer,
		applier: applier,
		dedup:   NewDeduplicator(store),
		logger:  observability.OrNop(logger),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	meter := otel.Meter("app.callbacks")
	if counter, err := meter.Int64Counter("paybridge_notifications_total",
		metric.WithDescription("Gateway notifications by outcome"),
		metric.WithUnit("{notification}")); err == nil {
		p.notifications = counter
	}
	if hist, err := meter.Float64Histogram("paybridge_notify_duration",
		metric.WithDescription("Notification processing latency"),
		metric.WithUnit("ms")); err == nil {
		p.duration = hist
	}
	return p
}

// Process verifies the payload signature, admits the notification and, on
// first admission, applies the reported state. Admission, transition and
// credit commit together. A signature failure returns an invalid_signature
// error and nothing is recorded.
func (p *Processor) Process(ctx context.Context, payload map[string]any) (Result, error) {
	started := time.Now()
	res, err := p.process(ctx, payload)
	p.record(ctx, res.Outcome, err, started)
	return res, err
}

func (p *Processor) process(ctx context.Context, payload map[string]any) (Result, error) {
	n := ParseNotification(payload)
	res := Result{Notification: n}
	if err := p.verify(payload, n.SignType); err != nil {
		p.logger.Error("notification signature rejected",
			observability.F("mchOrderNo", n.MerchantOrderNo),
			observability.F("signType", n.SignType),
			observability.Err(err))
		res.Outcome = OutcomeRejected
		return res, err
	}

	key := n.Key()
	err := p.store.WithTransaction(ctx, func(ctx context.Context, tx uow.Tx) error {
		admitted, err := p.dedup.AdmitTx(ctx, tx, key, payload)
		if err != nil {
			return err
		}
		if !admitted {
			res.Outcome = OutcomeDuplicate
			return nil
		}
		order, err := tx.LockOrder(ctx, n.MerchantOrderNo)
		if errors.Is(err, orderstore.ErrNotFound) {
			res.Outcome = OutcomeOrderNotFound
			return nil
		}
		if err != nil {
			return err
		}
		res.Transition, err = p.applier.ApplyTx(ctx, tx, order, orders.Report{
			State:           n.State,
			ProviderOrderNo: n.ProviderOrderNo,
			Raw:             fields.Clone(payload),
			Trigger:         "notify",
		})
		if err != nil {
			return err
		}
		res.Outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		p.logger.Error("notification processing failed",
			observability.F("eventKey", key), observability.Err(err))
		return Result{Notification: n}, err
	}
	switch res.Outcome {
	case OutcomeDuplicate:
		p.logger.Info("duplicate notification ignored", observability.F("eventKey", key))
	case OutcomeOrderNotFound:
		p.logger.Info("notification for unknown order", observability.F("eventKey", key))
	default:
		p.logger.Info("notification applied",
			observability.F("eventKey", key),
			observability.F("applied", res.Transition.Applied),
			observability.F("credited", res.Transition.Credited))
	}
	return res, nil
}

// verify uses the payload's signType, falling back to the configured one.
func (p *Processor) verify(payload map[string]any, signType string) error {
	algo := p.signer.Algorithm()
	if strings.TrimSpace(signType) != "" {
		parsed, err := signing.ParseAlgorithm(signType)
		if err != nil {
			return errs.New(source, errs.CodeInvalidSignature,
				errs.WithMessage("unsupported signType in notification"),
				errs.WithField("signType", signType),
				errs.WithCause(err))
		}
		algo = parsed
	}
	err := p.signer.Verify(payload, signing.WithAlgorithm(algo))
	if err == nil || !p.acceptAlt {
		return err
	}
	if altErr := p.signer.Verify(payload, signing.WithAlgorithm(algo), signing.ExcludeSignType()); altErr == nil {
		p.logger.Debug("notification verified with signType excluded")
		return nil
	}
	return err
}

func (p *Processor) record(ctx context.Context, outcome Outcome, err error, started time.Time) {
	result := resultFor(outcome, err)
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes("notify", result)...)
	if p.notifications != nil {
		p.notifications.Add(ctx, 1, attrs)
	}
	if p.duration != nil {
		p.duration.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	}
}

// resultFor maps a processing outcome onto the shared metric result values.
func resultFor(outcome Outcome, err error) string {
	switch outcome {
	case OutcomeApplied:
		return telemetry.ResultOK
	case OutcomeDuplicate:
		return telemetry.ResultDuplicate
	case OutcomeRejected:
		return telemetry.ResultRejected
	case OutcomeOrderNotFound:
		return string(outcome)
	}
	if err != nil {
		return telemetry.ResultError
	}
	return telemetry.ResultOK
}

// Package paygate talks to the hosted payment gateway: signed create, query
// and close calls with transport retries and protocol-anomaly recovery.
package paygate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/paybridge/errs"
	"github.com/coachpo/paybridge/internal/domain/fields"
	"github.com/coachpo/paybridge/internal/observability"
	"github.com/coachpo/paybridge/internal/signing"
)

const source = "paygate"

// Operation names a gateway endpoint.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationQuery  Operation = "query"
	OperationClose  Operation = "close"
)

func (o Operation) path() string {
	switch o {
	case OperationCreate:
		return createPath
	case OperationQuery:
		return queryPath
	default:
		return closePath
	}
}

// CreateRequest describes a new payment at the gateway.
type CreateRequest struct {
	MerchantOrderNo string
	// AmountMinor is the amount the payer is charged, fee included.
	AmountMinor int64
	WayCode     string
	Remark      string
	ClientIP    string
}

// QueryRequest identifies an order by either number. At least one is required.
type QueryRequest struct {
	MerchantOrderNo string
	ProviderOrderNo string
}

// CloseRequest identifies the order to close.
type CloseRequest struct {
	MerchantOrderNo string
	ProviderOrderNo string
}

// Result is the outcome of one logical gateway operation.
type Result struct {
	Operation Operation
	Response  Response
	Anomaly   Anomaly
	// CashierURL is set when the response carries a cashier or redirect URL.
	CashierURL string
	// Recovered marks a create answered by a duplicate-recovery query.
	Recovered bool
	// Calls counts signed requests sent, transport retries excluded.
	Calls int
}

// Client is safe for concurrent use.
type Client struct {
	cfg             Config
	http            *resty.Client
	signer          *signing.Signer
	limiter         *rate.Limiter
	logger          observability.Logger
	clock           func() time.Time
	retryBackOff    func() backoff.BackOff
	recoveryBackOff func() backoff.BackOff
	metrics         *clientMetrics
}

// New validates opts and builds a client.
func New(opts Options) (*Client, error) {
	opts, err := withDefaults(opts)
	if err != nil {
		return nil, err
	}
	signer, err := signing.New(opts.Config.Key, opts.Config.SignType)
	if err != nil {
		return nil, fmt.Errorf("paygate signer: %w", err)
	}
	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetTimeout(opts.Config.Timeout)

	c := &Client{
		cfg:             opts.Config,
		http:            rc,
		signer:          signer,
		logger:          opts.Logger,
		clock:           opts.Clock,
		retryBackOff:    opts.RetryBackOff,
		recoveryBackOff: opts.RecoveryBackOff,
		metrics:         newClientMetrics(),
	}
	if rps := opts.Config.RequestsPerSecond; rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return c, nil
}

// Create registers a payment. A duplicate-submission reply triggers up to
// three queries for the existing cashier URL; when none yields one, the
// original duplicate reply is returned.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Result, error) {
	mch := strings.TrimSpace(req.MerchantOrderNo)
	if mch == "" {
		return Result{}, invalid("merchant order number required")
	}
	if req.AmountMinor <= 0 {
		return Result{}, invalid("amount must be positive")
	}
	wayCode := strings.TrimSpace(req.WayCode)
	if wayCode == "" {
		return Result{}, invalid("way code required")
	}
	body := strings.TrimSpace(req.Remark)
	if body == "" {
		body = createDefaultBody
	}
	payload := map[string]any{
		"mchOrderNo": mch,
		"amount":     req.AmountMinor,
		"currency":   c.cfg.Currency,
		"wayCode":    wayCode,
		"notifyUrl":  c.cfg.NotifyURL,
		"returnUrl":  c.cfg.ReturnURL,
		"subject":    createSubject,
		"body":       body,
		"extParam":   "user:" + mch,
	}
	if ip := strings.TrimSpace(req.ClientIP); ip != "" {
		payload["clientIp"] = ip
	}

	res, err := c.call(ctx, OperationCreate, payload, observability.F("mchOrderNo", mch))
	if err != nil {
		return res, err
	}
	if res.Anomaly != AnomalyDuplicateSubmission {
		return res, nil
	}
	return c.recoverDuplicate(ctx, mch, res), nil
}

// Query fetches the gateway's view of an order.
func (c *Client) Query(ctx context.Context, req QueryRequest) (Result, error) {
	payload := map[string]any{}
	if mch := strings.TrimSpace(req.MerchantOrderNo); mch != "" {
		payload["mchOrderNo"] = mch
	}
	if pay := strings.TrimSpace(req.ProviderOrderNo); pay != "" {
		payload["payOrderNo"] = pay
	}
	if len(payload) == 0 {
		return Result{}, invalid("merchant or provider order number required for query")
	}
	return c.call(ctx, OperationQuery, payload,
		observability.F("mchOrderNo", req.MerchantOrderNo),
		observability.F("payOrderNo", req.ProviderOrderNo))
}

// Close asks the gateway to stop accepting payment for an order.
func (c *Client) Close(ctx context.Context, req CloseRequest) (Result, error) {
	mch := strings.TrimSpace(req.MerchantOrderNo)
	if mch == "" {
		return Result{}, invalid("merchant order number required for close")
	}
	payload := map[string]any{"mchOrderNo": mch}
	if pay := strings.TrimSpace(req.ProviderOrderNo); pay != "" {
		payload["payOrderNo"] = pay
	}
	return c.call(ctx, OperationClose, payload, observability.F("mchOrderNo", mch))
}

// call sends one signed request, then resends once with the other signType
// composition if the gateway rejected the signature.
func (c *Client) call(ctx context.Context, op Operation, payload map[string]any, logFields ...observability.Field) (Result, error) {
	res := Result{Operation: op}
	include := c.cfg.SignIncludeSignType

	resp, err := c.send(ctx, op, payload, include, logFields)
	res.Calls++
	if err != nil {
		return res, err
	}
	if resp.Anomaly() == AnomalySignatureRejected && c.cfg.RetryAltSign {
		c.logger.Info("paygate: retrying with alternate sign composition",
			append(logFields, observability.F("operation", op), observability.F("signTypeSigned", !include))...)
		resp, err = c.send(ctx, op, payload, !include, logFields)
		res.Calls++
		if err != nil {
			return res, err
		}
	}
	return res.with(resp), nil
}

func (c *Client) recoverDuplicate(ctx context.Context, mch string, duplicate Result) Result {
	schedule := c.recoveryBackOff()
	calls := duplicate.Calls
	for attempt := 1; attempt <= recoveryAttempts; attempt++ {
		res, err := c.Query(ctx, QueryRequest{MerchantOrderNo: mch})
		calls += res.Calls
		switch {
		case err != nil:
			c.logger.Error("paygate: duplicate recovery query failed",
				observability.F("mchOrderNo", mch), observability.F("attempt", attempt), observability.Err(err))
		case res.CashierURL != "":
			c.logger.Info("paygate: duplicate submission recovered",
				observability.F("mchOrderNo", mch), observability.F("attempt", attempt))
			res.Operation = OperationCreate
			res.Recovered = true
			res.Calls = calls
			return res
		default:
			c.logger.Info("paygate: duplicate recovery query without cashier url",
				observability.F("mchOrderNo", mch), observability.F("attempt", attempt),
				observability.F("code", res.Response.Code), observability.F("msg", res.Response.Msg))
		}
		if attempt == recoveryAttempts {
			break
		}
		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			duplicate.Calls = calls
			return duplicate
		case <-time.After(wait):
		}
	}
	duplicate.Calls = calls
	return duplicate
}

func (r Result) with(resp Response) Result {
	r.Response = resp
	r.Anomaly = resp.Anomaly()
	if url, ok := resp.CashierURL(); ok {
		r.CashierURL = url
	}
	return r
}

func (c *Client) envelope(payload map[string]any, includeSignType bool) (map[string]any, error) {
	req := fields.Clone(payload)
	req["mchNo"] = c.cfg.MerchantNo
	req["timestamp"] = c.clock().UnixMilli()
	if c.cfg.Username != "" {
		req["username"] = c.cfg.Username
	}
	req[signing.SignTypeField] = string(c.signer.Algorithm())
	var opts []signing.Option
	if !includeSignType {
		opts = append(opts, signing.ExcludeSignType())
	}
	sign, err := c.signer.Sign(req, opts...)
	if err != nil {
		return nil, err
	}
	req[signing.SignField] = sign
	return req, nil
}

func (c *Client) send(ctx context.Context, op Operation, payload map[string]any, includeSignType bool, logFields []observability.Field) (Response, error) {
	req, err := c.envelope(payload, includeSignType)
	if err != nil {
		return Response{}, err
	}
	c.logger.Info("paygate: request",
		append(logFields,
			observability.F("operation", op),
			observability.F("timestamp", req["timestamp"]),
			observability.F("signType", req[signing.SignTypeField]),
			observability.F("sign", redact(fields.String(req[signing.SignField]))))...)

	resp, err := c.post(ctx, op.path(), req)
	if err != nil {
		c.logger.Error("paygate: request failed", append(logFields, observability.F("operation", op), observability.Err(err))...)
		return Response{}, err
	}
	_, hasCashier := resp.CashierURL()
	c.logger.Info("paygate: response",
		append(logFields,
			observability.F("operation", op),
			observability.F("code", resp.Code),
			observability.F("msg", resp.Msg),
			observability.F("hasCashier", hasCashier))...)
	c.logger.Debug("paygate: raw response", append(logFields, observability.F("body", rawBody(resp.Raw)))...)
	c.metrics.recordAnomaly(ctx, op.path(), resp.Anomaly())
	return resp, nil
}

// post delivers body with bounded retries. Connection errors, 5xx replies and
// bodies that are not a JSON object are retried; 4xx replies are not.
func (c *Client) post(ctx context.Context, path string, body map[string]any) (Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("paygate encode %s: %w", path, err)
	}
	url := c.cfg.BaseURL + path
	requestID := uuid.NewString()
	attempt := 0

	operation := func() (Response, error) {
		attempt++
		if attempt > 1 {
			c.metrics.recordRetry(ctx, path)
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return Response{}, backoff.Permanent(err)
			}
		}
		started := time.Now()
		httpResp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader("X-Request-Id", requestID).
			SetBody(raw).
			Post(url)
		if err != nil {
			c.metrics.recordRequest(ctx, path, "transport_error", started)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Response{}, backoff.Permanent(ctxErr)
			}
			return Response{}, err
		}
		status := httpResp.StatusCode()
		switch {
		case status >= http.StatusInternalServerError:
			c.metrics.recordRequest(ctx, path, "server_error", started)
			return Response{}, transportError(path, fmt.Sprintf("gateway returned %d", status), errs.WithHTTP(status))
		case status >= http.StatusBadRequest:
			c.metrics.recordRequest(ctx, path, "client_error", started)
			return Response{}, backoff.Permanent(transportError(path, fmt.Sprintf("gateway returned %d", status),
				errs.WithHTTP(status), errs.WithRawMessage(truncate(string(httpResp.Body()), 256))))
		}
		obj, err := fields.DecodeObject(httpResp.Body())
		if err != nil {
			c.metrics.recordRequest(ctx, path, "malformed", started)
			return Response{}, transportError(path, "gateway returned a non-object body", errs.WithHTTP(status), errs.WithCause(err))
		}
		c.metrics.recordRequest(ctx, path, "ok", started)
		return parseResponse(obj), nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.retryBackOff()),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Info("paygate: retrying request",
				observability.F("path", path), observability.F("wait", wait), observability.Err(err))
		}),
	)
	if err != nil {
		var envelope *errs.E
		if errors.As(err, &envelope) {
			return Response{}, err
		}
		return Response{}, transportError(path, "gateway request failed", errs.WithCause(err))
	}
	return resp, nil
}

func transportError(path, msg string, opts ...errs.Option) error {
	opts = append([]errs.Option{errs.WithMessage(msg), errs.WithField("path", path)}, opts...)
	return errs.New(source, errs.CodeTransport, opts...)
}

func redact(sign string) string {
	if len(sign) <= 8 {
		return sign
	}
	return sign[:8] + "..."
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func rawBody(raw map[string]any) string {
	if raw == nil {
		return ""
	}
	clean := fields.Clone(raw)
	if _, ok := clean[signing.SignField]; ok {
		clean[signing.SignField] = redact(fields.String(clean[signing.SignField]))
	}
	encoded, err := json.Marshal(clean)
	if err != nil {
		return ""
	}
	return truncate(string(encoded), 2048)
}

package paygate

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/paybridge/errs"
	"github.com/coachpo/paybridge/internal/observability"
)

const (
	createPath = "/api/pay/create"
	queryPath  = "/api/pay/query"
	closePath  = "/api/pay/close"

	defaultTimeout  = 15 * time.Second
	defaultCurrency = "usd"

	maxAttempts          = 3
	retryInitialInterval = time.Second
	retryMaxInterval     = 8 * time.Second

	recoveryAttempts = 3
	recoveryInterval = 800 * time.Millisecond

	createSubject     = "Balance Recharge"
	createDefaultBody = "Recharge order"
)

// Config captures the merchant account and endpoint settings.
type Config struct {
	BaseURL    string
	MerchantNo string
	Username   string
	Key        string
	SignType   string
	Timeout    time.Duration
	// SignIncludeSignType puts signType inside the signed set on the first attempt.
	SignIncludeSignType bool
	// RetryAltSign retries once with the other signType composition after a signature rejection.
	RetryAltSign      bool
	Currency          string
	NotifyURL         string
	ReturnURL         string
	RequestsPerSecond float64
}

// Options configure the client.
type Options struct {
	Config Config
	Logger observability.Logger
	// HTTPClient overrides the transport used by resty.
	HTTPClient *http.Client
	Clock      func() time.Time
	// RetryBackOff builds the schedule between transport retries.
	RetryBackOff func() backoff.BackOff
	// RecoveryBackOff builds the schedule between duplicate-recovery queries.
	RecoveryBackOff func() backoff.BackOff
}

func withDefaults(in Options) (Options, error) {
	cfg := in.Config
	cfg.BaseURL = NormalizeBaseURL(cfg.BaseURL)
	if cfg.BaseURL == "" {
		return in, invalid("gateway base url required")
	}
	cfg.MerchantNo = strings.TrimSpace(cfg.MerchantNo)
	if cfg.MerchantNo == "" {
		return in, invalid("gateway merchant number required")
	}
	cfg.Username = strings.TrimSpace(cfg.Username)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.Currency = strings.ToLower(strings.TrimSpace(cfg.Currency))
	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}
	if !validCurrency(cfg.Currency) {
		return in, invalid(fmt.Sprintf("currency %q must be a 3-letter lowercase code", cfg.Currency))
	}
	in.Config = cfg
	in.Logger = observability.OrNop(in.Logger)
	if in.Clock == nil {
		in.Clock = time.Now
	}
	if in.RetryBackOff == nil {
		in.RetryBackOff = defaultRetryBackOff
	}
	if in.RecoveryBackOff == nil {
		in.RecoveryBackOff = defaultRecoveryBackOff
	}
	return in, nil
}

func defaultRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func defaultRecoveryBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(recoveryInterval)
}

// NormalizeBaseURL adds an https scheme when missing and strips trailing slashes.
func NormalizeBaseURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

func invalid(msg string) error {
	return errs.New(source, errs.CodeInvalid, errs.WithMessage(msg))
}

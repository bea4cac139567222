package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/paybridge/internal/domain/orderstore"
	"github.com/coachpo/paybridge/internal/infra/adapters/paygate"
	"github.com/coachpo/paybridge/internal/signing"
)

// GatewayConfig holds the merchant account at the payment gateway.
type GatewayConfig struct {
	BaseURL    string        `yaml:"baseURL"`
	MerchantNo string        `yaml:"merchantNo"`
	Username   string        `yaml:"username"`
	Key        string        `yaml:"key"`
	SignType   string        `yaml:"signType"`
	Timeout    time.Duration `yaml:"timeout"`
	// SignIncludeSignType keeps signType inside the signed set on outbound calls.
	SignIncludeSignType *bool  `yaml:"signIncludeSignType"`
	RetryAltSign        *bool  `yaml:"retryAltSign"`
	AcceptAltSignature  *bool  `yaml:"acceptAltSignature"`
	Currency            string `yaml:"currency"`
	NotifyURL           string `yaml:"notifyURL"`
	ReturnURL           string `yaml:"returnURL"`
	// WayCode is the payment method used when a recharge does not name one.
	WayCode           string  `yaml:"wayCode"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
}

func (c *GatewayConfig) applyDefaults() {
	c.BaseURL = paygate.NormalizeBaseURL(c.BaseURL)
	c.MerchantNo = strings.TrimSpace(c.MerchantNo)
	c.Username = strings.TrimSpace(c.Username)
	c.SignType = strings.ToUpper(strings.TrimSpace(c.SignType))
	if c.SignType == "" {
		c.SignType = string(signing.MD5)
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	c.SignIncludeSignType = boolOr(c.SignIncludeSignType, true)
	c.RetryAltSign = boolOr(c.RetryAltSign, true)
	c.AcceptAltSignature = boolOr(c.AcceptAltSignature, true)
	c.Currency = strings.ToLower(strings.TrimSpace(c.Currency))
	if c.Currency == "" {
		c.Currency = "usd"
	}
	c.NotifyURL = strings.TrimSpace(c.NotifyURL)
	c.ReturnURL = strings.TrimSpace(c.ReturnURL)
	c.WayCode = strings.TrimSpace(c.WayCode)
}

func (c GatewayConfig) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("baseURL required")
	}
	if c.MerchantNo == "" {
		return fmt.Errorf("merchantNo required")
	}
	if c.Key == "" {
		return fmt.Errorf("key required")
	}
	if _, err := signing.ParseAlgorithm(c.SignType); err != nil {
		return fmt.Errorf("signType: %w", err)
	}
	if len(c.Currency) != 3 || strings.Trim(c.Currency, "abcdefghijklmnopqrstuvwxyz") != "" {
		return fmt.Errorf("currency %q must be a 3-letter lowercase code", c.Currency)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requestsPerSecond must be >=0")
	}
	return nil
}

// IncludeSignType reports whether outbound signatures cover signType.
func (c GatewayConfig) IncludeSignType() bool {
	return c.SignIncludeSignType == nil || *c.SignIncludeSignType
}

// AcceptsAltSignature reports whether inbound notifications may be signed without signType.
func (c GatewayConfig) AcceptsAltSignature() bool {
	return c.AcceptAltSignature == nil || *c.AcceptAltSignature
}

// Paygate converts the section into gateway client settings.
func (c GatewayConfig) Paygate() paygate.Config {
	return paygate.Config{
		BaseURL:             c.BaseURL,
		MerchantNo:          c.MerchantNo,
		Username:            c.Username,
		Key:                 c.Key,
		SignType:            c.SignType,
		Timeout:             c.Timeout,
		SignIncludeSignType: c.IncludeSignType(),
		RetryAltSign:        c.RetryAltSign == nil || *c.RetryAltSign,
		Currency:            c.Currency,
		NotifyURL:           c.NotifyURL,
		ReturnURL:           c.ReturnURL,
		RequestsPerSecond:   c.RequestsPerSecond,
	}
}

// fromEnv fills unset fields from the PROVIDER_* variables used by
// container deployments without a config file.
func (c *GatewayConfig) fromEnv() {
	setString(&c.BaseURL, "PROVIDER_BASE_URL")
	setString(&c.MerchantNo, "PROVIDER_MCH_NO")
	setString(&c.Username, "PROVIDER_USERNAME")
	setString(&c.Key, "PROVIDER_KEY")
	setString(&c.SignType, "PROVIDER_SIGN_TYPE")
	setString(&c.Currency, "DEFAULT_CURRENCY")
	setString(&c.NotifyURL, "NOTIFY_URL")
	setString(&c.ReturnURL, "RETURN_URL")
	setString(&c.WayCode, "PROVIDER_WAY_CODE")
	if raw := strings.TrimSpace(os.Getenv("PROVIDER_TIMEOUT_SECONDS")); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			c.Timeout = time.Duration(seconds) * time.Second
		}
	}
	setBool(&c.SignIncludeSignType, "PROVIDER_SIGN_INCLUDE_SIGNTYPE")
	setBool(&c.RetryAltSign, "PROVIDER_RETRY_ALT_SIGN")
	setBool(&c.AcceptAltSignature, "PROVIDER_ACCEPT_ALT_SIGN")
}

// OrdersConfig controls recharge pricing and state handling.
type OrdersConfig struct {
	FeePercent   string `yaml:"feePercent"`
	StatusPolicy string `yaml:"statusPolicy"`
	NumberPrefix string `yaml:"numberPrefix"`
}

func (c *OrdersConfig) applyDefaults() {
	c.FeePercent = strings.TrimSpace(c.FeePercent)
	if c.FeePercent == "" {
		c.FeePercent = "15"
	}
	c.StatusPolicy = strings.ToLower(strings.TrimSpace(c.StatusPolicy))
	if c.StatusPolicy == "" {
		c.StatusPolicy = string(orderstore.PolicyLastWriterWins)
	}
	c.NumberPrefix = strings.TrimSpace(c.NumberPrefix)
	if c.NumberPrefix == "" {
		c.NumberPrefix = "FP"
	}
}

func (c OrdersConfig) validate() error {
	fee, err := c.Fee()
	if err != nil {
		return err
	}
	if fee.IsNegative() {
		return fmt.Errorf("feePercent must be >=0")
	}
	if _, ok := orderstore.ParsePolicy(c.StatusPolicy); !ok {
		return fmt.Errorf("statusPolicy %q must be last_writer_wins or monotonic", c.StatusPolicy)
	}
	return nil
}

// Fee parses the configured fee percentage.
func (c OrdersConfig) Fee() (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(c.FeePercent)
	if err != nil {
		return decimal.Zero, fmt.Errorf("feePercent %q: %w", c.FeePercent, err)
	}
	return fee, nil
}

// Policy returns the parsed status policy.
func (c OrdersConfig) Policy() orderstore.Policy {
	policy, _ := orderstore.ParsePolicy(c.StatusPolicy)
	return policy
}

func boolOr(ptr *bool, fallback bool) *bool {
	if ptr != nil {
		return ptr
	}
	v := fallback
	return &v
}

func setString(dst *string, key string) {
	if strings.TrimSpace(*dst) != "" {
		return
	}
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setBool(dst **bool, key string) {
	if *dst != nil {
		return
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key))); err == nil {
		*dst = &v
	}
}

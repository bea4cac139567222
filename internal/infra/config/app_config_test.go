package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/paybridge/internal/domain/orderstore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv("PAYBRIDGE_TEST_KEY", "s3cret")
	t.Setenv("PAYBRIDGE_TEST_ADMIN_TOKEN", "operator-token-0123")
	path := writeConfig(t, `
environment: STAGING
apiServer:
  addr: ":9999"
  readHeaderTimeout: 2s
  adminToken: " ${PAYBRIDGE_TEST_ADMIN_TOKEN} "
gateway:
  baseURL: gw.example.com/
  merchantNo: " 2023112614 "
  key: ${PAYBRIDGE_TEST_KEY}
  signType: sha256
  timeout: 20s
  signIncludeSignType: false
  currency: USD
  notifyURL: https://merchant.example/notify
  wayCode: CARD
  requestsPerSecond: 5
orders:
  feePercent: "2.5"
  statusPolicy: Monotonic
  numberPrefix: PB
telemetry:
  otlpEndpoint: http://localhost:4318
  serviceName: test-service
  enableMetrics: false
database:
  dsn: postgresql://localhost:5432/paybridge_test
  maxConns: 8
  runMigrations: true
  migrationsPath: db/migrations
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging environment, got %q", cfg.Environment)
	}
	if cfg.APIServer.Addr != ":9999" || cfg.APIServer.ReadHeaderTimeout != 2*time.Second {
		t.Fatalf("unexpected api server config %+v", cfg.APIServer)
	}
	if cfg.APIServer.AdminToken != "operator-token-0123" {
		t.Fatalf("expected expanded admin token, got %q", cfg.APIServer.AdminToken)
	}
	gw := cfg.Gateway
	if gw.BaseURL != "https://gw.example.com" {
		t.Fatalf("expected normalised base url, got %q", gw.BaseURL)
	}
	if gw.MerchantNo != "2023112614" || gw.Key != "s3cret" {
		t.Fatalf("unexpected merchant credentials %+v", gw)
	}
	if gw.SignType != "SHA256" || gw.Currency != "usd" {
		t.Fatalf("unexpected signType/currency %q/%q", gw.SignType, gw.Currency)
	}
	if gw.IncludeSignType() {
		t.Fatalf("expected signIncludeSignType=false to be honoured")
	}
	if !gw.AcceptsAltSignature() {
		t.Fatalf("expected acceptAltSignature default true")
	}
	pg := gw.Paygate()
	if pg.SignIncludeSignType || !pg.RetryAltSign || pg.Timeout != 20*time.Second || pg.RequestsPerSecond != 5 {
		t.Fatalf("unexpected paygate config %+v", pg)
	}
	if cfg.Orders.Policy() != orderstore.PolicyMonotonic {
		t.Fatalf("expected monotonic policy, got %q", cfg.Orders.Policy())
	}
	fee, err := cfg.Orders.Fee()
	if err != nil || fee.String() != "2.5" {
		t.Fatalf("unexpected fee %v %v", fee, err)
	}
	if cfg.Database.MaxConns != 8 || cfg.Database.MinConns != 1 || !cfg.Database.RunMigrations {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
gateway:
  baseURL: https://gw.example.com
  merchantNo: "1"
  key: k
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Environment != EnvDev || cfg.APIServer.Addr != ":8080" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Gateway.SignType != "MD5" || cfg.Gateway.Currency != "usd" || cfg.Gateway.Timeout != 15*time.Second {
		t.Fatalf("unexpected gateway defaults %+v", cfg.Gateway)
	}
	if !cfg.Gateway.IncludeSignType() {
		t.Fatalf("expected signType to be signed by default")
	}
	if cfg.Orders.FeePercent != "15" || cfg.Orders.NumberPrefix != "FP" || cfg.Orders.Policy() != orderstore.PolicyLastWriterWins {
		t.Fatalf("unexpected orders defaults %+v", cfg.Orders)
	}
	if cfg.Database.DSN != "postgresql://localhost:5432/paybridge" {
		t.Fatalf("unexpected dsn default %q", cfg.Database.DSN)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"environment": "environment: qa\ngateway: {baseURL: x, merchantNo: '1', key: k}",
		"signType":    "gateway: {baseURL: x, merchantNo: '1', key: k, signType: SHA512}",
		"currency":    "gateway: {baseURL: x, merchantNo: '1', key: k, currency: usdt}",
		"merchantNo":  "gateway: {baseURL: x, key: k}",
		"key":         "gateway: {baseURL: x, merchantNo: '1'}",
		"feePercent":  "gateway: {baseURL: x, merchantNo: '1', key: k}\norders: {feePercent: abc}",
		"policy":      "gateway: {baseURL: x, merchantNo: '1', key: k}\norders: {statusPolicy: first_writer}",
		"minConns":    "gateway: {baseURL: x, merchantNo: '1', key: k}\ndatabase: {maxConns: 2, minConns: 4}",
		"adminToken":  "apiServer: {adminToken: short}\ngateway: {baseURL: x, merchantNo: '1', key: k}",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(body)); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}
}

func TestMinConnsClampedByDefaults(t *testing.T) {
	var db DatabaseConfig
	db.MaxConns = 2
	db.MinConns = 4
	db.applyDefaults()
	if db.MinConns != 2 {
		t.Fatalf("expected minConns clamped to maxConns, got %d", db.MinConns)
	}
}

func TestPoolSettingsCarryDatabaseSection(t *testing.T) {
	var db DatabaseConfig
	db.DSN = "postgresql://db:5432/pay"
	db.MaxConns = 9
	db.applyDefaults()
	settings := db.PoolSettings()
	if settings.DSN != "postgresql://db:5432/pay" || settings.MaxConns != 9 {
		t.Fatalf("unexpected pool settings: %+v", settings)
	}
	if settings.HealthCheckPeriod != 30*time.Second {
		t.Fatalf("expected default health check period, got %v", settings.HealthCheckPeriod)
	}
}

func TestLoadOrDefaultUsesEnvironment(t *testing.T) {
	t.Setenv("PROVIDER_BASE_URL", "gw.example.com")
	t.Setenv("PROVIDER_MCH_NO", "77")
	t.Setenv("PROVIDER_KEY", "secret")
	t.Setenv("PROVIDER_SIGN_TYPE", "sha1")
	t.Setenv("PROVIDER_TIMEOUT_SECONDS", "9")
	t.Setenv("PROVIDER_SIGN_INCLUDE_SIGNTYPE", "false")

	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if cfg.Gateway.BaseURL != "https://gw.example.com" || cfg.Gateway.MerchantNo != "77" {
		t.Fatalf("unexpected gateway from env %+v", cfg.Gateway)
	}
	if cfg.Gateway.SignType != "SHA1" || cfg.Gateway.Timeout != 9*time.Second {
		t.Fatalf("unexpected signType/timeout %q %s", cfg.Gateway.SignType, cfg.Gateway.Timeout)
	}
	if cfg.Gateway.IncludeSignType() {
		t.Fatalf("expected env override of signIncludeSignType")
	}
}

func TestLoadOrDefaultPropagatesParseErrors(t *testing.T) {
	path := writeConfig(t, "gateway: [")
	_, err := LoadOrDefault(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "unmarshal config") {
		t.Fatalf("expected unmarshal error, got %v", err)
	}
}

func TestDefaultNeedsGatewayCredentials(t *testing.T) {
	cfg := Default()
	if cfg.APIServer.Addr != ":8080" {
		t.Fatalf("expected default addr")
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error without gateway credentials")
	}
}

func TestExampleConfigParses(t *testing.T) {
	t.Setenv("PROVIDER_BASE_URL", "https://gw.example.com")
	t.Setenv("PROVIDER_MCH_NO", "M1")
	t.Setenv("PROVIDER_USERNAME", "ops")
	t.Setenv("PROVIDER_KEY", "secret")
	t.Setenv("PAYBRIDGE_ADMIN_TOKEN", "")
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.example.yaml"))
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	if cfg.Orders.Policy() != orderstore.PolicyLastWriterWins {
		t.Fatalf("unexpected policy %q", cfg.Orders.Policy())
	}
	if !cfg.Database.RunMigrations {
		t.Fatalf("expected example config to run migrations")
	}
	if cfg.APIServer.AdminToken != "" {
		t.Fatalf("expected admin routes off by default, got token %q", cfg.APIServer.AdminToken)
	}
}

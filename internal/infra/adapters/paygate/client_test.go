package paygate

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/paybridge/errs"
	"github.com/coachpo/paybridge/internal/signing"
)

type recordedCall struct {
	Path string
	Body map[string]any
}

type scriptedGateway struct {
	t       *testing.T
	mu      sync.Mutex
	replies []func(w http.ResponseWriter)
	calls   []recordedCall
}

func (g *scriptedGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	require.NoError(g.t, err)
	var body map[string]any
	require.NoError(g.t, json.Unmarshal(raw, &body))

	g.mu.Lock()
	idx := len(g.calls)
	g.calls = append(g.calls, recordedCall{Path: r.URL.Path, Body: body})
	g.mu.Unlock()

	if idx >= len(g.replies) {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	g.replies[idx](w)
}

func (g *scriptedGateway) recorded() []recordedCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]recordedCall(nil), g.calls...)
}

func jsonReply(body string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func statusReply(status int) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
	}
}

func newTestClient(t *testing.T, replies ...func(http.ResponseWriter)) (*Client, *scriptedGateway) {
	t.Helper()
	gw := &scriptedGateway{t: t, replies: replies}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	client, err := New(Options{
		Config: Config{
			BaseURL:             srv.URL,
			MerchantNo:          "2023112614",
			Key:                 "123456789",
			SignType:            "MD5",
			SignIncludeSignType: true,
			RetryAltSign:        true,
			Currency:            "USD",
			NotifyURL:           "https://merchant.example/notify",
			ReturnURL:           "https://merchant.example/return",
		},
		HTTPClient:      srv.Client(),
		Clock:           func() time.Time { return time.UnixMilli(1700532558623) },
		RetryBackOff:    func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		RecoveryBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	require.NoError(t, err)
	return client, gw
}

func TestCreateRetriesWithAlternateSignComposition(t *testing.T) {
	client, gw := newTestClient(t,
		jsonReply(`{"code":"1005","msg":"sign error"}`),
		jsonReply(`{"code":0,"msg":"SUCCESS","data":{"state":1,"payOrderNo":"P100","cashierUrl":"https://pay.example/c/P100"}}`),
	)

	res, err := client.Create(context.Background(), CreateRequest{
		MerchantOrderNo: "PB1001700000000123",
		AmountMinor:     1030,
		WayCode:         "CARD",
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Calls)
	require.Equal(t, AnomalyNone, res.Anomaly)
	require.Equal(t, "https://pay.example/c/P100", res.CashierURL)
	require.Equal(t, "P100", res.Response.ProviderOrderNo())
	require.Equal(t, "1", res.Response.State())

	calls := gw.recorded()
	require.Len(t, calls, 2)
	require.Equal(t, createPath, calls[0].Path)
	require.Equal(t, createPath, calls[1].Path)
	require.NotEqual(t, calls[0].Body["sign"], calls[1].Body["sign"])
	require.Equal(t, "usd", calls[0].Body["currency"])
	require.Equal(t, calls[0].Body["currency"], calls[1].Body["currency"])
	require.Equal(t, "MD5", calls[1].Body["signType"])

	signer, err := signing.New("123456789", "MD5")
	require.NoError(t, err)
	require.NoError(t, signer.Verify(calls[0].Body))
	require.NoError(t, signer.Verify(calls[1].Body, signing.ExcludeSignType()))
}

func TestCreateSurfacesSecondSignatureRejection(t *testing.T) {
	client, gw := newTestClient(t,
		jsonReply(`{"code":"1005","msg":"SIGN ERROR"}`),
		jsonReply(`{"code":"1005","msg":"SIGN ERROR"}`),
	)

	res, err := client.Create(context.Background(), CreateRequest{MerchantOrderNo: "M1", AmountMinor: 100, WayCode: "CARD"})
	require.NoError(t, err)
	require.Equal(t, AnomalySignatureRejected, res.Anomaly)
	require.Equal(t, "SIGN ERROR", res.Response.Msg)
	require.Len(t, gw.recorded(), 2)
}

func TestCreateRecoversDuplicateSubmission(t *testing.T) {
	client, gw := newTestClient(t,
		jsonReply(`{"code":"14","msg":"Duplicate submission"}`),
		jsonReply(`{"code":0,"msg":"SUCCESS","data":{"state":1}}`),
		jsonReply(`{"code":0,"msg":"SUCCESS","data":{"state":1,"payOrderNo":"P7","payData":{"cashierUrl":"https://pay.example/c/P7"}}}`),
	)

	res, err := client.Create(context.Background(), CreateRequest{MerchantOrderNo: "M7", AmountMinor: 500, WayCode: "CARD"})
	require.NoError(t, err)
	require.True(t, res.Recovered)
	require.Equal(t, OperationCreate, res.Operation)
	require.Equal(t, "https://pay.example/c/P7", res.CashierURL)
	require.Equal(t, 3, res.Calls)

	calls := gw.recorded()
	require.Len(t, calls, 3)
	require.Equal(t, []string{createPath, queryPath, queryPath}, []string{calls[0].Path, calls[1].Path, calls[2].Path})
	require.Equal(t, "M7", calls[1].Body["mchOrderNo"])
	_, hasPay := calls[1].Body["payOrderNo"]
	require.False(t, hasPay)
}

func TestCreateReturnsDuplicateWhenRecoveryFails(t *testing.T) {
	client, gw := newTestClient(t,
		jsonReply(`{"code":"14","msg":"DUPLICATE SUBMISSION"}`),
		jsonReply(`{"code":0,"msg":"SUCCESS","data":{"state":1}}`),
		jsonReply(`{"code":0,"msg":"SUCCESS","data":{}}`),
		jsonReply(`{"code":0,"msg":"SUCCESS"}`),
	)

	res, err := client.Create(context.Background(), CreateRequest{MerchantOrderNo: "M8", AmountMinor: 500, WayCode: "CARD"})
	require.NoError(t, err)
	require.False(t, res.Recovered)
	require.Equal(t, AnomalyDuplicateSubmission, res.Anomaly)
	require.Empty(t, res.CashierURL)
	require.Equal(t, 4, res.Calls)
	require.Len(t, gw.recorded(), 4)
}

func TestPostRetriesServerErrorsAndMalformedBodies(t *testing.T) {
	client, gw := newTestClient(t,
		statusReply(http.StatusBadGateway),
		jsonReply(`["not","an","object"]`),
		jsonReply(`{"code":0,"msg":"SUCCESS","data":{"state":2}}`),
	)

	res, err := client.Query(context.Background(), QueryRequest{ProviderOrderNo: "P1"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Calls)
	require.Equal(t, "2", res.Response.State())
	require.Len(t, gw.recorded(), 3)
}

func TestPostSurfacesExhaustedRetries(t *testing.T) {
	client, gw := newTestClient(t,
		statusReply(http.StatusServiceUnavailable),
		statusReply(http.StatusServiceUnavailable),
		statusReply(http.StatusServiceUnavailable),
	)

	_, err := client.Close(context.Background(), CloseRequest{MerchantOrderNo: "M9"})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeTransport))
	require.Len(t, gw.recorded(), 3)
}

func TestPostDoesNotRetryClientErrors(t *testing.T) {
	client, gw := newTestClient(t, statusReply(http.StatusBadRequest))

	_, err := client.Query(context.Background(), QueryRequest{MerchantOrderNo: "M1"})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeTransport))
	require.Len(t, gw.recorded(), 1)
}

func TestEnvelopeFields(t *testing.T) {
	client, gw := newTestClient(t, jsonReply(`{"code":0,"msg":"SUCCESS"}`))

	_, err := client.Close(context.Background(), CloseRequest{MerchantOrderNo: "M2", ProviderOrderNo: "P2"})
	require.NoError(t, err)

	body := gw.recorded()[0].Body
	require.Equal(t, "2023112614", body["mchNo"])
	require.Equal(t, float64(1700532558623), body["timestamp"])
	require.Equal(t, "M2", body["mchOrderNo"])
	require.Equal(t, "P2", body["payOrderNo"])
	require.Equal(t, "MD5", body["signType"])
	require.NotContains(t, body, "username")
}

func TestQueryRequiresReference(t *testing.T) {
	client, gw := newTestClient(t)

	_, err := client.Query(context.Background(), QueryRequest{MerchantOrderNo: "  "})
	require.True(t, errs.Is(err, errs.CodeInvalid))
	require.Empty(t, gw.recorded())
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Options{Config: Config{BaseURL: "gw.example", MerchantNo: "1", SignType: "MD5", Currency: "usdt"}})
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = New(Options{Config: Config{BaseURL: "gw.example", MerchantNo: "1", SignType: "SHA512"}})
	require.True(t, errs.Is(err, errs.CodeUnsupportedAlgorithm))

	_, err = New(Options{Config: Config{MerchantNo: "1", SignType: "MD5"}})
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestNormalizeBaseURL(t *testing.T) {
	require.Equal(t, "https://gw.example", NormalizeBaseURL(" gw.example/ "))
	require.Equal(t, "http://localhost:8080", NormalizeBaseURL("http://localhost:8080//"))
	require.Empty(t, NormalizeBaseURL("  "))
}

package paygate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/paybridge/internal/domain/fields"
)

func decode(t *testing.T, raw string) Response {
	t.Helper()
	obj, err := fields.DecodeObject([]byte(raw))
	require.NoError(t, err)
	return parseResponse(obj)
}

func TestAnomalyClassification(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Anomaly
	}{
		{"sign message", `{"code":"9","msg":"Sign verify error"}`, AnomalySignatureRejected},
		{"sign code", `{"code":1005,"msg":"rejected"}`, AnomalySignatureRejected},
		{"message alias", `{"code":"9","message":"SIGN ERROR"}`, AnomalySignatureRejected},
		{"duplicate message", `{"code":"9","msg":"duplicate Submission"}`, AnomalyDuplicateSubmission},
		{"duplicate code", `{"code":14,"msg":""}`, AnomalyDuplicateSubmission},
		{"success", `{"code":0,"msg":"SUCCESS"}`, AnomalyNone},
		{"sign only", `{"code":"9","msg":"sign missing"}`, AnomalyNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, decode(t, tc.body).Anomaly())
		})
	}
}

func TestCashierURLSearch(t *testing.T) {
	resp := decode(t, `{"code":0,"data":{"a":{"url":"  "},"b":[{"payURL":" https://pay.example/x "}],"redirectUrl":""}}`)
	url, ok := resp.CashierURL()
	require.True(t, ok)
	require.Equal(t, "https://pay.example/x", url)

	resp = decode(t, `{"code":0,"data":{"cashierUrl":"https://one","payUrl":"https://two"}}`)
	url, ok = resp.CashierURL()
	require.True(t, ok)
	require.Equal(t, "https://one", url)

	resp = decode(t, `{"code":0,"cashierUrl":"https://top-level-is-ignored"}`)
	_, ok = resp.CashierURL()
	require.False(t, ok)

	resp = decode(t, `{"code":0,"data":[{"x":{"url":"https://in-list"}}]}`)
	url, ok = resp.CashierURL()
	require.True(t, ok)
	require.Equal(t, "https://in-list", url)
}

func TestDataTextIgnoresNonObjectData(t *testing.T) {
	resp := decode(t, `{"code":0,"data":["x"]}`)
	require.Empty(t, resp.State())
	require.Empty(t, resp.ProviderOrderNo())
}

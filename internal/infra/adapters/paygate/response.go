package paygate

import (
	"strings"

	"github.com/coachpo/paybridge/internal/domain/fields"
)

const (
	signatureErrorCode = "1005"
	duplicateCode      = "14"
)

// cashierAliases are checked in order on every map of the response data.
var cashierAliases = []string{
	"cashierUrl",
	"cashierURL",
	"payUrl",
	"payURL",
	"redirectUrl",
	"redirectURL",
	"url",
}

// Anomaly classifies a structurally valid response that needs recovery.
type Anomaly string

const (
	AnomalyNone                Anomaly = ""
	AnomalySignatureRejected   Anomaly = "signature_rejected"
	AnomalyDuplicateSubmission Anomaly = "duplicate_submission"
)

// Response is a decoded gateway reply.
type Response struct {
	Code string
	Msg  string
	// Data is the `data` member; usually an object, occasionally a list or absent.
	Data any
	Raw  map[string]any
}

func parseResponse(obj map[string]any) Response {
	return Response{
		Code: fields.Text(obj, "code"),
		Msg:  fields.Text(obj, "msg", "message"),
		Data: obj["data"],
		Raw:  obj,
	}
}

// Anomaly classifies r.
func (r Response) Anomaly() Anomaly {
	msg := strings.ToUpper(r.Msg)
	switch {
	case (strings.Contains(msg, "SIGN") && strings.Contains(msg, "ERROR")) || r.Code == signatureErrorCode:
		return AnomalySignatureRejected
	case (strings.Contains(msg, "DUPLICATE") && strings.Contains(msg, "SUBMISSION")) || r.Code == duplicateCode:
		return AnomalyDuplicateSubmission
	default:
		return AnomalyNone
	}
}

// CashierURL finds the first cashier or redirect URL anywhere under data.
func (r Response) CashierURL() (string, bool) {
	if r.Data == nil {
		return "", false
	}
	return fields.FirstString(r.Data, cashierAliases...)
}

// DataText returns data[key] rendered as text when data is an object.
func (r Response) DataText(key string) string {
	data, ok := r.Data.(map[string]any)
	if !ok {
		return ""
	}
	return fields.Text(data, key)
}

// State returns the reported order state code, if any.
func (r Response) State() string {
	return r.DataText("state")
}

// ProviderOrderNo returns the gateway-assigned order number, if any.
func (r Response) ProviderOrderNo() string {
	return r.DataText("payOrderNo")
}

// Package errs provides the structured error envelope shared by paybridge components.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies the failure family of an error.
type Code string

const (
	// CodeInvalidSignature marks a signature that failed verification.
	CodeInvalidSignature Code = "invalid_signature"
	// CodeUnsupportedAlgorithm marks a signType outside MD5, SHA1 and SHA256.
	CodeUnsupportedAlgorithm Code = "unsupported_algorithm"
	// CodeInsufficientBalance marks a payout hold larger than the available balance.
	CodeInsufficientBalance Code = "insufficient_balance"
	// CodeTransport marks a gateway call that failed after all retries.
	CodeTransport Code = "transport"
	// CodeProtocolAnomaly marks a gateway response that was structurally valid but unusable.
	CodeProtocolAnomaly Code = "protocol_anomaly"
	// CodeNotFound marks a missing order, payout or user.
	CodeNotFound Code = "not_found"
	// CodeInvalid marks invalid input supplied by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict marks a state that does not allow the requested mutation.
	CodeConflict Code = "conflict"
)

// CanonicalCode narrows a Code to the concrete business condition.
type CanonicalCode string

const (
	CanonicalUnknown             CanonicalCode = "unknown"
	CanonicalOrderNotFound       CanonicalCode = "order_not_found"
	CanonicalPayoutNotFound      CanonicalCode = "payout_not_found"
	CanonicalUserNotFound        CanonicalCode = "user_not_found"
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	CanonicalSignatureRejected   CanonicalCode = "signature_rejected"
	CanonicalDuplicateSubmission CanonicalCode = "duplicate_submission"
)

// E is the error envelope produced across the paybridge stack.
type E struct {
	Source    string
	Code      Code
	HTTP      int
	RawCode   string
	RawMsg    string
	Message   string
	Canonical CanonicalCode
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and code.
func New(source string, code Code, opts ...Option) *E {
	e := &E{
		Source:    strings.TrimSpace(source),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the HTTP status observed on the wire.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the gateway's own error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the gateway's own error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the wrapped error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the business condition. Blank values reset to unknown.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField attaches a single diagnostic key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := e.Source
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err carries an envelope with the given code.
func Is(err error, code Code) bool {
	var target *E
	if !errors.As(err, &target) {
		return false
	}
	return target.Code == code
}

// CanonicalOf returns the canonical code of the first envelope in err's chain.
func CanonicalOf(err error) CanonicalCode {
	var target *E
	if !errors.As(err, &target) {
		return CanonicalUnknown
	}
	return target.Canonical
}

// NotFound builds a not-found envelope for the given canonical condition.
func NotFound(source string, canonical CanonicalCode, ref string) *E {
	return New(source, CodeNotFound,
		WithCanonicalCode(canonical),
		WithMessage(strings.ReplaceAll(string(canonical), "_", " ")),
		WithField("ref", ref),
	)
}

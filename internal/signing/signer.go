// Package signing renders gateway field maps into their canonical signable
// string and computes or verifies the digest carried in the `sign` field.
package signing

import (
	"bytes"
	"crypto/md5"  // #nosec G501 -- the gateway protocol mandates MD5 as one of its digests.
	"crypto/sha1" // #nosec G505 -- the gateway protocol mandates SHA1 as one of its digests.
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/paybridge/errs"
	"github.com/coachpo/paybridge/internal/domain/fields"
)

const (
	// SignField carries the digest and is never part of the signed set, in
	// any letter case.
	SignField = "sign"
	// SignTypeField names the digest algorithm in a payload.
	SignTypeField = "signType"

	source = "signing"
)

// Algorithm is a supported digest.
type Algorithm string

const (
	MD5    Algorithm = "MD5"
	SHA1   Algorithm = "SHA1"
	SHA256 Algorithm = "SHA256"
)

// ParseAlgorithm accepts a signType value in any case.
func ParseAlgorithm(signType string) (Algorithm, error) {
	switch algo := Algorithm(strings.ToUpper(strings.TrimSpace(signType))); algo {
	case MD5, SHA1, SHA256:
		return algo, nil
	default:
		return "", errs.New(source, errs.CodeUnsupportedAlgorithm,
			errs.WithMessage("unsupported signature algorithm"),
			errs.WithField("signType", signType))
	}
}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case SHA1:
		return sha1.New() // #nosec G401
	case SHA256:
		return sha256.New()
	default:
		return md5.New() // #nosec G401
	}
}

// Option adjusts a single Sign or Verify call.
type Option func(*callOptions)

type callOptions struct {
	ignore    map[string]struct{}
	algorithm Algorithm
}

// ExcludeKeys leaves the named keys out of the signed set.
func ExcludeKeys(keys ...string) Option {
	return func(o *callOptions) {
		for _, k := range keys {
			o.ignore[k] = struct{}{}
		}
	}
}

// ExcludeSignType leaves signType out of the signed set.
func ExcludeSignType() Option {
	return ExcludeKeys(SignTypeField)
}

// WithAlgorithm overrides the signer's configured algorithm for one call.
func WithAlgorithm(algo Algorithm) Option {
	return func(o *callOptions) {
		o.algorithm = algo
	}
}

// Signer computes and verifies digests with a shared merchant secret.
type Signer struct {
	key       string
	algorithm Algorithm
}

// New validates signType and returns a Signer for key.
func New(key, signType string) (*Signer, error) {
	algo, err := ParseAlgorithm(signType)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, algorithm: algo}, nil
}

// Algorithm returns the configured digest.
func (s *Signer) Algorithm() Algorithm {
	return s.algorithm
}

// Sign returns the upper-case hex digest of m's canonical string.
func (s *Signer) Sign(m map[string]any, opts ...Option) (string, error) {
	o := s.resolve(opts)
	if _, err := ParseAlgorithm(string(o.algorithm)); err != nil {
		return "", err
	}
	canonical, err := canonicalString(m, o.ignore)
	if err != nil {
		return "", err
	}
	return digest(canonical+"&key="+s.key, o.algorithm), nil
}

// Verify recomputes the digest of m and compares it with m's sign field,
// ignoring case. A missing or blank sign is always rejected.
func (s *Signer) Verify(m map[string]any, opts ...Option) error {
	claimed := claimedSign(m)
	if claimed == "" {
		return errs.New(source, errs.CodeInvalidSignature, errs.WithMessage("signature missing"))
	}
	expected, err := s.Sign(m, opts...)
	if err != nil {
		return err
	}
	if !strings.EqualFold(expected, claimed) {
		return errs.New(source, errs.CodeInvalidSignature, errs.WithMessage("signature mismatch"))
	}
	return nil
}

// claimedSign prefers the lower-case sign key and falls back to any other
// casing of it.
func claimedSign(m map[string]any) string {
	if v := strings.TrimSpace(fields.String(m[SignField])); v != "" {
		return v
	}
	for _, key := range fields.SortedKeys(m) {
		if isSignKey(key) {
			if v := strings.TrimSpace(fields.String(m[key])); v != "" {
				return v
			}
		}
	}
	return ""
}

func isSignKey(key string) bool {
	return strings.EqualFold(key, SignField)
}

func (s *Signer) resolve(opts []Option) callOptions {
	o := callOptions{ignore: map[string]struct{}{SignField: {}}, algorithm: s.algorithm}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// CanonicalString renders m without the sign field and without the extra keys.
func CanonicalString(m map[string]any, exclude ...string) (string, error) {
	ignore := map[string]struct{}{SignField: {}}
	for _, k := range exclude {
		ignore[k] = struct{}{}
	}
	return canonicalString(m, ignore)
}

func canonicalString(m map[string]any, ignore map[string]struct{}) (string, error) {
	kept := make(map[string]any, len(m))
	for k, v := range m {
		if _, skip := ignore[k]; skip || isSignKey(k) {
			continue
		}
		kept[k] = v
	}
	normalized, _ := fields.Normalize(kept).(map[string]any)

	var b strings.Builder
	for i, key := range fields.SortedKeys(normalized) {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		value := normalized[key]
		switch fields.KindOf(value) {
		case fields.KindMap, fields.KindList:
			encoded, err := compactJSON(value)
			if err != nil {
				return "", fmt.Errorf("signing: encode %s: %w", key, err)
			}
			b.WriteString(encoded)
		default:
			b.WriteString(fields.String(value))
		}
	}
	return b.String(), nil
}

func compactJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func digest(src string, algo Algorithm) string {
	h := algo.newHash()
	_, _ = h.Write([]byte(src))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

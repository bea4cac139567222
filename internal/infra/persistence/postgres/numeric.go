package postgres

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// decimalFromText parses a NUMERIC column selected as text.
func decimalFromText(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	out, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

// numericArg renders a decimal for a NUMERIC parameter.
func numericArg(value decimal.Decimal) string {
	return value.String()
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func nullableInt64(ptr *int64) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

// encodeJSON renders a map for a JSONB parameter. A nil map yields SQL NULL
// when nullable is set and an empty object otherwise.
func encodeJSON(m map[string]any, nullable bool) (any, error) {
	if m == nil {
		if nullable {
			return nil, nil
		}
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

func decodeJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

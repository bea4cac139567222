package fields

import (
	"testing"

	json "github.com/goccy/go-json"
)

func TestFirstStringPrefersAliasOrderOnSameMap(t *testing.T) {
	node := map[string]any{
		"url":        "https://fallback.test",
		"payUrl":     "https://pay.test",
		"cashierUrl": "  ",
	}
	got, ok := FirstString(node, "cashierUrl", "payUrl", "url")
	if !ok || got != "https://pay.test" {
		t.Fatalf("expected payUrl, got %q (%v)", got, ok)
	}
}

func TestFirstStringDescendsMapsThenLists(t *testing.T) {
	node := map[string]any{
		"payData": map[string]any{"inner": []any{"x", map[string]any{"cashierUrl": "https://deep.test"}}},
		"state":   json.Number("1"),
	}
	got, ok := FirstString(node, "cashierUrl")
	if !ok || got != "https://deep.test" {
		t.Fatalf("expected nested url, got %q (%v)", got, ok)
	}
	if _, ok := FirstString([]any{1, "two"}, "cashierUrl"); ok {
		t.Fatalf("expected no match in scalar list")
	}
}

func TestFirstStringIgnoresNonStringValues(t *testing.T) {
	node := map[string]any{"url": 42, "next": map[string]any{"url": "https://ok.test"}}
	got, ok := FirstString(node, "url")
	if !ok || got != "https://ok.test" {
		t.Fatalf("expected nested string url, got %q", got)
	}
}

func TestDecodeObject(t *testing.T) {
	obj, err := DecodeObject([]byte(` {"code":0,"data":{"amount":1000}} `))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if Text(obj, "code") != "0" {
		t.Fatalf("expected code 0, got %q", Text(obj, "code"))
	}
	data := obj["data"].(map[string]any)
	if _, ok := data["amount"].(json.Number); !ok {
		t.Fatalf("expected json.Number, got %T", data["amount"])
	}

	for _, raw := range []string{"", "[1,2]", "\"text\"", "{broken"} {
		if _, err := DecodeObject([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestIsEmptyAndNormalize(t *testing.T) {
	cases := map[string]struct {
		value any
		empty bool
	}{
		"nil":       {nil, true},
		"blank":     {"", true},
		"space":     {" ", false},
		"zero":      {0, false},
		"emptyMap":  {map[string]any{}, true},
		"emptyList": {[]any{}, true},
		"false":     {false, false},
	}
	for name, tc := range cases {
		if got := IsEmpty(tc.value); got != tc.empty {
			t.Fatalf("%s: expected %v, got %v", name, tc.empty, got)
		}
	}

	normalized := Normalize(map[string]any{"a": map[string]any{"b": ""}, "c": "d"}).(map[string]any)
	if len(normalized) != 1 || normalized["c"] != "d" {
		t.Fatalf("unexpected normalized map %v", normalized)
	}
}

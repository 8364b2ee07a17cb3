package validation

import (
	"strings"
	"testing"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"trims whitespace", "  hello  ", 100, "hello"},
		{"truncates long strings", strings.Repeat("a", 200), 100, strings.Repeat("a", 100)},
		{"removes null bytes", "hello\x00world", 100, "helloworld"},
		{"empty string", "", 100, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeString(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("SanitizeString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestRequired(t *testing.T) {
	if err := Required("name", "value")(); err != nil {
		t.Errorf("expected nil for non-empty value, got %v", err)
	}
	if err := Required("name", "")(); err == nil {
		t.Error("expected error for empty value")
	}
	if err := Required("name", "   ")(); err == nil {
		t.Error("expected error for whitespace-only value")
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("name", "short", 10)(); err != nil {
		t.Errorf("expected nil for short value, got %v", err)
	}
	if err := MaxLength("name", strings.Repeat("a", 11), 10)(); err == nil {
		t.Error("expected error for too-long value")
	}
}

func TestPositiveAmount(t *testing.T) {
	if err := PositiveAmount("amountCents", 100)(); err != nil {
		t.Errorf("expected nil for positive amount, got %v", err)
	}
	if err := PositiveAmount("amountCents", 0)(); err == nil {
		t.Error("expected error for zero amount")
	}
	if err := PositiveAmount("amountCents", -5)(); err == nil {
		t.Error("expected error for negative amount")
	}
}

func TestOneOf(t *testing.T) {
	if err := OneOf("method", "cash", "cash", "card", "split")(); err != nil {
		t.Errorf("expected nil for allowed value, got %v", err)
	}
	if err := OneOf("method", "crypto", "cash", "card", "split")(); err == nil {
		t.Error("expected error for disallowed value")
	}
	// Empty values pass; Required handles presence.
	if err := OneOf("method", "", "cash", "card")(); err != nil {
		t.Errorf("expected nil for empty value, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("name", ""),
		PositiveAmount("amountCents", -1),
		Required("location", "loc_1"),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "name" {
		t.Errorf("expected first error on name, got %s", errs[0].Field)
	}
	if !strings.Contains(errs.Error(), "name") {
		t.Errorf("Error() should mention the first failing field: %s", errs.Error())
	}

	if errs := Validate(Required("name", "ok")); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

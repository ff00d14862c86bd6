package query

import (
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		errMsg  string
	}{
		{"simple", "roads", false, ""},
		{"mixed case", "RoadSegments", false, ""},
		{"with space", "land use", false, ""},
		{"with dash", "osm-roads", false, ""},
		{"with quote", `we"ird`, false, ""},
		{"empty", "", true, "cannot be empty"},
		{"nul byte", "ro\x00ads", true, "NUL"},
		{"too long", strings.Repeat("a", 64), true, "too long"},
		{"max length ok", strings.Repeat("a", 63), false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q, got nil", tt.input)
				} else if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error for %q: %v", tt.input, err)
			}
		})
	}
}

func TestValidateIdentifiers(t *testing.T) {
	if err := ValidateIdentifiers("public", "roads", "geom"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateIdentifiers("public", "", "geom"); err == nil {
		t.Error("expected error for empty identifier, got nil")
	}
}

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"roads", `"roads"`},
		{"Roads", `"Roads"`},
		{"land use", `"land use"`},
		{`a"b`, `"a""b"`},
		{`"; DROP TABLE roads; --`, `"""; DROP TABLE roads; --"`},
	}
	for _, tt := range tests {
		if got := QuoteIdentifier(tt.input); got != tt.want {
			t.Errorf("QuoteIdentifier(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestQuoteQualified(t *testing.T) {
	got := QuoteQualified("public", "roads")
	if got != `"public"."roads"` {
		t.Errorf("QuoteQualified = %s", got)
	}
}

func TestSanitizeStringValue(t *testing.T) {
	if _, err := SanitizeStringValue("hello", 10); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := SanitizeStringValue("a\x00b", 10); err == nil {
		t.Error("expected error for NUL byte")
	}
	if _, err := SanitizeStringValue(strings.Repeat("x", 11), 10); err == nil {
		t.Error("expected error for overlong value")
	}
	if _, err := SanitizeStringValue(strings.Repeat("x", 70000), 0); err == nil {
		t.Error("expected default limit to apply")
	}
}

package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/civil"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: "1050.00", want: "1050"},
		{name: "negative", input: "-42.10", want: "-42.1"},
		{name: "currency and separators", input: "$1,234.56", want: "1234.56"},
		{name: "negative currency", input: "-$7,397.56", want: "-7397.56"},
		{name: "accounting parentheses", input: "(100.00)", want: "-100"},
		{name: "trailing minus", input: "25.00-", want: "-25"},
		{name: "unicode minus", input: "−12.50", want: "-12.5"},
		{name: "whitespace", input: "  3.10  ", want: "3.1"},
		{name: "empty", input: "", wantErr: true},
		{name: "text", input: "n/a", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAmount(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.String() != tt.want {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.input, got.String(), tt.want)
			}
		})
	}
}

func TestParseRate(t *testing.T) {
	for _, input := range []string{"18%", "0.18", " 18 % "} {
		got, err := ParseRate(input)
		if err != nil {
			t.Fatalf("ParseRate(%q): %v", input, err)
		}
		if got.StringFixed(2) != "0.18" {
			t.Errorf("ParseRate(%q) = %s, want 0.18", input, got)
		}
	}
}

func TestParseDate(t *testing.T) {
	want := civil.Date{Year: 2025, Month: time.December, Day: 16}

	for _, input := range []string{"12/16/2025", "2025-12-16", "2025-12-16T08:30:00Z", "Dec 16, 2025", "46007"} {
		got, err := ParseDate(input)
		if err != nil {
			t.Fatalf("ParseDate(%q): %v", input, err)
		}
		if got != want {
			t.Errorf("ParseDate(%q) = %s, want %s", input, got, want)
		}
	}

	if _, err := ParseDate("sometime"); err == nil {
		t.Error("expected error for unparseable date")
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"TRUE", "true", "Yes", "1", "x", "✅"} {
		if !ParseBool(v) {
			t.Errorf("ParseBool(%q) = false, want true", v)
		}
	}
	for _, v := range []string{"", "FALSE", "no", "0"} {
		if ParseBool(v) {
			t.Errorf("ParseBool(%q) = true, want false", v)
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	unavailable := fmt.Errorf("put transaction: %w", Unavailable("put", errors.New("timeout")))
	if !errors.Is(unavailable, ErrStoreUnavailable) {
		t.Error("wrapped StoreUnavailableError should match ErrStoreUnavailable")
	}
	if !IsRetryable(unavailable) {
		t.Error("store unavailable should be retryable")
	}

	invalid := InvalidPayload("debts", "is not an array")
	if !errors.Is(invalid, ErrInvalidPayloadShape) {
		t.Error("InvalidPayloadError should match ErrInvalidPayloadShape")
	}
	if IsRetryable(invalid) {
		t.Error("invalid payload must not be retryable")
	}
}

func TestAccountKeyID(t *testing.T) {
	k := AccountKey{AccountID: "EveryDay Checking", Institution: " Wells Fargo "}
	if got := k.ID(); got != "wells fargo:EveryDay Checking" {
		t.Errorf("ID() = %q", got)
	}
	if got := (AccountKey{AccountID: "acct-1"}).ID(); got != "acct-1" {
		t.Errorf("ID() without institution = %q", got)
	}
}

package ingest

import (
	"testing"
	"time"
)

func TestParseDeadline(t *testing.T) {
	tests := []struct {
		in   string
		want string // RFC3339, empty means nil
	}{
		{"2026-03-15", "2026-03-15T23:59:59Z"},
		{"Deadline: March 15, 2026", "2026-03-15T23:59:59Z"},
		{"15 March 2026", "2026-03-15T23:59:59Z"},
		{"Applications close on Sept 3rd, 2026 at noon", "2026-09-03T23:59:59Z"},
		{"Fecha límite: 21 de julio del 2025", "2025-07-21T23:59:59Z"},
		{"30/06/2025", "2025-06-30T23:59:59Z"},
		{"2026-03-15T17:00:00Z", "2026-03-15T17:00:00Z"},
		{"rolling", ""},
		{"", ""},
		{"whenever", ""},
	}
	for _, tt := range tests {
		got := ParseDeadline(tt.in)
		if tt.want == "" {
			if got != nil {
				t.Fatalf("ParseDeadline(%q) = %v, want nil", tt.in, got)
			}
			continue
		}
		if got == nil {
			t.Fatalf("ParseDeadline(%q) = nil, want %s", tt.in, tt.want)
		}
		if s := got.Truncate(time.Second).Format(time.RFC3339); s != tt.want {
			t.Fatalf("ParseDeadline(%q) = %s, want %s", tt.in, s, tt.want)
		}
	}
}

func TestParsePrize(t *testing.T) {
	tests := []struct {
		in       string
		amount   float64
		currency string
	}{
		{"$5,000", 5000, "USD"},
		{"Up to €1.2 million", 1_200_000, "EUR"},
		{"£2,500 plus mentoring", 2500, "GBP"},
		{"10k USD", 10000, "USD"},
		{"S/ 3.000", 3000, "PEN"},
		{"1.234,50 EUR", 1234.5, "EUR"},
		{"Publication and a trophy", 0, ""},
		{"", 0, ""},
	}
	for _, tt := range tests {
		amount, currency := ParsePrize(tt.in)
		if amount != tt.amount || currency != tt.currency {
			t.Fatalf("ParsePrize(%q) = %v %q, want %v %q", tt.in, amount, currency, tt.amount, tt.currency)
		}
	}
}

package ingest

import (
	"strings"
	"testing"

	"github.com/david/opportunity-pipeline/internal/ai"
)

func score(v float64) *float64 { return &v }

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		res        ai.GenerationResult
		threshold  float64
		accept     bool
		reasonHint string
	}{
		{"At threshold accepts", ai.GenerationResult{Valid: true, ConfidenceScore: score(0.6)}, 0.6, true, ""},
		{"Just below rejects", ai.GenerationResult{Valid: true, ConfidenceScore: score(0.59)}, 0.6, false, "59.0%"},
		{"Rounding does not hide the gap", ai.GenerationResult{Valid: true, ConfidenceScore: score(0.595)}, 0.6, false, "59.5%"},
		{"Tiny gap gets more decimals", ai.GenerationResult{Valid: true, ConfidenceScore: score(0.5999)}, 0.6, false, "59.99%"},
		{"Zero threshold accepts anything", ai.GenerationResult{Valid: true, ConfidenceScore: score(0.01)}, 0, true, ""},
		{"Unset confidence accepts", ai.GenerationResult{Valid: true}, 0.9, true, ""},
		{"Invalid keeps reason", ai.GenerationResult{Valid: false, RejectionReason: "not a grant", ConfidenceScore: score(0.99)}, 0.1, false, "not a grant"},
		{"Invalid without reason", ai.GenerationResult{Valid: false}, 0.1, false, "not suitable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.res, tt.threshold)
			if d.Accept != tt.accept {
				t.Fatalf("accept = %t, want %t (reason %q)", d.Accept, tt.accept, d.Reason)
			}
			if tt.reasonHint != "" && !strings.Contains(d.Reason, tt.reasonHint) {
				t.Fatalf("reason %q should mention %q", d.Reason, tt.reasonHint)
			}
			if !tt.accept && tt.res.Valid && !strings.Contains(d.Reason, "required 60.0") {
				t.Fatalf("threshold rejection should embed the required percentage: %q", d.Reason)
			}
		})
	}
}

func TestPercentPairNeverPrintsEqualValues(t *testing.T) {
	tests := []struct {
		a, b float64
	}{
		{0.595, 0.6},
		{0.5999, 0.6},
		{0.3, 0.6},
		{0.69999, 0.7},
	}
	for _, tt := range tests {
		got, want := percentPair(tt.a, tt.b)
		if got == want {
			t.Fatalf("percentPair(%v, %v) printed %q for both", tt.a, tt.b, got)
		}
	}
}

package ingest

import (
	"fmt"
	"strconv"

	"github.com/david/opportunity-pipeline/internal/ai"
)

const DefaultQualityThreshold = 0.6

// Decision is the outcome of the quality gate.
type Decision struct {
	Accept bool
	Reason string
}

// Decide rejects invalid results and results whose confidence is strictly
// below threshold. A result without a confidence score passes.
func Decide(res ai.GenerationResult, threshold float64) Decision {
	if !res.Valid {
		reason := res.RejectionReason
		if reason == "" {
			reason = "Content not suitable for processing"
		}
		return Decision{Reason: reason}
	}
	if res.ConfidenceScore != nil && *res.ConfidenceScore < threshold {
		got, want := percentPair(*res.ConfidenceScore, threshold)
		return Decision{Reason: fmt.Sprintf("Confidence score %s%% is below the required %s%%", got, want)}
	}
	return Decision{Accept: true}
}

// percentPair formats two fractions as percentages with the fewest decimals
// (at least one) that still tell them apart.
func percentPair(a, b float64) (string, string) {
	var sa, sb string
	for prec := 1; prec <= 4; prec++ {
		sa = strconv.FormatFloat(a*100, 'f', prec, 64)
		sb = strconv.FormatFloat(b*100, 'f', prec, 64)
		if sa != sb {
			break
		}
	}
	return sa, sb
}

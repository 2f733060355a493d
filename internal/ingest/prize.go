package ingest

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	amountRe    = regexp.MustCompile(`\d[\d,\.]*`)
	magnitudeRe = regexp.MustCompile(`(?i)^\s*(k|m|million|thousand|mil|millones)\b`)
	// Symbols are checked before codes and names; order matters for "$".
	currencySymbols = []struct{ symbol, code string }{
		{"£", "GBP"}, {"€", "EUR"}, {"₹", "INR"}, {"s/", "PEN"},
		{"c$", "CAD"}, {"a$", "AUD"}, {"mx$", "MXN"}, {"$", "USD"},
	}
	currencyWordRe = regexp.MustCompile(`(?i)\b(usd|eur|gbp|mxn|pen|cad|aud|inr|dollars?|euros?|pounds?|pesos?|soles|rupees?)\b`)
	currencyWords  = map[string]string{
		"dollar": "USD", "dollars": "USD", "euro": "EUR", "euros": "EUR",
		"pound": "GBP", "pounds": "GBP", "peso": "MXN", "pesos": "MXN",
		"soles": "PEN", "rupee": "INR", "rupees": "INR",
	}
)

// ParsePrize extracts the largest amount and its currency from free text
// such as "$5,000 plus mentorship" or "up to €1.2 million". It returns
// zero and "" when no amount is present.
func ParsePrize(text string) (float64, string) {
	if strings.TrimSpace(text) == "" {
		return 0, ""
	}
	lower := strings.ToLower(text)

	var best float64
	for _, loc := range amountRe.FindAllStringIndex(text, -1) {
		val, ok := parseAmountToken(text[loc[0]:loc[1]])
		if !ok {
			continue
		}
		if m := magnitudeRe.FindString(text[loc[1]:]); m != "" {
			switch strings.ToLower(strings.TrimSpace(m)) {
			case "k", "thousand", "mil":
				val *= 1_000
			default:
				val *= 1_000_000
			}
		}
		if val > best {
			best = val
		}
	}
	if best == 0 {
		return 0, ""
	}

	return best, detectCurrency(lower)
}

func detectCurrency(lower string) string {
	if m := currencyWordRe.FindStringSubmatch(lower); m != nil {
		if code, ok := currencyWords[m[1]]; ok {
			return code
		}
		return strings.ToUpper(m[1])
	}
	for _, c := range currencySymbols {
		if strings.Contains(lower, c.symbol) {
			return c.code
		}
	}
	return "USD"
}

// parseAmountToken accepts 1,000,000 / 1.000.000 / 1000.50 / 1,5.
func parseAmountToken(tok string) (float64, bool) {
	tok = strings.TrimRight(tok, ".,")
	if tok == "" {
		return 0, false
	}
	commas, dots := strings.Count(tok, ","), strings.Count(tok, ".")

	var clean string
	switch {
	case commas > 0 && dots > 0:
		// Whichever separator comes last is the decimal mark.
		if strings.LastIndex(tok, ",") > strings.LastIndex(tok, ".") {
			clean = strings.ReplaceAll(strings.ReplaceAll(tok, ".", ""), ",", ".")
		} else {
			clean = strings.ReplaceAll(tok, ",", "")
		}
	case commas > 1 || (commas == 1 && len(tok)-strings.Index(tok, ",") == 4):
		clean = strings.ReplaceAll(tok, ",", "")
	case commas == 1:
		clean = strings.ReplaceAll(tok, ",", ".")
	case dots > 1 || (dots == 1 && len(tok)-strings.Index(tok, ".") == 4):
		clean = strings.ReplaceAll(tok, ".", "")
	default:
		clean = tok
	}

	val, err := strconv.ParseFloat(clean, 64)
	if err != nil || val <= 0 {
		return 0, false
	}
	return val, true
}

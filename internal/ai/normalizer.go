package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ResultFormat records which parser produced a GenerationResult.
type ResultFormat string

const (
	FormatJSON        ResultFormat = "json"
	FormatDelimited   ResultFormat = "delimited"
	FormatRejection   ResultFormat = "rejection"
	FormatPassthrough ResultFormat = "passthrough"
)

const (
	defaultConfidence     = 0.8
	passthroughConfidence = 0.7
	maxExcerptChars       = 160
)

// GenerationResult is the normalized view of one vendor response.
type GenerationResult struct {
	Valid           bool
	Title           string
	Excerpt         string
	Content         string
	ConfidenceScore *float64
	Deadline        string
	PrizeValue      string
	Location        string
	RejectionReason string
	Format          ResultFormat
}

type responseParser func(raw, fallbackTitle string) (GenerationResult, bool)

// parsers run in order; the first one that applies wins.
var parsers = []responseParser{
	parseStructured,
	parseDelimited,
	parseRejection,
}

var (
	delimiterRe      = regexp.MustCompile(`(?i)\[gpt\]`)
	rejectionPhrases = []string{
		"invalid_content",
		"not a valid",
		"cannot process",
		"not suitable",
		"unable to process",
	}
)

// Parse turns raw vendor text into a GenerationResult. It never fails.
func Parse(raw, fallbackTitle string) GenerationResult {
	for _, p := range parsers {
		if res, ok := p(raw, fallbackTitle); ok {
			return res
		}
	}
	return parsePassthrough(raw, fallbackTitle)
}

type structuredResponse struct {
	Valid           *bool           `json:"valid"`
	Title           string          `json:"title"`
	Excerpt         string          `json:"excerpt"`
	Content         string          `json:"content"`
	ConfidenceScore json.RawMessage `json:"confidence_score"`
	Deadline        json.RawMessage `json:"deadline"`
	PrizeValue      json.RawMessage `json:"prize_value"`
	Location        json.RawMessage `json:"location"`
	Reason          string          `json:"reason"`
	RejectionReason string          `json:"rejection_reason"`
}

func parseStructured(raw, fallbackTitle string) (GenerationResult, bool) {
	cleaned := stripCodeFence(raw)
	obj, ok := extractFirstJSONObject(cleaned)
	if !ok {
		return GenerationResult{}, false
	}

	var sr structuredResponse
	if err := json.Unmarshal([]byte(obj), &sr); err != nil {
		return GenerationResult{}, false
	}

	res := GenerationResult{
		Valid:      sr.Valid == nil || *sr.Valid,
		Title:      strings.TrimSpace(sr.Title),
		Excerpt:    strings.TrimSpace(sr.Excerpt),
		Content:    strings.TrimSpace(sr.Content),
		Deadline:   flexibleString(sr.Deadline),
		PrizeValue: flexibleString(sr.PrizeValue),
		Location:   flexibleString(sr.Location),
		Format:     FormatJSON,
	}
	if res.Title == "" {
		res.Title = fallbackTitle
	}

	score := defaultConfidence
	if v, ok := flexibleFloat(sr.ConfidenceScore); ok {
		score = normalizeConfidence(v)
	}
	res.ConfidenceScore = &score

	if !res.Valid {
		res.RejectionReason = firstNonEmpty(sr.RejectionReason, sr.Reason, "Content not suitable for processing")
	}
	return res, true
}

func parseDelimited(raw, fallbackTitle string) (GenerationResult, bool) {
	var segments []string
	for _, s := range delimiterRe.Split(raw, -1) {
		if s = strings.TrimSpace(s); s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) < 3 {
		return GenerationResult{}, false
	}

	score := defaultConfidence
	res := GenerationResult{
		Valid:           true,
		Excerpt:         truncateRunes(segments[0], maxExcerptChars),
		Title:           segments[1],
		Content:         segments[2],
		ConfidenceScore: &score,
		Format:          FormatDelimited,
	}
	if res.Title == "" {
		res.Title = fallbackTitle
	}
	return res, true
}

func parseRejection(raw, fallbackTitle string) (GenerationResult, bool) {
	lower := strings.ToLower(raw)
	for _, phrase := range rejectionPhrases {
		if strings.Contains(lower, phrase) {
			return GenerationResult{
				Valid:           false,
				Title:           fallbackTitle,
				RejectionReason: "Content not suitable for processing",
				Format:          FormatRejection,
			}, true
		}
	}
	return GenerationResult{}, false
}

func parsePassthrough(raw, fallbackTitle string) GenerationResult {
	score := passthroughConfidence
	return GenerationResult{
		Valid:           true,
		Title:           fallbackTitle,
		Content:         raw,
		ConfidenceScore: &score,
		Format:          FormatPassthrough,
	}
}

func stripCodeFence(s string) string {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return cleaned
}

// extractFirstJSONObject finds the first outermost balanced {...}
func extractFirstJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// flexibleString accepts a JSON string, number or null.
func flexibleString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

func flexibleFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// normalizeConfidence maps percentages onto [0,1] and clamps.
func normalizeConfidence(v float64) float64 {
	if v > 1 && v <= 100 {
		v /= 100
	}
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func (r GenerationResult) String() string {
	conf := "unset"
	if r.ConfidenceScore != nil {
		conf = fmt.Sprintf("%.2f", *r.ConfidenceScore)
	}
	return fmt.Sprintf("%s valid=%t confidence=%s title=%q", r.Format, r.Valid, conf, r.Title)
}

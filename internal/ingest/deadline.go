package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var spanishMonths = map[string]string{
	"enero":      "January",
	"febrero":    "February",
	"marzo":      "March",
	"abril":      "April",
	"mayo":       "May",
	"junio":      "June",
	"julio":      "July",
	"agosto":     "August",
	"septiembre": "September",
	"setiembre":  "September",
	"octubre":    "October",
	"noviembre":  "November",
	"diciembre":  "December",
}

var deadlinePrefixes = []string{
	"closing date:", "deadline:", "due date:", "expires:", "ends:", "apply by",
	"fecha límite:", "fecha de cierre:", "cierre:",
}

// Date-only layouts resolve to end of day UTC; layouts with a clock are kept as is.
var deadlineLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006 3:04 PM",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006 3:04 PM",
	"2 January 2006",
	"02 January 2006",
	"2 Jan 2006",
	"Monday, January 2, 2006",
	"01/02/2006",
}

var (
	isoDateRe     = regexp.MustCompile(`\b(20\d{2})-(\d{2})-(\d{2})\b`)
	slashDateRe   = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(20\d{2})\b`)
	monthFirstRe  = regexp.MustCompile(`(?i)\b(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(20\d{2})\b`)
	dayFirstRe    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\.?,?\s+(20\d{2})\b`)
	spanishDateRe = regexp.MustCompile(`(?i)\b(\d{1,2})\s+de\s+(enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|setiembre|octubre|noviembre|diciembre)\s+(?:de|del)\s+(20\d{2})\b`)
)

// ParseDeadline reads a model-supplied deadline in any of the common
// English or Spanish shapes. It returns nil when nothing date-like is found.
func ParseDeadline(raw string) *time.Time {
	text := cleanDeadlineString(raw)
	if text == "" {
		return nil
	}
	switch strings.ToLower(text) {
	case "null", "none", "n/a", "rolling", "ongoing", "tbd":
		return nil
	}

	for _, layout := range deadlineLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return resolveDeadline(t, strings.Contains(layout, ":"))
		}
	}

	if t, ok := parseDeadlineWithRegex(text); ok {
		return resolveDeadline(t, false)
	}
	return nil
}

func resolveDeadline(t time.Time, hasClock bool) *time.Time {
	if !hasClock {
		t = toEndOfDay(t)
	}
	t = t.UTC()
	return &t
}

func parseDeadlineWithRegex(text string) (time.Time, bool) {
	if m := isoDateRe.FindString(text); m != "" {
		if t, err := time.Parse("2006-01-02", m); err == nil {
			return t, true
		}
	}
	if m := spanishDateRe.FindStringSubmatch(text); len(m) == 4 {
		if en, ok := spanishMonths[strings.ToLower(m[2])]; ok {
			if t, err := time.Parse("2 January 2006", fmt.Sprintf("%s %s %s", m[1], en, m[3])); err == nil {
				return t, true
			}
		}
	}
	if m := monthFirstRe.FindStringSubmatch(text); len(m) == 4 {
		if t, ok := parseMonthName(m[2], m[1], m[3]); ok {
			return t, true
		}
	}
	if m := dayFirstRe.FindStringSubmatch(text); len(m) == 4 {
		if t, ok := parseMonthName(m[1], m[2], m[3]); ok {
			return t, true
		}
	}
	if m := slashDateRe.FindStringSubmatch(text); len(m) == 4 {
		// US order first, then day-first when the month would overflow.
		if t, err := time.Parse("1/2/2006", m[1]+"/"+m[2]+"/"+m[3]); err == nil {
			return t, true
		}
		if t, err := time.Parse("2/1/2006", m[1]+"/"+m[2]+"/"+m[3]); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseMonthName(day, month, year string) (time.Time, bool) {
	// time.Parse matches month names case-insensitively.
	if strings.EqualFold(month, "sept") {
		month = "Sep"
	}
	for _, layout := range []string{"2 January 2006", "2 Jan 2006"} {
		if t, err := time.Parse(layout, day+" "+month+" "+year); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// toEndOfDay sets the time to 23:59:59.999999999 UTC
func toEndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999999999, time.UTC)
}

func cleanDeadlineString(s string) string {
	s = normalizeSpace(s)
	lower := strings.ToLower(s)
	for _, p := range deadlinePrefixes {
		if idx := strings.Index(lower, p); idx != -1 {
			s = s[idx+len(p):]
			lower = lower[idx+len(p):]
		}
	}
	return strings.TrimSpace(s)
}

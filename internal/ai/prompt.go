package ai

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultPromptTemplate is used when no template is stored for a category.
const DefaultPromptTemplate = `You turn source material into a publishable {opportunity_type} listing.

SOURCE TITLE: {title}
SOURCE URL: {url}
SOURCE CONTENT:
{content}

Decide whether the source describes a real, currently relevant {opportunity_type}.
If it does not, respond with {"valid": false, "reason": "short explanation"}.

Otherwise respond ONLY with a JSON object:
{
  "valid": true,
  "title": "clear title",
  "excerpt": "one or two sentence summary, at most 160 characters",
  "content": "full article body as HTML using <p>, <h2>, <ul> and <li>",
  "confidence_score": 0.0-1.0,
  "deadline": "YYYY-MM-DD or null",
  "prize_value": "amount with currency or null",
  "location": "where it applies or null"
}`

// PromptInput carries the item fields substituted into a template.
type PromptInput struct {
	Title    string
	Content  string
	URL      string
	Category string
}

// BuildPrompts renders the system prompt from the template and a user
// message summarizing the same fields. Content is capped at maxChars.
func BuildPrompts(template string, in PromptInput, maxChars int) (system, user string) {
	if strings.TrimSpace(template) == "" {
		template = DefaultPromptTemplate
	}
	content := truncateRunes(strings.TrimSpace(in.Content), maxChars)

	r := strings.NewReplacer(
		"{title}", in.Title,
		"{content}", content,
		"{url}", in.URL,
		"{opportunity_type}", in.Category,
	)
	system = r.Replace(template)

	user = fmt.Sprintf("Title: %s\nURL: %s\nType: %s\n\nContent:\n%s", in.Title, in.URL, in.Category, content)
	return system, user
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

package llm

import (
	"regexp"
	"strings"
)

var markupPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\*\*(.*?)\*\*`),
	regexp.MustCompile(`\*(.*?)\*`),
	regexp.MustCompile(`_{1,2}(.*?)_{1,2}`),
	regexp.MustCompile(`~~(.*?)~~`),
}

// StripMarkup removes bold, italic, underline and strikethrough delimiters
// while keeping the text between them.
func StripMarkup(text string) string {
	for _, re := range markupPatterns {
		text = re.ReplaceAllString(text, "$1")
	}
	return text
}

// StripNameLabel removes a leading "<name>:" the model sometimes echoes.
func StripNameLabel(text, name string) string {
	if name == "" {
		return text
	}
	re := regexp.MustCompile(`^\s*(?i:` + regexp.QuoteMeta(name) + `)\s*:`)
	return re.ReplaceAllString(text, "")
}

// CleanResponse is the post-processing applied to every reply.
func CleanResponse(text, assistantName string) string {
	text = StripMarkup(text)
	text = StripNameLabel(text, assistantName)
	return strings.TrimSpace(text)
}

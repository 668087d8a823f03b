package llm

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/valenai/internal/prompts"
)

const (
	TitleMinLen   = 6
	TitleMaxLen   = 60
	GreetingTitle = "Friendly Greeting"
	DefaultTitle  = "New Chat"

	fallbackWords = 5
)

var (
	titleDisallowed = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
	spaceRun        = regexp.MustCompile(`\s+`)
)

var greetingWords = map[string]bool{
	"hi": true, "hello": true, "hey": true, "hiya": true, "howdy": true,
	"greetings": true, "yo": true, "hola": true, "sup": true,
	"morning": true, "afternoon": true, "evening": true,
}

var greetingFiller = map[string]bool{
	"there": true, "good": true, "all": true, "everyone": true, "again": true,
}

// GenerateTitle asks the model for a chat title. The second result is false
// when the fallback policy produced the title instead of the model.
func (g *Gateway) GenerateTitle(ctx context.Context, seed string) (string, bool) {
	raw, err := g.complete(ctx, prompts.TitlePrompt(seed, TitleMinLen, TitleMaxLen), g.opts.Title)
	if err != nil {
		log.Warn().Err(err).Msg("Title generation failed, using fallback")
		return FallbackTitle(seed), false
	}

	title := TruncateTitle(SanitizeTitle(CleanResponse(raw, g.opts.AssistantName)), TitleMaxLen)
	if utf8.RuneCountInString(title) < TitleMinLen {
		return FallbackTitle(seed), false
	}
	return title, true
}

// SanitizeTitle keeps letters, digits, underscores, hyphens and single spaces.
func SanitizeTitle(s string) string {
	s = titleDisallowed.ReplaceAllString(s, "")
	s = spaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// TruncateTitle cuts s to at most max runes at a word boundary. A single
// word longer than max is cut hard.
func TruncateTitle(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	cut := string(r[:max])
	if r[max] == ' ' {
		return strings.TrimSpace(cut)
	}
	if i := strings.LastIndex(cut, " "); i > 0 {
		return strings.TrimSpace(cut[:i])
	}
	return cut
}

// IsGreeting reports whether seed consists only of a greeting.
func IsGreeting(seed string) bool {
	words := strings.Fields(strings.ToLower(SanitizeTitle(seed)))
	found := false
	for _, w := range words {
		switch {
		case greetingWords[w]:
			found = true
		case greetingFiller[w]:
		default:
			return false
		}
	}
	return found
}

// FallbackTitle derives a title from the seed without calling the model.
func FallbackTitle(seed string) string {
	if IsGreeting(seed) {
		return GreetingTitle
	}
	words := strings.Fields(SanitizeTitle(seed))
	if len(words) > fallbackWords {
		words = words[:fallbackWords]
	}
	title := TruncateTitle(strings.Join(words, " "), TitleMaxLen)
	if utf8.RuneCountInString(title) >= TitleMinLen {
		return title
	}
	return DefaultTitle
}

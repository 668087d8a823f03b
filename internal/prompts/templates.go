package prompts

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const personaTemplate = `Conversational Engagement Prompt:

- You are %s, an AI assistant created by Cloudly.

- Your primary goal is to provide engaging, informative, and helpful conversations.
- Be friendly, personable, and adopt the persona of a knowledgeable assistant.
- Maintain a consistent tone and style throughout the conversation.
- Do not mention Cloudly unless specifically asked, but always be ready to identify yourself and your creator.`

// Persona returns the preamble for the assistant. A non-empty override is
// used verbatim.
func Persona(name, override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	if name == "" {
		name = "Valen"
	}
	return fmt.Sprintf(personaTemplate, name)
}

// TitleSeedLimit caps how much of the first message is quoted in the title prompt.
const TitleSeedLimit = 200

const titleTemplate = `Generate a short, descriptive title for a chat conversation based on this user message:
"%s"

Requirements:
- Must be between %d and %d characters long
- Should capture the main topic or question
- Focus on the main intent or topic, not just repeating words
- Should be a complete phrase that is not cut off
- Be specific rather than generic whenever possible
- Format as a noun phrase or short statement, not a full sentence
- Avoid starting with phrases like "How to" or "Question about" unless necessary
- If the user sends only a greeting such as "Hello", "Hi" or "Hey", the title should be "Friendly Greeting"
- Do not include quotation marks or special characters

Just return the title text with no additional explanations or prefixes.`

// TitlePrompt asks the model for a title between minLen and maxLen characters.
func TitlePrompt(seed string, minLen, maxLen int) string {
	if utf8.RuneCountInString(seed) > TitleSeedLimit {
		seed = string([]rune(seed)[:TitleSeedLimit]) + "..."
	}
	return fmt.Sprintf(titleTemplate, seed, minLen, maxLen)
}

package extraction

import "github.com/kalambet/folio/internal/engine"

const systemPrompt = `You are an entity extraction engine for financial research reports. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Entity types:
- "company": a business or organization
- "asset": a security, commodity, currency or index
- "person": an individual
- "sector": an industry or market segment
- "other": anything else worth tracking

Rules:
- List each mention where it occurs; repeated mentions of the same entity are separate entries.
- Give the ticker only when it is stated or unambiguous.
- Omit sentiment or relevance when the text gives no basis for a score.`

// BuildPrompt constructs the chat messages for mention extraction.
func BuildPrompt(text string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: text},
	}
}

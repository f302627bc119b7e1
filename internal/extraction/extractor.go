package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/folio/internal/compression"
	"github.com/kalambet/folio/internal/engine"
	"github.com/kalambet/folio/internal/entities"
)

const defaultTimeout = 60 * time.Second

// Chatter is the chat-completion dependency of the Extractor.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (engine.Reply, error)
}

// rawMention is one entry of the model's structured output.
type rawMention struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Ticker    string   `json:"ticker"`
	Sentiment *float64 `json:"sentiment"`
	Relevance *float64 `json:"relevance"`
	Context   string   `json:"context"`
}

type rawOutput struct {
	Entities []rawMention `json:"entities"`
}

// Result is the outcome of one extraction call.
type Result struct {
	Mentions     []entities.Mention
	Dropped      int
	InputTokens  int
	OutputTokens int
}

// Extractor asks a language model for the entity mentions in a text.
type Extractor struct {
	client  Chatter
	model   string
	timeout time.Duration
}

// NewExtractor creates an Extractor using the given chat client and model name.
func NewExtractor(client Chatter, model string) *Extractor {
	return &Extractor{client: client, model: model, timeout: defaultTimeout}
}

// Extract returns the mentions found in text, attributed to the given
// source. Mentions that fail validation are dropped with a warning and
// counted in Result.Dropped. Chat failures and unparseable output are
// returned as errors so the caller can retry.
func (e *Extractor) Extract(ctx context.Context, kind entities.SourceKind, sourceID, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	reply, err := e.client.Chat(ctx, e.model, BuildPrompt(text), mentionSchema())
	if err != nil {
		return Result{}, fmt.Errorf("extraction chat: %w", err)
	}

	var out rawOutput
	if err := json.Unmarshal([]byte(reply.Content), &out); err != nil {
		slog.Warn("failed to unmarshal entities from LLM response", "error", err, "response", reply.Content)
		return Result{}, fmt.Errorf("decoding extraction output: %w", err)
	}

	res := Result{InputTokens: reply.InputTokens, OutputTokens: reply.OutputTokens}
	if res.InputTokens == 0 && res.OutputTokens == 0 {
		res.InputTokens, res.OutputTokens = compression.EstimateTokens(text), compression.EstimateTokens(reply.Content)
	}
	for i, r := range out.Entities {
		m := entities.Mention{
			Name:       strings.TrimSpace(r.Name),
			Type:       entities.ParseType(r.Type),
			Ticker:     r.Ticker,
			SourceKind: kind,
			SourceID:   sourceID,
			Sentiment:  r.Sentiment,
			Relevance:  r.Relevance,
			Context:    strings.TrimSpace(r.Context),
		}
		if _, err := entities.KeyOf(m); err != nil {
			slog.Warn("dropping invalid mention", "source", sourceID, "index", i, "error", err)
			res.Dropped++
			continue
		}
		res.Mentions = append(res.Mentions, m)
	}
	return res, nil
}

// mentionSchema returns the JSON schema for structured mention output.
func mentionSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"entities": {
				Type:        "array",
				Description: "Every distinct mention of a company, asset, person or sector",
				Items: &engine.Schema{
					Type: "object",
					Properties: map[string]engine.SchemaProperty{
						"name":      {Type: "string", Description: "Name as written in the text"},
						"type":      {Type: "string", Enum: []string{"company", "asset", "person", "sector", "other"}},
						"ticker":    {Type: "string", Description: "Exchange ticker symbol, empty if none"},
						"sentiment": {Type: "number", Description: "Tone toward the entity from -1 (negative) to 1 (positive)"},
						"relevance": {Type: "number", Description: "Importance to the text from 0 to 1"},
						"context":   {Type: "string", Description: "The sentence containing the mention"},
					},
					Required: []string{"name", "type"},
				},
			},
		},
		Required: []string{"entities"},
	}
}

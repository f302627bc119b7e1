package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/kalambet/folio/internal/proxy"
)

// OpenRouterEngine runs chat requests against the OpenRouter cloud API.
// Models are hosted remotely, so pulling is not supported.
type OpenRouterEngine struct {
	client *proxy.Client
}

func NewOpenRouterEngine(client *proxy.Client) *OpenRouterEngine {
	return &OpenRouterEngine{client: client}
}

func wireMessages(messages []Message) []proxy.Message {
	msgs := make([]proxy.Message, len(messages))
	for i, m := range messages {
		msgs[i] = proxy.Message{Role: m.Role, Content: m.Content}
	}
	return msgs
}

func (e *OpenRouterEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (Reply, error) {
	msgs := wireMessages(messages)

	var extra map[string]any
	if jsonSchema != nil {
		schema, err := json.Marshal(jsonSchema)
		if err != nil {
			return Reply{}, fmt.Errorf("marshaling schema: %w", err)
		}
		extra = map[string]any{
			"response_format": map[string]any{
				"type": "json_schema",
				"json_schema": map[string]any{
					"name":   "output",
					"strict": true,
					"schema": json.RawMessage(schema),
				},
			},
		}
	}

	c, err := e.client.Complete(ctx, model, msgs, extra)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Content: c.Content, InputTokens: c.InputTokens, OutputTokens: c.OutputTokens}, nil
}

func (e *OpenRouterEngine) ChatStream(ctx context.Context, model string, messages []Message, onDelta func(string)) (Reply, error) {
	c, err := e.client.Stream(ctx, model, wireMessages(messages), nil, onDelta)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Content: c.Content, InputTokens: c.InputTokens, OutputTokens: c.OutputTokens}, nil
}

func (e *OpenRouterEngine) IsRunning(ctx context.Context) bool {
	_, err := e.client.ListModels(ctx)
	return err == nil
}

func (e *OpenRouterEngine) ListModels(ctx context.Context) ([]string, error) {
	models, err := e.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.ID
	}
	return names, nil
}

func (e *OpenRouterEngine) HasModel(ctx context.Context, name string) bool {
	names, err := e.ListModels(ctx)
	return err == nil && slices.Contains(names, name)
}

func (e *OpenRouterEngine) PullModel(_ context.Context, name string, _ func(PullProgress)) error {
	return fmt.Errorf("model %s is hosted by OpenRouter and cannot be pulled", name)
}

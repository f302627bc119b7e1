package engine

import "context"

// Engine abstracts an inference backend (a local Ollama server or the
// OpenRouter cloud API). Report generation, compression and entity
// extraction use this interface instead of depending on a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// When jsonSchema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (Reply, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Streamer is implemented by engines that can deliver a reply incrementally.
type Streamer interface {
	// ChatStream is Chat without structured output, calling onDelta with
	// each text fragment as it arrives.
	ChatStream(ctx context.Context, model string, messages []Message, onDelta func(string)) (Reply, error)
}

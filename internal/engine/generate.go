package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kalambet/folio/internal/apperr"
)

// Generator produces report text with one chat call per request, streamed
// when the engine supports it. Failures, timeouts included, come back as
// GeneratorError with no retry.
type Generator struct {
	eng   Engine
	model string
}

func NewGenerator(eng Engine, model string) *Generator {
	return &Generator{eng: eng, model: model}
}

func (g *Generator) Model() string { return g.model }

// Generate sends messages to the generation model.
func (g *Generator) Generate(ctx context.Context, messages []Message) (Reply, error) {
	return g.GenerateStream(ctx, messages, nil)
}

// GenerateStream is Generate with incremental output. Engines that stream
// report each fragment to onDelta as it arrives; others report the whole
// reply once it is complete. onDelta may be nil.
func (g *Generator) GenerateStream(ctx context.Context, messages []Message, onDelta func(string)) (Reply, error) {
	if g.eng == nil {
		return Reply{}, apperr.New(apperr.GeneratorError, "Generate", "no inference engine configured")
	}

	var (
		reply Reply
		err   error
	)
	if s, ok := g.eng.(Streamer); ok {
		reply, err = s.ChatStream(ctx, g.model, messages, onDelta)
	} else {
		reply, err = g.eng.Chat(ctx, g.model, messages, nil)
		if err == nil && onDelta != nil && reply.Content != "" {
			onDelta(reply.Content)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		slog.Warn("generation failed", "model", g.model, "error", err)
		return Reply{}, apperr.Wrap(apperr.GeneratorError, "Generate", err)
	}
	if strings.TrimSpace(reply.Content) == "" {
		return Reply{}, apperr.New(apperr.GeneratorError, "Generate", "model returned no text")
	}
	return reply, nil
}

// Summarizer adapts an Engine to compression.Summarizer. The fixed
// instructions go in the system message and the text in the user message.
type Summarizer struct {
	eng   Engine
	model string
}

func NewSummarizer(eng Engine, model string) *Summarizer {
	return &Summarizer{eng: eng, model: model}
}

func (s *Summarizer) Summarize(ctx context.Context, instructions, text string) (string, error) {
	reply, err := s.eng.Chat(ctx, s.model, []Message{
		{Role: "system", Content: instructions},
		{Role: "user", Content: text},
	}, nil)
	if err != nil {
		slog.Warn("summarization failed", "model", s.model, "error", err)
		return "", err
	}
	return reply.Content, nil
}

package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/folio/internal/apperr"
)

func TestGenerator_Generate(t *testing.T) {
	m := &mockEngine{reply: Reply{Content: "# Report", InputTokens: 10, OutputTokens: 3}}
	g := NewGenerator(m, "llama3.2")

	reply, err := g.Generate(context.Background(), []Message{{Role: "user", Content: "write"}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Content != "# Report" || reply.OutputTokens != 3 {
		t.Errorf("reply = %+v", reply)
	}
	if len(m.calls) != 1 {
		t.Errorf("chat calls = %d, want 1", len(m.calls))
	}
}

func TestGenerator_FailuresAreGeneratorErrors(t *testing.T) {
	tests := []struct {
		name string
		eng  *mockEngine
	}{
		{"backend error", &mockEngine{chatErr: errors.New("connection refused")}},
		{"blank output", &mockEngine{reply: Reply{Content: "  \n"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGenerator(tt.eng, "llama3.2").Generate(context.Background(), nil)
			if !apperr.IsCode(err, apperr.GeneratorError) {
				t.Fatalf("err = %v, want generator_error", err)
			}
			if len(tt.eng.calls) != 1 {
				t.Errorf("chat calls = %d, want exactly 1 (no retry)", len(tt.eng.calls))
			}
		})
	}
}

func TestGenerator_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &mockEngine{chatErr: context.Canceled}
	_, err := NewGenerator(m, "llama3.2").Generate(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSummarizer_SplitsInstructionsAndText(t *testing.T) {
	m := &mockEngine{reply: Reply{Content: "short"}}
	out, err := NewSummarizer(m, "llama3.2").Summarize(context.Background(), "be brief", "long text")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if out != "short" {
		t.Errorf("out = %q", out)
	}
	msgs := m.calls[0]
	if msgs[0].Role != "system" || msgs[0].Content != "be brief" || msgs[1].Role != "user" || msgs[1].Content != "long text" {
		t.Errorf("messages = %+v", msgs)
	}
}

type streamingEngine struct {
	mockEngine
	fragments []string
	streamErr error
	streamed  int
}

func (s *streamingEngine) ChatStream(_ context.Context, _ string, _ []Message, onDelta func(string)) (Reply, error) {
	s.streamed++
	if s.streamErr != nil {
		return Reply{}, s.streamErr
	}
	var text string
	for _, f := range s.fragments {
		text += f
		if onDelta != nil {
			onDelta(f)
		}
	}
	return Reply{Content: text, InputTokens: 7, OutputTokens: len(s.fragments)}, nil
}

func TestGenerator_StreamsWhenEngineSupportsIt(t *testing.T) {
	eng := &streamingEngine{fragments: []string{"# TSMC", "\n\nCapex up."}}
	var got []string
	reply, err := NewGenerator(eng, "openai/gpt-4o").GenerateStream(context.Background(), nil, func(d string) { got = append(got, d) })
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if reply.Content != "# TSMC\n\nCapex up." || reply.OutputTokens != 2 {
		t.Errorf("reply = %+v", reply)
	}
	if len(got) != 2 || got[0] != "# TSMC" {
		t.Errorf("deltas = %q", got)
	}
	if eng.streamed != 1 || len(eng.calls) != 0 {
		t.Errorf("streamed %d, chat calls %d; want 1 and 0", eng.streamed, len(eng.calls))
	}

	// Generate goes through the same streaming path.
	if _, err := NewGenerator(eng, "openai/gpt-4o").Generate(context.Background(), nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if eng.streamed != 2 {
		t.Errorf("streamed = %d, want 2", eng.streamed)
	}
}

func TestGenerator_NonStreamingEngineDeliversWholeReply(t *testing.T) {
	m := &mockEngine{reply: Reply{Content: "# Report"}}
	var got []string
	if _, err := NewGenerator(m, "llama3.2").GenerateStream(context.Background(), nil, func(d string) { got = append(got, d) }); err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if len(got) != 1 || got[0] != "# Report" {
		t.Errorf("deltas = %q, want the whole reply once", got)
	}
}

func TestGenerator_StreamFailureIsGeneratorError(t *testing.T) {
	tests := []struct {
		name string
		eng  *streamingEngine
	}{
		{"stream error", &streamingEngine{streamErr: errors.New("stream ended before completion")}},
		{"blank stream", &streamingEngine{fragments: []string{" ", "\n"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGenerator(tt.eng, "m").GenerateStream(context.Background(), nil, nil)
			if !apperr.IsCode(err, apperr.GeneratorError) {
				t.Fatalf("err = %v, want generator_error", err)
			}
			if tt.eng.streamed != 1 {
				t.Errorf("streamed = %d, want 1", tt.eng.streamed)
			}
		})
	}
}

package extraction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/folio/internal/engine"
	"github.com/kalambet/folio/internal/entities"
)

// mockChatter implements Chatter for testing.
type mockChatter struct {
	reply engine.Reply
	err   error
	delay time.Duration
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (engine.Reply, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return engine.Reply{}, ctx.Err()
		}
	}
	return m.reply, m.err
}

func f(v float64) *float64 { return &v }

func TestExtract_ParsesMentions(t *testing.T) {
	mock := &mockChatter{reply: engine.Reply{
		Content:      `{"entities":[{"name":"Apple","type":"Company","ticker":"$aapl","sentiment":0.5,"relevance":0.9,"context":"Apple beat estimates."},{"name":"Semiconductors","type":"sector"}]}`,
		InputTokens:  200,
		OutputTokens: 40,
	}}
	e := NewExtractor(mock, "llama3.2")

	got, err := e.Extract(context.Background(), entities.SourceRevision, "rev-1", "Apple beat estimates.")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := Result{
		Mentions: []entities.Mention{
			{Name: "Apple", Type: entities.TypeCompany, Ticker: "$aapl", SourceKind: entities.SourceRevision, SourceID: "rev-1", Sentiment: f(0.5), Relevance: f(0.9), Context: "Apple beat estimates."},
			{Name: "Semiconductors", Type: entities.TypeSector, SourceKind: entities.SourceRevision, SourceID: "rev-1"},
		},
		InputTokens:  200,
		OutputTokens: 40,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_DropsInvalidMentions(t *testing.T) {
	mock := &mockChatter{reply: engine.Reply{
		Content: `{"entities":[{"name":"","type":"company"},{"name":"Tesla","type":"company","sentiment":3},{"name":"Ford","type":"company"}]}`,
	}}
	got, err := NewExtractor(mock, "llama3.2").Extract(context.Background(), entities.SourceMessage, "m1", "Ford and Tesla")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(got.Mentions) != 1 || got.Mentions[0].Name != "Ford" {
		t.Errorf("Mentions = %+v, want only Ford", got.Mentions)
	}
	if got.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", got.Dropped)
	}
	if got.InputTokens == 0 || got.OutputTokens == 0 {
		t.Error("token counts should fall back to the estimate when the backend reports none")
	}
}

func TestExtract_Errors(t *testing.T) {
	tests := []struct {
		name string
		mock *mockChatter
	}{
		{"chat error", &mockChatter{err: errors.New("connection refused")}},
		{"malformed json", &mockChatter{reply: engine.Reply{Content: "not json"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExtractor(tt.mock, "llama3.2").Extract(context.Background(), entities.SourceRevision, "r", "text")
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestExtract_Timeout(t *testing.T) {
	mock := &mockChatter{delay: time.Second}
	e := NewExtractor(mock, "llama3.2")
	e.timeout = 20 * time.Millisecond

	start := time.Now()
	_, err := e.Extract(context.Background(), entities.SourceRevision, "r", "text")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("extraction did not honor its timeout")
	}
}

func TestExtract_EmptyText(t *testing.T) {
	mock := &mockChatter{err: errors.New("must not be called")}
	got, err := NewExtractor(mock, "llama3.2").Extract(context.Background(), entities.SourceRevision, "r", "  ")
	if err != nil || len(got.Mentions) != 0 {
		t.Fatalf("got %+v, %v; want empty result", got, err)
	}
}

func TestBuildPrompt(t *testing.T) {
	msgs := BuildPrompt("NVDA rallied.")
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Content != "NVDA rallied." {
		t.Errorf("BuildPrompt() = %+v", msgs)
	}
}

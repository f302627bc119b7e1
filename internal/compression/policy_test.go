package compression

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/folio/internal/apperr"
)

type fakeSummarizer struct {
	mu           sync.Mutex
	out          string
	err          error
	calls        int
	instructions string
}

func (f *fakeSummarizer) Summarize(_ context.Context, instructions, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.instructions = instructions
	return f.out, f.err
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 4000), 1000},
		{"héllo", 2}, // 5 characters, not 6 bytes
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestShouldCompress_Boundary(t *testing.T) {
	p := NewPolicy(100)

	atBudget := strings.Repeat("x", 400) // 100 tokens
	if p.ShouldCompress(atBudget) {
		t.Error("text at the budget must not be compressed")
	}
	overBudget := strings.Repeat("x", 401) // 101 tokens
	if !p.ShouldCompress(overBudget) {
		t.Error("text over the budget must be compressed")
	}
}

func TestShouldCompress_Property(t *testing.T) {
	p := NewPolicy(10)
	for n := 0; n < 120; n++ {
		text := strings.Repeat("y", n)
		want := EstimateTokens(text) > 10
		if got := p.ShouldCompress(text); got != want {
			t.Fatalf("len %d: ShouldCompress = %v, want %v", n, got, want)
		}
	}
}

func TestNewPolicy_Default(t *testing.T) {
	if got := NewPolicy(0).ThresholdTokens; got != DefaultThresholdTokens {
		t.Errorf("ThresholdTokens = %d, want %d", got, DefaultThresholdTokens)
	}
}

func TestRatio(t *testing.T) {
	tests := []struct {
		orig, next, want int
	}{
		{1000, 500, 50},
		{3, 2, 33},
		{3, 1, 67},
		{8, 7, 13}, // 12.5 rounds half up
		{0, 0, 0},
		{4, 5, -25},
		{8, 9, -12}, // -12.5 rounds half up
	}
	for _, tt := range tests {
		if got := Ratio(tt.orig, tt.next); got != tt.want {
			t.Errorf("Ratio(%d, %d) = %d, want %d", tt.orig, tt.next, got, tt.want)
		}
	}
}

func TestCompress_Metrics(t *testing.T) {
	s := &fakeSummarizer{out: strings.Repeat("s", 2000)}
	p := NewPolicy(10)

	res, err := p.Compress(context.Background(), strings.Repeat("o", 4000), s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OriginalTokens != 1000 {
		t.Errorf("OriginalTokens = %d, want 1000", res.OriginalTokens)
	}
	if res.NewTokenCount != 500 {
		t.Errorf("NewTokenCount = %d, want 500", res.NewTokenCount)
	}
	if res.CompressionRatio != 50 {
		t.Errorf("CompressionRatio = %d, want 50", res.CompressionRatio)
	}
	if s.calls != 1 {
		t.Errorf("summarizer calls = %d, want 1", s.calls)
	}
	if s.instructions != Instructions {
		t.Error("summarizer did not receive the fixed instruction set")
	}
}

func TestCompress_EmptyInputSkipsSummarizer(t *testing.T) {
	s := &fakeSummarizer{out: "x"}
	_, err := NewPolicy(10).Compress(context.Background(), "", s)
	if !apperr.IsCode(err, apperr.EmptyInput) {
		t.Fatalf("err = %v, want empty_input", err)
	}
	if s.calls != 0 {
		t.Errorf("summarizer called %d times, want 0", s.calls)
	}
}

func TestCompress_WhitespaceIsNotEmpty(t *testing.T) {
	s := &fakeSummarizer{out: "x"}
	res, err := NewPolicy(10).Compress(context.Background(), strings.Repeat(" ", 8), s)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if s.calls != 1 {
		t.Errorf("summarizer calls = %d, want 1", s.calls)
	}
	// 8 spaces = 2 tokens, "x" = 1 token.
	if res.OriginalTokens != 2 || res.NewTokenCount != 1 || res.CompressionRatio != 50 {
		t.Errorf("result = %+v", res)
	}
}

func TestCompress_SummarizerFailureNoRetry(t *testing.T) {
	s := &fakeSummarizer{err: errors.New("deadline exceeded")}
	_, err := NewPolicy(10).Compress(context.Background(), "some text", s)
	if !apperr.IsCode(err, apperr.SummarizerError) {
		t.Fatalf("err = %v, want summarizer_error", err)
	}
	if s.calls != 1 {
		t.Errorf("summarizer calls = %d, want exactly 1", s.calls)
	}
}

func TestCompress_BlankOutputIsSummarizerError(t *testing.T) {
	s := &fakeSummarizer{out: "\n  "}
	_, err := NewPolicy(10).Compress(context.Background(), "some text", s)
	if !apperr.IsCode(err, apperr.SummarizerError) {
		t.Fatalf("err = %v, want summarizer_error", err)
	}
}

func TestMaybeCompress(t *testing.T) {
	p := NewPolicy(5)
	s := &fakeSummarizer{out: "short"}

	small, err := p.MaybeCompress(context.Background(), "tiny", s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if small.WasCompressed || small.Text != "tiny" || small.Metrics != nil {
		t.Errorf("small text should pass through: %+v", small)
	}
	if s.calls != 0 {
		t.Errorf("summarizer called for small text")
	}

	big, err := p.MaybeCompress(context.Background(), strings.Repeat("b", 100), s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !big.WasCompressed || big.Text != "short" || big.Metrics == nil {
		t.Fatalf("big text should be compressed: %+v", big)
	}
	if big.Metrics.CompressionRatio != 92 {
		t.Errorf("CompressionRatio = %d, want 92", big.Metrics.CompressionRatio)
	}
}

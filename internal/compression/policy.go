package compression

import (
	"context"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/folio/internal/apperr"
)

// DefaultThresholdTokens is the context budget used when none is configured.
const DefaultThresholdTokens = 8000

// Instructions is the fixed instruction set sent with every summarization call.
const Instructions = `You are compressing a working document so it fits a limited context budget. Rewrite the text below into a shorter version.

Keep:
- every key finding, decision and conclusion
- every concrete data point (figures, dates, tickers, percentages, names)
- the structural organization (section order and headings)

Remove:
- redundant prose and restatements
- verbose padding and filler transitions
- data repeated in more than one place
- decorative formatting that carries no information

Output only the compressed document, with no preamble or commentary.`

// Summarizer shortens text. Implementations call a language model.
type Summarizer interface {
	Summarize(ctx context.Context, instructions, text string) (string, error)
}

// EstimateTokens provides a rough token count using the 4 characters per
// token heuristic: ceil(characters / 4).
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Ratio returns the percentage of tokens removed, rounded half up.
// It is 0 when original is 0.
func Ratio(originalTokens, newTokens int) int {
	if originalTokens <= 0 {
		return 0
	}
	pct := 100 * float64(originalTokens-newTokens) / float64(originalTokens)
	return int(math.Floor(pct + 0.5))
}

// Result carries the compressed text and its metrics.
type Result struct {
	Text             string `json:"text"`
	OriginalTokens   int    `json:"original_tokens"`
	NewTokenCount    int    `json:"new_token_count"`
	CompressionRatio int    `json:"compression_ratio"`
}

// Policy decides when text is over budget and drives summarization.
type Policy struct {
	ThresholdTokens int
}

// NewPolicy creates a Policy with the given budget.
// If thresholdTokens <= 0, DefaultThresholdTokens is used.
func NewPolicy(thresholdTokens int) *Policy {
	if thresholdTokens <= 0 {
		thresholdTokens = DefaultThresholdTokens
	}
	return &Policy{ThresholdTokens: thresholdTokens}
}

// ShouldCompress reports whether text's estimated token count exceeds the budget.
func (p *Policy) ShouldCompress(text string) bool {
	return EstimateTokens(text) > p.ThresholdTokens
}

// Compress summarizes text with exactly one summarizer call. There is no
// retry: failures surface as SummarizerError for the caller to handle.
func (p *Policy) Compress(ctx context.Context, text string, s Summarizer) (Result, error) {
	if text == "" {
		return Result{}, apperr.New(apperr.EmptyInput, "Compress", "nothing to compress")
	}
	if s == nil {
		return Result{}, apperr.New(apperr.SummarizerError, "Compress", "no summarizer configured")
	}

	out, err := s.Summarize(ctx, Instructions, text)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.SummarizerError, "Compress", err)
	}
	if strings.TrimSpace(out) == "" {
		return Result{}, apperr.New(apperr.SummarizerError, "Compress", "summarizer returned no text")
	}

	orig := EstimateTokens(text)
	next := EstimateTokens(out)
	return Result{
		Text:             out,
		OriginalTokens:   orig,
		NewTokenCount:    next,
		CompressionRatio: Ratio(orig, next),
	}, nil
}

// Outcome is what MaybeCompress hands back to callers.
type Outcome struct {
	Text          string  `json:"text"`
	WasCompressed bool    `json:"was_compressed"`
	Metrics       *Result `json:"metrics,omitempty"`
}

// MaybeCompress returns text unchanged when it fits the budget, and the
// summarized text otherwise.
func (p *Policy) MaybeCompress(ctx context.Context, text string, s Summarizer) (Outcome, error) {
	if !p.ShouldCompress(text) {
		return Outcome{Text: text}, nil
	}
	res, err := p.Compress(ctx, text, s)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Text: res.Text, WasCompressed: true, Metrics: &res}, nil
}

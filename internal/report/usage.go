package report

import (
	"math"
	"time"
)

// Operation kinds recorded in a usage ledger.
const (
	OpGeneration       = "generation"
	OpCompression      = "compression"
	OpEntityExtraction = "entity_extraction"
)

// Operation is one token/cost-incurring step against a revision.
type Operation struct {
	Kind         string    `json:"kind"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Timestamp    time.Time `json:"timestamp"`
}

// Ledger is the append-only usage record of a revision.
type Ledger struct {
	TotalTokens int         `json:"total_tokens"`
	TotalCost   float64     `json:"total_cost"`
	Operations  []Operation `json:"operations"`
}

// Append returns a new ledger with op added. The receiver is not modified.
func (l Ledger) Append(ops ...Operation) Ledger {
	out := Ledger{
		TotalTokens: l.TotalTokens,
		TotalCost:   l.TotalCost,
		Operations:  make([]Operation, 0, len(l.Operations)+len(ops)),
	}
	out.Operations = append(out.Operations, l.Operations...)
	for _, op := range ops {
		out.Operations = append(out.Operations, op)
		out.TotalTokens += op.InputTokens + op.OutputTokens
		out.TotalCost += op.Cost
	}
	return out
}

// Pricing converts token counts into cost. Prices are per 1000 tokens.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Cost returns the price of a call, rounded to 6 decimal places.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	c := float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
	return math.Round(c*1e6) / 1e6
}

// Operation builds a ledger entry for kind priced with p.
func (p Pricing) Operation(kind string, inputTokens, outputTokens int, at time.Time) Operation {
	return Operation{
		Kind:         kind,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         p.Cost(inputTokens, outputTokens),
		Timestamp:    at.UTC(),
	}
}

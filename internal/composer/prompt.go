package composer

import (
	"strings"

	"github.com/kalambet/folio/internal/compression"
	"github.com/kalambet/folio/internal/engine"
	"github.com/kalambet/folio/internal/enhancement"
	"github.com/kalambet/folio/internal/report"
)

const defaultMaxHistoryTokens = 2000

// SystemPrompt frames every generation call.
const SystemPrompt = `You are a research analyst writing structured reports in Markdown. Use headings for sections, keep figures exact, and cite tickers where they apply. Output only the report.`

const contextHeader = "[Current Report]\n"

// Composer assembles generator messages from an enhancement plan and the
// thread's recent conversation.
type Composer struct {
	MaxHistoryTokens int
}

// New creates a Composer with the given token budget for conversation
// history. If maxHistoryTokens <= 0, the default (2000) is used.
func New(maxHistoryTokens int) *Composer {
	if maxHistoryTokens <= 0 {
		maxHistoryTokens = defaultMaxHistoryTokens
	}
	return &Composer{MaxHistoryTokens: maxHistoryTokens}
}

// Compose builds the message list: one system message with the report
// context when the plan carries one, then as much recent history as the
// budget allows, then the directive as the final user message.
func (c *Composer) Compose(plan enhancement.Plan, history []report.Message) []engine.Message {
	var sys strings.Builder
	sys.WriteString(SystemPrompt)
	if plan.HasContext() {
		sys.WriteString("\n\n")
		sys.WriteString(contextHeader)
		sys.WriteString(*plan.Context)
	}

	msgs := []engine.Message{{Role: string(report.RoleSystem), Content: sys.String()}}
	msgs = append(msgs, c.fitHistory(history)...)
	msgs = append(msgs, engine.Message{Role: string(report.RoleUser), Content: plan.Directive})
	return msgs
}

// fitHistory keeps the newest usable messages that fit the budget, returned
// oldest first. Errored turns and system messages are skipped, as are
// assistant messages that produced a revision: the report reaches the model
// through the plan context instead.
func (c *Composer) fitHistory(history []report.Message) []engine.Message {
	remaining := c.MaxHistoryTokens
	var picked []engine.Message
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Status == report.MessageError || m.Role == report.RoleSystem || m.ReportID != "" || strings.TrimSpace(m.Content) == "" {
			continue
		}
		tokens := compression.EstimateTokens(m.Content)
		if tokens > remaining {
			break
		}
		remaining -= tokens
		picked = append(picked, engine.Message{Role: string(m.Role), Content: m.Content})
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}

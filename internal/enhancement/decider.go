package enhancement

import (
	"fmt"
	"strings"

	"github.com/kalambet/folio/internal/apperr"
	"github.com/kalambet/folio/internal/report"
)

type Mode string

const (
	ModeFresh       Mode = "fresh"
	ModeIncremental Mode = "incremental"
)

// Plan tells the generator how to treat a new user turn.
type Plan struct {
	Mode Mode
	// Context is the prior report body for incremental plans, nil otherwise.
	Context        *string
	ParentRevision *report.Revision
	Instruction    string
	Directive      string
}

// HasContext reports whether the plan carries prior report content.
func (p Plan) HasContext() bool {
	return p.Context != nil
}

const freshTemplate = `Create a new report for the following request.

Request:
%s`

const incrementalTemplate = `You are updating an existing report. The current report is provided as context.

Rules:
1. Preserve every previously added section unless the new request explicitly contradicts it.
2. Add or modify only what the new request asks for.
3. Never regenerate unrelated sections from scratch; carry them over as they are.

New request:
%s`

// FreshDirective returns the generator directive for a report built from scratch.
func FreshDirective(instruction string) string {
	return fmt.Sprintf(freshTemplate, strings.TrimSpace(instruction))
}

// IncrementalDirective returns the generator directive for building upon
// the prior report.
func IncrementalDirective(instruction string) string {
	return fmt.Sprintf(incrementalTemplate, strings.TrimSpace(instruction))
}

// Decide chooses between extending the prior report and starting fresh.
// It has no side effects. The context of an incremental plan is the prior
// report body, untruncated.
func Decide(thread report.Thread, prior *report.Revision, instruction string) (Plan, error) {
	if thread.ID == "" {
		return Plan{}, apperr.New(apperr.InvalidArgument, "Decide", "thread has no identifier")
	}

	if prior == nil || !thread.HasReport() {
		return Plan{
			Mode:        ModeFresh,
			Instruction: instruction,
			Directive:   FreshDirective(instruction),
		}, nil
	}

	body := prior.Body
	parent := *prior
	return Plan{
		Mode:           ModeIncremental,
		Context:        &body,
		ParentRevision: &parent,
		Instruction:    instruction,
		Directive:      IncrementalDirective(instruction),
	}, nil
}

package composer

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/folio/internal/engine"
	"github.com/kalambet/folio/internal/enhancement"
	"github.com/kalambet/folio/internal/report"
)

func threadWithReport() report.Thread {
	return report.Thread{ID: "t1", Status: report.ThreadActive, ReportVersions: []string{"r1"}, CurrentReportID: "r1"}
}

func TestCompose_FreshPlanHasNoContext(t *testing.T) {
	plan, err := enhancement.Decide(report.Thread{ID: "t1"}, nil, "Analyze AAPL")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	msgs := New(0).Compose(plan, nil)

	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if strings.Contains(msgs[0].Content, "[Current Report]") {
		t.Error("fresh plan must not inject a report context")
	}
	if msgs[1].Role != "user" || msgs[1].Content != enhancement.FreshDirective("Analyze AAPL") {
		t.Errorf("last message = %+v", msgs[1])
	}
}

func TestCompose_IncrementalPlanCarriesReport(t *testing.T) {
	prior := &report.Revision{ID: "r1", ThreadID: "t1", Version: 1, Body: "## Summary\nAAPL looks strong."}
	plan, err := enhancement.Decide(threadWithReport(), prior, "Add a risk section")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	msgs := New(0).Compose(plan, nil)

	sys := msgs[0].Content
	if !strings.Contains(sys, "[Current Report]\n## Summary\nAAPL looks strong.") {
		t.Errorf("system message missing report context:\n%s", sys)
	}
	if !strings.Contains(msgs[len(msgs)-1].Content, "Preserve every previously added section") {
		t.Error("incremental directive not sent")
	}
}

func TestCompose_HistoryBudgetKeepsNewest(t *testing.T) {
	history := []report.Message{
		{Role: report.RoleUser, Content: strings.Repeat("a", 40), Status: report.MessageComplete},
		{Role: report.RoleAssistant, Content: "done", Status: report.MessageComplete},
		{Role: report.RoleUser, Content: "broken", Status: report.MessageError},
		{Role: report.RoleAssistant, Content: "# Full report body", ReportID: "r1", Status: report.MessageComplete},
		{Role: report.RoleUser, Content: "latest", Status: report.MessageComplete},
	}
	plan, _ := enhancement.Decide(report.Thread{ID: "t1"}, nil, "next")

	// "done" and "latest" cost 1 and 2 tokens; the 40-char message costs 10.
	msgs := New(5).Compose(plan, history)

	got := msgs[1 : len(msgs)-1]
	want := []engine.Message{
		{Role: "assistant", Content: "done"},
		{Role: "user", Content: "latest"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

package enhancement

import (
	"strings"
	"testing"

	"github.com/kalambet/folio/internal/apperr"
	"github.com/kalambet/folio/internal/report"
)

func threadWithReport() report.Thread {
	return report.Thread{
		ID:              "t1",
		Status:          report.ThreadActive,
		ReportVersions:  []string{"r1"},
		CurrentReportID: "r1",
		HeadVersion:     1,
	}
}

func TestDecide_NoPriorIsFresh(t *testing.T) {
	instructions := []string{
		"",
		"build on the previous report",
		"add a section on AAPL earnings",
		strings.Repeat("extend ", 500),
	}
	for _, in := range instructions {
		plan, err := Decide(threadWithReport(), nil, in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if plan.Mode != ModeFresh {
			t.Errorf("Mode = %q, want fresh for instruction %.20q", plan.Mode, in)
		}
		if plan.HasContext() || plan.ParentRevision != nil {
			t.Errorf("fresh plan carries context: %+v", plan)
		}
	}
}

func TestDecide_ThreadWithoutReportIsFresh(t *testing.T) {
	prior := &report.Revision{ID: "r1", Body: "stale"}
	plan, err := Decide(report.Thread{ID: "t1", Status: report.ThreadActive}, prior, "go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Mode != ModeFresh {
		t.Errorf("Mode = %q, want fresh", plan.Mode)
	}
}

func TestDecide_PriorIsIncrementalWithExactBody(t *testing.T) {
	body := "<h1>Report</h1>\n" + strings.Repeat("<p>row</p>", 10000)
	prior := &report.Revision{ID: "r1", ThreadID: "t1", Version: 1, Body: body}

	plan, err := Decide(threadWithReport(), prior, "add a risk section")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Mode != ModeIncremental {
		t.Fatalf("Mode = %q, want incremental", plan.Mode)
	}
	if plan.Context == nil || *plan.Context != body {
		t.Error("context must equal the prior report body exactly")
	}
	if plan.ParentRevision == nil || plan.ParentRevision.ID != "r1" {
		t.Errorf("ParentRevision = %+v, want r1", plan.ParentRevision)
	}
}

func TestDecide_PlanDoesNotAliasPrior(t *testing.T) {
	prior := &report.Revision{ID: "r1", Body: "original"}
	plan, _ := Decide(threadWithReport(), prior, "x")
	prior.Body = "mutated"
	if *plan.Context != "original" || plan.ParentRevision.Body != "original" {
		t.Error("plan must not alias the caller's revision")
	}
}

func TestDecide_MalformedThread(t *testing.T) {
	_, err := Decide(report.Thread{}, nil, "x")
	if !apperr.IsCode(err, apperr.InvalidArgument) {
		t.Fatalf("err = %v, want invalid_argument", err)
	}
}

func TestIncrementalDirective(t *testing.T) {
	d := IncrementalDirective("  add a dividend table  ")
	for _, want := range []string{
		"Preserve every previously added section",
		"Add or modify only what the new request asks for",
		"Never regenerate unrelated sections",
		"add a dividend table",
	} {
		if !strings.Contains(d, want) {
			t.Errorf("directive missing %q:\n%s", want, d)
		}
	}
	if IncrementalDirective("x") != IncrementalDirective("x") {
		t.Error("directive must be a pure function of the instruction")
	}
}

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/folio/internal/report"
)

func newRevision(id, threadID, body string, ops ...report.Operation) report.Revision {
	now := time.Now().UTC()
	return report.Revision{
		ID:        id,
		ThreadID:  threadID,
		Title:     "Report",
		Body:      body,
		Usage:     report.Ledger{}.Append(ops...),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInsertRevision_AdvancesHead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestThread(t, s, "t1")

	op := report.Operation{Kind: report.OpGeneration, InputTokens: 100, OutputTokens: 50, Cost: 0.01, Timestamp: time.Now()}
	r1, err := s.InsertRevision(ctx, newRevision("r1", "t1", "v1 body", op), 0)
	if err != nil {
		t.Fatalf("InsertRevision: %v", err)
	}
	if r1.Version != 1 || r1.Status != report.RevisionDraft {
		t.Errorf("r1 = version %d status %s", r1.Version, r1.Status)
	}

	r2 := newRevision("r2", "t1", "v2 body")
	r2.ParentID, r2.ParentVersion = "r1", 1
	if _, err := s.InsertRevision(ctx, r2, 1); err != nil {
		t.Fatalf("InsertRevision v2: %v", err)
	}

	th, err := s.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if th.HeadVersion != 2 || th.CurrentReportID != "r2" {
		t.Errorf("head = %d current = %s, want 2 r2", th.HeadVersion, th.CurrentReportID)
	}
	if len(th.ReportVersions) != 2 || th.ReportVersions[0] != "r1" {
		t.Errorf("ReportVersions = %v", th.ReportVersions)
	}

	got, err := s.GetRevision(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRevision: %v", err)
	}
	if got.Usage.TotalTokens != 150 || len(got.Usage.Operations) != 1 {
		t.Errorf("usage = %+v", got.Usage)
	}

	byVersion, err := s.GetRevisionByVersion(ctx, "t1", 2)
	if err != nil {
		t.Fatalf("GetRevisionByVersion: %v", err)
	}
	if byVersion.ParentID != "r1" || byVersion.ParentVersion != 1 {
		t.Errorf("parent = %s v%d", byVersion.ParentID, byVersion.ParentVersion)
	}
}

func TestInsertRevision_StaleVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestThread(t, s, "t1")

	if _, err := s.InsertRevision(ctx, newRevision("r1", "t1", "a"), 0); err != nil {
		t.Fatalf("InsertRevision: %v", err)
	}
	_, err := s.InsertRevision(ctx, newRevision("r1b", "t1", "b"), 0)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	if _, err := s.GetRevision(ctx, "r1b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("conflicting revision must not be written, got %v", err)
	}
}

func TestInsertRevision_Concurrent(t *testing.T) {
	s := openTestStore(t)
	createTestThread(t, s, "t1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.InsertRevision(context.Background(), newRevision("r"+string(rune('a'+i)), "t1", "body"), 0)
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Errorf("ok = %d conflicts = %d, want 1 and 1", ok, conflicts)
	}
}

func TestInsertRevision_ArchivedThread(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestThread(t, s, "t1")
	if err := s.ArchiveThread(ctx, "t1", time.Now()); err != nil {
		t.Fatalf("ArchiveThread: %v", err)
	}
	if _, err := s.InsertRevision(ctx, newRevision("r1", "t1", "x"), 0); !errors.Is(err, ErrThreadArchived) {
		t.Fatalf("err = %v, want ErrThreadArchived", err)
	}
}

func TestInsertRevision_MissingThread(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.InsertRevision(context.Background(), newRevision("r1", "ghost", "x"), 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetRevisionStatus_RecomputesCurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestThread(t, s, "t1")
	if _, err := s.InsertRevision(ctx, newRevision("r1", "t1", "a"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertRevision(ctx, newRevision("r2", "t1", "b"), 1); err != nil {
		t.Fatal(err)
	}

	drafts := []report.RevisionStatus{report.RevisionDraft, report.RevisionPublished}
	if _, err := s.SetRevisionStatus(ctx, "r2", drafts, report.RevisionArchived, time.Now()); err != nil {
		t.Fatalf("SetRevisionStatus: %v", err)
	}
	th, _ := s.GetThread(ctx, "t1")
	if th.CurrentReportID != "r1" {
		t.Errorf("current = %q, want r1 after archiving r2", th.CurrentReportID)
	}

	if _, err := s.SetRevisionStatus(ctx, "r1", drafts, report.RevisionArchived, time.Now()); err != nil {
		t.Fatalf("SetRevisionStatus: %v", err)
	}
	th, _ = s.GetThread(ctx, "t1")
	if th.CurrentReportID != "" {
		t.Errorf("current = %q, want none", th.CurrentReportID)
	}

	_, err := s.SetRevisionStatus(ctx, "r1", []report.RevisionStatus{report.RevisionDraft}, report.RevisionPublished, time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestAppendUsage_ConcurrentAppendsAllLand(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestThread(t, s, "t1")
	if _, err := s.InsertRevision(ctx, newRevision("r1", "t1", "a"), 0); err != nil {
		t.Fatal(err)
	}

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op := report.Operation{Kind: report.OpCompression, InputTokens: 10, OutputTokens: 5, Cost: 0.5, Timestamp: time.Now()}
			if _, err := s.AppendUsage(ctx, "r1", op); err != nil {
				t.Errorf("AppendUsage: %v", err)
			}
		}()
	}
	wg.Wait()

	rev, err := s.GetRevision(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRevision: %v", err)
	}
	if len(rev.Usage.Operations) != n {
		t.Errorf("operations = %d, want %d", len(rev.Usage.Operations), n)
	}
	if rev.Usage.TotalTokens != 15*n {
		t.Errorf("TotalTokens = %d, want %d", rev.Usage.TotalTokens, 15*n)
	}
	if rev.Usage.TotalCost != 0.5*n {
		t.Errorf("TotalCost = %v, want %v", rev.Usage.TotalCost, 0.5*n)
	}
}

func TestAppendUsage_UnknownRevision(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendUsage(context.Background(), "missing", report.Operation{Kind: report.OpGeneration})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

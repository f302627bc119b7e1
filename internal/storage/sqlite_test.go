package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/folio/internal/report"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestThread(t *testing.T, s *Store, id string) report.Thread {
	t.Helper()
	now := time.Now().UTC()
	th := report.Thread{
		ID:        id,
		OwnerID:   "owner-1",
		Title:     "Thread " + id,
		Status:    report.ThreadActive,
		Metadata:  map[string]string{"source": "test"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateThread(context.Background(), th); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return th
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) != 3 {
		t.Fatalf("applied migrations = %v, want 3", versions)
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_threads_owner_updated",
		"idx_revision_usage_revision",
		"idx_entities_name",
		"idx_entities_rank",
		"idx_entity_mentions_source",
		"idx_jobs_claim",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestCreateAndGetThread(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	want := createTestThread(t, s, "t1")

	if err := s.ShareThread(ctx, "t1", "bob", report.PermissionView); err != nil {
		t.Fatalf("ShareThread: %v", err)
	}

	got, err := s.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.OwnerID != want.OwnerID || got.Title != want.Title || got.Status != report.ThreadActive {
		t.Errorf("thread mismatch: %+v", got)
	}
	if got.Metadata["source"] != "test" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if got.Sharing["bob"] != report.PermissionView {
		t.Errorf("Sharing = %v", got.Sharing)
	}
	if got.HeadVersion != 0 || got.HasReport() {
		t.Errorf("new thread should have no report: %+v", got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
}

func TestCreateThread_Duplicate(t *testing.T) {
	s := openTestStore(t)
	th := createTestThread(t, s, "dup")
	if err := s.CreateThread(context.Background(), th); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestGetThreadNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetThread(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListThreads(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestThread(t, s, "a")
	createTestThread(t, s, "b")
	if err := s.ArchiveThread(ctx, "a", time.Now()); err != nil {
		t.Fatalf("ArchiveThread: %v", err)
	}

	all, err := s.ListThreads(ctx, "owner-1", "", 10, 0)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}

	active, err := s.ListThreads(ctx, "owner-1", report.ThreadActive, 10, 0)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(active) != 1 || active[0].ID != "b" {
		t.Errorf("active = %+v, want only b", active)
	}

	other, err := s.ListThreads(ctx, "owner-2", "", 10, 0)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("other owner sees %d threads", len(other))
	}
}

func TestArchiveThread_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestThread(t, s, "t1")
	for i := 0; i < 2; i++ {
		if err := s.ArchiveThread(ctx, "t1", time.Now()); err != nil {
			t.Fatalf("ArchiveThread #%d: %v", i+1, err)
		}
	}
	if err := s.ArchiveThread(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessage_Sequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestThread(t, s, "t1")

	now := time.Now().UTC()
	for i, content := range []string{"first", "second", "third"} {
		m, err := s.AppendMessage(ctx, report.Message{
			ID: content, ThreadID: "t1", Role: report.RoleUser, Content: content,
			Status: report.MessageSent, CreatedAt: now, UpdatedAt: now,
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if m.Seq != int64(i+1) {
			t.Errorf("Seq = %d, want %d", m.Seq, i+1)
		}
	}

	if err := s.UpdateMessageStatus(ctx, "second", report.MessageError, now); err != nil {
		t.Fatalf("UpdateMessageStatus: %v", err)
	}

	msgs, err := s.ListMessages(ctx, "t1", 1, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "second" || msgs[1].ID != "third" {
		t.Fatalf("ListMessages after seq 1 = %+v", msgs)
	}
	if msgs[0].Status != report.MessageError {
		t.Errorf("Status = %q, want error", msgs[0].Status)
	}
}

func TestAppendMessage_ArchivedThread(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestThread(t, s, "t1")
	if err := s.ArchiveThread(ctx, "t1", time.Now()); err != nil {
		t.Fatalf("ArchiveThread: %v", err)
	}
	_, err := s.AppendMessage(ctx, report.Message{ID: "m", ThreadID: "t1", Role: report.RoleUser, Status: report.MessageSent})
	if !errors.Is(err, ErrThreadArchived) {
		t.Fatalf("err = %v, want ErrThreadArchived", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, "u1", "auto_mode", "true"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting(ctx, "u1", "auto_mode", "false"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	v, err := s.GetSetting(ctx, "u1", "auto_mode")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != "false" {
		t.Errorf("value = %q, want false", v)
	}
	if _, err := s.GetSetting(ctx, "u2", "auto_mode"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other owner, got %v", err)
	}
	all, err := s.GetSettings(ctx, "u1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("GetSettings = %v", all)
	}
}

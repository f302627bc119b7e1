package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/folio/internal/report"
)

// --- Threads ---

func (s *Store) CreateThread(ctx context.Context, t report.Thread) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("encoding thread metadata: %w", err)
	}
	if t.Metadata == nil {
		meta = []byte("{}")
	}
	status := t.Status
	if status == "" {
		status = report.ThreadActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning create thread transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (id, owner_id, title, status, head_version, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Title, string(status), string(meta), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	for principal, perm := range t.Sharing {
		if _, err := tx.ExecContext(ctx, `INSERT INTO thread_shares (thread_id, principal, permission) VALUES (?, ?, ?)`,
			t.ID, principal, string(perm)); err != nil {
			return fmt.Errorf("sharing thread with %s: %w", principal, err)
		}
	}
	return tx.Commit()
}

const threadColumns = `id, owner_id, title, status, current_report_id, head_version, metadata_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (report.Thread, error) {
	var (
		t                    report.Thread
		status, meta         string
		current              sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &status, &current, &t.HeadVersion, &meta, &createdAt, &updatedAt); err != nil {
		return report.Thread{}, err
	}
	t.Status = report.ThreadStatus(status)
	t.CurrentReportID = current.String
	if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
		return report.Thread{}, fmt.Errorf("decoding metadata of thread %s: %w", t.ID, err)
	}
	var err error
	if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return report.Thread{}, err
	}
	if t.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return report.Thread{}, err
	}
	return t, nil
}

// GetThread loads a thread together with its revision ids (oldest first)
// and sharing grants.
func (s *Store) GetThread(ctx context.Context, id string) (report.Thread, error) {
	t, err := scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return report.Thread{}, ErrNotFound
	}
	if err != nil {
		return report.Thread{}, err
	}
	if err := s.loadThreadRelations(ctx, &t); err != nil {
		return report.Thread{}, err
	}
	return t, nil
}

func (s *Store) loadThreadRelations(ctx context.Context, t *report.Thread) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM report_revisions WHERE thread_id = ? ORDER BY version ASC`, t.ID)
	if err != nil {
		return fmt.Errorf("listing revision ids: %w", err)
	}
	t.ReportVersions = nil
	for rows.Next() {
		var rid string
		if err := rows.Scan(&rid); err != nil {
			rows.Close()
			return err
		}
		t.ReportVersions = append(t.ReportVersions, rid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT principal, permission FROM thread_shares WHERE thread_id = ?`, t.ID)
	if err != nil {
		return fmt.Errorf("listing thread shares: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var principal, perm string
		if err := rows.Scan(&principal, &perm); err != nil {
			return err
		}
		if t.Sharing == nil {
			t.Sharing = make(map[string]report.Permission)
		}
		t.Sharing[principal] = report.Permission(perm)
	}
	return rows.Err()
}

// ListThreads returns an owner's threads, most recently updated first.
// An empty status lists every thread.
func (s *Store) ListThreads(ctx context.Context, ownerID string, status report.ThreadStatus, limit, offset int) ([]report.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE owner_id = ? AND (? = '' OR status = ?)
		ORDER BY updated_at DESC, id ASC
		LIMIT ? OFFSET ?`,
		ownerID, string(status), string(status), limit, offset,
	)
	if err != nil {
		return nil, err
	}

	var threads []report.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		threads = append(threads, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range threads {
		if err := s.loadThreadRelations(ctx, &threads[i]); err != nil {
			return nil, err
		}
	}
	return threads, nil
}

// ArchiveThread marks a thread archived. Archiving twice is not an error.
func (s *Store) ArchiveThread(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE threads SET status = 'archived', updated_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ShareThread grants principal a permission on a thread, replacing any earlier grant.
func (s *Store) ShareThread(ctx context.Context, threadID, principal string, perm report.Permission) error {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_shares (thread_id, principal, permission) VALUES (?, ?, ?)
		ON CONFLICT(thread_id, principal) DO UPDATE SET permission = excluded.permission`,
		threadID, principal, string(perm),
	)
	return err
}

// activeThread checks, inside tx, that the thread exists and is not archived.
// It returns the thread's head version.
func activeThread(ctx context.Context, tx *sql.Tx, threadID string) (int, error) {
	var status string
	var head int
	err := tx.QueryRowContext(ctx, `SELECT status, head_version FROM threads WHERE id = ?`, threadID).Scan(&status, &head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if report.ThreadStatus(status) == report.ThreadArchived {
		return 0, ErrThreadArchived
	}
	return head, nil
}

// --- Messages ---

// AppendMessage stores m with the thread's next sequence number.
func (s *Store) AppendMessage(ctx context.Context, m report.Message) (report.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report.Message{}, fmt.Errorf("beginning append message transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := activeThread(ctx, tx, m.ThreadID); err != nil {
		return report.Message{}, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `UPDATE threads SET next_seq = next_seq + 1, updated_at = ? WHERE id = ? RETURNING next_seq`,
		formatTime(m.UpdatedAt), m.ThreadID).Scan(&seq); err != nil {
		return report.Message{}, fmt.Errorf("allocating message seq: %w", err)
	}
	m.Seq = seq

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, seq, role, content, report_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Seq, string(m.Role), m.Content, nullString(m.ReportID), string(m.Status),
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	); err != nil {
		return report.Message{}, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return report.Message{}, fmt.Errorf("committing message: %w", err)
	}
	return m, nil
}

func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status report.MessageStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`, string(status), formatTime(at), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (report.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, seq, role, content, report_id, status, created_at, updated_at
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Message{}, ErrNotFound
	}
	return m, err
}

// ListMessages returns messages with seq greater than afterSeq, in order.
func (s *Store) ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int) ([]report.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, seq, role, content, report_id, status, created_at, updated_at
		FROM messages WHERE thread_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`, threadID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []report.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (report.Message, error) {
	var (
		m                    report.Message
		role, status         string
		reportID             sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&m.ID, &m.ThreadID, &m.Seq, &role, &m.Content, &reportID, &status, &createdAt, &updatedAt); err != nil {
		return report.Message{}, err
	}
	m.Role = report.Role(role)
	m.Status = report.MessageStatus(status)
	m.ReportID = reportID.String
	var err error
	if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return report.Message{}, err
	}
	if m.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return report.Message{}, err
	}
	return m, nil
}

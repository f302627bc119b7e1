package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kalambet/folio/internal/report"
)

// --- Report revisions ---

// InsertRevision stores rev as the thread's next version. It succeeds only
// if the thread's head version still equals expectedVersion; otherwise it
// returns ErrVersionConflict and writes nothing. rev.Usage.Operations are
// written as the revision's initial ledger.
func (s *Store) InsertRevision(ctx context.Context, rev report.Revision, expectedVersion int) (report.Revision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report.Revision{}, fmt.Errorf("beginning insert revision transaction: %w", err)
	}
	defer tx.Rollback()

	head, err := activeThread(ctx, tx, rev.ThreadID)
	if err != nil {
		return report.Revision{}, err
	}
	if head != expectedVersion {
		return report.Revision{}, ErrVersionConflict
	}

	rev.Version = expectedVersion + 1
	if rev.Status == "" {
		rev.Status = report.RevisionDraft
	}
	rev.Usage = report.Ledger{}.Append(rev.Usage.Operations...)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO report_revisions (id, thread_id, version, title, body, status, parent_id, parent_version, total_tokens, total_cost, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rev.ID, rev.ThreadID, rev.Version, rev.Title, rev.Body, string(rev.Status),
		nullString(rev.ParentID), rev.ParentVersion, rev.Usage.TotalTokens, rev.Usage.TotalCost,
		formatTime(rev.CreatedAt), formatTime(rev.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return report.Revision{}, ErrVersionConflict
	}
	if err != nil {
		return report.Revision{}, fmt.Errorf("inserting revision: %w", err)
	}

	if err := insertUsage(ctx, tx, rev.ID, rev.Usage.Operations); err != nil {
		return report.Revision{}, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE threads SET head_version = ?, current_report_id = ?, updated_at = ?
		WHERE id = ? AND head_version = ? AND status = 'active'`,
		rev.Version, rev.ID, formatTime(rev.UpdatedAt), rev.ThreadID, expectedVersion,
	)
	if err != nil {
		return report.Revision{}, fmt.Errorf("advancing thread head: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return report.Revision{}, err
	} else if n != 1 {
		return report.Revision{}, ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return report.Revision{}, fmt.Errorf("committing revision: %w", err)
	}
	return rev, nil
}

func insertUsage(ctx context.Context, tx *sql.Tx, revisionID string, ops []report.Operation) error {
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO revision_usage (revision_id, kind, input_tokens, output_tokens, cost, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			revisionID, op.Kind, op.InputTokens, op.OutputTokens, op.Cost, formatTime(op.Timestamp),
		); err != nil {
			return fmt.Errorf("inserting usage operation: %w", err)
		}
	}
	return nil
}

const revisionColumns = `id, thread_id, version, title, body, status, parent_id, parent_version, total_tokens, total_cost, created_at, updated_at`

func scanRevision(row rowScanner) (report.Revision, error) {
	var (
		r                    report.Revision
		status               string
		parentID             sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&r.ID, &r.ThreadID, &r.Version, &r.Title, &r.Body, &status, &parentID, &r.ParentVersion,
		&r.Usage.TotalTokens, &r.Usage.TotalCost, &createdAt, &updatedAt); err != nil {
		return report.Revision{}, err
	}
	r.Status = report.RevisionStatus(status)
	r.ParentID = parentID.String
	var err error
	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return report.Revision{}, err
	}
	if r.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return report.Revision{}, err
	}
	return r, nil
}

func (s *Store) GetRevision(ctx context.Context, id string) (report.Revision, error) {
	return s.getRevision(ctx, `SELECT `+revisionColumns+` FROM report_revisions WHERE id = ?`, id)
}

func (s *Store) GetRevisionByVersion(ctx context.Context, threadID string, version int) (report.Revision, error) {
	return s.getRevision(ctx, `SELECT `+revisionColumns+` FROM report_revisions WHERE thread_id = ? AND version = ?`, threadID, version)
}

func (s *Store) getRevision(ctx context.Context, query string, args ...any) (report.Revision, error) {
	r, err := scanRevision(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return report.Revision{}, ErrNotFound
	}
	if err != nil {
		return report.Revision{}, err
	}
	if r.Usage.Operations, err = s.listUsage(ctx, r.ID); err != nil {
		return report.Revision{}, err
	}
	return r, nil
}

// ListRevisions returns every revision of a thread, oldest first.
func (s *Store) ListRevisions(ctx context.Context, threadID string) ([]report.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+revisionColumns+` FROM report_revisions WHERE thread_id = ? ORDER BY version ASC`, threadID)
	if err != nil {
		return nil, err
	}
	var out []report.Revision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Usage.Operations, err = s.listUsage(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) listUsage(ctx context.Context, revisionID string) ([]report.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, input_tokens, output_tokens, cost, created_at
		FROM revision_usage WHERE revision_id = ? ORDER BY id ASC`, revisionID)
	if err != nil {
		return nil, fmt.Errorf("listing usage: %w", err)
	}
	defer rows.Close()

	var ops []report.Operation
	for rows.Next() {
		var op report.Operation
		var ts string
		if err := rows.Scan(&op.Kind, &op.InputTokens, &op.OutputTokens, &op.Cost, &ts); err != nil {
			return nil, err
		}
		if op.Timestamp, err = parseTime("usage timestamp", ts); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// SetRevisionStatus moves a revision from one of the from statuses to to,
// then points the thread's current report at its latest non-archived revision.
func (s *Store) SetRevisionStatus(ctx context.Context, id string, from []report.RevisionStatus, to report.RevisionStatus, at time.Time) (report.Revision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report.Revision{}, fmt.Errorf("beginning status transaction: %w", err)
	}
	defer tx.Rollback()

	var threadID, status string
	err = tx.QueryRowContext(ctx, `SELECT thread_id, status FROM report_revisions WHERE id = ?`, id).Scan(&threadID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Revision{}, ErrNotFound
	}
	if err != nil {
		return report.Revision{}, err
	}
	if _, err := activeThread(ctx, tx, threadID); err != nil {
		return report.Revision{}, err
	}
	if !slices.Contains(from, report.RevisionStatus(status)) {
		return report.Revision{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, to)
	}

	stamp := formatTime(at)
	if _, err := tx.ExecContext(ctx, `UPDATE report_revisions SET status = ?, updated_at = ? WHERE id = ?`, string(to), stamp, id); err != nil {
		return report.Revision{}, fmt.Errorf("updating revision status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE threads SET updated_at = ?, current_report_id = (
			SELECT id FROM report_revisions
			WHERE thread_id = ? AND status != 'archived'
			ORDER BY version DESC LIMIT 1
		) WHERE id = ?`, stamp, threadID, threadID); err != nil {
		return report.Revision{}, fmt.Errorf("recomputing current report: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return report.Revision{}, fmt.Errorf("committing status change: %w", err)
	}
	return s.GetRevision(ctx, id)
}

// AppendUsage appends ops to a revision's ledger and bumps its running
// totals. Appends only add rows and increment totals, so concurrent appends
// to the same revision commute.
func (s *Store) AppendUsage(ctx context.Context, revisionID string, ops ...report.Operation) (report.Ledger, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report.Ledger{}, fmt.Errorf("beginning usage transaction: %w", err)
	}
	defer tx.Rollback()

	var threadID string
	err = tx.QueryRowContext(ctx, `SELECT thread_id FROM report_revisions WHERE id = ?`, revisionID).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Ledger{}, ErrNotFound
	}
	if err != nil {
		return report.Ledger{}, err
	}
	if _, err := activeThread(ctx, tx, threadID); err != nil {
		return report.Ledger{}, err
	}

	if err := insertUsage(ctx, tx, revisionID, ops); err != nil {
		return report.Ledger{}, err
	}
	delta := report.Ledger{}.Append(ops...)
	if _, err := tx.ExecContext(ctx, `
		UPDATE report_revisions SET total_tokens = total_tokens + ?, total_cost = total_cost + ?
		WHERE id = ?`, delta.TotalTokens, delta.TotalCost, revisionID); err != nil {
		return report.Ledger{}, fmt.Errorf("updating usage totals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return report.Ledger{}, fmt.Errorf("committing usage: %w", err)
	}

	rev, err := s.GetRevision(ctx, revisionID)
	if err != nil {
		return report.Ledger{}, err
	}
	return rev.Usage, nil
}

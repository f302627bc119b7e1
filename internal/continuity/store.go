// Package continuity keeps a thread's report revisions and their usage
// ledgers consistent across overlapping requests.
package continuity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/folio/internal/apperr"
	"github.com/kalambet/folio/internal/report"
	"github.com/kalambet/folio/internal/storage"
)

// State is a thread's report state.
type State string

const (
	StateNoReport  State = "no-report"
	StateDraft     State = "draft"
	StatePublished State = "published"
	StateArchived  State = "archived"
)

// Persistence is the storage collaborator the Service writes through.
type Persistence interface {
	CreateThread(ctx context.Context, t report.Thread) error
	GetThread(ctx context.Context, id string) (report.Thread, error)
	ArchiveThread(ctx context.Context, id string, at time.Time) error
	InsertRevision(ctx context.Context, rev report.Revision, expectedVersion int) (report.Revision, error)
	GetRevision(ctx context.Context, id string) (report.Revision, error)
	GetRevisionByVersion(ctx context.Context, threadID string, version int) (report.Revision, error)
	ListRevisions(ctx context.Context, threadID string) ([]report.Revision, error)
	SetRevisionStatus(ctx context.Context, id string, from []report.RevisionStatus, to report.RevisionStatus, at time.Time) (report.Revision, error)
	AppendUsage(ctx context.Context, revisionID string, ops ...report.Operation) (report.Ledger, error)
}

// Service is the report continuity store: a per-thread state machine over
// immutable, version-stamped revisions.
type Service struct {
	store Persistence
	now   func() time.Time
}

func NewService(store Persistence) *Service {
	return &Service{store: store, now: time.Now}
}

// AppendRequest describes a revision to append.
type AppendRequest struct {
	ThreadID string
	// ExpectedVersion is the head version the caller derived its context
	// from. 0 means the thread had no report.
	ExpectedVersion int
	Title           string
	Body            string
	// ParentVersion is the version this revision builds on, 0 for a fresh report.
	ParentVersion int
	// Usage holds the operations that produced this revision.
	Usage []report.Operation
}

// CreateThread starts an empty thread owned by ownerID.
func (s *Service) CreateThread(ctx context.Context, ownerID, title string, metadata map[string]string) (report.Thread, error) {
	if strings.TrimSpace(ownerID) == "" {
		return report.Thread{}, apperr.New(apperr.InvalidArgument, "CreateThread", "owner is required")
	}
	now := s.now().UTC()
	t := report.Thread{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Title:     strings.TrimSpace(title),
		Status:    report.ThreadActive,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateThread(ctx, t); err != nil {
		return report.Thread{}, mapErr("CreateThread", err)
	}
	return t, nil
}

func (s *Service) Thread(ctx context.Context, id string) (report.Thread, error) {
	t, err := s.store.GetThread(ctx, id)
	if err != nil {
		return report.Thread{}, mapErr("Thread", err)
	}
	return t, nil
}

// ArchiveThread archives the thread. Every later revision transition on it
// fails with ThreadArchived.
func (s *Service) ArchiveThread(ctx context.Context, threadID string) error {
	return mapErr("ArchiveThread", s.store.ArchiveThread(ctx, threadID, s.now()))
}

// Current returns the thread's current revision, or nil when every revision
// is archived or none exists.
func (s *Service) Current(ctx context.Context, threadID string) (*report.Revision, error) {
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, mapErr("Current", err)
	}
	if !t.HasReport() || t.CurrentReportID == "" {
		return nil, nil
	}
	rev, err := s.store.GetRevision(ctx, t.CurrentReportID)
	if err != nil {
		return nil, mapErr("Current", err)
	}
	return &rev, nil
}

// State derives the thread's report state from its revisions.
func (s *Service) State(ctx context.Context, threadID string) (State, error) {
	cur, err := s.Current(ctx, threadID)
	if err != nil {
		return "", err
	}
	if cur != nil {
		return State(cur.Status), nil
	}
	revs, err := s.store.ListRevisions(ctx, threadID)
	if err != nil {
		return "", mapErr("State", err)
	}
	if len(revs) == 0 {
		return StateNoReport, nil
	}
	return StateArchived, nil
}

// AppendRevision creates revision ExpectedVersion+1 as a draft. It fails
// with ConcurrentModification when another revision was appended since the
// caller read ExpectedVersion, and with ThreadArchived on an archived thread.
// An incremental revision starts from a copy of its parent's ledger.
func (s *Service) AppendRevision(ctx context.Context, req AppendRequest) (report.Revision, error) {
	const op = "AppendRevision"
	switch {
	case req.ThreadID == "":
		return report.Revision{}, apperr.New(apperr.InvalidArgument, op, "thread id is required")
	case req.ExpectedVersion < 0:
		return report.Revision{}, apperr.New(apperr.InvalidArgument, op, "expected version must not be negative")
	case req.ParentVersion < 0 || req.ParentVersion > req.ExpectedVersion:
		return report.Revision{}, apperr.New(apperr.InvalidArgument, op,
			fmt.Sprintf("parent version %d outside [0,%d]", req.ParentVersion, req.ExpectedVersion))
	case strings.TrimSpace(req.Body) == "":
		return report.Revision{}, apperr.New(apperr.InvalidArgument, op, "revision body is empty")
	}

	var ledger report.Ledger
	var parentID string
	if req.ParentVersion > 0 {
		parent, err := s.store.GetRevisionByVersion(ctx, req.ThreadID, req.ParentVersion)
		if err != nil {
			return report.Revision{}, mapErr(op, err)
		}
		parentID = parent.ID
		ledger = parent.Usage
	}

	if err := ctx.Err(); err != nil {
		return report.Revision{}, err
	}

	now := s.now().UTC()
	rev := report.Revision{
		ID:            uuid.New().String(),
		ThreadID:      req.ThreadID,
		Title:         strings.TrimSpace(req.Title),
		Body:          req.Body,
		Status:        report.RevisionDraft,
		Usage:         ledger.Append(req.Usage...),
		ParentID:      parentID,
		ParentVersion: req.ParentVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	stored, err := s.store.InsertRevision(ctx, rev, req.ExpectedVersion)
	if err != nil {
		return report.Revision{}, mapErr(op, err)
	}
	return stored, nil
}

// Publish flags a draft as published. Content is unchanged.
func (s *Service) Publish(ctx context.Context, revisionID string) (report.Revision, error) {
	return s.transition(ctx, "Publish", revisionID, report.RevisionPublished, report.RevisionDraft)
}

// Archive takes a draft or published revision out of current resolution.
// It stays readable.
func (s *Service) Archive(ctx context.Context, revisionID string) (report.Revision, error) {
	return s.transition(ctx, "Archive", revisionID, report.RevisionArchived, report.RevisionDraft, report.RevisionPublished)
}

// Restore brings an archived revision back as published.
func (s *Service) Restore(ctx context.Context, revisionID string) (report.Revision, error) {
	return s.transition(ctx, "Restore", revisionID, report.RevisionPublished, report.RevisionArchived)
}

func (s *Service) transition(ctx context.Context, op, revisionID string, to report.RevisionStatus, from ...report.RevisionStatus) (report.Revision, error) {
	rev, err := s.store.SetRevisionStatus(ctx, revisionID, from, to, s.now())
	if err != nil {
		return report.Revision{}, mapErr(op, err)
	}
	return rev, nil
}

// Revision returns any revision by id, archived ones included.
func (s *Service) Revision(ctx context.Context, id string) (report.Revision, error) {
	rev, err := s.store.GetRevision(ctx, id)
	if err != nil {
		return report.Revision{}, mapErr("Revision", err)
	}
	return rev, nil
}

func (s *Service) Revisions(ctx context.Context, threadID string) ([]report.Revision, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return nil, mapErr("Revisions", err)
	}
	revs, err := s.store.ListRevisions(ctx, threadID)
	if err != nil {
		return nil, mapErr("Revisions", err)
	}
	return revs, nil
}

// AppendUsage adds operations to a revision's ledger and returns the new
// ledger. Concurrent appends to the same revision all land.
func (s *Service) AppendUsage(ctx context.Context, revisionID string, ops ...report.Operation) (report.Ledger, error) {
	if len(ops) == 0 {
		return report.Ledger{}, apperr.New(apperr.EmptyInput, "AppendUsage", "no operations to append")
	}
	for _, o := range ops {
		if o.Kind == "" || o.InputTokens < 0 || o.OutputTokens < 0 || o.Cost < 0 {
			return report.Ledger{}, apperr.New(apperr.InvalidArgument, "AppendUsage", fmt.Sprintf("malformed operation %+v", o))
		}
	}
	if err := ctx.Err(); err != nil {
		return report.Ledger{}, err
	}
	l, err := s.store.AppendUsage(ctx, revisionID, ops...)
	if err != nil {
		return report.Ledger{}, mapErr("AppendUsage", err)
	}
	return l, nil
}

// Lineage returns the revision and its ancestors, newest first.
func (s *Service) Lineage(ctx context.Context, revisionID string) ([]report.Revision, error) {
	var chain []report.Revision
	seen := make(map[string]bool)
	for id := revisionID; id != ""; {
		if seen[id] {
			return nil, apperr.New(apperr.Internal, "Lineage", "revision parent cycle at "+id)
		}
		seen[id] = true
		rev, err := s.store.GetRevision(ctx, id)
		if err != nil {
			return nil, mapErr("Lineage", err)
		}
		chain = append(chain, rev)
		id = rev.ParentID
	}
	return chain, nil
}

func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return apperr.Wrap(apperr.NotFound, op, err)
	case errors.Is(err, storage.ErrVersionConflict):
		return apperr.Wrap(apperr.ConcurrentModification, op, err)
	case errors.Is(err, storage.ErrThreadArchived):
		return apperr.Wrap(apperr.ThreadArchived, op, err)
	case errors.Is(err, storage.ErrInvalidTransition):
		return apperr.Wrap(apperr.InvalidTransition, op, err)
	case errors.Is(err, storage.ErrDuplicate):
		return apperr.Wrap(apperr.ConflictRetryable, op, err)
	}
	if apperr.CodeOf(err) != "" {
		return err
	}
	return apperr.Wrap(apperr.Internal, op, err)
}

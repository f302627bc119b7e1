package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/folio/internal/entities"
	"github.com/kalambet/folio/internal/extraction"
	"github.com/kalambet/folio/internal/report"
	"github.com/kalambet/folio/internal/storage"
)

const defaultResolveConcurrency = 4

// Store abstracts the job queue and source/mention persistence.
// Implemented by storage.Store.
type Store interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetRevision(ctx context.Context, id string) (report.Revision, error)
	GetMessage(ctx context.Context, id string) (report.Message, error)
	ListMentionsBySource(ctx context.Context, kind entities.SourceKind, sourceID string) ([]entities.Mention, error)
	RecordMentions(ctx context.Context, ms []entities.Mention) ([]entities.Mention, error)
}

// MentionExtractor finds entity mentions in text.
type MentionExtractor interface {
	Extract(ctx context.Context, kind entities.SourceKind, sourceID, text string) (extraction.Result, error)
}

// EntityResolver maps a mention key to a stored entity, creating it if needed.
type EntityResolver interface {
	Resolve(ctx context.Context, key entities.Key) (entities.Entity, error)
}

// UsageRecorder appends ledger operations to a revision.
type UsageRecorder interface {
	AppendUsage(ctx context.Context, revisionID string, ops ...report.Operation) (report.Ledger, error)
}

// Worker processes extract_entities jobs from the SQLite job queue.
type Worker struct {
	store     Store
	extractor MentionExtractor
	resolver  EntityResolver
	usage     UsageRecorder
	pricing   report.Pricing
	poll      time.Duration
	limit     int
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store Store, extractor MentionExtractor, resolver EntityResolver, usage UsageRecorder, pricing report.Pricing, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		extractor: extractor,
		resolver:  resolver,
		usage:     usage,
		pricing:   pricing,
		poll:      pollInterval,
		limit:     defaultResolveConcurrency,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single extract_entities job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobExtractEntities})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload ExtractPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	// A source's mentions are recorded in one transaction, so any stored
	// mention means an earlier attempt finished recording.
	existing, err := w.store.ListMentionsBySource(ctx, payload.SourceKind, payload.SourceID)
	if err != nil {
		return fmt.Errorf("checking existing mentions: %w", err)
	}
	if len(existing) > 0 {
		w.logger.Debug("source already extracted, skipping", "source", payload.SourceID)
		return nil
	}

	text, err := w.sourceText(ctx, payload)
	if err != nil {
		return err
	}

	res, err := w.extractor.Extract(ctx, payload.SourceKind, payload.SourceID, text)
	if err != nil {
		return fmt.Errorf("extracting mentions: %w", err)
	}

	resolved, err := w.resolveAll(ctx, res.Mentions)
	if err != nil {
		return err
	}

	// Extraction order keeps the store-side average fold deterministic.
	now := time.Now().UTC()
	batch := make([]entities.Mention, 0, len(res.Mentions))
	for _, m := range res.Mentions {
		key, err := entities.KeyOf(m)
		if err != nil {
			continue
		}
		m.ID = uuid.New().String()
		m.EntityID = resolved[key.String()]
		m.CreatedAt = now
		batch = append(batch, m)
	}
	if len(batch) > 0 {
		if _, err := w.store.RecordMentions(ctx, batch); err != nil {
			return fmt.Errorf("recording %d mentions: %w", len(batch), err)
		}
	}

	if payload.RevisionID != "" {
		op := w.pricing.Operation(report.OpEntityExtraction, res.InputTokens, res.OutputTokens, now)
		if _, err := w.usage.AppendUsage(ctx, payload.RevisionID, op); err != nil {
			// Mentions are already stored; a retry would skip this source.
			w.logger.Warn("recording extraction usage", "revision", payload.RevisionID, "error", err)
		}
	}

	w.logger.Info("entities extracted",
		"source", payload.SourceID,
		"mentions", len(res.Mentions),
		"entities", len(resolved),
		"dropped", res.Dropped,
	)
	return nil
}

func (w *Worker) sourceText(ctx context.Context, p ExtractPayload) (string, error) {
	switch p.SourceKind {
	case entities.SourceRevision:
		rev, err := w.store.GetRevision(ctx, p.SourceID)
		if err != nil {
			return "", fmt.Errorf("loading revision %s: %w", p.SourceID, err)
		}
		return rev.Body, nil
	case entities.SourceMessage:
		msg, err := w.store.GetMessage(ctx, p.SourceID)
		if err != nil {
			return "", fmt.Errorf("loading message %s: %w", p.SourceID, err)
		}
		return msg.Content, nil
	default:
		return "", fmt.Errorf("unknown source kind %q", p.SourceKind)
	}
}

// resolveAll resolves each distinct mention key once, concurrently, and
// returns entity ids keyed by Key.String().
func (w *Worker) resolveAll(ctx context.Context, mentions []entities.Mention) (map[string]string, error) {
	var keys []entities.Key
	seen := make(map[string]bool)
	for _, m := range mentions {
		key, err := entities.KeyOf(m)
		if err != nil {
			continue
		}
		if !seen[key.String()] {
			seen[key.String()] = true
			keys = append(keys, key)
		}
	}

	ids := make([]string, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.limit)
	for i, key := range keys {
		g.Go(func() error {
			e, err := w.resolver.Resolve(gctx, key)
			if err != nil {
				return fmt.Errorf("resolving %s: %w", key, err)
			}
			ids[i] = e.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(keys))
	for i, key := range keys {
		out[key.String()] = ids[i]
	}
	return out, nil
}

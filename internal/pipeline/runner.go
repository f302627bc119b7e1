// Package pipeline is the engine surface the request handlers call: planning,
// compression, entity aggregation, revision and usage appends, and the
// end-to-end turn that ties them together.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/folio/internal/apperr"
	"github.com/kalambet/folio/internal/composer"
	"github.com/kalambet/folio/internal/compression"
	"github.com/kalambet/folio/internal/continuity"
	"github.com/kalambet/folio/internal/engine"
	"github.com/kalambet/folio/internal/enhancement"
	"github.com/kalambet/folio/internal/entities"
	"github.com/kalambet/folio/internal/ingest"
	"github.com/kalambet/folio/internal/preferences"
	"github.com/kalambet/folio/internal/report"
	"github.com/kalambet/folio/internal/storage"
)

const historyLimit = 200

// MessageStore persists conversational turns. Implemented by storage.Store.
type MessageStore interface {
	AppendMessage(ctx context.Context, m report.Message) (report.Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status report.MessageStatus, at time.Time) error
	ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int) ([]report.Message, error)
}

// JobQueue accepts background work. Implemented by storage.Store.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// EntityReader reads recorded entities and mentions. Implemented by storage.Store.
type EntityReader interface {
	ListTopEntities(ctx context.Context, t entities.Type, limit int) ([]entities.Entity, error)
	ListMentionsBySource(ctx context.Context, kind entities.SourceKind, sourceID string) ([]entities.Mention, error)
}

// Generator produces report text. Implemented by engine.Generator.
type Generator interface {
	Generate(ctx context.Context, messages []engine.Message) (engine.Reply, error)
}

// StreamingGenerator is a Generator that can report text as it is produced.
// Implemented by engine.Generator.
type StreamingGenerator interface {
	GenerateStream(ctx context.Context, messages []engine.Message, onDelta func(string)) (engine.Reply, error)
}

// PreferenceSource yields per-owner session settings. Implemented by
// preferences.Manager.
type PreferenceSource interface {
	Get(ctx context.Context, ownerID string) (preferences.Preferences, error)
}

// Config wires the Runner's collaborators.
type Config struct {
	Continuity *continuity.Service
	Messages   MessageStore
	Jobs       JobQueue
	Entities   EntityReader
	Composer   *composer.Composer
	Generator  Generator
	Summarizer compression.Summarizer
	Prefs      PreferenceSource
	Classifier enhancement.IntentClassifier
	Pricing    report.Pricing
	// ThresholdTokens is the compression budget when an owner has no override.
	ThresholdTokens int
}

// Runner orchestrates report turns over the continuity store.
type Runner struct {
	cont       *continuity.Service
	messages   MessageStore
	jobs       JobQueue
	entities   EntityReader
	composer   *composer.Composer
	generator  Generator
	summarizer compression.Summarizer
	prefs      PreferenceSource
	classifier enhancement.IntentClassifier
	pricing    report.Pricing
	threshold  int
	now        func() time.Time
	logger     *slog.Logger
}

func NewRunner(cfg Config) *Runner {
	comp := cfg.Composer
	if comp == nil {
		comp = composer.New(0)
	}
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = enhancement.DefaultClassifier()
	}
	threshold := cfg.ThresholdTokens
	if threshold <= 0 {
		threshold = compression.DefaultThresholdTokens
	}
	return &Runner{
		cont:       cfg.Continuity,
		messages:   cfg.Messages,
		jobs:       cfg.Jobs,
		entities:   cfg.Entities,
		composer:   comp,
		generator:  cfg.Generator,
		summarizer: cfg.Summarizer,
		prefs:      cfg.Prefs,
		classifier: classifier,
		pricing:    cfg.Pricing,
		threshold:  threshold,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// Continuity exposes the underlying continuity store for read paths.
func (r *Runner) Continuity() *continuity.Service { return r.cont }

// PlanEnhancement decides between a fresh and an incremental report.
func (r *Runner) PlanEnhancement(thread report.Thread, prior *report.Revision, instruction string) (enhancement.Plan, error) {
	return enhancement.Decide(thread, prior, instruction)
}

// SessionConfig returns the owner's per-session policy. Without a
// preference source the defaults apply.
func (r *Runner) SessionConfig(ctx context.Context, ownerID string) enhancement.SessionConfig {
	cfg := enhancement.SessionConfig{ThresholdTokens: r.threshold, Classifier: r.classifier}
	if r.prefs == nil || ownerID == "" {
		return cfg
	}
	p, err := r.prefs.Get(ctx, ownerID)
	if err != nil {
		r.logger.Warn("loading preferences, using defaults", "owner", ownerID, "error", err)
		return cfg
	}
	cfg.AutoMode = p.AutoMode
	if p.ThresholdTokens > 0 {
		cfg.ThresholdTokens = p.ThresholdTokens
	}
	return cfg
}

// MaybeCompress returns text unchanged when it fits the owner's budget and
// summarized otherwise.
func (r *Runner) MaybeCompress(ctx context.Context, ownerID, text string) (compression.Outcome, error) {
	cfg := r.SessionConfig(ctx, ownerID)
	return compression.NewPolicy(cfg.ThresholdTokens).MaybeCompress(ctx, text, r.summarizer)
}

// Compress summarizes text regardless of its size.
func (r *Runner) Compress(ctx context.Context, text string) (compression.Result, error) {
	return compression.NewPolicy(r.threshold).Compress(ctx, text, r.summarizer)
}

// AggregateEntities merges mentions and ranks the result for presentation.
// Malformed mentions are logged and dropped.
func (r *Runner) AggregateEntities(mentions []entities.Mention) []entities.Aggregated {
	aggs, rejected := entities.Merge(mentions)
	for _, rj := range rejected {
		r.logger.Warn("dropping invalid mention", "index", rj.Index, "error", rj.Err)
	}
	entities.Rank(aggs)
	return aggs
}

// AggregateForSource aggregates the recorded mentions of one source text.
func (r *Runner) AggregateForSource(ctx context.Context, kind entities.SourceKind, sourceID string) ([]entities.Aggregated, error) {
	mentions, err := r.entities.ListMentionsBySource(ctx, kind, sourceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "AggregateForSource", err)
	}
	if len(mentions) == 0 {
		return nil, apperr.New(apperr.EmptyInput, "AggregateForSource", "no mentions recorded for "+sourceID)
	}
	return r.AggregateEntities(mentions), nil
}

// TopEntities lists stored entities in presentation order. An empty type
// lists every type.
func (r *Runner) TopEntities(ctx context.Context, t entities.Type, limit int) ([]entities.Entity, error) {
	if t != "" && !t.Valid() {
		return nil, apperr.New(apperr.InvalidArgument, "TopEntities", fmt.Sprintf("unknown entity type %q", t))
	}
	list, err := r.entities.ListTopEntities(ctx, t, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "TopEntities", err)
	}
	entities.RankEntities(list)
	return list, nil
}

// AppendRevision appends a revision with optimistic version checking.
func (r *Runner) AppendRevision(ctx context.Context, req continuity.AppendRequest) (report.Revision, error) {
	return r.cont.AppendRevision(ctx, req)
}

// AppendUsage prices and records one operation against a revision.
func (r *Runner) AppendUsage(ctx context.Context, revisionID, kind string, inputTokens, outputTokens int) (report.Ledger, error) {
	return r.cont.AppendUsage(ctx, revisionID, r.pricing.Operation(kind, inputTokens, outputTokens, r.now()))
}

// TurnResult describes a completed turn.
type TurnResult struct {
	Mode             enhancement.Mode    `json:"mode"`
	UserMessage      report.Message      `json:"user_message"`
	AssistantMessage report.Message      `json:"assistant_message"`
	Revision         report.Revision     `json:"revision"`
	Compression      *compression.Result `json:"compression,omitempty"`
	// FollowUp is the auto-approved turn, if one ran.
	FollowUp *TurnResult `json:"follow_up,omitempty"`
}

// RunTurn handles one user instruction end to end: the message is recorded,
// the prior report is compressed if needed and extended (or a fresh one is
// written), and the result is appended as a new revision. When the session
// runs in auto mode and the reply asks for confirmation, one follow-up turn
// answers it.
func (r *Runner) RunTurn(ctx context.Context, threadID, instruction string) (TurnResult, error) {
	return r.RunTurnStream(ctx, threadID, instruction, nil)
}

// RunTurnStream is RunTurn with the reply text passed to onDelta as it is
// generated, the auto-approved follow-up included. While text streams the
// user message is marked streaming. A nil onDelta behaves like RunTurn.
func (r *Runner) RunTurnStream(ctx context.Context, threadID, instruction string, onDelta func(string)) (TurnResult, error) {
	res, owner, err := r.runTurn(ctx, threadID, instruction, onDelta)
	if err != nil {
		return TurnResult{}, err
	}

	if enhancement.ShouldAutoApprove(r.SessionConfig(ctx, owner), res.AssistantMessage.Content) {
		r.logger.Info("auto-approving confirmation request", "thread", threadID)
		follow, _, err := r.runTurn(ctx, threadID, enhancement.ApprovalInstruction, onDelta)
		if err != nil {
			r.logger.Warn("auto-approved follow-up failed", "thread", threadID, "error", err)
			return res, nil
		}
		res.FollowUp = &follow
	}
	return res, nil
}

// runTurn runs a single turn and returns the thread owner alongside the result.
func (r *Runner) runTurn(ctx context.Context, threadID, instruction string, onDelta func(string)) (TurnResult, string, error) {
	if strings.TrimSpace(instruction) == "" {
		return TurnResult{}, "", apperr.New(apperr.EmptyInput, "RunTurn", "instruction is empty")
	}
	if r.generator == nil {
		return TurnResult{}, "", apperr.New(apperr.GeneratorError, "RunTurn", "no generator configured")
	}

	thread, err := r.cont.Thread(ctx, threadID)
	if err != nil {
		return TurnResult{}, "", err
	}
	if thread.Status == report.ThreadArchived {
		return TurnResult{}, "", apperr.New(apperr.ThreadArchived, "RunTurn", "thread "+threadID+" is archived")
	}

	history, err := r.messages.ListMessages(ctx, threadID, 0, historyLimit)
	if err != nil {
		return TurnResult{}, "", apperr.Wrap(apperr.Internal, "RunTurn", err)
	}

	now := r.now().UTC()
	user, err := r.messages.AppendMessage(ctx, report.Message{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		Role:      report.RoleUser,
		Content:   instruction,
		Status:    report.MessageSent,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return TurnResult{}, "", messageErr(err)
	}

	if onDelta != nil {
		onDelta = r.markStreaming(ctx, user.ID, onDelta)
	}
	res, err := r.generate(ctx, thread, history, instruction, onDelta)
	if err != nil {
		// The request context may already be done; the error mark must still land.
		if uerr := r.messages.UpdateMessageStatus(context.WithoutCancel(ctx), user.ID, report.MessageError, r.now()); uerr != nil {
			r.logger.Error("marking user message failed", "message_id", user.ID, "error", uerr)
		}
		return TurnResult{}, "", err
	}

	user.Status = report.MessageComplete
	if err := r.messages.UpdateMessageStatus(ctx, user.ID, report.MessageComplete, r.now()); err != nil {
		r.logger.Warn("updating user message status", "message_id", user.ID, "error", err)
	}
	res.UserMessage = user

	now = r.now().UTC()
	assistant := report.Message{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		Role:      report.RoleAssistant,
		Content:   res.Revision.Body,
		ReportID:  res.Revision.ID,
		Status:    report.MessageComplete,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := assistant.Validate(true); err != nil {
		return TurnResult{}, "", err
	}
	if assistant, err = r.messages.AppendMessage(ctx, assistant); err != nil {
		return TurnResult{}, "", messageErr(err)
	}
	res.AssistantMessage = assistant

	r.enqueueExtraction(ctx, res.Revision.ID)
	return res, thread.OwnerID, nil
}

// generate plans, compresses, generates and appends the revision. Nothing
// is written when ctx ends before the revision append.
func (r *Runner) generate(ctx context.Context, thread report.Thread, history []report.Message, instruction string, onDelta func(string)) (TurnResult, error) {
	prior, err := r.cont.Current(ctx, thread.ID)
	if err != nil {
		return TurnResult{}, err
	}
	plan, err := r.PlanEnhancement(thread, prior, instruction)
	if err != nil {
		return TurnResult{}, err
	}

	var (
		ops        []report.Operation
		compressed *compression.Result
	)
	if plan.HasContext() {
		out, err := r.MaybeCompress(ctx, thread.OwnerID, *plan.Context)
		if err != nil {
			r.logger.Warn("compressing report context", "thread", thread.ID, "error", err)
			return TurnResult{}, err
		}
		if out.WasCompressed {
			plan.Context = &out.Text
			compressed = out.Metrics
			ops = append(ops, r.pricing.Operation(report.OpCompression, out.Metrics.OriginalTokens, out.Metrics.NewTokenCount, r.now()))
		}
	}

	msgs := r.composer.Compose(plan, history)
	reply, err := r.complete(ctx, msgs, onDelta)
	if err != nil {
		return TurnResult{}, err
	}
	in, out := reply.InputTokens, reply.OutputTokens
	if in == 0 && out == 0 {
		for _, m := range msgs {
			in += compression.EstimateTokens(m.Content)
		}
		out = compression.EstimateTokens(reply.Content)
	}
	ops = append(ops, r.pricing.Operation(report.OpGeneration, in, out, r.now()))

	if err := ctx.Err(); err != nil {
		return TurnResult{}, err
	}

	parentVersion := 0
	if plan.ParentRevision != nil {
		parentVersion = plan.ParentRevision.Version
	}
	rev, err := r.cont.AppendRevision(ctx, continuity.AppendRequest{
		ThreadID:        thread.ID,
		ExpectedVersion: thread.HeadVersion,
		Title:           titleOf(reply.Content, thread.Title),
		Body:            reply.Content,
		ParentVersion:   parentVersion,
		Usage:           ops,
	})
	if err != nil {
		return TurnResult{}, err
	}
	r.logger.Debug("revision appended", "thread", thread.ID, "version", rev.Version, "mode", plan.Mode)
	return TurnResult{Mode: plan.Mode, Revision: rev, Compression: compressed}, nil
}

func (r *Runner) complete(ctx context.Context, msgs []engine.Message, onDelta func(string)) (engine.Reply, error) {
	if onDelta == nil {
		return r.generator.Generate(ctx, msgs)
	}
	if sg, ok := r.generator.(StreamingGenerator); ok {
		return sg.GenerateStream(ctx, msgs, onDelta)
	}
	reply, err := r.generator.Generate(ctx, msgs)
	if err == nil {
		onDelta(reply.Content)
	}
	return reply, err
}

// markStreaming wraps onDelta so the first fragment moves the user message
// to streaming.
func (r *Runner) markStreaming(ctx context.Context, messageID string, onDelta func(string)) func(string) {
	var marked bool
	return func(d string) {
		if !marked {
			marked = true
			if err := r.messages.UpdateMessageStatus(ctx, messageID, report.MessageStreaming, r.now()); err != nil {
				r.logger.Warn("marking user message streaming", "message_id", messageID, "error", err)
			}
		}
		onDelta(d)
	}
}

func (r *Runner) enqueueExtraction(ctx context.Context, revisionID string) {
	if r.jobs == nil {
		return
	}
	job, err := ingest.NewExtractJob(revisionID)
	if err == nil {
		err = r.jobs.EnqueueJob(ctx, job)
	}
	if err != nil {
		r.logger.Warn("enqueueing entity extraction", "revision", revisionID, "error", err)
	}
}

// titleOf returns the first Markdown heading of body, or fallback.
func titleOf(body, fallback string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			if t := strings.TrimSpace(strings.TrimLeft(line, "#")); t != "" {
				return t
			}
		}
	}
	return fallback
}

func messageErr(err error) error {
	switch {
	case apperr.CodeOf(err) != "":
		return err
	case errors.Is(err, storage.ErrThreadArchived):
		return apperr.Wrap(apperr.ThreadArchived, "RunTurn", err)
	case errors.Is(err, storage.ErrNotFound):
		return apperr.Wrap(apperr.NotFound, "RunTurn", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return apperr.Wrap(apperr.Internal, "RunTurn", err)
}

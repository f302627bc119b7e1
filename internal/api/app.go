package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/folio/internal/apperr"
	"github.com/kalambet/folio/internal/entities"
	"github.com/kalambet/folio/internal/pipeline"
	"github.com/kalambet/folio/internal/preferences"
	"github.com/kalambet/folio/internal/report"
	"github.com/kalambet/folio/internal/storage"
)

// DefaultOwner is the principal requests act as when none is configured.
const DefaultOwner = "local"

type AppDeps struct {
	Runner *pipeline.Runner
	Store  *storage.Store
	Prefs  *preferences.Manager
	Token  string
	// OwnerID is the principal every authenticated request acts as.
	OwnerID string
}

func (d AppDeps) owner() string {
	if d.OwnerID == "" {
		return DefaultOwner
	}
	return d.OwnerID
}

type CreateThreadRequest struct {
	Title    string            `json:"title"`
	Metadata map[string]string `json:"metadata"`
}

type TurnRequest struct {
	Instruction string `json:"instruction"`
}

type ShareRequest struct {
	Permission report.Permission `json:"permission"`
}

type CompressRequest struct {
	Text string `json:"text"`
	// Force summarizes even when the text fits the budget.
	Force bool `json:"force"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/threads", handleCreateThread(deps))
		r.Get("/threads", handleListThreads(deps))
		r.Route("/threads/{id}", func(r chi.Router) {
			r.Get("/", handleGetThread(deps))
			r.Post("/archive", handleArchiveThread(deps))
			r.Put("/shares/{principal}", handleShareThread(deps))
			r.Get("/messages", handleListMessages(deps))
			r.Post("/turns", handleTurn(deps))
			r.Get("/report", handleCurrentReport(deps))
			r.Get("/revisions", handleListRevisions(deps))
		})
		r.Route("/revisions/{id}", func(r chi.Router) {
			r.Get("/", handleGetRevision(deps))
			r.Post("/publish", handleTransition(deps, transitionPublish))
			r.Post("/archive", handleTransition(deps, transitionArchive))
			r.Post("/restore", handleTransition(deps, transitionRestore))
			r.Get("/lineage", handleLineage(deps))
			r.Get("/usage", handleUsage(deps))
			r.Get("/entities", handleRevisionEntities(deps))
		})
		r.Post("/compress", handleCompress(deps))
		r.Get("/entities", handleTopEntities(deps))
		r.Get("/preferences", handleGetPreferences(deps))
		r.Patch("/preferences", handlePatchPreferences(deps))
		r.Get("/export", handleExport(deps))
	})
	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if deps.Store != nil {
			if err := deps.Store.Ping(r.Context()); err != nil {
				status = "degraded"
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

// threadFor loads a thread the caller may see. Threads owned by someone
// else that were not shared with the caller are reported as missing.
func threadFor(ctx context.Context, deps AppDeps, id string, write bool) (report.Thread, error) {
	t, err := deps.Runner.Continuity().Thread(ctx, id)
	if err != nil {
		return report.Thread{}, err
	}
	if t.OwnerID == deps.owner() {
		return t, nil
	}
	perm, ok := t.Sharing[deps.owner()]
	if !ok || (write && perm != report.PermissionEdit) {
		return report.Thread{}, apperr.New(apperr.NotFound, "thread", "thread "+id+" is not visible")
	}
	return t, nil
}

// revisionFor loads a revision whose thread the caller may see.
func revisionFor(ctx context.Context, deps AppDeps, id string, write bool) (report.Revision, error) {
	rev, err := deps.Runner.Continuity().Revision(ctx, id)
	if err != nil {
		return report.Revision{}, err
	}
	if _, err := threadFor(ctx, deps, rev.ThreadID, write); err != nil {
		return report.Revision{}, err
	}
	return rev, nil
}

func handleCreateThread(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateThreadRequest
		if !decodeBody(w, r, &req) {
			return
		}
		t, err := deps.Runner.Continuity().CreateThread(r.Context(), deps.owner(), req.Title, req.Metadata)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, threadView(t))
	}
}

func handleListThreads(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := report.ThreadStatus(r.URL.Query().Get("status"))
		switch status {
		case "", report.ThreadActive, report.ThreadArchived:
		default:
			httpError(w, http.StatusBadRequest, string(apperr.InvalidArgument), "unknown thread status %q", status)
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		threads, err := deps.Store.ListThreads(r.Context(), deps.owner(), status, limit, offset)
		if err != nil {
			writeErr(w, r, apperr.Wrap(apperr.Internal, "ListThreads", err))
			return
		}
		out := make([]ThreadView, len(threads))
		for i, t := range threads {
			out[i] = threadView(t)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetThread(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := threadFor(r.Context(), deps, chi.URLParam(r, "id"), false)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, threadView(t))
	}
}

func handleArchiveThread(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := threadFor(r.Context(), deps, id, true); err != nil {
			writeErr(w, r, err)
			return
		}
		if err := deps.Runner.Continuity().ArchiveThread(r.Context(), id); err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
	}
}

func handleShareThread(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		principal := strings.TrimSpace(chi.URLParam(r, "principal"))
		var req ShareRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Permission != report.PermissionView && req.Permission != report.PermissionEdit {
			httpError(w, http.StatusBadRequest, string(apperr.InvalidArgument), "permission must be %q or %q", report.PermissionView, report.PermissionEdit)
			return
		}
		t, err := threadFor(r.Context(), deps, id, true)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if t.OwnerID != deps.owner() {
			writeErr(w, r, apperr.New(apperr.InvalidTransition, "ShareThread", "only the owner can share a thread"))
			return
		}
		if principal == "" || principal == t.OwnerID {
			httpError(w, http.StatusBadRequest, string(apperr.InvalidArgument), "principal must name someone other than the owner")
			return
		}
		if err := deps.Store.ShareThread(r.Context(), id, principal, req.Permission); err != nil {
			writeErr(w, r, apperr.Wrap(apperr.Internal, "ShareThread", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "shared"})
	}
}

func handleListMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := threadFor(r.Context(), deps, id, false); err != nil {
			writeErr(w, r, err)
			return
		}
		after := int64(parseIntParam(r, "after", 0, 0))
		limit := parseIntParam(r, "limit", 50, 200)

		msgs, err := deps.Store.ListMessages(r.Context(), id, after, limit)
		if err != nil {
			writeErr(w, r, apperr.Wrap(apperr.Internal, "ListMessages", err))
			return
		}
		out := make([]MessageView, len(msgs))
		for i, m := range msgs {
			out[i] = messageView(m)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleTurn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req TurnRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if _, err := threadFor(r.Context(), deps, id, true); err != nil {
			writeErr(w, r, err)
			return
		}
		if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
			streamTurn(w, r, deps, id, req.Instruction)
			return
		}
		res, err := deps.Runner.RunTurn(r.Context(), id, req.Instruction)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, turnView(res))
	}
}

// streamTurn runs a turn as server-sent events: a "delta" event per text
// fragment, then a "turn" event with the result or an "error" event. Errors
// raised before the first fragment get a plain JSON error response.
func streamTurn(w http.ResponseWriter, r *http.Request, deps AppDeps, threadID, instruction string) {
	sse := &eventWriter{w: w}
	res, err := deps.Runner.RunTurnStream(r.Context(), threadID, instruction, func(text string) {
		sse.send("delta", DeltaEvent{Text: text})
	})
	if err != nil {
		if !sse.started {
			writeErr(w, r, err)
			return
		}
		_, errType, msg := publicError(r, err)
		sse.send("error", map[string]any{"error": map[string]string{"message": msg, "type": errType}})
		return
	}
	sse.send("turn", turnView(res))
}

// DeltaEvent carries one fragment of streamed report text.
type DeltaEvent struct {
	Text string `json:"text"`
}

type eventWriter struct {
	w       http.ResponseWriter
	started bool
}

func (e *eventWriter) send(event string, v any) {
	if !e.started {
		e.started = true
		h := e.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		e.w.WriteHeader(http.StatusOK)
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding event", "event", event, "error", err)
		return
	}
	fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data)
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
}

func handleCurrentReport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := threadFor(r.Context(), deps, id, false); err != nil {
			writeErr(w, r, err)
			return
		}
		view, err := currentReport(r.Context(), deps, id)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func currentReport(ctx context.Context, deps AppDeps, threadID string) (ReportView, error) {
	cont := deps.Runner.Continuity()
	state, err := cont.State(ctx, threadID)
	if err != nil {
		return ReportView{}, err
	}
	cur, err := cont.Current(ctx, threadID)
	if err != nil {
		return ReportView{}, err
	}
	view := ReportView{ThreadID: threadID, State: state}
	if cur != nil {
		rv := revisionView(*cur)
		view.Current = &rv
	}
	return view, nil
}

func handleListRevisions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := threadFor(r.Context(), deps, id, false); err != nil {
			writeErr(w, r, err)
			return
		}
		revs, err := deps.Runner.Continuity().Revisions(r.Context(), id)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, revisionViews(revs))
	}
}

func handleGetRevision(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rev, err := revisionFor(r.Context(), deps, chi.URLParam(r, "id"), false)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, revisionView(rev))
	}
}

type transitionKind int

const (
	transitionPublish transitionKind = iota
	transitionArchive
	transitionRestore
)

func handleTransition(deps AppDeps, kind transitionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := revisionFor(r.Context(), deps, id, true); err != nil {
			writeErr(w, r, err)
			return
		}
		cont := deps.Runner.Continuity()
		var (
			rev report.Revision
			err error
		)
		switch kind {
		case transitionPublish:
			rev, err = cont.Publish(r.Context(), id)
		case transitionArchive:
			rev, err = cont.Archive(r.Context(), id)
		case transitionRestore:
			rev, err = cont.Restore(r.Context(), id)
		}
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, revisionView(rev))
	}
}

func handleLineage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := revisionFor(r.Context(), deps, id, false); err != nil {
			writeErr(w, r, err)
			return
		}
		chain, err := deps.Runner.Continuity().Lineage(r.Context(), id)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, revisionViews(chain))
	}
}

func handleUsage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rev, err := revisionFor(r.Context(), deps, chi.URLParam(r, "id"), false)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		ledger := rev.Usage
		if ledger.Operations == nil {
			ledger.Operations = []report.Operation{}
		}
		writeJSON(w, http.StatusOK, ledger)
	}
}

func handleRevisionEntities(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := revisionFor(r.Context(), deps, id, false); err != nil {
			writeErr(w, r, err)
			return
		}
		aggs, err := deps.Runner.AggregateForSource(r.Context(), entities.SourceRevision, id)
		if apperr.IsCode(err, apperr.EmptyInput) {
			// Extraction has not run yet, or found nothing.
			writeJSON(w, http.StatusOK, []EntityView{})
			return
		}
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, aggregateViews(aggs))
	}
}

func handleCompress(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CompressRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Force {
			res, err := deps.Runner.Compress(r.Context(), req.Text)
			if err != nil {
				writeErr(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"text": res.Text, "was_compressed": true, "metrics": res})
			return
		}
		if req.Text == "" {
			writeErr(w, r, apperr.New(apperr.EmptyInput, "Compress", "nothing to compress"))
			return
		}
		out, err := deps.Runner.MaybeCompress(r.Context(), deps.owner(), req.Text)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleTopEntities(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := entities.Type(strings.ToLower(r.URL.Query().Get("type")))
		limit := parseIntParam(r, "limit", 20, 100)
		list, err := deps.Runner.TopEntities(r.Context(), t, limit)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entityViews(list))
	}
}

func handleGetPreferences(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Prefs.Get(r.Context(), deps.owner())
		if err != nil {
			writeErr(w, r, apperr.Wrap(apperr.Internal, "GetPreferences", err))
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handlePatchPreferences(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]any
		if !decodeBody(w, r, &patch) {
			return
		}
		if len(patch) == 0 {
			writeErr(w, r, apperr.New(apperr.EmptyInput, "PatchPreferences", "no settings given"))
			return
		}
		for key, value := range patch {
			if err := deps.Prefs.Set(r.Context(), deps.owner(), key, fmt.Sprint(value)); err != nil {
				if apperr.CodeOf(err) == "" {
					err = apperr.Wrap(apperr.Internal, "PatchPreferences", err)
				}
				writeErr(w, r, err)
				return
			}
		}
		p, err := deps.Prefs.Get(r.Context(), deps.owner())
		if err != nil {
			writeErr(w, r, apperr.Wrap(apperr.Internal, "PatchPreferences", err))
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// ExportThread is one thread with its full history, as written by /export.
type ExportThread struct {
	Thread    ThreadView     `json:"thread"`
	Messages  []MessageView  `json:"messages"`
	Revisions []RevisionView `json:"revisions"`
}

const exportPageSize = 100

func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		out := []ExportThread{}
		for offset := 0; ; offset += exportPageSize {
			threads, err := deps.Store.ListThreads(ctx, deps.owner(), "", exportPageSize, offset)
			if err != nil {
				writeErr(w, r, apperr.Wrap(apperr.Internal, "Export", err))
				return
			}
			for _, t := range threads {
				item, err := exportThread(ctx, deps, t)
				if err != nil {
					writeErr(w, r, err)
					return
				}
				out = append(out, item)
			}
			if len(threads) < exportPageSize {
				break
			}
		}
		w.Header().Set("Content-Disposition", `attachment; filename="folio-export.json"`)
		writeJSON(w, http.StatusOK, out)
	}
}

func exportThread(ctx context.Context, deps AppDeps, t report.Thread) (ExportThread, error) {
	item := ExportThread{Thread: threadView(t), Messages: []MessageView{}}
	var after int64
	for {
		msgs, err := deps.Store.ListMessages(ctx, t.ID, after, exportPageSize)
		if err != nil {
			return ExportThread{}, apperr.Wrap(apperr.Internal, "Export", err)
		}
		for _, m := range msgs {
			item.Messages = append(item.Messages, messageView(m))
			after = m.Seq
		}
		if len(msgs) < exportPageSize {
			break
		}
	}
	revs, err := deps.Runner.Continuity().Revisions(ctx, t.ID)
	if err != nil {
		return ExportThread{}, err
	}
	item.Revisions = revisionViews(revs)
	return item, nil
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

package api

import (
	"time"

	"github.com/kalambet/folio/internal/compression"
	"github.com/kalambet/folio/internal/continuity"
	"github.com/kalambet/folio/internal/entities"
	"github.com/kalambet/folio/internal/pipeline"
	"github.com/kalambet/folio/internal/report"
)

type ThreadView struct {
	ID              string                       `json:"id"`
	OwnerID         string                       `json:"owner_id"`
	Title           string                       `json:"title"`
	Status          report.ThreadStatus          `json:"status"`
	ReportVersions  []string                     `json:"report_versions"`
	CurrentReportID string                       `json:"current_report_id,omitempty"`
	HeadVersion     int                          `json:"head_version"`
	Sharing         map[string]report.Permission `json:"sharing,omitempty"`
	Metadata        map[string]string            `json:"metadata,omitempty"`
	CreatedAt       time.Time                    `json:"created_at"`
	UpdatedAt       time.Time                    `json:"updated_at"`
}

func threadView(t report.Thread) ThreadView {
	versions := t.ReportVersions
	if versions == nil {
		versions = []string{}
	}
	return ThreadView{
		ID:              t.ID,
		OwnerID:         t.OwnerID,
		Title:           t.Title,
		Status:          t.Status,
		ReportVersions:  versions,
		CurrentReportID: t.CurrentReportID,
		HeadVersion:     t.HeadVersion,
		Sharing:         t.Sharing,
		Metadata:        t.Metadata,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

type MessageView struct {
	ID        string               `json:"id"`
	ThreadID  string               `json:"thread_id"`
	Seq       int64                `json:"seq"`
	Role      report.Role          `json:"role"`
	Content   string               `json:"content"`
	ReportID  string               `json:"report_id,omitempty"`
	Status    report.MessageStatus `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
}

func messageView(m report.Message) MessageView {
	return MessageView{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Seq:       m.Seq,
		Role:      m.Role,
		Content:   m.Content,
		ReportID:  m.ReportID,
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
	}
}

type RevisionView struct {
	ID            string                `json:"id"`
	ThreadID      string                `json:"thread_id"`
	Title         string                `json:"title"`
	Body          string                `json:"body"`
	Version       int                   `json:"version"`
	Status        report.RevisionStatus `json:"status"`
	Usage         report.Ledger         `json:"usage"`
	ParentID      string                `json:"parent_id,omitempty"`
	ParentVersion int                   `json:"parent_version"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

func revisionView(r report.Revision) RevisionView {
	return RevisionView{
		ID:            r.ID,
		ThreadID:      r.ThreadID,
		Title:         r.Title,
		Body:          r.Body,
		Version:       r.Version,
		Status:        r.Status,
		Usage:         r.Usage,
		ParentID:      r.ParentID,
		ParentVersion: r.ParentVersion,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func revisionViews(revs []report.Revision) []RevisionView {
	out := make([]RevisionView, len(revs))
	for i, r := range revs {
		out[i] = revisionView(r)
	}
	return out
}

// ReportView is a thread's report state with its current revision, if any.
type ReportView struct {
	ThreadID string           `json:"thread_id"`
	State    continuity.State `json:"state"`
	Current  *RevisionView    `json:"current,omitempty"`
}

type TurnView struct {
	Mode             string              `json:"mode"`
	UserMessage      MessageView         `json:"user_message"`
	AssistantMessage MessageView         `json:"assistant_message"`
	Revision         RevisionView        `json:"revision"`
	Compression      *compression.Result `json:"compression,omitempty"`
	FollowUp         *TurnView           `json:"follow_up,omitempty"`
}

func turnView(t pipeline.TurnResult) TurnView {
	v := TurnView{
		Mode:             string(t.Mode),
		UserMessage:      messageView(t.UserMessage),
		AssistantMessage: messageView(t.AssistantMessage),
		Revision:         revisionView(t.Revision),
		Compression:      t.Compression,
	}
	if t.FollowUp != nil {
		f := turnView(*t.FollowUp)
		v.FollowUp = &f
	}
	return v
}

type EntityView struct {
	ID           string        `json:"id,omitempty"`
	Name         string        `json:"name"`
	Slug         string        `json:"slug,omitempty"`
	Type         entities.Type `json:"type"`
	Ticker       string        `json:"ticker,omitempty"`
	MentionCount int           `json:"mention_count"`
	AvgSentiment float64       `json:"avg_sentiment"`
	AvgRelevance float64       `json:"avg_relevance"`
}

func entityViews(list []entities.Entity) []EntityView {
	out := make([]EntityView, len(list))
	for i, e := range list {
		out[i] = EntityView{
			ID:           e.ID,
			Name:         e.Name,
			Slug:         e.Slug,
			Type:         e.Type,
			Ticker:       e.Ticker,
			MentionCount: e.MentionCount,
			AvgSentiment: e.AvgSentiment,
			AvgRelevance: e.AvgRelevance,
		}
	}
	return out
}

func aggregateViews(aggs []entities.Aggregated) []EntityView {
	out := make([]EntityView, len(aggs))
	for i, a := range aggs {
		out[i] = EntityView{
			ID:           a.Key.EntityID,
			Name:         a.Name,
			Type:         a.Type,
			Ticker:       a.Ticker,
			MentionCount: a.MentionCount,
			AvgSentiment: a.AvgSentiment,
			AvgRelevance: a.AvgRelevance,
		}
	}
	return out
}

// Package report holds the thread, message and report-revision model that
// the continuity engine reads and writes.
package report

import (
	"fmt"
	"slices"
	"time"

	"github.com/kalambet/folio/internal/apperr"
)

type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
)

// Permission is a sharing level granted to a principal on a thread.
type Permission string

const (
	PermissionView Permission = "view"
	PermissionEdit Permission = "edit"
)

// Thread is an ordered conversation container.
type Thread struct {
	ID              string
	OwnerID         string
	Title           string
	Status          ThreadStatus
	ReportVersions  []string // revision IDs, oldest first
	CurrentReportID string
	HeadVersion     int // highest revision version ever created; 0 = none
	Sharing         map[string]Permission
	Metadata        map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasReport reports whether any revision was ever produced in the thread.
func (t Thread) HasReport() bool {
	return len(t.ReportVersions) > 0
}

// Validate checks the thread's structural invariants.
func (t Thread) Validate() error {
	if t.ID == "" {
		return apperr.New(apperr.InvalidArgument, "Thread.Validate", "thread has no identifier")
	}
	switch t.Status {
	case ThreadActive, ThreadArchived:
	default:
		return apperr.New(apperr.InvalidArgument, "Thread.Validate", fmt.Sprintf("unknown thread status %q", t.Status))
	}
	if t.CurrentReportID != "" && !slices.Contains(t.ReportVersions, t.CurrentReportID) {
		return apperr.New(apperr.InvalidArgument, "Thread.Validate",
			fmt.Sprintf("current report %s is not one of the thread's revisions", t.CurrentReportID))
	}
	return nil
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
	MessageError     MessageStatus = "error"
)

// Message is one conversational turn.
type Message struct {
	ID        string
	ThreadID  string
	Seq       int64
	Role      Role
	Content   string
	ReportID  string // set when the message produced a revision
	Status    MessageStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks role/status values and the report-reference rule for
// assistant messages. producedReport tells whether the turn created a revision.
func (m Message) Validate(producedReport bool) error {
	if m.ThreadID == "" {
		return apperr.New(apperr.InvalidArgument, "Message.Validate", "message has no thread")
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return apperr.New(apperr.InvalidArgument, "Message.Validate", fmt.Sprintf("unknown role %q", m.Role))
	}
	switch m.Status {
	case MessageSending, MessageSent, MessageDelivered, MessageStreaming, MessageComplete, MessageError:
	default:
		return apperr.New(apperr.InvalidArgument, "Message.Validate", fmt.Sprintf("unknown status %q", m.Status))
	}
	if m.Role == RoleAssistant && producedReport && m.ReportID == "" {
		return apperr.New(apperr.InvalidArgument, "Message.Validate", "assistant message that produced a report has no report reference")
	}
	return nil
}

type RevisionStatus string

const (
	RevisionDraft     RevisionStatus = "draft"
	RevisionPublished RevisionStatus = "published"
	RevisionArchived  RevisionStatus = "archived"
)

// Revision is one generated document state. Revisions are immutable apart
// from Status and the append-only Usage ledger.
type Revision struct {
	ID            string
	ThreadID      string
	Title         string
	Body          string
	Version       int
	Status        RevisionStatus
	Usage         Ledger
	ParentID      string
	ParentVersion int // 0 when the revision was built from scratch
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasParent reports whether the revision was built upon another one.
func (r Revision) HasParent() bool {
	return r.ParentID != ""
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/folio/internal/apperr"
	"github.com/kalambet/folio/internal/entities"
	"github.com/kalambet/folio/internal/pipeline"
	"github.com/kalambet/folio/internal/report"
	"github.com/kalambet/folio/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Runner  *pipeline.Runner
	Store   *storage.Store
	OwnerID string
}

func (d MCPDeps) owner() string {
	if d.OwnerID == "" {
		return DefaultOwner
	}
	return d.OwnerID
}

// NewMCPServer creates an MCP server with the folio report tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"folio",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("folio keeps an evolving report per thread. Ask to create or extend a report, read the current one, or list the entities it mentions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Send an instruction to a report thread. Extends the thread's current report, or writes a fresh one when the thread has none."),
			mcp.WithString("instruction", mcp.Description("What to add or change in the report"), mcp.Required()),
			mcp.WithString("thread_id", mcp.Description("Thread to continue; a new thread is created when omitted")),
			mcp.WithString("title", mcp.Description("Title for a newly created thread")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("compress_text",
			mcp.WithDescription("Shorten text so it fits the context budget, keeping findings, figures and structure."),
			mcp.WithString("text", mcp.Description("The text to compress"), mcp.Required()),
			mcp.WithBoolean("force", mcp.Description("Compress even when the text already fits the budget")),
		),
		mcpCompressText(deps),
	)

	s.AddTool(
		mcp.NewTool("current_report",
			mcp.WithDescription("Return the current report of a thread with its state."),
			mcp.WithString("thread_id", mcp.Description("Thread ID"), mcp.Required()),
		),
		mcpCurrentReport(deps),
	)

	s.AddTool(
		mcp.NewTool("top_entities",
			mcp.WithDescription("List the most relevant entities mentioned across all reports."),
			mcp.WithString("type", mcp.Description("Restrict to one type: company, asset, person, sector or other")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpTopEntities(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"threads://recent",
			"Recent Threads",
			mcp.WithResourceDescription("Last 10 active threads with their report state"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

// mcpFailure turns an engine error into a tool error without leaking
// upstream detail.
func mcpFailure(tool string, err error) *mcp.CallToolResult {
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.Internal
	}
	slog.Warn("mcp tool failed", "tool", tool, "code", code, "error", err)
	return mcpError(fmt.Sprintf("%s (%s)", apperr.PublicMessage(code), code))
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instruction, err := req.RequireString("instruction")
		if err != nil || strings.TrimSpace(instruction) == "" {
			return mcpError("instruction is required"), nil
		}

		threadID := req.GetString("thread_id", "")
		if threadID == "" {
			t, err := deps.Runner.Continuity().CreateThread(ctx, deps.owner(), req.GetString("title", ""), map[string]string{"source": "mcp"})
			if err != nil {
				return mcpFailure("ask", err), nil
			}
			threadID = t.ID
		}

		res, err := deps.Runner.RunTurn(ctx, threadID, instruction)
		if err != nil {
			return mcpFailure("ask", err), nil
		}

		final := res
		if res.FollowUp != nil {
			final = *res.FollowUp
		}
		b, err := json.Marshal(map[string]any{
			"thread_id":     threadID,
			"revision_id":   final.Revision.ID,
			"version":       final.Revision.Version,
			"mode":          final.Mode,
			"auto_approved": res.FollowUp != nil,
			"report":        final.Revision.Body,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCompressText(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcpError("text is required"), nil
		}

		var out any
		if req.GetBool("force", false) {
			res, err := deps.Runner.Compress(ctx, text)
			if err != nil {
				return mcpFailure("compress_text", err), nil
			}
			out = res
		} else {
			res, err := deps.Runner.MaybeCompress(ctx, deps.owner(), text)
			if err != nil {
				return mcpFailure("compress_text", err), nil
			}
			out = res
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCurrentReport(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}
		app := AppDeps{Runner: deps.Runner, Store: deps.Store, OwnerID: deps.OwnerID}
		if _, err := threadFor(ctx, app, threadID, false); err != nil {
			return mcpFailure("current_report", err), nil
		}
		view, err := currentReport(ctx, app, threadID)
		if err != nil {
			return mcpFailure("current_report", err), nil
		}
		b, err := json.Marshal(view)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTopEntities(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		t := entities.Type(strings.ToLower(req.GetString("type", "")))
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		list, err := deps.Runner.TopEntities(ctx, t, limit)
		if err != nil {
			return mcpFailure("top_entities", err), nil
		}
		b, err := json.Marshal(entityViews(list))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entities: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		threads, err := deps.Store.ListThreads(ctx, deps.owner(), report.ThreadActive, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list threads: %w", err)
		}

		type threadSummary struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			HeadVersion int    `json:"head_version"`
			HasReport   bool   `json:"has_report"`
			UpdatedAt   string `json:"updated_at"`
		}

		summaries := make([]threadSummary, len(threads))
		for i, t := range threads {
			summaries[i] = threadSummary{
				ID:          t.ID,
				Title:       t.Title,
				HeadVersion: t.HeadVersion,
				HasReport:   t.CurrentReportID != "",
				UpdatedAt:   t.UpdatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal threads: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

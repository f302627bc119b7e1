package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/folio/internal/config"
)

type threadSummary struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Status          string `json:"status"`
	HeadVersion     int    `json:"head_version"`
	CurrentReportID string `json:"current_report_id"`
	UpdatedAt       string `json:"updated_at"`
}

type revisionSummary struct {
	ID            string `json:"id"`
	ThreadID      string `json:"thread_id"`
	Title         string `json:"title"`
	Body          string `json:"body"`
	Version       int    `json:"version"`
	Status        string `json:"status"`
	ParentVersion int    `json:"parent_version"`
	Usage         struct {
		TotalTokens int     `json:"total_tokens"`
		TotalCost   float64 `json:"total_cost"`
	} `json:"usage"`
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- thread ---

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Manage report threads",
}

var threadNewCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create a thread",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/threads", map[string]any{
			"title":    strings.Join(args, " "),
			"metadata": map[string]string{"source": "cli"},
		})
		if err != nil {
			return err
		}
		var t threadSummary
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}
		printSuccess("Created thread %s", t.ID)
		return nil
	},
}

var threadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if status != "" {
			q.Set("status", status)
		}
		resp, err := client.get(cmd.Context(), "/threads?"+q.Encode())
		if err != nil {
			return err
		}
		var threads []threadSummary
		if err := decodeJSON(resp, &threads); err != nil {
			return err
		}

		if len(threads) == 0 {
			fmt.Println("No threads found.")
			return nil
		}
		for _, t := range threads {
			title := t.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  v%-3d %-8s %s\n", colorize(colorCyan, shortID(t.ID)), t.HeadVersion, t.Status, title)
		}
		return nil
	},
}

var threadShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a thread and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/threads/"+args[0])
		if err != nil {
			return err
		}
		var t threadSummary
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", colorize(colorBold, t.Title), colorize(colorCyan, "["+t.Status+"]"))

		resp, err = client.get(cmd.Context(), "/threads/"+args[0]+"/messages?limit=200")
		if err != nil {
			return err
		}
		var messages []struct {
			Seq     int64  `json:"seq"`
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := decodeJSON(resp, &messages); err != nil {
			return err
		}
		for _, m := range messages {
			content := m.Content
			if len(content) > 200 {
				content = content[:200] + "..."
			}
			fmt.Printf("  %3d %-9s %s\n", m.Seq, m.Role, strings.ReplaceAll(content, "\n", " "))
		}
		return nil
	},
}

var threadArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/threads/"+args[0]+"/archive", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Archived thread %s", args[0])
		return nil
	},
}

var threadShareCmd = &cobra.Command{
	Use:   "share <id> <principal> <view|edit>",
	Short: "Share a thread with another principal",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/threads/"+args[0]+"/shares/"+url.PathEscape(args[1]), map[string]string{"permission": args[2]})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Shared %s with %s (%s)", args[0], args[1], args[2])
		return nil
	},
}

func init() {
	threadListCmd.Flags().Int("limit", 20, "maximum number of threads to list")
	threadListCmd.Flags().String("status", "", "filter by status (active, archived)")
	threadCmd.AddCommand(threadNewCmd, threadListCmd, threadShowCmd, threadArchiveCmd, threadShareCmd)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <thread-id> <instruction>",
	Short: "Send an instruction to a thread and print the resulting report",
	Long: `Send an instruction to a thread. The thread's current report is
extended, or a fresh report is written when the thread has none.

Examples:
  folio ask 3f2a "Draft a market overview for semiconductors"
  folio ask 3f2a "Add a section on Nvidia's data center revenue"
  folio ask --stream 3f2a "Summarize the quarter"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		instruction := strings.Join(args[1:], " ")
		stream, _ := cmd.Flags().GetBool("stream")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Generating report...")
		path := "/threads/" + args[0] + "/turns"
		body := map[string]string{"instruction": instruction}

		var turn turnSummary
		if stream {
			resp, err := client.postEvents(cmd.Context(), path, body)
			if err != nil {
				return err
			}
			turn, err = readTurnStream(resp, os.Stdout)
			fmt.Println()
			if err != nil {
				return err
			}
		} else {
			resp, err := client.post(cmd.Context(), path, body)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &turn); err != nil {
				return err
			}
		}
		final := turn.final()
		if turn.Compression != nil {
			printStatus("Compressed", "%d -> %d tokens (%d%%)",
				turn.Compression.OriginalTokens, turn.Compression.NewTokenCount, turn.Compression.CompressionRatio)
		}
		if turn.FollowUp != nil {
			printStatus("Auto-approved", "follow-up turn ran")
		}
		printSuccess("%s report, version %d", final.Mode, final.Revision.Version)
		if !stream {
			fmt.Println(final.Revision.Body)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().Bool("stream", false, "print the report as it is generated")
}

type turnSummary struct {
	Mode        string          `json:"mode"`
	Revision    revisionSummary `json:"revision"`
	Compression *struct {
		OriginalTokens   int `json:"original_tokens"`
		NewTokenCount    int `json:"new_token_count"`
		CompressionRatio int `json:"compression_ratio"`
	} `json:"compression"`
	FollowUp *turnSummary `json:"follow_up"`
}

func (t turnSummary) final() turnSummary {
	if t.FollowUp != nil {
		return *t.FollowUp
	}
	return t
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect and transition report revisions",
}

var reportShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Show the current report of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/threads/"+args[0]+"/report")
		if err != nil {
			return err
		}
		var view struct {
			State   string           `json:"state"`
			Current *revisionSummary `json:"current"`
		}
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		printStatus("State", "%s", view.State)
		if view.Current == nil {
			return nil
		}
		printStatus("Version", "%d (%s)", view.Current.Version, shortID(view.Current.ID))
		printStatus("Usage", "%d tokens, cost %.4f", view.Current.Usage.TotalTokens, view.Current.Usage.TotalCost)
		fmt.Println()
		fmt.Println(view.Current.Body)
		return nil
	},
}

var reportListCmd = &cobra.Command{
	Use:   "list <thread-id>",
	Short: "List all revisions of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/threads/"+args[0]+"/revisions")
		if err != nil {
			return err
		}
		var revs []revisionSummary
		if err := decodeJSON(resp, &revs); err != nil {
			return err
		}
		printRevisions(revs)
		return nil
	},
}

func printRevisions(revs []revisionSummary) {
	if len(revs) == 0 {
		fmt.Println("No revisions found.")
		return
	}
	for _, r := range revs {
		fmt.Printf("%s  v%-3d %-9s %s\n", colorize(colorCyan, shortID(r.ID)), r.Version, r.Status, r.Title)
	}
}

func transitionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <revision-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.post(cmd.Context(), "/revisions/"+args[0]+"/"+action, nil)
			if err != nil {
				return err
			}
			var rev revisionSummary
			if err := decodeJSON(resp, &rev); err != nil {
				return err
			}
			printSuccess("Revision v%d is now %s", rev.Version, rev.Status)
			return nil
		},
	}
}

var reportLineageCmd = &cobra.Command{
	Use:   "lineage <revision-id>",
	Short: "Show the ancestry of a revision, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/revisions/"+args[0]+"/lineage")
		if err != nil {
			return err
		}
		var revs []revisionSummary
		if err := decodeJSON(resp, &revs); err != nil {
			return err
		}
		printRevisions(revs)
		return nil
	},
}

var reportUsageCmd = &cobra.Command{
	Use:   "usage <revision-id>",
	Short: "Show the token and cost ledger of a revision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/revisions/"+args[0]+"/usage")
		if err != nil {
			return err
		}
		var ledger any
		if err := decodeJSON(resp, &ledger); err != nil {
			return err
		}
		return printJSON(ledger)
	},
}

func init() {
	reportCmd.AddCommand(reportShowCmd, reportListCmd, reportLineageCmd, reportUsageCmd)
	reportCmd.AddCommand(
		transitionCmd("publish", "Publish a draft revision"),
		transitionCmd("archive", "Archive a revision"),
		transitionCmd("restore", "Restore an archived revision as published"),
	)
}

// --- entities ---

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List the most relevant entities across reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		typ, _ := cmd.Flags().GetString("type")
		revision, _ := cmd.Flags().GetString("revision")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/entities?limit=%d", limit)
		if typ != "" {
			path += "&type=" + url.QueryEscape(typ)
		}
		if revision != "" {
			path = "/revisions/" + revision + "/entities"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var list []struct {
			Name         string  `json:"name"`
			Type         string  `json:"type"`
			Ticker       string  `json:"ticker"`
			MentionCount int     `json:"mention_count"`
			AvgSentiment float64 `json:"avg_sentiment"`
			AvgRelevance float64 `json:"avg_relevance"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No entities found.")
			return nil
		}
		for _, e := range list {
			name := e.Name
			if e.Ticker != "" {
				name = fmt.Sprintf("%s (%s)", name, e.Ticker)
			}
			fmt.Printf("%-32s %-8s mentions=%-4d relevance=%.2f sentiment=%+.2f\n",
				colorize(colorBold, name), e.Type, e.MentionCount, e.AvgRelevance, e.AvgSentiment)
		}
		return nil
	},
}

func init() {
	entitiesCmd.Flags().Int("limit", 10, "maximum number of entities")
	entitiesCmd.Flags().String("type", "", "restrict to one type: company, asset, person, sector, other")
	entitiesCmd.Flags().String("revision", "", "aggregate mentions of one revision instead")
}

// --- compress ---

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Compress text so it fits the context budget",
	Long: `Compress text read from --file, or from stdin when no file is given.

Examples:
  folio compress --file ./notes.md
  cat report.md | folio compress --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		force, _ := cmd.Flags().GetBool("force")

		var data []byte
		var err error
		if file != "" {
			data, err = os.ReadFile(file)
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return fmt.Errorf("input text is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/compress", map[string]any{"text": string(data), "force": force})
		if err != nil {
			return err
		}
		var out struct {
			Text          string `json:"text"`
			WasCompressed *bool  `json:"was_compressed"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if out.WasCompressed != nil && !*out.WasCompressed {
			printStatus("Compression", "not needed")
		}
		fmt.Println(out.Text)
		return nil
	},
}

func init() {
	compressCmd.Flags().String("file", "", "file to compress (default: stdin)")
	compressCmd.Flags().Bool("force", false, "compress even when the text fits the budget")
}

// --- prefs ---

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or update session preferences",
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show session preferences",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/preferences")
		if err != nil {
			return err
		}
		var prefs map[string]any
		if err := decodeJSON(resp, &prefs); err != nil {
			return err
		}
		return printJSON(prefs)
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a session preference (auto_mode, compression_threshold)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/preferences", map[string]any{args[0]: args[1]})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	prefsCmd.AddCommand(prefsShowCmd, prefsSetCmd)
}

// --- data ---

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Export stored data",
}

var dataExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all threads with their messages and revisions as JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var writer io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}

		resp, err := client.get(cmd.Context(), "/export")
		if err != nil {
			return err
		}
		var threads []json.RawMessage
		if err := decodeJSON(resp, &threads); err != nil {
			return err
		}
		if err := writeExport(writer, threads); err != nil {
			return err
		}

		if output != "" {
			printSuccess("Exported %d threads to %s", len(threads), output)
		}
		return nil
	},
}

// writeExport writes one JSONL record per thread.
func writeExport(w io.Writer, threads []json.RawMessage) error {
	enc := json.NewEncoder(w)
	for _, t := range threads {
		if err := enc.Encode(map[string]any{"type": "thread", "data": t}); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}
	}
	return nil
}

func init() {
	dataExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	dataCmd.AddCommand(dataExportCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

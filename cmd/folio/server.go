package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/folio/internal/api"
	"github.com/kalambet/folio/internal/composer"
	"github.com/kalambet/folio/internal/config"
	"github.com/kalambet/folio/internal/continuity"
	"github.com/kalambet/folio/internal/engine"
	"github.com/kalambet/folio/internal/entities"
	"github.com/kalambet/folio/internal/extraction"
	"github.com/kalambet/folio/internal/ingest"
	"github.com/kalambet/folio/internal/pipeline"
	"github.com/kalambet/folio/internal/preferences"
	"github.com/kalambet/folio/internal/report"
	"github.com/kalambet/folio/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the folio server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running folio server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show folio system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "folio.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "folio version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("folio is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("folio is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Detect(engine.DetectConfig{
		Backend:           cfg.Generator.Backend,
		OllamaBaseURL:     cfg.Ollama.BaseURL,
		OpenRouterAPIKey:  cfg.Proxy.OpenRouterAPIKey,
		OpenRouterBaseURL: cfg.Proxy.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, os.Stderr, cfg.ReportModel(), cfg.SummarizerModel(), cfg.ExtractionModel()); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	pricing := report.Pricing{InputPer1K: cfg.Pricing.InputPer1K, OutputPer1K: cfg.Pricing.OutputPer1K}
	prefs := preferences.NewManager(store, preferences.Preferences{
		AutoMode:        cfg.Session.AutoMode,
		ThresholdTokens: cfg.Compression.ThresholdTokens,
	})
	cont := continuity.NewService(store)
	runner := pipeline.NewRunner(pipeline.Config{
		Continuity:      cont,
		Messages:        store,
		Jobs:            store,
		Entities:        store,
		Composer:        composer.New(0),
		Generator:       engine.NewGenerator(eng, cfg.ReportModel()),
		Summarizer:      engine.NewSummarizer(eng, cfg.SummarizerModel()),
		Prefs:           prefs,
		Pricing:         pricing,
		ThresholdTokens: cfg.Compression.ThresholdTokens,
	})

	worker := ingest.NewWorker(
		store,
		extraction.NewExtractor(eng, cfg.ExtractionModel()),
		entities.NewResolver(store),
		cont,
		pricing,
		cfg.PollInterval(),
	)
	go worker.Run(ctx)

	appHandler := api.NewAppHandler(api.AppDeps{
		Runner: runner,
		Store:  store,
		Prefs:  prefs,
		Token:  apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           appHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Runner: runner, Store: store})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "folio listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("folio is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop folio (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to folio (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Backend", "%s", cfg.Generator.Backend)
	if cfg.Generator.Backend == config.BackendOllama {
		ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
	}

	printStatus("Report model", "%s", cfg.ReportModel())
	printStatus("Summarizer model", "%s", cfg.SummarizerModel())
	printStatus("Extraction model", "%s", cfg.ExtractionModel())
	printStatus("Compression threshold", "%d tokens", cfg.Compression.ThresholdTokens)

	if running {
		if n, err := countThreads(context.Background()); err == nil {
			printStatus("Active threads", "%s", countLabel(n, 100))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countThreads(ctx context.Context) (int, error) {
	client, err := newAPIClient()
	if err != nil {
		return 0, err
	}
	resp, err := client.get(ctx, "/threads?status=active&limit=100")
	if err != nil {
		return 0, err
	}
	var threads []struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(resp, &threads); err != nil {
		return 0, err
	}
	return len(threads), nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

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

	"github.com/sandrev/loom/internal/api"
	"github.com/sandrev/loom/internal/chat"
	"github.com/sandrev/loom/internal/composer"
	"github.com/sandrev/loom/internal/config"
	"github.com/sandrev/loom/internal/document"
	"github.com/sandrev/loom/internal/embedding"
	"github.com/sandrev/loom/internal/ingest"
	"github.com/sandrev/loom/internal/provider"
	"github.com/sandrev/loom/internal/retrieval"
	"github.com/sandrev/loom/internal/storage"
	"github.com/sandrev/loom/internal/summarize"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the loom server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running loom server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show loom system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "loom.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "loom version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice. The health endpoint is the source of truth;
	// a stale PID file alone doesn't block startup.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("loom is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("loom is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Providers read their configuration per call: the settings table
	// overrides the static config, so a key or base URL saved mid-session
	// takes effect on the next request without a restart.
	providerConfig := func() provider.Config {
		c := provider.Config{
			OllamaBaseURL: cfg.Ollama.BaseURL,
			GeminiAPIKey:  cfg.Gemini.APIKey,
			GeminiBaseURL: cfg.Gemini.BaseURL,
		}
		applySettings(store, &c.OllamaBaseURL, &c.GeminiAPIKey, &c.GeminiBaseURL)
		return c
	}
	embedConfig := func() embedding.Config {
		c := embedding.Config{
			OllamaBaseURL: cfg.Ollama.BaseURL,
			OllamaModel:   cfg.Ollama.EmbedModel,
			GeminiAPIKey:  cfg.Gemini.APIKey,
			GeminiModel:   cfg.Gemini.EmbedModel,
			GeminiBaseURL: cfg.Gemini.BaseURL,
		}
		applySettings(store, &c.OllamaBaseURL, &c.GeminiAPIKey, &c.GeminiBaseURL)
		return c
	}

	router := provider.NewRouter(providerConfig)
	embedService := embedding.NewService(embedConfig)
	vectorStore := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedService, vectorStore)

	assembler := composer.New(retriever, composer.Options{
		RecentWindow:  cfg.Chat.RecentWindow,
		TopK:          cfg.Retrieval.TopK,
		MinSimilarity: cfg.Retrieval.MinSimilarity,
	})
	scheduler := summarize.NewScheduler(router, store, cfg.Chat.Model, cfg.Chat.SummaryThreshold, cfg.Chat.KeepTrailing)
	chatService := chat.NewService(store, assembler, router, cfg.Chat.Model, cfg.Chat.SummaryThreshold)
	processor := document.NewProcessor(store, embedService, vectorStore)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Chat:      chatService,
		Embedder:  embedService,
		Vectors:   vectorStore,
		Documents: processor,
		Token:     cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	worker := ingest.NewWorker(store, embedService, vectorStore, scheduler, processor, chatService, 500*time.Millisecond)
	go worker.Run(ctx)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Retriever: retriever,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "loom listening on %s\n", addr)
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

// applySettings overlays provider settings saved via the settings table.
func applySettings(store *storage.Store, ollamaBaseURL, geminiAPIKey, geminiBaseURL *string) {
	if v, err := store.GetSetting("ollama_base_url"); err == nil && v != "" {
		*ollamaBaseURL = v
	}
	if v, err := store.GetSetting("gemini_api_key"); err == nil && v != "" {
		*geminiAPIKey = v
	}
	if v, err := store.GetSetting("gemini_base_url"); err == nil && v != "" {
		*geminiBaseURL = v
	}
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
		printError("loom is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop loom (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to loom (PID %d)", pid)
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

	resp, err := client.Get(serverURL + "/health")
	serverUp := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			serverUp = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Chat model", "%s", cfg.Chat.Model)
	printStatus("Embed model", "%s (local) / %s (gemini)", cfg.Ollama.EmbedModel, cfg.Gemini.EmbedModel)

	if serverUp {
		statusResp, err := apiGet(client, serverURL+"/embeddings/status", cfg.Server.APIToken)
		if err == nil {
			var status struct {
				Available            bool   `json:"available"`
				ActiveProvider       string `json:"activeProvider"`
				StoredEmbeddingCount int    `json:"storedEmbeddingCount"`
			}
			if decodeJSON(statusResp, &status) == nil {
				if status.Available {
					printStatus("Embeddings", "available via %s (%d stored)", status.ActiveProvider, status.StoredEmbeddingCount)
				} else {
					printStatus("Embeddings", "unavailable (%d stored)", status.StoredEmbeddingCount)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}

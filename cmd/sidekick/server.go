package main

import (
	"context"
	"encoding/json"
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

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sidekick/internal/analyze"
	"github.com/kalambet/sidekick/internal/api"
	"github.com/kalambet/sidekick/internal/chat"
	"github.com/kalambet/sidekick/internal/composer"
	"github.com/kalambet/sidekick/internal/config"
	"github.com/kalambet/sidekick/internal/extract"
	"github.com/kalambet/sidekick/internal/gemini"
	"github.com/kalambet/sidekick/internal/instruct"
	"github.com/kalambet/sidekick/internal/notify"
	"github.com/kalambet/sidekick/internal/objectives"
	"github.com/kalambet/sidekick/internal/pipeline"
	"github.com/kalambet/sidekick/internal/queue"
	"github.com/kalambet/sidekick/internal/storage"
	"github.com/kalambet/sidekick/internal/timer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sidekick server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running sidekick server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sidekick system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "sidekick.pid")
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
	fmt.Fprintf(os.Stderr, "sidekick version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("sidekick is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("sidekick is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	model := gemini.New(cfg.Gemini.APIKey, cfg.Gemini.BaseURL)
	objectivesMgr := objectives.NewManager(store)
	comp := composer.New("")

	// Background pipelines: the user-triggered one digests each exchange,
	// the timed one only decides whether to speak up. Each stage runs under
	// its own attempt budget.
	backoff := config.Duration(cfg.Pipeline.StageBackoff, 2*time.Second)
	stageTimeout := config.Duration(cfg.Pipeline.ModelTimeout, 60*time.Second)
	instructRetry := pipeline.Retry{MaxAttempts: cfg.Pipeline.InstructAttempts, Backoff: backoff}
	userRunner := pipeline.NewRunner([]pipeline.StageSpec{
		{
			Stage: extract.New(model, cfg.Gemini.StageModel, store),
			Retry: pipeline.Retry{MaxAttempts: cfg.Pipeline.ExtractAttempts, Backoff: backoff},
		},
		{
			Stage: analyze.New(model, cfg.Gemini.StageModel),
			Retry: pipeline.Retry{MaxAttempts: cfg.Pipeline.AnalyzeAttempts, Backoff: backoff},
		},
		{
			Stage: instruct.NewUser(model, cfg.Gemini.StageModel, store, objectivesMgr),
			Retry: instructRetry,
		},
	}, stageTimeout)
	timedRunner := pipeline.NewRunner([]pipeline.StageSpec{
		{
			Stage: instruct.NewTimed(model, cfg.Gemini.StageModel, store, objectivesMgr),
			Retry: instructRetry,
		},
	}, stageTimeout)

	jobs := queue.New()

	// The timer fires into the orchestrator, which in turn resets the timer
	// on every user message; declare first, wire after.
	var orch *chat.Orchestrator
	var proactive *timer.Timer
	if cfg.Timer.Enabled {
		proactive = timer.New(config.Duration(cfg.Timer.Interval, 2*time.Hour), func() {
			orch.FireProactive()
		})
	}

	orch = chat.New(chat.Options{
		Store:         store,
		Model:         model,
		ModelName:     cfg.Gemini.ChatModel,
		Composer:      comp,
		Queue:         jobs,
		Timer:         resetterOrNil(proactive),
		Objectives:    objectivesMgr,
		UserRunner:    userRunner,
		TimedRunner:   timedRunner,
		HistoryWindow: cfg.Pipeline.HistoryWindow,
		InjectionTTL:  config.Duration(cfg.Pipeline.InjectionTTL, 24*time.Hour),
	})

	handler := api.NewHandler(api.Deps{
		Store: store,
		Chat:  orch,
		Token: cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Queue worker.
	g.Go(func() error {
		jobs.Run(gctx, orch.HandleJob)
		return nil
	})

	// Notification gate.
	if cfg.Notify.Enabled && cfg.Notify.Topic != "" {
		gate := notify.NewGate(
			store,
			model,
			cfg.Gemini.ChatModel,
			notify.NewNtfyClient(cfg.Notify.Topic),
			objectivesMgr,
			config.Duration(cfg.Notify.Threshold, 6*time.Hour),
			config.Duration(cfg.Notify.CheckInterval, 30*time.Minute),
			cfg.Pipeline.HistoryWindow,
		)
		g.Go(func() error {
			gate.Run(gctx)
			return nil
		})
		slog.Info("notification gate running", "topic", cfg.Notify.Topic)
	}

	// MCP server (stdio transport).
	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Chat: orch})
	stdioSrv := mcpserver.NewStdioServer(mcpSrv)
	g.Go(func() error {
		if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})
	slog.Info("MCP server started (stdio transport)")

	// HTTP server.
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "sidekick listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Shutdown supervisor.
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		if proactive != nil {
			proactive.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if proactive != nil {
		proactive.Start()
		slog.Info("proactive timer armed", "interval", cfg.Timer.Interval)
	}

	return g.Wait()
}

// resetterOrNil keeps the orchestrator's Timer field a true nil when the
// timer is disabled, instead of a typed-nil interface.
func resetterOrNil(t *timer.Timer) chat.Resetter {
	if t == nil {
		return nil
	}
	return t
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
		printError("sidekick is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop sidekick (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to sidekick (PID %d)", pid)
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
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Chat model", "%s", cfg.Gemini.ChatModel)
	printStatus("Stage model", "%s", cfg.Gemini.StageModel)
	if cfg.Timer.Enabled {
		printStatus("Proactive timer", "every %s", cfg.Timer.Interval)
	} else {
		printStatus("Proactive timer", "disabled")
	}
	if cfg.Notify.Enabled && cfg.Notify.Topic != "" {
		printStatus("Notifications", "ntfy topic %q after %s quiet", cfg.Notify.Topic, cfg.Notify.Threshold)
	} else {
		printStatus("Notifications", "disabled")
	}

	if running {
		if apiClt, err := newAPIClient(); err == nil {
			if turnsResp, err := apiClt.get(context.Background(), "/turns?limit=500"); err == nil {
				var turns []json.RawMessage
				if json.NewDecoder(turnsResp.Body).Decode(&turns) == nil {
					printStatus("Turns", "%s", countLabel(len(turns), 500))
				}
				turnsResp.Body.Close()
			}
			if objResp, err := apiClt.get(context.Background(), "/objectives"); err == nil {
				var objs []json.RawMessage
				if json.NewDecoder(objResp.Body).Decode(&objs) == nil {
					printStatus("Active objectives", "%d", len(objs))
				}
				objResp.Body.Close()
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

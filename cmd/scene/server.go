package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
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
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/scene/internal/api"
	"github.com/kalambet/scene/internal/config"
	"github.com/kalambet/scene/internal/escalation"
	"github.com/kalambet/scene/internal/feed"
	"github.com/kalambet/scene/internal/metrics"
	"github.com/kalambet/scene/internal/notify"
	"github.com/kalambet/scene/internal/scene"
	"github.com/kalambet/scene/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scene daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		venueID, _ := cmd.Flags().GetString("venue")
		return runServer(mcpStdio, venueID)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running scene daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scene daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
	startCmd.Flags().String("venue", "", "only escalate for this venue id")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "scene.pid")
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

func runServer(mcpStdio bool, venueID string) error {
	fmt.Fprintf(os.Stderr, "scene version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logs go to stderr so the MCP stdio transport keeps stdout.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))

	apiToken, err := config.GetAPIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("scene is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("scene is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("opening store in %s", cfg.Storage.DataDir)
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	store.SetPollInterval(cfg.Storage.PollInterval)

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	svc := scene.New(store, scene.Options{
		CacheTTL: cfg.Cache.TTL,
		Metrics:  m,
		Logger:   slog.Default(),
	})

	dispatcher, err := notify.New(notify.Options{
		Enabled:    cfg.Notify.Enabled,
		Channel:    cfg.Notify.Channel,
		WebhookURL: cfg.Notify.WebhookURL,
		Metrics:    m,
		Logger:     slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("building notifier: %w", err)
	}
	if dispatcher.RequestPermission(ctx) {
		slog.Info("notifications enabled", "channels", dispatcher.Channels())
	} else {
		slog.Info("notifications disabled")
	}

	feedOpts := feed.Options{
		Source:     store,
		Catalog:    store,
		Counter:    svc.Counter(),
		Dispatcher: dispatcher,
		Evaluator:  escalation.NewEvaluator(cfg.Notify.BaseURL),
		VenueID:    venueID,
		Metrics:    m,
		Logger:     slog.Default(),
	}
	if cfg.Escalation.DurableGuards {
		feedOpts.Ledger = store
	}
	consumer := feed.New(feedOpts)
	consumer.AddInvalidator(svc)

	handler := api.NewAppHandler(api.AppDeps{
		Service: svc,
		Token:   apiToken,
		Metrics: m,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Service: svc, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("scene listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		// Graceful shutdown with timeout.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
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
		printError("scene is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop scene (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to scene (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
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

	if running {
		if c, err := newAPIClient(); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if vresp, err := c.get(ctx, "/crowd?filter=trending"); err == nil {
				var trending []scene.VenueCrowd
				if decodeJSON(vresp, &trending) == nil {
					printStatus("Trending venues", "%d", len(trending))
				}
			}
		}
	}

	notifications := "off"
	if cfg.Notify.Enabled {
		notifications = cfg.Notify.Channel
	}
	printStatus("Notifications", "%s", notifications)
	printStatus("Durable guards", "%t", cfg.Escalation.DurableGuards)
	if cfg.Auth.UserID != "" {
		printStatus("User", "%s", cfg.Auth.UserID)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

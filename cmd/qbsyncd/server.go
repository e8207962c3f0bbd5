package main

import (
	"context"
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

	"github.com/spf13/cobra"

	"github.com/kalambet/qbsyncd/internal/api"
	"github.com/kalambet/qbsyncd/internal/auth"
	"github.com/kalambet/qbsyncd/internal/cache"
	"github.com/kalambet/qbsyncd/internal/config"
	"github.com/kalambet/qbsyncd/internal/qbo"
	"github.com/kalambet/qbsyncd/internal/sched"
	"github.com/kalambet/qbsyncd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the qbsyncd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running qbsyncd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show qbsyncd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "qbsyncd.pid")
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
	fmt.Fprintf(os.Stderr, "qbsyncd version %s\n", version)

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
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/api/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("qbsyncd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("qbsyncd is already running on port %d", cfg.Server.Port)
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

	// Wire the sync machinery: tokens, remote client, cache, scheduler.
	tokens := auth.NewManager(cfg, store)
	client := qbo.NewClient(cfg, tokens)
	dataCache := cache.New(client)
	scheduler := sched.New(cfg, tokens, dataCache)

	if tokens.Authenticated() {
		slog.Info("QuickBooks token available, sync will start")
	} else {
		slog.Warn("not connected to QuickBooks, run 'qbsyncd connect' to authorize")
	}

	go scheduler.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Config:  cfg,
		Tokens:  tokens,
		Cache:   dataCache,
		Sync:    scheduler,
		Version: version,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "qbsyncd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
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
		printError("qbsyncd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop qbsyncd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to qbsyncd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := context.Background()

	resp, err := client.get(ctx, "/api/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	var health struct {
		Version         string   `json:"version"`
		Authenticated   bool     `json:"authenticated"`
		CacheAgeMinutes *float64 `json:"cache_age_minutes"`
	}
	if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error: %v", err)
		return nil
	}
	printStatus("Server", "running on port %d (version %s)", cfg.Server.Port, health.Version)
	if health.Authenticated {
		printStatus("QuickBooks", "connected")
	} else {
		printStatus("QuickBooks", "not connected")
	}
	if health.CacheAgeMinutes != nil {
		printStatus("Cache age", "%.0f minutes", *health.CacheAgeMinutes)
	} else {
		printStatus("Cache age", "never refreshed")
	}

	if statusResp, err := client.get(ctx, "/api/cache/status"); err == nil {
		var st struct {
			ConnectionStatus string         `json:"connection_status"`
			Counts           map[string]int `json:"counts"`
		}
		if decodeJSON(statusResp, &st) == nil {
			printStatus("Connection", "%s", st.ConnectionStatus)
			for _, entity := range []string{"customers", "vendors", "items", "invoices"} {
				printStatus(titleCase(entity), "%d", st.Counts[entity])
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

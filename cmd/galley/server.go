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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/perret/galley/internal/api"
	"github.com/perret/galley/internal/config"
	"github.com/perret/galley/internal/dedup"
	"github.com/perret/galley/internal/lock"
	"github.com/perret/galley/internal/recipe"
	"github.com/perret/galley/internal/storage"
	"github.com/perret/galley/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the galley server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running galley server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show galley server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "galley.pid")
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

func buildGenerator(cfg config.Config) recipe.Generator {
	switch cfg.Generator.Provider {
	case "static":
		return recipe.StaticGenerator{}
	case "ollama":
		gen := recipe.NewOllamaGenerator(recipe.OllamaConfig{
			BaseURL:  cfg.Ollama.BaseURL,
			Model:    cfg.Ollama.Model,
			Language: cfg.Generator.Language,
			Timeout:  config.Duration(cfg.Ollama.Timeout, 2*time.Minute),
		})
		if !gen.IsRunning(context.Background()) {
			printWarning("ollama is not reachable at %s; generation jobs will retry until it is", cfg.Ollama.BaseURL)
		}
		return gen
	}
	return recipe.NewOpenAIGenerator(recipe.OpenAIConfig{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Language:    cfg.Generator.Language,
	})
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "galley version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice: probe the health endpoint first.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("galley is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
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
			slog.Warn("closing storage", "error", err)
		}
	}()

	coordinator := dedup.New(
		store,
		lock.NewKeyed(),
		config.Duration(cfg.Dedup.LockLease, 5*time.Second),
		config.Duration(cfg.Dedup.LockWait, 3*time.Second),
	)

	handler := api.NewHandler(api.Deps{
		Coordinator: coordinator,
		Store:       store,
		Token:       cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start the worker pool: N generation workers plus webhook delivery.
	poll := config.Duration(cfg.Worker.PollInterval, 500*time.Millisecond)
	concurrency := cfg.Worker.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	recipeWorker := recipe.NewWorker(store, buildGenerator(cfg), poll)
	notifier := webhook.NewNotifier(webhook.NewGuard(nil), config.Duration(cfg.Webhook.Timeout, 5*time.Second))
	webhookWorker := webhook.NewWorker(store, notifier, poll)

	var workers errgroup.Group
	for i := 0; i < concurrency; i++ {
		workers.Go(func() error {
			recipeWorker.Run(ctx)
			return nil
		})
	}
	workers.Go(func() error {
		webhookWorker.Run(ctx)
		return nil
	})
	slog.Info("workers started", "generation", concurrency, "provider", cfg.Generator.Provider)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("galley listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	shutdownErr := srv.Shutdown(shutdownCtx)

	stop()
	workers.Wait()
	return shutdownErr
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
		printWarning("galley does not appear to be running")
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		removePIDFile(pidPath)
		printWarning("stale PID file removed (PID %d)", pid)
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		printWarning("stale PID file removed (PID %d)", pid)
		return nil
	}

	printSuccess("sent stop signal to galley (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(healthURL)
	if err != nil {
		printError("galley is not running on %s:%d", cfg.Server.Host, cfg.Server.Port)
		return nil
	}
	resp.Body.Close()

	printSuccess("galley is running")
	printStatus("address", "%s:%d", cfg.Server.Host, cfg.Server.Port)
	printStatus("data dir", "%s", cfg.Storage.DataDir)
	printStatus("generator", "%s", cfg.Generator.Provider)
	if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
		printStatus("pid", "%d", pid)
	}
	return nil
}

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
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/gridclaw/internal/orchestrator"
	"github.com/user/gridclaw/internal/scheduler"
	"github.com/user/gridclaw/internal/telegram"
	"github.com/user/gridclaw/internal/types"
	"github.com/user/gridclaw/internal/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gridclaw daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "gridclaw.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	queue := orchestrator.NewQueue(s.orch)
	queue.Start(ctx)
	defer queue.Stop()

	submit := func(post *types.Post) error {
		if post.ChannelID == "" {
			post.ChannelID = cfg.Service.ChannelID
		}
		return queue.Enqueue(post, func(jobs []*orchestrator.Job, err error) {
			slog.Info("post finished", "post_id", string(post.ID), "jobs", len(jobs), "error", err)
		})
	}
	status := func() map[string]any {
		out := s.status()
		out["pending"] = queue.Pending()
		out["active"] = queue.Active()
		return out
	}

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(telegram.Config{
			Token:        cfg.Telegram.Token,
			AllowedChats: cfg.Telegram.AllowedChats,
			ChannelID:    cfg.Service.ChannelID,
		}, submit, status)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		s.notifier.Register("telegram:", adapter.Deliver)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Scheduler
	sched := scheduler.New(s.tasks, func(name string, post *types.Post) {
		if err := submit(post); err != nil {
			slog.Error("scheduled task not queued", "name", name, "error", err)
		}
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// Webhook HTTP server
	if cfg.Webhook.Addr != "" {
		srv := &http.Server{
			Addr: cfg.Webhook.Addr,
			Handler: webhook.NewServer(submit, webhook.Deps{
				Tasks:     s.tasks,
				Records:   s.records,
				Events:    s.events,
				Artifacts: s.artifacts,
				Status:    status,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("webhook server started", "listen", cfg.Webhook.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("webhook server error", "error", err)
			}
		}()
		defer srv.Close()
	}

	slog.Info("gridclaw started",
		"data_dir", cfg.DataDir,
		"channel_id", cfg.Service.ChannelID,
		"bot_observer", s.bot != nil,
		"pid_file", pidFile,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	for {
		select {
		case <-s.user.Done():
			return fmt.Errorf("user gateway stopped: %w", s.user.Err())
		case sig := <-sigChan:
			if sig == syscall.SIGUSR1 {
				if err := sched.Reload(); err != nil {
					slog.Error("failed to reload tasks", "error", err)
				} else {
					slog.Info("tasks reloaded")
				}
				continue
			}
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				if err := reexec(pidFile, cfg.DataDir); err != nil {
					slog.Error("failed to re-exec", "error", err)
				}
				continue
			}
			slog.Info("shutting down", "signal", sig)
			return nil
		}
	}
}

// reexec replaces the process with a fresh copy of itself. It only returns
// on failure, after restoring the PID file.
func reexec(pidFile, dataDir string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	os.Remove(pidFile)
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		if _, werr := writePIDFile(dataDir); werr != nil {
			slog.Error("failed to re-write PID file", "error", werr)
		}
		return err
	}
	return nil
}

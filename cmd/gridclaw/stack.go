package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/gridclaw/internal/config"
	"github.com/user/gridclaw/internal/correlate"
	"github.com/user/gridclaw/internal/dispatch"
	"github.com/user/gridclaw/internal/gateway"
	"github.com/user/gridclaw/internal/notify"
	"github.com/user/gridclaw/internal/orchestrator"
	"github.com/user/gridclaw/internal/state"
)

// stack is the connected command pipeline shared by serve and imagine.
type stack struct {
	cfg       *config.Config
	user      *gateway.Connection
	bot       *gateway.Connection
	client    *correlate.Client
	orch      *orchestrator.Orchestrator
	notifier  *notify.Registry
	records   *state.JobRecordStore
	events    *state.EventLog
	artifacts *state.ArtifactStore
	tasks     *state.TaskStore
}

func newStores(cfg *config.Config) (*state.JobRecordStore, *state.EventLog, *state.ArtifactStore, *state.TaskStore) {
	return state.NewJobRecordStore(cfg.DataDir),
		state.NewEventLog(cfg.DataDir),
		state.NewArtifactStore(cfg.DataDir),
		state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))
}

// connect validates cfg, opens both gateways concurrently and starts the
// command client. The pipeline lives until ctx is done.
func connect(ctx context.Context, cfg *config.Config) (*stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &stack{cfg: cfg, notifier: notify.NewRegistry()}
	s.records, s.events, s.artifacts, s.tasks = newStores(cfg)
	s.notifier.Register("log:", notify.LogHandler)

	s.user = gateway.New(gateway.Config{
		Name:              "user",
		URL:               cfg.Gateway.URL,
		Token:             cfg.User.Token,
		Capabilities:      cfg.User.Capabilities,
		MaxResumeAttempts: cfg.Gateway.MaxResumeAttempts,
		BaseDelay:         cfg.BaseDelay(),
		MaxDelay:          cfg.MaxDelay(),
	})
	if cfg.Bot.Token != "" {
		s.bot = gateway.New(gateway.Config{
			Name:              "bot",
			URL:               cfg.Gateway.URL,
			Token:             cfg.Bot.Token,
			Bot:               true,
			Intents:           cfg.Bot.Intents,
			MaxResumeAttempts: cfg.Gateway.MaxResumeAttempts,
			BaseDelay:         cfg.BaseDelay(),
			MaxDelay:          cfg.MaxDelay(),
		})
	}

	var g errgroup.Group
	for _, conn := range s.connections() {
		g.Go(func() error {
			sess, err := conn.Connect(ctx)
			if err != nil {
				return fmt.Errorf("connect %s gateway: %w", conn.Name(), err)
			}
			slog.Info("gateway ready", "conn", conn.Name(), "session_id", string(sess.ID), "user_id", sess.UserID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.close()
		return nil, err
	}

	sources := []correlate.Source{s.user}
	if s.bot != nil {
		sources = append(sources, s.bot)
	}
	policy := dispatch.DefaultRetryPolicy()
	if cfg.API.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.API.MaxAttempts
	}
	d := dispatch.New(dispatch.Config{
		BaseURL:   cfg.API.BaseURL,
		Token:     cfg.User.Token,
		UserAgent: cfg.API.UserAgent,
		Policy:    policy,
	})
	s.client = correlate.New(correlate.Config{
		ApplicationID:   cfg.Service.ApplicationID,
		GuildID:         cfg.Service.GuildID,
		ChannelID:       cfg.Service.ChannelID,
		ServiceAuthorID: cfg.Service.AuthorID,
		CommandID:       cfg.Service.CommandID,
		CommandVersion:  cfg.Service.CommandVersion,
		CommandName:     cfg.Service.CommandName,
		GenerateTimeout: cfg.GenerateTimeout(),
		UpscaleTimeout:  cfg.UpscaleTimeout(),
	}, d, s.user, sources...)
	s.client.Start(ctx)

	retries := cfg.Service.MaxEphemeralRetries
	if retries == 0 {
		retries = -1
	}
	s.orch = orchestrator.New(orchestrator.Config{
		MaxEphemeralRetries: retries,
		DefaultNotify:       cfg.Notify,
	}, orchestrator.Deps{
		Client:    s.client,
		Artifacts: s.artifacts,
		Records:   s.records,
		Events:    s.events,
		Fetcher:   orchestrator.NewHTTPFetcher(),
		Notifier:  s.notifier,
	})
	return s, nil
}

func (s *stack) connections() []*gateway.Connection {
	conns := []*gateway.Connection{s.user}
	if s.bot != nil {
		conns = append(conns, s.bot)
	}
	return conns
}

// status is the snapshot served by /health and /status.
func (s *stack) status() map[string]any {
	out := map[string]any{}
	for _, conn := range s.connections() {
		sess := conn.Session()
		st := "disconnected"
		if sess.Connected {
			st = "connected"
		}
		if err := conn.Err(); err != nil {
			st = "failed: " + err.Error()
		}
		line := fmt.Sprintf("%s session=%s seq=%d", st, sess.ID, sess.Seq)
		if !sess.IdentifiedAt.IsZero() {
			line += " identified=" + sess.IdentifiedAt.Format(time.RFC3339)
		}
		out[conn.Name()] = line
	}
	if rec, ok := s.orch.Current(); ok {
		out["current_job"] = fmt.Sprintf("%s %s (%s)", rec.JobID, rec.State, rec.Variation)
	}
	return out
}

func (s *stack) close() {
	for _, conn := range s.connections() {
		conn.Close()
	}
	if s.client != nil {
		s.client.Wait()
	}
}

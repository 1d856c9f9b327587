// Package orchestrator drives generation jobs: one generate followed by four
// sequential upscales per variation, persisting every state change.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"github.com/user/gridclaw/internal/classify"
	"github.com/user/gridclaw/internal/correlate"
	"github.com/user/gridclaw/internal/dispatch"
	"github.com/user/gridclaw/internal/gateway"
	"github.com/user/gridclaw/internal/types"
)

const defaultEphemeralRetries = 2

// Client is the command client the orchestrator drives.
type Client interface {
	SubmitGenerate(ctx context.Context, prompt string, opts types.Options) (*correlate.Call, error)
	SubmitUpscale(ctx context.Context, gridID string, variant int) (*correlate.Call, error)
	Reset()
}

// Notifier delivers a text summary to a target such as "telegram:123".
type Notifier interface {
	Deliver(ctx context.Context, target, message string) error
}

type Config struct {
	// MaxEphemeralRetries bounds re-attempts of a step after ephemeral
	// moderation. Zero means the default of 2; negative disables retries.
	MaxEphemeralRetries int
	// Variants to upscale, in order. Defaults to 1..4.
	Variants []int
	// DefaultNotify is used when a post names no notify target.
	DefaultNotify string
}

// Deps are the orchestrator's collaborators. Only Client is required.
type Deps struct {
	Client    Client
	Artifacts types.ArtifactStore
	Records   types.JobRecordStore
	Events    types.JobEventLog
	Fetcher   Fetcher
	Notifier  Notifier
}

type Orchestrator struct {
	cfg  Config
	deps Deps

	// current is a copy of the running job's record, refreshed on every
	// state change. The job itself is only touched by RunJob.
	mu      sync.RWMutex
	current *types.JobRecord
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxEphemeralRetries == 0 {
		cfg.MaxEphemeralRetries = defaultEphemeralRetries
	}
	if cfg.MaxEphemeralRetries < 0 {
		cfg.MaxEphemeralRetries = 0
	}
	if len(cfg.Variants) == 0 {
		cfg.Variants = []int{1, 2, 3, 4}
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Current returns a snapshot of the job being driven, if any.
func (o *Orchestrator) Current() (*types.JobRecord, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		return nil, false
	}
	rec := *o.current
	rec.Upscales = maps.Clone(o.current.Upscales)
	return &rec, true
}

func (o *Orchestrator) setCurrent(rec *types.JobRecord) {
	o.mu.Lock()
	o.current = rec
	o.mu.Unlock()
}

// RunPost runs one job per variation of post, in order, resetting the
// client's correlation state before each. Individual job failures are
// recorded on the jobs; an error is returned only when the run had to be
// abandoned.
func (o *Orchestrator) RunPost(ctx context.Context, post *types.Post) ([]*Job, error) {
	if post.ID == "" {
		post.ID = types.NewPostID()
	}
	variations := post.Variations
	if len(variations) == 0 {
		variations = []types.Variation{{}}
	}

	var jobs []*Job
	var abort error
	for _, v := range variations {
		o.deps.Client.Reset()
		job := NewJob(post, v)
		jobs = append(jobs, job)

		err := o.RunJob(ctx, job)
		if err != nil && isFatal(err) {
			abort = err
			break
		}
		if ctx.Err() != nil {
			abort = ctx.Err()
			break
		}
	}
	o.deps.Client.Reset()

	o.notify(ctx, post, jobs, abort)
	if abort != nil {
		return jobs, fmt.Errorf("post %s abandoned: %w", post.ID, abort)
	}
	return jobs, nil
}

// RunJob drives job from Idle to Complete or Failed. It returns the failure
// that stopped the job, if any.
func (o *Orchestrator) RunJob(ctx context.Context, job *Job) error {
	o.setCurrent(job.Record())
	defer o.setCurrent(nil)

	log := slog.With("job_id", string(job.ID), "post_id", string(job.PostID), "variation", job.Variation)
	log.Info("job started", "prompt", job.Prompt)

	if err := o.transition(ctx, job, types.JobDispatching, 0, "generate"); err != nil {
		return err
	}

	res, err := o.withRetries(ctx, job, func() (*correlate.Call, error) {
		return o.deps.Client.SubmitGenerate(ctx, job.Prompt, job.Options)
	}, func() error {
		if job.State == types.JobDispatching {
			return o.transition(ctx, job, types.JobAwaitingGrid, 0, "interaction sent")
		}
		return nil
	})
	if err != nil {
		return o.fail(ctx, job, err)
	}

	if err := job.SetGrid(res.GridID, res.ImageURL); err != nil {
		return o.fail(ctx, job, err)
	}
	job.GridArtifact = o.storeImage(ctx, job, "grid", 0, res.ImageURL)
	if err := o.transition(ctx, job, types.JobGridReady, 0, "grid "+res.GridID); err != nil {
		return err
	}

	for _, v := range o.cfg.Variants {
		if err := o.upscale(ctx, job, v); err != nil {
			return o.fail(ctx, job, err)
		}
	}

	if err := o.transition(ctx, job, types.JobComplete, 0, ""); err != nil {
		return err
	}
	log.Info("job complete", "grid_id", job.GridMessageID, "upscales", len(job.Upscales))
	return nil
}

func (o *Orchestrator) upscale(ctx context.Context, job *Job, variant int) error {
	if err := o.transition(ctx, job, types.JobAwaitingUpscale, variant, ""); err != nil {
		return err
	}
	res, err := o.withRetries(ctx, job, func() (*correlate.Call, error) {
		return o.deps.Client.SubmitUpscale(ctx, job.GridMessageID, variant)
	}, nil)
	if err != nil {
		return err
	}

	msgID := ""
	if res.Message != nil {
		msgID = res.Message.ID
	}
	up := types.UpscaleResult{
		Variant:      variant,
		MessageID:    msgID,
		ImageURL:     res.ImageURL,
		ParentGridID: job.GridMessageID,
	}
	up.Artifact = o.storeImage(ctx, job, "upscale", variant, res.ImageURL)
	if err := job.AddUpscale(up); err != nil {
		return err
	}
	return o.transition(ctx, job, types.JobGridReady, 0, fmt.Sprintf("upscale %d %s", variant, msgID))
}

// withRetries submits and waits, re-attempting the same step after
// ephemeral moderation.
func (o *Orchestrator) withRetries(ctx context.Context, job *Job, submit func() (*correlate.Call, error), sent func() error) (*correlate.Result, error) {
	for try := 0; ; try++ {
		call, err := submit()
		if err != nil {
			return nil, err
		}
		if sent != nil {
			if err := sent(); err != nil {
				return nil, err
			}
		}
		job.Attempts++
		res, err := call.Wait(ctx)
		if err == nil {
			return res, nil
		}
		if res == nil || !res.Outcome.Retryable() || try >= o.cfg.MaxEphemeralRetries {
			return res, err
		}
		slog.Warn("ephemeral moderation, retrying step", "job_id", string(job.ID), "state", job.State, "variant", job.Variant, "retry", try+1)
		o.appendEvent(ctx, job, job.State, job.State, fmt.Sprintf("retry %d after ephemeral moderation", try+1))
	}
}

func (o *Orchestrator) transition(ctx context.Context, job *Job, to types.JobState, variant int, detail string) error {
	from := job.State
	if err := job.Transition(to, variant); err != nil {
		return err
	}
	slog.Debug("job transition", "job_id", string(job.ID), "from", from, "to", to, "variant", variant)
	o.persist(ctx, job)
	o.appendEvent(ctx, job, from, to, detail)
	return nil
}

// fail moves job to Failed, keeping the classified kind, message id and
// snippet when the error carries them. It returns err.
func (o *Orchestrator) fail(ctx context.Context, job *Job, err error) error {
	f := describe(err)
	from := job.State
	if ferr := job.Fail(f); ferr != nil {
		slog.Error("cannot fail job", "job_id", string(job.ID), "state", from, "error", ferr)
		return err
	}
	slog.Warn("job failed", "job_id", string(job.ID), "from", from, "kind", f.Kind, "message_id", f.MessageID, "error", err)
	o.persist(ctx, job)
	o.appendEvent(ctx, job, from, types.JobFailed, f.Error)
	return err
}

func describe(err error) *types.Failure {
	f := &types.Failure{Kind: "error", Error: err.Error()}
	var ce *classify.Error
	var se *dispatch.StatusError
	switch {
	case errors.As(err, &ce):
		f.Kind = string(ce.Kind)
		f.MessageID = ce.MessageID
		f.Snippet = ce.Snippet
	case errors.Is(err, correlate.ErrTimeout):
		f.Kind = "timeout"
	case errors.Is(err, correlate.ErrBusy):
		f.Kind = "busy"
	case errors.Is(err, correlate.ErrInteractionFailed):
		f.Kind = string(classify.InvalidRequest)
	case dispatch.IsUnauthorized(err), errors.Is(err, gateway.ErrAuthenticationFailed):
		f.Kind = "unauthorized"
	case errors.As(err, &se):
		f.Kind = "dispatch"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f.Kind = "cancelled"
	}
	return f
}

// isFatal reports errors that make every later job fail the same way.
func isFatal(err error) bool {
	return errors.Is(err, gateway.ErrAuthenticationFailed) ||
		errors.Is(err, gateway.ErrReconnectExhausted) ||
		dispatch.IsUnauthorized(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (o *Orchestrator) persist(ctx context.Context, job *Job) {
	// The store stamps timestamps on the record it is given.
	o.setCurrent(job.Record())
	if o.deps.Records == nil {
		return
	}
	if err := o.deps.Records.Upsert(ctx, job.Record()); err != nil {
		slog.Error("failed to persist job record", "job_id", string(job.ID), "error", err)
	}
}

func (o *Orchestrator) appendEvent(ctx context.Context, job *Job, from, to types.JobState, detail string) {
	if o.deps.Events == nil {
		return
	}
	ev := &types.JobEvent{JobID: job.ID, From: from, To: to, Variant: job.Variant, Detail: detail}
	if err := o.deps.Events.Append(ctx, ev); err != nil {
		slog.Error("failed to append job event", "job_id", string(job.ID), "error", err)
	}
}

// storeImage fetches url and stores it. Failures are logged and yield an
// empty ref.
func (o *Orchestrator) storeImage(ctx context.Context, job *Job, kind string, variant int, url string) types.ArtifactRef {
	if o.deps.Fetcher == nil || o.deps.Artifacts == nil || url == "" {
		return ""
	}
	data, mime, err := o.deps.Fetcher.Fetch(ctx, url)
	if err != nil {
		slog.Warn("failed to fetch image", "job_id", string(job.ID), "kind", kind, "variant", variant, "url", url, "error", err)
		return ""
	}
	ref, err := o.deps.Artifacts.Put(ctx, data, types.ArtifactMeta{
		JobID:     job.ID,
		Kind:      kind,
		Variant:   variant,
		SourceURL: url,
		MimeType:  mime,
	})
	if err != nil {
		slog.Warn("failed to store image", "job_id", string(job.ID), "kind", kind, "variant", variant, "error", err)
		return ""
	}
	return ref
}

func (o *Orchestrator) notify(ctx context.Context, post *types.Post, jobs []*Job, abort error) {
	target := post.Notify
	if target == "" {
		target = o.cfg.DefaultNotify
	}
	if target == "" || o.deps.Notifier == nil {
		return
	}
	if err := o.deps.Notifier.Deliver(context.WithoutCancel(ctx), target, Summarize(post, jobs, abort)); err != nil {
		slog.Warn("failed to deliver summary", "post_id", string(post.ID), "target", target, "error", err)
	}
}

// Summarize renders a short operator-facing report of a post's jobs.
func Summarize(post *types.Post, jobs []*Job, abort error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Post %s: %q\n", post.ID, post.Prompt)
	for _, j := range jobs {
		switch j.State {
		case types.JobComplete:
			fmt.Fprintf(&b, "- %s: complete, grid %s, %d upscales\n", j.Variation, j.GridMessageID, len(j.Upscales))
		case types.JobFailed:
			fmt.Fprintf(&b, "- %s: failed (%s)", j.Variation, j.Failure.Kind)
			if j.Failure.MessageID != "" {
				fmt.Fprintf(&b, " message %s", j.Failure.MessageID)
			}
			if j.Failure.Snippet != "" {
				fmt.Fprintf(&b, ": %s", j.Failure.Snippet)
			}
			b.WriteString("\n")
		default:
			fmt.Fprintf(&b, "- %s: %s\n", j.Variation, j.State)
		}
	}
	if abort != nil {
		fmt.Fprintf(&b, "Run abandoned: %v\n", abort)
	}
	return strings.TrimRight(b.String(), "\n")
}

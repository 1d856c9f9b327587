package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/gridclaw/internal/types"
)

var (
	ErrIllegalTransition = errors.New("illegal job state transition")
	ErrGridAlreadySet    = errors.New("grid message already recorded")
	ErrDuplicateVariant  = errors.New("variant already upscaled")
)

// transitions lists the legal moves out of each non-terminal state. Failed
// is reachable from every non-terminal state and is not listed.
var transitions = map[types.JobState][]types.JobState{
	types.JobIdle:            {types.JobDispatching},
	types.JobDispatching:     {types.JobAwaitingGrid},
	types.JobAwaitingGrid:    {types.JobGridReady},
	types.JobGridReady:       {types.JobAwaitingUpscale, types.JobComplete},
	types.JobAwaitingUpscale: {types.JobGridReady},
}

// Job is one (prompt, variation) run: a generation followed by up to four
// upscales. It is driven by a single goroutine.
type Job struct {
	ID        types.JobID
	PostID    types.PostID
	Prompt    string
	Options   types.Options
	Variation string

	State types.JobState
	// Variant is the variant being upscaled while AwaitingUpscale.
	Variant       int
	GridMessageID string
	GridImageURL  string
	GridArtifact  types.ArtifactRef
	Upscales      map[int]types.UpscaleResult
	Failure       *types.Failure
	Attempts      int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJob creates an Idle job for post under variation v.
func NewJob(post *types.Post, v types.Variation) *Job {
	now := time.Now()
	name := v.Name
	if name == "" {
		name = "default"
	}
	return &Job{
		ID:        types.NewJobID(),
		PostID:    post.ID,
		Prompt:    post.Prompt,
		Options:   v.Apply(post.Options),
		Variation: name,
		State:     types.JobIdle,
		Upscales:  make(map[int]types.UpscaleResult),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the job to state to. variant is recorded when entering
// AwaitingUpscale.
func (j *Job) Transition(to types.JobState, variant int) error {
	from := j.State
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, from)
	}
	if to != types.JobFailed && !allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if to == types.JobAwaitingUpscale {
		if variant < 1 || variant > 4 {
			return fmt.Errorf("%w: variant %d out of range", ErrIllegalTransition, variant)
		}
		j.Variant = variant
	} else {
		j.Variant = 0
	}
	j.State = to
	j.UpdatedAt = time.Now()
	return nil
}

func allowed(from, to types.JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SetGrid records the grid message. It can be set once.
func (j *Job) SetGrid(messageID, imageURL string) error {
	if j.GridMessageID != "" {
		return fmt.Errorf("%w: %s", ErrGridAlreadySet, j.GridMessageID)
	}
	j.GridMessageID = messageID
	j.GridImageURL = imageURL
	return nil
}

// AddUpscale records one upscale result.
func (j *Job) AddUpscale(res types.UpscaleResult) error {
	if res.Variant < 1 || res.Variant > 4 {
		return fmt.Errorf("upscale variant %d out of range", res.Variant)
	}
	if _, ok := j.Upscales[res.Variant]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateVariant, res.Variant)
	}
	j.Upscales[res.Variant] = res
	return nil
}

// Fail moves the job to Failed with f.
func (j *Job) Fail(f *types.Failure) error {
	if err := j.Transition(types.JobFailed, 0); err != nil {
		return err
	}
	j.Failure = f
	return nil
}

// Record is the persisted view of the job.
func (j *Job) Record() *types.JobRecord {
	ups := make(map[int]types.ArtifactRef, len(j.Upscales))
	for v, u := range j.Upscales {
		ups[v] = u.Artifact
	}
	var failure *types.Failure
	if j.Failure != nil {
		f := *j.Failure
		failure = &f
	}
	return &types.JobRecord{
		JobID:         j.ID,
		PostID:        j.PostID,
		Variation:     j.Variation,
		Prompt:        j.Prompt,
		State:         j.State,
		GridMessageID: j.GridMessageID,
		GridArtifact:  j.GridArtifact,
		Upscales:      ups,
		Failure:       failure,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

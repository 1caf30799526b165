// Package pipeline runs the post-turn background stages in dependency order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kalambet/sidekick/internal/storage"
)

// Stage is one unit of background work. Stages communicate through the
// shared State and return an error to request a retry.
type Stage interface {
	Name() string
	Run(ctx context.Context, st *State) error
}

// Analysis is the analyzer stage's read on the conversation.
type Analysis struct {
	Mood            string   `json:"mood"`
	Engagement      string   `json:"engagement"`
	OpenThreads     []string `json:"open_threads"`
	UnmetObjectives []string `json:"unmet_objectives"`
	Summary         string   `json:"summary"`
}

// State carries data between stages of a single run. Turns is the snapshot
// taken when the job was enqueued; later slots are filled by earlier stages.
type State struct {
	Turns       []storage.Turn
	Facts       []storage.Fact
	Analysis    *Analysis
	Instruction string
}

// Retry is one stage's retry policy.
type Retry struct {
	MaxAttempts int
	Backoff     time.Duration
}

// StageSpec pairs a stage with the retry policy it runs under.
type StageSpec struct {
	Stage Stage
	Retry Retry
}

// Runner executes an ordered stage list, each stage under its own retry
// policy. A stage that fails all its attempts aborts the remaining stages;
// the run ends without their effects.
type Runner struct {
	specs        []StageSpec
	stageTimeout time.Duration
}

// NewRunner creates a Runner. Zero retry fields in a spec default to 3
// attempts with a 2s initial backoff; a zero stageTimeout defaults to 60s.
func NewRunner(specs []StageSpec, stageTimeout time.Duration) *Runner {
	for i := range specs {
		if specs[i].Retry.MaxAttempts <= 0 {
			specs[i].Retry.MaxAttempts = 3
		}
		if specs[i].Retry.Backoff <= 0 {
			specs[i].Retry.Backoff = 2 * time.Second
		}
	}
	if stageTimeout <= 0 {
		stageTimeout = 60 * time.Second
	}
	return &Runner{specs: specs, stageTimeout: stageTimeout}
}

// Run executes the stages in order against st.
func (r *Runner) Run(ctx context.Context, st *State) error {
	for _, spec := range r.specs {
		if err := r.runStage(ctx, spec, st); err != nil {
			return fmt.Errorf("stage %s: %w", spec.Stage.Name(), err)
		}
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, spec StageSpec, st *State) error {
	var lastErr error
	for attempt := range spec.Retry.MaxAttempts {
		attemptCtx, cancel := context.WithTimeout(ctx, r.stageTimeout)
		err := spec.Stage.Run(attemptCtx, st)
		cancel()
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("pipeline stage attempt failed",
			"stage", spec.Stage.Name(),
			"attempt", attempt+1,
			"max_attempts", spec.Retry.MaxAttempts,
			"error", err,
		)

		if attempt < spec.Retry.MaxAttempts-1 {
			backoff := time.Duration(float64(spec.Retry.Backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", spec.Retry.MaxAttempts, lastErr)
}

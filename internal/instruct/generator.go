// Package instruct decides whether the companion should steer its next reply
// and, if so, writes the one-shot instruction to the injection store.
package instruct

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sidekick/internal/gemini"
	"github.com/kalambet/sidekick/internal/pipeline"
	"github.com/kalambet/sidekick/internal/storage"
)

// Inferrer is the structured model call the stage depends on.
type Inferrer interface {
	Infer(ctx context.Context, model string, messages []gemini.Message, schema *gemini.Schema) (string, error)
}

// InjectionStore persists generated instructions. Implemented by storage.Store.
type InjectionStore interface {
	CreateInjection(inj storage.Injection) error
}

// SummarySource supplies the objectives summary for the prompt.
// Implemented by objectives.Manager.
type SummarySource interface {
	Summary() (string, error)
}

type mode int

const (
	modeUser mode = iota
	modeTimed
)

// Stage generates at most one injection per pipeline run.
type Stage struct {
	client     Inferrer
	model      string
	store      InjectionStore
	objectives SummarySource
	mode       mode
}

// NewUser creates the generator for user-triggered runs: it sees the fresh
// analysis and decides whether the NEXT reply needs steering at all.
func NewUser(client Inferrer, model string, store InjectionStore, objectives SummarySource) *Stage {
	return &Stage{client: client, model: model, store: store, objectives: objectives, mode: modeUser}
}

// NewTimed creates the generator for inactivity-triggered runs: it produces
// an instruction for re-engaging the user unprompted.
func NewTimed(client Inferrer, model string, store InjectionStore, objectives SummarySource) *Stage {
	return &Stage{client: client, model: model, store: store, objectives: objectives, mode: modeTimed}
}

func (s *Stage) Name() string {
	if s.mode == modeTimed {
		return "instruct_timed"
	}
	return "instruct"
}

type generated struct {
	ShouldInstruct bool   `json:"should_instruct"`
	Instruction    string `json:"instruction"`
}

func (s *Stage) Run(ctx context.Context, st *pipeline.State) error {
	summary, err := s.objectives.Summary()
	if err != nil {
		// The generator can still work without objectives context.
		slog.Warn("instruction generator: objectives summary unavailable", "error", err)
		summary = ""
	}

	raw, err := s.client.Infer(ctx, s.model, s.buildPrompt(st, summary), resultSchema())
	if err != nil {
		return fmt.Errorf("instruction call: %w", err)
	}

	var result generated
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return fmt.Errorf("unmarshalling instruction: %w", err)
	}

	if !result.ShouldInstruct || result.Instruction == "" {
		return nil
	}

	inj := storage.Injection{
		ID:        uuid.NewString(),
		Source:    storage.SourcePipeline,
		Text:      result.Instruction,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateInjection(inj); err != nil {
		return fmt.Errorf("storing injection: %w", err)
	}

	st.Instruction = result.Instruction
	return nil
}

func resultSchema() *gemini.Schema {
	return &gemini.Schema{
		Type: "OBJECT",
		Properties: map[string]*gemini.Schema{
			"should_instruct": {Type: "BOOLEAN", Description: "Whether the next reply needs steering"},
			"instruction":     {Type: "STRING", Description: "Imperative guidance for the companion, e.g. 'Ask the user how the interview went'"},
		},
		Required: []string{"should_instruct", "instruction"},
	}
}

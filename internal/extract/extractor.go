// Package extract pulls durable facts out of the recent conversation window.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sidekick/internal/gemini"
	"github.com/kalambet/sidekick/internal/pipeline"
	"github.com/kalambet/sidekick/internal/storage"
)

// Fact categories the extractor recognizes.
const (
	CategoryInterest     = "interest"
	CategoryCommitment   = "commitment"
	CategoryQuestion     = "open_question"
	CategoryPersonalInfo = "personal_info"
	CategoryProgress     = "objective_progress"
)

// Inferrer is the structured model call the stage depends on.
type Inferrer interface {
	Infer(ctx context.Context, model string, messages []gemini.Message, schema *gemini.Schema) (string, error)
}

// FactStore persists extractor output. Implemented by storage.Store.
type FactStore interface {
	SaveFacts(facts []storage.Fact) error
}

// Stage extracts structured facts from the turn snapshot and saves them.
// Errors surface to the runner so transient model failures are retried.
type Stage struct {
	client Inferrer
	model  string
	store  FactStore
}

// New creates the extractor stage.
func New(client Inferrer, model string, store FactStore) *Stage {
	return &Stage{client: client, model: model, store: store}
}

func (s *Stage) Name() string { return "extract" }

type extractResult struct {
	Facts []struct {
		Category string `json:"category"`
		Item     string `json:"item"`
	} `json:"facts"`
}

func (s *Stage) Run(ctx context.Context, st *pipeline.State) error {
	if len(st.Turns) == 0 {
		return nil
	}

	raw, err := s.client.Infer(ctx, s.model, BuildPrompt(st.Turns), resultSchema())
	if err != nil {
		return fmt.Errorf("extraction call: %w", err)
	}

	var result extractResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return fmt.Errorf("unmarshalling extraction result: %w", err)
	}

	sourceIDs := turnIDsJSON(st.Turns)
	now := time.Now().UTC()
	facts := make([]storage.Fact, 0, len(result.Facts))
	for _, f := range result.Facts {
		if f.Item == "" {
			continue
		}
		facts = append(facts, storage.Fact{
			ID:            uuid.NewString(),
			Category:      f.Category,
			Item:          f.Item,
			SourceTurnIDs: sourceIDs,
			CreatedAt:     now,
		})
	}

	if err := s.store.SaveFacts(facts); err != nil {
		return fmt.Errorf("saving facts: %w", err)
	}

	st.Facts = facts
	return nil
}

func turnIDsJSON(turns []storage.Turn) string {
	ids := make([]string, len(turns))
	for i, t := range turns {
		ids[i] = t.ID
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// resultSchema constrains the model to a flat fact list.
func resultSchema() *gemini.Schema {
	return &gemini.Schema{
		Type: "OBJECT",
		Properties: map[string]*gemini.Schema{
			"facts": {
				Type: "ARRAY",
				Items: &gemini.Schema{
					Type: "OBJECT",
					Properties: map[string]*gemini.Schema{
						"category": {
							Type: "STRING",
							Enum: []string{CategoryInterest, CategoryCommitment, CategoryQuestion, CategoryPersonalInfo, CategoryProgress},
						},
						"item": {Type: "STRING", Description: "One self-contained fact, phrased in third person"},
					},
					Required: []string{"category", "item"},
				},
			},
		},
		Required: []string{"facts"},
	}
}

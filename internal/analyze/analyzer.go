// Package analyze reads the conversation window and the extracted facts to
// assess mood, engagement, and unfinished threads.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/sidekick/internal/extract"
	"github.com/kalambet/sidekick/internal/gemini"
	"github.com/kalambet/sidekick/internal/pipeline"
)

// Inferrer is the structured model call the stage depends on.
type Inferrer interface {
	Infer(ctx context.Context, model string, messages []gemini.Message, schema *gemini.Schema) (string, error)
}

// Stage analyzes the turn snapshot; the result feeds the instruction
// generator downstream.
type Stage struct {
	client Inferrer
	model  string
}

// New creates the analyzer stage.
func New(client Inferrer, model string) *Stage {
	return &Stage{client: client, model: model}
}

func (s *Stage) Name() string { return "analyze" }

func (s *Stage) Run(ctx context.Context, st *pipeline.State) error {
	if len(st.Turns) == 0 {
		return nil
	}

	raw, err := s.client.Infer(ctx, s.model, buildPrompt(st), resultSchema())
	if err != nil {
		return fmt.Errorf("analysis call: %w", err)
	}

	var result pipeline.Analysis
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return fmt.Errorf("unmarshalling analysis: %w", err)
	}

	st.Analysis = &result
	return nil
}

const systemPrompt = `You are a conversation analyst. Read the transcript and the extracted facts, then output ONLY a single valid JSON object conforming to the provided schema.

Assess:
- mood: the user's current emotional tone in one or two words
- engagement: "high", "medium", or "low"
- open_threads: topics the user raised that deserve a follow-up
- unmet_objectives: stated goals with no visible progress in this window
- summary: two sentences at most on where the conversation stands`

func buildPrompt(st *pipeline.State) []gemini.Message {
	var sb strings.Builder
	sb.WriteString(extract.Transcript(st.Turns))
	if len(st.Facts) > 0 {
		sb.WriteString("\n[Extracted facts]\n")
		for _, f := range st.Facts {
			fmt.Fprintf(&sb, "- (%s) %s\n", f.Category, f.Item)
		}
	}
	return []gemini.Message{
		{Role: gemini.RoleSystem, Content: systemPrompt},
		{Role: gemini.RoleUser, Content: sb.String()},
	}
}

func resultSchema() *gemini.Schema {
	return &gemini.Schema{
		Type: "OBJECT",
		Properties: map[string]*gemini.Schema{
			"mood":             {Type: "STRING"},
			"engagement":       {Type: "STRING", Enum: []string{"high", "medium", "low"}},
			"open_threads":     {Type: "ARRAY", Items: &gemini.Schema{Type: "STRING"}},
			"unmet_objectives": {Type: "ARRAY", Items: &gemini.Schema{Type: "STRING"}},
			"summary":          {Type: "STRING"},
		},
		Required: []string{"mood", "engagement", "open_threads", "unmet_objectives", "summary"},
	}
}

package analyze

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/sidekick/internal/gemini"
	"github.com/kalambet/sidekick/internal/pipeline"
	"github.com/kalambet/sidekick/internal/storage"
)

type mockInferrer struct {
	response string
	err      error
	messages []gemini.Message
}

func (m *mockInferrer) Infer(ctx context.Context, model string, messages []gemini.Message, schema *gemini.Schema) (string, error) {
	m.messages = messages
	return m.response, m.err
}

func analyzedState() *pipeline.State {
	return &pipeline.State{
		Turns: []storage.Turn{
			{ID: "t1", Role: storage.RoleUser, Text: "Work has been exhausting this week"},
			{ID: "t2", Role: storage.RoleAssistant, Text: "Sorry to hear that. What is draining you most?"},
		},
		Facts: []storage.Fact{
			{ID: "f1", Category: "personal_info", Item: "The user has a demanding week at work"},
		},
	}
}

func TestRun_FillsAnalysis(t *testing.T) {
	mock := &mockInferrer{
		response: `{"mood":"tired","engagement":"medium","open_threads":["work stress"],"unmet_objectives":["exercise"],"summary":"The user is worn down by work."}`,
	}
	stage := New(mock, "stage-model")

	st := analyzedState()
	if err := stage.Run(context.Background(), st); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if st.Analysis == nil {
		t.Fatal("Analysis not set")
	}
	if st.Analysis.Mood != "tired" {
		t.Errorf("Mood = %q, want %q", st.Analysis.Mood, "tired")
	}
	if len(st.Analysis.OpenThreads) != 1 || st.Analysis.OpenThreads[0] != "work stress" {
		t.Errorf("OpenThreads = %v", st.Analysis.OpenThreads)
	}
	if len(st.Analysis.UnmetObjectives) != 1 {
		t.Errorf("UnmetObjectives = %v", st.Analysis.UnmetObjectives)
	}
}

func TestRun_PromptIncludesFacts(t *testing.T) {
	mock := &mockInferrer{
		response: `{"mood":"ok","engagement":"low","open_threads":[],"unmet_objectives":[],"summary":"s"}`,
	}
	stage := New(mock, "m")

	if err := stage.Run(context.Background(), analyzedState()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	user := mock.messages[1].Content
	if !strings.Contains(user, "exhausting this week") {
		t.Errorf("transcript missing: %q", user)
	}
	if !strings.Contains(user, "demanding week at work") {
		t.Errorf("facts missing: %q", user)
	}
}

func TestRun_MalformedJSON(t *testing.T) {
	mock := &mockInferrer{response: `{{{`}
	stage := New(mock, "m")

	if err := stage.Run(context.Background(), analyzedState()); err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestRun_ModelError(t *testing.T) {
	mock := &mockInferrer{err: errors.New("timeout")}
	stage := New(mock, "m")

	if err := stage.Run(context.Background(), analyzedState()); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRun_EmptyWindow(t *testing.T) {
	mock := &mockInferrer{response: `{}`}
	stage := New(mock, "m")

	st := &pipeline.State{}
	if err := stage.Run(context.Background(), st); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Analysis != nil {
		t.Error("Analysis set for empty window")
	}
	if mock.messages != nil {
		t.Error("model called for empty window")
	}
}

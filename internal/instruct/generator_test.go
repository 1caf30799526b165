package instruct

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

type mockInjectionStore struct {
	created []storage.Injection
	err     error
}

func (m *mockInjectionStore) CreateInjection(inj storage.Injection) error {
	if m.err != nil {
		return m.err
	}
	m.created = append(m.created, inj)
	return nil
}

type staticSummary struct {
	summary string
	err     error
}

func (s staticSummary) Summary() (string, error) { return s.summary, s.err }

func instructState() *pipeline.State {
	return &pipeline.State{
		Turns: []storage.Turn{
			{ID: "t1", Role: storage.RoleUser, Text: "I have my driving test tomorrow"},
		},
		Analysis: &pipeline.Analysis{
			Mood:        "nervous",
			Engagement:  "high",
			OpenThreads: []string{"driving test"},
			Summary:     "The user is anxious about tomorrow's driving test.",
		},
	}
}

func TestRun_CreatesInjection(t *testing.T) {
	mock := &mockInferrer{
		response: `{"should_instruct":true,"instruction":"Ask the user how the driving test went."}`,
	}
	store := &mockInjectionStore{}
	stage := NewUser(mock, "m", store, staticSummary{summary: "- Pass driving test (weekly)"})

	st := instructState()
	if err := stage.Run(context.Background(), st); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("created %d injections, want 1", len(store.created))
	}
	inj := store.created[0]
	if inj.Source != storage.SourcePipeline {
		t.Errorf("Source = %q, want %q", inj.Source, storage.SourcePipeline)
	}
	if inj.Text != "Ask the user how the driving test went." {
		t.Errorf("Text = %q", inj.Text)
	}
	if inj.ID == "" {
		t.Error("injection ID not assigned")
	}
	if st.Instruction != inj.Text {
		t.Errorf("state Instruction = %q", st.Instruction)
	}
}

func TestRun_NoInstructionNeeded(t *testing.T) {
	mock := &mockInferrer{
		response: `{"should_instruct":false,"instruction":""}`,
	}
	store := &mockInjectionStore{}
	stage := NewUser(mock, "m", store, staticSummary{})

	st := instructState()
	if err := stage.Run(context.Background(), st); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.created) != 0 {
		t.Errorf("created %d injections, want 0", len(store.created))
	}
	if st.Instruction != "" {
		t.Errorf("Instruction = %q, want empty", st.Instruction)
	}
}

func TestRun_PromptIncludesContext(t *testing.T) {
	mock := &mockInferrer{response: `{"should_instruct":false,"instruction":""}`}
	stage := NewUser(mock, "m", &mockInjectionStore{}, staticSummary{summary: "- Meditate (daily): 0 check-ins today"})

	if err := stage.Run(context.Background(), instructState()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	user := mock.messages[1].Content
	for _, want := range []string{"driving test tomorrow", "mood: nervous", "Meditate"} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt missing %q:\n%s", want, user)
		}
	}
}

func TestRun_TimedPrompt(t *testing.T) {
	mock := &mockInferrer{
		response: `{"should_instruct":true,"instruction":"Ask the user whether they practiced parallel parking."}`,
	}
	store := &mockInjectionStore{}
	stage := NewTimed(mock, "m", store, staticSummary{})

	if stage.Name() != "instruct_timed" {
		t.Errorf("Name = %q, want instruct_timed", stage.Name())
	}

	st := &pipeline.State{Turns: instructState().Turns}
	if err := stage.Run(context.Background(), st); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(mock.messages[0].Content, "quiet for a while") {
		t.Errorf("timed system prompt not used: %q", mock.messages[0].Content)
	}
	if len(store.created) != 1 {
		t.Errorf("created %d injections, want 1", len(store.created))
	}
}

func TestRun_SummaryErrorTolerated(t *testing.T) {
	mock := &mockInferrer{response: `{"should_instruct":false,"instruction":""}`}
	stage := NewUser(mock, "m", &mockInjectionStore{}, staticSummary{err: errors.New("db closed")})

	if err := stage.Run(context.Background(), instructState()); err != nil {
		t.Fatalf("Run should tolerate summary errors: %v", err)
	}
}

func TestRun_ModelError(t *testing.T) {
	mock := &mockInferrer{err: errors.New("rate limited")}
	stage := NewUser(mock, "m", &mockInjectionStore{}, staticSummary{})

	if err := stage.Run(context.Background(), instructState()); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRun_StoreError(t *testing.T) {
	mock := &mockInferrer{
		response: `{"should_instruct":true,"instruction":"Ask something."}`,
	}
	stage := NewUser(mock, "m", &mockInjectionStore{err: errors.New("disk full")}, staticSummary{})

	if err := stage.Run(context.Background(), instructState()); err == nil {
		t.Fatal("expected error, got nil")
	}
}

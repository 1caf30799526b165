package composer

import (
	"strings"
	"testing"
	"time"

	"github.com/kalambet/sidekick/internal/gemini"
	"github.com/kalambet/sidekick/internal/storage"
)

var testNow = time.Date(2025, 6, 7, 19, 30, 0, 0, time.UTC)

func testTurns() []storage.Turn {
	return []storage.Turn{
		{ID: "t1", Role: storage.RoleUser, Text: "I started training for a 10k"},
		{ID: "t2", Role: storage.RoleAssistant, Text: "That's great! How is it going?"},
		{ID: "t3", Role: storage.RoleUser, Text: "First run was rough"},
	}
}

func TestCompose_NoInstruction(t *testing.T) {
	c := New("")

	msgs := c.Compose(testTurns(), "", "", testNow)
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4 (system + 3 turns)", len(msgs))
	}
	if msgs[0].Role != gemini.RoleSystem {
		t.Errorf("first message role = %q, want system", msgs[0].Role)
	}
	if msgs[3].Content != "First run was rough" {
		t.Errorf("latest user message changed: %q", msgs[3].Content)
	}
	for _, m := range msgs {
		if strings.Contains(m.Content, "[System instruction:") {
			t.Errorf("instruction marker present without instruction: %q", m.Content)
		}
	}
}

func TestCompose_FoldsIntoLatestUserTurn(t *testing.T) {
	c := New("")

	msgs := c.Compose(testTurns(), "Ask how their knee is feeling.", "", testNow)

	last := msgs[len(msgs)-1]
	if last.Role != gemini.RoleUser {
		t.Fatalf("last message role = %q, want user", last.Role)
	}
	if !strings.HasPrefix(last.Content, "First run was rough") {
		t.Errorf("user text not preserved: %q", last.Content)
	}
	if !strings.Contains(last.Content, "[System instruction: Ask how their knee is feeling.]") {
		t.Errorf("instruction not folded: %q", last.Content)
	}

	// Earlier turns untouched.
	if strings.Contains(msgs[1].Content, "[System instruction:") {
		t.Errorf("instruction folded into wrong turn: %q", msgs[1].Content)
	}
}

func TestCompose_FoldSkipsTrailingAssistantTurn(t *testing.T) {
	c := New("")
	turns := append(testTurns(), storage.Turn{ID: "t4", Role: storage.RoleAssistant, Text: "Hang in there!"})

	msgs := c.Compose(turns, "Mention stretching.", "", testNow)

	// The fold target is the latest user turn, not the final turn.
	if !strings.Contains(msgs[3].Content, "[System instruction: Mention stretching.]") {
		t.Errorf("instruction missing from latest user turn: %q", msgs[3].Content)
	}
	if strings.Contains(msgs[4].Content, "[System instruction:") {
		t.Errorf("instruction folded into assistant turn: %q", msgs[4].Content)
	}
}

func TestCompose_SystemPromptContents(t *testing.T) {
	c := New("")

	msgs := c.Compose(testTurns(), "", "- Meditate (daily): 1 check-in today", testNow)

	sys := msgs[0].Content
	if !strings.Contains(sys, "Saturday") {
		t.Errorf("system prompt missing time context: %q", sys)
	}
	if !strings.Contains(sys, "[User objectives]") || !strings.Contains(sys, "Meditate") {
		t.Errorf("system prompt missing objectives: %q", sys)
	}
}

func TestCompose_CustomPersona(t *testing.T) {
	c := New("You are a terse robot.")

	msgs := c.Compose(testTurns(), "", "", testNow)
	if !strings.Contains(msgs[0].Content, "terse robot") {
		t.Errorf("custom persona missing: %q", msgs[0].Content)
	}
}

func TestCompose_SystemTurnKeepsSystemRole(t *testing.T) {
	c := New("")
	turns := append([]storage.Turn{
		{ID: "t0", Role: storage.RoleSystem, Text: "Conversation resumed after a restart"},
	}, testTurns()...)

	msgs := c.Compose(turns, "", "", testNow)
	if msgs[1].Role != gemini.RoleSystem {
		t.Errorf("stored system turn role = %q, want system", msgs[1].Role)
	}

	pmsgs := c.ComposeProactive(turns, "Check in.", "", testNow)
	if pmsgs[1].Role != gemini.RoleSystem {
		t.Errorf("proactive system turn role = %q, want system", pmsgs[1].Role)
	}
}

func TestComposeProactive(t *testing.T) {
	c := New("")

	msgs := c.ComposeProactive(testTurns(), "Check in about the 10k training.", "", testNow)

	last := msgs[len(msgs)-1]
	if last.Role != gemini.RoleUser {
		t.Fatalf("last message role = %q, want user", last.Role)
	}
	if last.Content != "[System instruction: Check in about the 10k training.]" {
		t.Errorf("standalone instruction = %q", last.Content)
	}
	// History preserved verbatim before it.
	if msgs[3].Content != "First run was rough" {
		t.Errorf("history changed: %q", msgs[3].Content)
	}
}

func TestFoldInstruction(t *testing.T) {
	got := FoldInstruction("hello", "Be brief.")
	want := "hello\n\n[System instruction: Be brief.]"
	if got != want {
		t.Errorf("FoldInstruction = %q, want %q", got, want)
	}
}

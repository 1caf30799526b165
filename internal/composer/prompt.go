package composer

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/sidekick/internal/gemini"
	"github.com/kalambet/sidekick/internal/storage"
	"github.com/kalambet/sidekick/internal/timectx"
)

const basePersona = `You are a warm, attentive companion in an ongoing one-on-one conversation.
You remember what the user cares about, follow up on earlier threads, and keep
the tone natural. Keep replies conversational and reasonably short.`

// Composer assembles the outgoing conversational request from the system
// persona, the recent history window, and at most one pending instruction
// folded into the latest user message.
type Composer struct {
	Persona string
}

// New creates a Composer. An empty persona selects the default.
func New(persona string) *Composer {
	if persona == "" {
		persona = basePersona
	}
	return &Composer{Persona: persona}
}

// Compose builds the message list for the conversational model. turns is the
// recent window in chronological order; instruction, when non-empty, is
// appended to the latest user message in bracketed form so the model treats
// it as steering rather than user speech.
func (c *Composer) Compose(turns []storage.Turn, instruction, objectivesSummary string, now time.Time) []gemini.Message {
	msgs := []gemini.Message{{
		Role:    gemini.RoleSystem,
		Content: c.systemPrompt(objectivesSummary, now),
	}}

	lastUser := -1
	for i, t := range turns {
		if t.Role == storage.RoleUser {
			lastUser = i
		}
	}

	for i, t := range turns {
		text := t.Text
		if instruction != "" && i == lastUser {
			text = FoldInstruction(text, instruction)
		}
		msgs = append(msgs, gemini.Message{Role: messageRole(t.Role), Content: text})
	}

	return msgs
}

// ComposeProactive builds the message list for a self-initiated turn: the
// history window followed by the instruction as a standalone user-role
// request, since there is no fresh user message to fold into.
func (c *Composer) ComposeProactive(turns []storage.Turn, instruction, objectivesSummary string, now time.Time) []gemini.Message {
	msgs := []gemini.Message{{
		Role:    gemini.RoleSystem,
		Content: c.systemPrompt(objectivesSummary, now),
	}}

	for _, t := range turns {
		msgs = append(msgs, gemini.Message{Role: messageRole(t.Role), Content: t.Text})
	}

	msgs = append(msgs, gemini.Message{
		Role:    gemini.RoleUser,
		Content: fmt.Sprintf("[System instruction: %s]", instruction),
	})
	return msgs
}

// messageRole maps a stored turn role onto the model message role. System
// turns stay system messages; anything unrecognized is attributed to the user.
func messageRole(turnRole string) string {
	switch turnRole {
	case storage.RoleAssistant:
		return gemini.RoleAssistant
	case storage.RoleSystem:
		return gemini.RoleSystem
	default:
		return gemini.RoleUser
	}
}

func (c *Composer) systemPrompt(objectivesSummary string, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(c.Persona)
	sb.WriteString("\n\n")
	sb.WriteString(timectx.Describe(now))
	if objectivesSummary != "" {
		sb.WriteString("\n\n[User objectives]\n")
		sb.WriteString(objectivesSummary)
	}
	return sb.String()
}

// FoldInstruction appends a one-time steering instruction to a user message.
func FoldInstruction(userText, instruction string) string {
	return fmt.Sprintf("%s\n\n[System instruction: %s]", userText, instruction)
}

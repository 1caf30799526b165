package extract

import (
	"fmt"
	"strings"

	"github.com/kalambet/sidekick/internal/gemini"
	"github.com/kalambet/sidekick/internal/storage"
)

const systemPromptTemplate = `You are an information extraction engine. Read the conversation transcript and output ONLY a single valid JSON object conforming to the provided schema.

Fact categories:
- "interest": a topic, activity, or subject the user cares about
- "commitment": something the user said they would do, with any stated deadline
- "open_question": a question the user raised that was not resolved
- "personal_info": stable personal details (relationships, job, location, health)
- "objective_progress": evidence the user made progress on a stated goal

Rules:
- Extract only what the USER said or clearly confirmed; ignore assistant speculation.
- Each fact must stand alone without the transcript.
- Return an empty facts array if the window contains nothing worth keeping.`

// BuildPrompt constructs the extraction messages from the turn snapshot.
func BuildPrompt(turns []storage.Turn) []gemini.Message {
	return []gemini.Message{
		{Role: gemini.RoleSystem, Content: systemPromptTemplate},
		{Role: gemini.RoleUser, Content: Transcript(turns)},
	}
}

// Transcript renders turns as a plain-text transcript for stage prompts.
func Transcript(turns []storage.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Text)
	}
	return sb.String()
}

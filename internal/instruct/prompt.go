package instruct

import (
	"fmt"
	"strings"

	"github.com/kalambet/sidekick/internal/extract"
	"github.com/kalambet/sidekick/internal/gemini"
	"github.com/kalambet/sidekick/internal/pipeline"
)

const userSystemPrompt = `You are the overseer of a companion AI. Given the conversation, its analysis, and the user's objectives, decide whether the companion's NEXT reply should be steered.

Only instruct when there is a concrete reason: an unresolved thread worth returning to, a commitment worth acknowledging, or an objective the user is neglecting. Most turns need no steering; in that case set should_instruct to false.

When you do instruct, phrase it as a single imperative sentence for the companion, such as "Ask the user at the next opportunity how the pottery class went."

Output ONLY a single valid JSON object conforming to the provided schema.`

const timedSystemPrompt = `You are the overseer of a companion AI. The user has been quiet for a while and the companion is about to reach out on its own. Given the conversation so far and the user's objectives, write the instruction for that self-initiated message.

Pick ONE specific thing to bring up: an open thread, a commitment, or a neglected objective. Phrase it as a single imperative sentence, such as "Ask the user whether they got around to their run today." Set should_instruct to false only if there is genuinely nothing worth reaching out about.

Output ONLY a single valid JSON object conforming to the provided schema.`

func (s *Stage) buildPrompt(st *pipeline.State, objectivesSummary string) []gemini.Message {
	sys := userSystemPrompt
	if s.mode == modeTimed {
		sys = timedSystemPrompt
	}

	var sb strings.Builder
	sb.WriteString(extract.Transcript(st.Turns))
	if st.Analysis != nil {
		sb.WriteString("\n[Analysis]\n")
		fmt.Fprintf(&sb, "mood: %s; engagement: %s\n", st.Analysis.Mood, st.Analysis.Engagement)
		if len(st.Analysis.OpenThreads) > 0 {
			fmt.Fprintf(&sb, "open threads: %s\n", strings.Join(st.Analysis.OpenThreads, "; "))
		}
		if len(st.Analysis.UnmetObjectives) > 0 {
			fmt.Fprintf(&sb, "unmet objectives: %s\n", strings.Join(st.Analysis.UnmetObjectives, "; "))
		}
		if st.Analysis.Summary != "" {
			fmt.Fprintf(&sb, "summary: %s\n", st.Analysis.Summary)
		}
	}
	if objectivesSummary != "" {
		sb.WriteString("\n[User objectives]\n")
		sb.WriteString(objectivesSummary)
	}

	return []gemini.Message{
		{Role: gemini.RoleSystem, Content: sys},
		{Role: gemini.RoleUser, Content: sb.String()},
	}
}

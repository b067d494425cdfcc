package debate

import (
	"fmt"
	"strings"
)

// stageInstructions tells each speaker what their turn must do.
var stageInstructions = map[Stage]string{
	StageOpening:             "Open the debate: introduce the topic, the participants and the rules of engagement.",
	StageProArgument:         "Present your strongest affirmative case for the motion.",
	StageConArgument:         "Present your strongest case against the motion.",
	StageSummaryOne:          "Summarize both opening arguments neutrally and frame the points of disagreement.",
	StageInteractiveArgument: "Respond directly to your opponent's most recent points. Concede nothing without reason.",
	StageSummaryTwo:          "Summarize the exchange so far and note which arguments remain unanswered.",
	StageProConclusion:       "Deliver your closing statement for the motion. No new arguments.",
	StageConConclusion:       "Deliver your closing statement against the motion. No new arguments.",
	StageClosing:             "Close the debate: thank the participants and state what the audience should weigh.",
}

// buildSystemPrompt frames the speaker's identity and stance.
func buildSystemPrompt(topic string, speaker *Participant) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, the %s speaker in a formal philosophical debate on: %s.\n", speaker.Name, speaker.Role, topic)
	if speaker.Stance != "" {
		fmt.Fprintf(&b, "Your stance: %s\n", speaker.Stance)
	}
	b.WriteString("Speak in first person, stay in character and keep your turn under 300 words.")
	return b.String()
}

// buildUserPrompt combines the stage instruction with the recent
// transcript.
func buildUserPrompt(stage Stage, transcript []Turn) string {
	var b strings.Builder
	if len(transcript) > 0 {
		b.WriteString("Recent exchange:\n")
		for _, turn := range transcript {
			fmt.Fprintf(&b, "[%s/%s] %s\n", turn.SpeakerID, turn.Role, turn.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString(stageInstructions[stage])
	return b.String()
}

// Package llm builds prompts for the announce and conversation paths and
// holds the backends that send them.
package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/kitmage/jarvipy/internal/announce"
	"github.com/kitmage/jarvipy/internal/conversation"
)

const AnnounceInstructions = `You are the voice of a home camera that just saw something move.
Decide whether it is worth a short spoken remark.
Reply with a single JSON object and nothing else:
{"say": "<one short sentence to speak aloud>", "priority": "normal" | "high"}
Use "high" only for things a resident should hear about right away.`

const ConversationInstructions = `You are Jarvis, a voice assistant living in a camera by the door.
Answer in one to three short sentences meant to be spoken aloud.
Do not use markdown, lists or emoji.`

// AnnouncePrompt renders the detections, local time and the previous event
// summary for an announce completion.
func AnnouncePrompt(req announce.Request) string {
	objects := make([]string, 0, len(req.Detections))
	for _, d := range req.Detections {
		objects = append(objects, d.String())
	}
	list := strings.Join(objects, ", ")
	if list == "" {
		list = "none"
	}
	return fmt.Sprintf("Objects: %s\nLocal time: %s\nPrevious event: %s",
		list, req.LocalTime.Format(time.RFC3339), req.PreviousEventSummary)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// History turns the session memory into alternating messages, oldest first.
// An exchange cut off before any reply contributes only its user message.
func History(exchanges []conversation.Exchange) []Message {
	out := make([]Message, 0, 2*len(exchanges))
	for _, e := range exchanges {
		out = append(out, Message{Role: RoleUser, Content: e.UserText})
		if e.AssistantText != "" {
			out = append(out, Message{Role: RoleAssistant, Content: e.AssistantText})
		}
	}
	return out
}

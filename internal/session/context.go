package session

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/pocketbrain/pocketbrain/internal/store"
)

// TaskMarker prefixes prompts fired by the scheduler so the agent
// knows it is running autonomously, not answering a live user.
const TaskMarker = "SCHEDULED TASK: this is an automated run, not a live user message. Output will be delivered to the chat."

// ContextPrefix renders the immutable chat-identity block re-sent on
// every prompt. Re-injection is what survives agent-side compaction:
// the agent always knows which chat it is speaking for, no matter what
// it discarded internally.
func ContextPrefix(chatJID, chatFolder string, isMain bool) string {
	return fmt.Sprintf("<pocketbrain_context>\nchatJid: %s\nchatFolder: %s\nisMain: %t\n</pocketbrain_context>",
		chatJID, chatFolder, isMain)
}

// FormatBatch renders a batch of pending messages into the prompt body.
// User-provided text is XML-escaped so content containing the envelope
// delimiters cannot break out of its tagged segment.
func FormatBatch(msgs []store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.Sender
		}
		fmt.Fprintf(&b, "  <message sender=%q timestamp=%q>", escapeXML(sender), escapeXML(m.Timestamp))
		b.WriteString(escapeXML(m.Content))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

func escapeXML(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}

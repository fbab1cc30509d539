// Package llm defines the surface of the external LLM gateway the
// orchestration engine consumes: starting and continuing agent
// conversations, fetching history, and best-effort aborts. The engine
// never talks to a model directly.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Roles of chat messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content normalizes the two wire shapes of message content: a plain
// string, or a list of typed blocks [{type:"text", text:"..."}].
type Content string

// UnmarshalJSON accepts both content encodings.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content(s)
		return nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	*c = Content(b.String())
	return nil
}

// MarshalJSON always emits the plain-string encoding.
func (c Content) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(c))
}

// Message is one turn of an agent conversation.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Gateway is the LLM runtime consumed by the engine. All methods can
// suspend for network I/O; callers must not hold the store lock across
// them. Abort and DeleteSession are best-effort: failures are logged and
// swallowed, the store stays the source of truth.
type Gateway interface {
	// Send starts or continues an agent conversation.
	Send(ctx context.Context, sessionKey, message string) error

	// History fetches up to limit past turns, oldest first.
	History(ctx context.Context, sessionKey string, limit int) ([]Message, error)

	// Abort interrupts a running agent turn.
	Abort(ctx context.Context, sessionKey string) error

	// DeleteSession discards the session and its state.
	DeleteSession(ctx context.Context, sessionKey string) error
}

// LastAssistantMessage returns the content of the most recent assistant
// turn, or "" when there is none.
func LastAssistantMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			return string(messages[i].Content)
		}
	}
	return ""
}

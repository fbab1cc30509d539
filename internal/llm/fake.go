package llm

import (
	"context"
	"sync"
)

// Fake is an in-memory Gateway for tests. Sent messages are recorded,
// histories are scripted per session key, and aborts/deletes are
// tracked. All methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	sent      map[string][]string // sessionKey -> sent messages
	histories map[string][]Message
	aborted   []string
	deleted   []string

	// SendErr, when set, is returned by every Send call.
	SendErr error
	// HistoryErr, when set, is returned by every History call.
	HistoryErr error
}

// NewFake creates an empty fake gateway.
func NewFake() *Fake {
	return &Fake{
		sent:      make(map[string][]string),
		histories: make(map[string][]Message),
	}
}

// Send records the message.
func (f *Fake) Send(ctx context.Context, sessionKey, message string) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[sessionKey] = append(f.sent[sessionKey], message)
	return nil
}

// History returns the scripted history for the session.
func (f *Fake) History(ctx context.Context, sessionKey string, limit int) ([]Message, error) {
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := f.histories[sessionKey]
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out, nil
}

// Abort records the abort.
func (f *Fake) Abort(ctx context.Context, sessionKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionKey)
	return nil
}

// DeleteSession records the deletion.
func (f *Fake) DeleteSession(ctx context.Context, sessionKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionKey)
	return nil
}

// SetHistory scripts the history returned for a session key.
func (f *Fake) SetHistory(sessionKey string, messages ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories[sessionKey] = messages
}

// Sent returns the messages sent to a session key.
func (f *Fake) Sent(sessionKey string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent[sessionKey]))
	copy(out, f.sent[sessionKey])
	return out
}

// SentSessions returns every session key that received a Send.
func (f *Fake) SentSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.sent {
		keys = append(keys, key)
	}
	return keys
}

// Aborted returns the aborted session keys in order.
func (f *Fake) Aborted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.aborted))
	copy(out, f.aborted)
	return out
}

// Deleted returns the deleted session keys in order.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

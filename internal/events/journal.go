package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/internal/events/bus"
)

const (
	kickoffJournalFile  = "kickoff-events.json"
	classifierAuditFile = "classification-log.json"
	journalFilePerm     = 0o644
	journalDirPerm      = 0o755
)

// JournalEntry is one line of the kickoff events log.
type JournalEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Journal appends broadcast events to a newline-delimited JSON file.
// Each write opens, appends and closes the file so concurrent readers
// see at most one truncated trailing line.
type Journal struct {
	path   string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewJournal creates a journal writing under dataDir.
func NewJournal(dataDir string, log *logger.Logger) *Journal {
	return &Journal{
		path:   filepath.Join(dataDir, kickoffJournalFile),
		logger: log,
	}
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	return j.path
}

// Append writes one event to the log. Errors are returned but callers
// typically treat them as non-fatal: the journal is an audit trail, not
// the source of truth.
func (j *Journal) Append(event *bus.Event) error {
	entry := JournalEntry{
		Timestamp: event.Timestamp,
		Type:      event.Type,
		Data:      event.Data,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), journalDirPerm); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, journalFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// Read returns all complete entries in the log. Lines that do not parse
// (including a truncated trailing line from a concurrent write) are
// skipped.
func (j *Journal) Read() ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var entries []JournalEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry JournalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			j.logger.Debug("skipping unparseable journal line", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to read journal: %w", err)
	}
	return entries, nil
}

// ClassifierAudit records classification decisions for later review.
type ClassifierAudit struct {
	path   string
	logger *logger.Logger
	mu     sync.Mutex
}

// ClassifierAuditEntry is one recorded classification decision.
type ClassifierAuditEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	SessionKey string    `json:"sessionKey"`
	StrandID   string    `json:"strandId,omitempty"`
	Confidence float64   `json:"confidence"`
	MenuShown  bool      `json:"menuShown"`
	Preview    string    `json:"preview,omitempty"`
}

// NewClassifierAudit creates an audit log writing under dataDir.
func NewClassifierAudit(dataDir string, log *logger.Logger) *ClassifierAudit {
	return &ClassifierAudit{
		path:   filepath.Join(dataDir, classifierAuditFile),
		logger: log,
	}
}

// Record appends one decision. Failures are logged, never propagated:
// classification must not fail because its audit trail is unwritable.
func (a *ClassifierAudit) Record(entry ClassifierAuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		a.logger.Warn("failed to marshal classifier audit entry", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), journalDirPerm); err != nil {
		a.logger.Warn("failed to create audit directory", zap.Error(err))
		return
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, journalFilePerm)
	if err != nil {
		a.logger.Warn("failed to open classifier audit log", zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		a.logger.Warn("failed to append classifier audit entry", zap.Error(err))
	}
}

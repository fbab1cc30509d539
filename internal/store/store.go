// Package store implements the single-writer, file-backed document store
// holding all orchestration state. The whole document is loaded once,
// mutated in memory under a store-wide lock, and persisted with a
// replace-then-rename atomic write on every successful mutation.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/internal/entities"
)

// ErrStoreUnavailable indicates the backing directory cannot be written.
// Callers surface this to the request surface and do not retry.
var ErrStoreUnavailable = errors.New("store unavailable")

// SessionRef is the value of the worker-session index.
type SessionRef struct {
	GoalID string `json:"goalId"`
}

// Config holds store-level configuration overrides (merged over process
// configuration by the role resolver).
type Config struct {
	AgentRoles map[string]string `json:"agentRoles,omitempty"`
}

// Data is the persisted document. Sibling references are by ID, never by
// pointer.
type Data struct {
	Strands            map[string]*entities.Strand `json:"strands"`
	Goals              map[string]*entities.Goal   `json:"goals"`
	SessionIndex       map[string]SessionRef       `json:"sessionIndex"`
	SessionStrandIndex map[string]string           `json:"sessionStrandIndex"`
	Config             Config                      `json:"config"`
	Counters           map[string]int64            `json:"counters"`
}

// NewData returns an empty, fully-initialized document.
func NewData() *Data {
	return &Data{
		Strands:            make(map[string]*entities.Strand),
		Goals:              make(map[string]*entities.Goal),
		SessionIndex:       make(map[string]SessionRef),
		SessionStrandIndex: make(map[string]string),
		Counters:           make(map[string]int64),
	}
}

// normalize re-creates nil maps after JSON decoding of older documents.
func (d *Data) normalize() {
	if d.Strands == nil {
		d.Strands = make(map[string]*entities.Strand)
	}
	if d.Goals == nil {
		d.Goals = make(map[string]*entities.Goal)
	}
	if d.SessionIndex == nil {
		d.SessionIndex = make(map[string]SessionRef)
	}
	if d.SessionStrandIndex == nil {
		d.SessionStrandIndex = make(map[string]string)
	}
	if d.Counters == nil {
		d.Counters = make(map[string]int64)
	}
}

// GoalsForStrand returns the strand's goals ordered by ID (IDs are
// monotonic, so this is creation order).
func (d *Data) GoalsForStrand(strandID string) []*entities.Goal {
	var goals []*entities.Goal
	for _, g := range d.Goals {
		if g.StrandID == strandID {
			goals = append(goals, g)
		}
	}
	sortGoalsByID(goals)
	return goals
}

// GoalForSession resolves the goal that owns a worker session key, via
// the session index.
func (d *Data) GoalForSession(sessionKey string) *entities.Goal {
	ref, ok := d.SessionIndex[sessionKey]
	if !ok {
		return nil
	}
	return d.Goals[ref.GoalID]
}

func sortGoalsByID(goals []*entities.Goal) {
	for i := 1; i < len(goals); i++ {
		for j := i; j > 0 && compareIDs(goals[j].ID, goals[j-1].ID) < 0; j-- {
			goals[j], goals[j-1] = goals[j-1], goals[j]
		}
	}
}

// compareIDs orders minted IDs numerically by their counter suffix, so
// goal_9 sorts before goal_10.
func compareIDs(a, b string) int {
	an, aok := idCounter(a)
	bn, bok := idCounter(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func idCounter(id string) (int64, bool) {
	idx := strings.LastIndex(id, "_")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(id[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Store serializes all mutations of the document: at most one write in
// flight at any instant. Reads return deep-copied snapshots, so a reader
// observes either the pre-state or the fully-written post-state.
type Store struct {
	path   string
	logger *logger.Logger

	mu   sync.RWMutex
	data *Data
}

// New opens (or initializes) the document at path. The parent directory
// is created if missing; an unwritable directory yields
// ErrStoreUnavailable.
func New(path string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	s := &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "store")),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	data, err := s.load()
	if err != nil {
		return nil, err
	}
	s.data = data
	s.seedCounters()

	return s, nil
}

// load reads the document from disk, or returns an empty one.
func (s *Store) load() (*Data, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewData(), nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("corrupt state document %s: %w", s.path, err)
	}
	data.normalize()
	return &data, nil
}

// seedCounters advances the per-prefix counters past the max existing ID,
// so restarts never re-mint a live ID.
func (s *Store) seedCounters() {
	bump := func(id string) {
		idx := strings.LastIndex(id, "_")
		if idx < 0 {
			return
		}
		prefix := id[:idx+1]
		n, ok := idCounter(id)
		if !ok {
			return
		}
		if n > s.data.Counters[prefix] {
			s.data.Counters[prefix] = n
		}
	}
	for id := range s.data.Strands {
		bump(id)
	}
	for id, g := range s.data.Goals {
		bump(id)
		for _, t := range g.Tasks {
			bump(t.ID)
		}
	}
}

// NewID mints a monotonic ID with the given prefix. Safe only inside an
// Update mutation (the store lock serializes minting with persistence).
func (d *Data) NewID(prefix string) string {
	d.Counters[prefix]++
	return prefix + strconv.FormatInt(d.Counters[prefix], 10)
}

// Snapshot returns a deep copy of the current document. Never a torn
// read: the copy is taken under the reader lock.
func (s *Store) Snapshot() *Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.data)
}

// View runs fn against a consistent snapshot of the document.
func (s *Store) View(fn func(d *Data)) {
	fn(s.Snapshot())
}

// Update applies fn to the document under the writer lock, validates the
// shape invariants, and persists atomically. If fn or validation or the
// disk write fails, the in-memory document is rolled back and the error
// is returned.
func (s *Store) Update(fn func(d *Data) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := deepCopy(s.data)

	if err := fn(s.data); err != nil {
		s.data = backup
		return err
	}

	if err := Validate(s.data); err != nil {
		s.data = backup
		return fmt.Errorf("invariant violation: %w", err)
	}

	if err := s.save(s.data); err != nil {
		s.data = backup
		return err
	}

	return nil
}

// save persists the whole document with replace-then-rename.
func (s *Store) save(data *Data) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// deepCopy clones the document through a JSON round-trip. The document
// is plain data, so this is lossless.
func deepCopy(data *Data) *Data {
	raw, err := json.Marshal(data)
	if err != nil {
		// Data contains only JSON-serializable fields; this cannot fail
		// for a well-formed document.
		panic(fmt.Sprintf("store: deep copy marshal: %v", err))
	}
	var out Data
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("store: deep copy unmarshal: %v", err))
	}
	out.normalize()
	return &out
}

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/store"
)

// planLogCapacity bounds each session's log ring buffer.
const planLogCapacity = 200

// StreamChunk is one streamed fragment of an agent turn.
type StreamChunk struct {
	Type     string `json:"type"` // text, tool_call, tool_result
	Text     string `json:"text,omitempty"`
	ToolName string `json:"toolName,omitempty"`
}

var statusMarkerRe = regexp.MustCompile(`^[#✓✗]|Starting|Completed|Error:|Step `)

// planLogTracker keeps a per-session ring buffer of status lines and
// watches each worker's plan file for changes.
type planLogTracker struct {
	orch   *Orchestrator
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionLog
}

type sessionLog struct {
	goalID   string
	taskID   string
	planFile string
	entries  []string
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

func newPlanLogTracker(o *Orchestrator, log *logger.Logger) *planLogTracker {
	return &planLogTracker{
		orch:     o,
		logger:   log.WithFields(zap.String("component", "plan-log")),
		sessions: make(map[string]*sessionLog),
	}
}

// AgentStream inspects a streamed chunk for plan-relevant lines: tool
// activity always counts, text counts when it looks like a status
// marker. Matching lines land in the ring buffer, are matched against
// the task's parsed plan steps, and are broadcast as plan.log events.
func (o *Orchestrator) AgentStream(ctx context.Context, sessionKey string, chunk StreamChunk) {
	entry := o.planLogs.entryFor(chunk)
	if entry == "" {
		return
	}

	goalID, taskID := o.planLogs.append(sessionKey, entry)
	if goalID == "" {
		// Session is not a tracked worker; keep the buffer anyway so a
		// late Watch call picks it up.
		return
	}

	o.matchPlanStep(goalID, taskID, entry)

	o.Broadcast(ctx, events.PlanLog, map[string]interface{}{
		"sessionKey": sessionKey,
		"goalId":     goalID,
		"taskId":     taskID,
		"entry":      entry,
	})
}

// entryFor extracts the loggable line from a chunk, or "".
func (t *planLogTracker) entryFor(chunk StreamChunk) string {
	switch chunk.Type {
	case "tool_call":
		if chunk.ToolName != "" {
			return "tool: " + chunk.ToolName
		}
		return strings.TrimSpace(chunk.Text)
	case "tool_result":
		return strings.TrimSpace(firstLine(chunk.Text))
	case "text":
		line := strings.TrimSpace(firstLine(chunk.Text))
		if statusMarkerRe.MatchString(line) {
			return line
		}
	}
	return ""
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// append stores the entry in the session's ring buffer, returning the
// session's goal/task attribution when known.
func (t *planLogTracker) append(sessionKey, entry string) (goalID, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	log, ok := t.sessions[sessionKey]
	if !ok {
		log = &sessionLog{}
		t.sessions[sessionKey] = log
	}
	log.entries = append(log.entries, entry)
	if len(log.entries) > planLogCapacity {
		log.entries = log.entries[len(log.entries)-planLogCapacity:]
	}
	return log.goalID, log.taskID
}

// Entries returns a copy of the session's buffered log lines.
func (t *planLogTracker) Entries(sessionKey string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	log, ok := t.sessions[sessionKey]
	if !ok {
		return nil
	}
	out := make([]string, len(log.entries))
	copy(out, log.entries)
	return out
}

// matchPlanStep advances the first matching pending or in-progress plan
// step based on the log line's marker.
func (o *Orchestrator) matchPlanStep(goalID, taskID, entry string) {
	status := ""
	switch {
	case strings.HasPrefix(entry, "✓"), strings.Contains(entry, "Completed"):
		status = "done"
	case strings.HasPrefix(entry, "✗"), strings.Contains(entry, "Error:"):
		status = "failed"
	case strings.HasPrefix(entry, "#"), strings.Contains(entry, "Starting"):
		status = "in-progress"
	default:
		return
	}

	err := o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return nil
		}
		task := goal.TaskByID(taskID)
		if task == nil || task.Plan == nil {
			return nil
		}
		needle := strings.ToLower(strings.TrimLeft(entry, "#✓✗ "))
		for i := range task.Plan.Steps {
			step := &task.Plan.Steps[i]
			if step.Status == "done" || step.Status == "failed" {
				continue
			}
			if strings.Contains(needle, strings.ToLower(step.Text)) ||
				strings.Contains(strings.ToLower(step.Text), needle) {
				step.Status = status
				task.Touch(o.clock)
				break
			}
		}
		return nil
	})
	if err != nil {
		o.logger.Debug("plan step match failed", zap.Error(err))
	}
}

// Watch starts tracking a worker session: attributes the ring buffer
// and watches the plan file's directory for changes.
func (t *planLogTracker) Watch(sessionKey, goalID, taskID, planFile string) {
	t.mu.Lock()
	log, ok := t.sessions[sessionKey]
	if !ok {
		log = &sessionLog{}
		t.sessions[sessionKey] = log
	}
	log.goalID = goalID
	log.taskID = taskID
	log.planFile = planFile
	t.mu.Unlock()

	if planFile == "" {
		return
	}

	dir := filepath.Dir(planFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.logger.Debug("plan dir creation failed", zap.Error(err))
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Debug("plan watcher creation failed", zap.Error(err))
		return
	}
	if err := watcher.Add(dir); err != nil {
		t.logger.Debug("plan watcher add failed", zap.String("dir", dir), zap.Error(err))
		_ = watcher.Close()
		return
	}

	done := make(chan struct{})
	t.mu.Lock()
	log.watcher = watcher
	log.done = done
	t.mu.Unlock()

	go t.watchLoop(sessionKey, goalID, taskID, planFile, watcher, done)
}

func (t *planLogTracker) watchLoop(sessionKey, goalID, taskID, planFile string, watcher *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != planFile {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			t.onPlanFileChanged(sessionKey, goalID, taskID, planFile)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.logger.Debug("plan watcher error", zap.Error(err))
		}
	}
}

// onPlanFileChanged re-reads the plan file, refreshes the task's parsed
// steps, and broadcasts plan.file_changed.
func (t *planLogTracker) onPlanFileChanged(sessionKey, goalID, taskID, planFile string) {
	raw, err := os.ReadFile(planFile)
	if err != nil {
		t.logger.Debug("plan file read failed", zap.String("path", planFile), zap.Error(err))
		return
	}
	steps := parsePlanFileSteps(string(raw))

	err = t.orch.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return nil
		}
		task := goal.TaskByID(taskID)
		if task == nil {
			return nil
		}
		if task.Plan == nil {
			task.Plan = &entities.TaskPlan{ExpectedFilePath: planFile}
		}
		task.Plan.Steps = steps
		task.Touch(t.orch.clock)
		return nil
	})
	if err != nil {
		t.logger.Debug("plan step refresh failed", zap.Error(err))
	}

	ctx := context.Background()
	t.orch.Broadcast(ctx, events.PlanFileChanged, map[string]interface{}{
		"sessionKey": sessionKey,
		"filePath":   planFile,
	})
	t.orch.Broadcast(ctx, events.GoalPlanUpdated, map[string]interface{}{
		"goalId": goalID,
		"taskId": taskID,
	})
}

var planStepLineRe = regexp.MustCompile(`^\s*(?:[-*]\s*)?\[([ xX~])\]\s*(.+)$`)

// parsePlanFileSteps extracts checklist lines from a streamed plan
// file: "[ ]" pending, "[~]" in progress, "[x]" done.
func parsePlanFileSteps(content string) []entities.PlanStep {
	var steps []entities.PlanStep
	for _, line := range strings.Split(content, "\n") {
		m := planStepLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		status := "pending"
		switch m[1] {
		case "x", "X":
			status = "done"
		case "~":
			status = "in-progress"
		}
		steps = append(steps, entities.PlanStep{Text: strings.TrimSpace(m[2]), Status: status})
	}
	return steps
}

// Stop ends tracking for a session: the watcher is closed and the
// buffer dropped.
func (t *planLogTracker) Stop(sessionKey string) {
	t.mu.Lock()
	log, ok := t.sessions[sessionKey]
	if ok {
		delete(t.sessions, sessionKey)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if log.done != nil {
		close(log.done)
	}
	if log.watcher != nil {
		_ = log.watcher.Close()
	}
}

// Close stops every tracked session.
func (t *planLogTracker) Close() {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*sessionLog)
	t.mu.Unlock()

	for _, log := range sessions {
		if log.done != nil {
			close(log.done)
		}
		if log.watcher != nil {
			_ = log.watcher.Close()
		}
	}
}

// Package entities defines the Strand/Goal/Task value objects and their
// shape invariants. Entities are pure data: constructors take a clock for
// timestamps and an ID minter, and every mutation goes through a touch
// helper that advances updatedAtMs.
package entities

// ID prefixes for minted entity IDs.
const (
	StrandIDPrefix = "strand_"
	GoalIDPrefix   = "goal_"
	TaskIDPrefix   = "task_"
)

// AutonomyMode controls how aggressively an agent executes without user
// approval. Resolved per task from task -> goal -> strand.
type AutonomyMode string

const (
	AutonomyPlan AutonomyMode = "plan"
	AutonomyFull AutonomyMode = "full"
)

// CascadeMode selects whether a PM cascade stops at a plan or
// materializes tasks immediately.
type CascadeMode string

const (
	CascadeModePlan CascadeMode = "plan"
	CascadeModeFull CascadeMode = "full"
)

// TaskStatus is the lifecycle state of a worker assignment.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusWaiting    TaskStatus = "waiting"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusFailed     TaskStatus = "failed"
)

// GoalStatus is the overall state of a goal.
type GoalStatus string

const (
	GoalStatusActive GoalStatus = "active"
	GoalStatusDone   GoalStatus = "done"
	GoalStatusFailed GoalStatus = "failed"
)

// CascadeState tracks where a goal sits in the PM cascade state machine.
type CascadeState string

const (
	CascadeAwaitingPlan    CascadeState = "awaiting_plan"
	CascadeTasksCreated    CascadeState = "tasks_created"
	CascadePlanReady       CascadeState = "plan_ready"
	CascadeResponseSaved   CascadeState = "response_saved"
	CascadePlanParseFailed CascadeState = "plan_parse_failed"
	CascadePlanFetchFailed CascadeState = "plan_fetch_failed"
)

// Push and merge statuses recorded on a goal after git operations.
const (
	PushStatusPushed  = "pushed"
	PushStatusFailed  = "failed"
	MergeStatusMerged = "merged"
	MergeStatusError  = "error"
	MergeConflict     = "conflict"
)

// DefaultMaxRetries is the per-goal retry budget for failed tasks.
const DefaultMaxRetries = 1

// DefaultHistoryLimit caps pmChatHistory length (oldest-first trim).
const DefaultHistoryLimit = 100

// Clock supplies millisecond timestamps; injected so tests can pin time.
type Clock interface {
	NowMs() int64
}

// IDMinter mints monotonic entity IDs with a prefix.
type IDMinter interface {
	NewID(prefix string) string
}

// ChatMessage is one turn of a rolling PM conversation.
type ChatMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	TimestampMs int64  `json:"timestampMs"`
}

// Workspace is the git clone owned by a strand.
type Workspace struct {
	Path    string `json:"path"`
	RepoURL string `json:"repoUrl,omitempty"`
}

// Worktree is the isolated working copy owned by a goal.
type Worktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// PlanStep is one step of a worker task's streamed plan file.
type PlanStep struct {
	Text   string `json:"text"`
	Status string `json:"status"` // pending, in-progress, done, failed
}

// TaskPlan is the streaming plan-log state attached to a task.
type TaskPlan struct {
	ExpectedFilePath string     `json:"expectedFilePath,omitempty"`
	Steps            []PlanStep `json:"steps,omitempty"`
	Status           string     `json:"status,omitempty"`
}

// Strand is a top-level project grouping. It owns its goals and its git
// workspace directory.
type Strand struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Description         string        `json:"description,omitempty"`
	Color               string        `json:"color,omitempty"`
	Keywords            []string      `json:"keywords,omitempty"`
	TopicIDs            []string      `json:"topicIds,omitempty"`
	AutonomyMode        AutonomyMode  `json:"autonomyMode,omitempty"`
	Workspace           *Workspace    `json:"workspace,omitempty"`
	PMStrandSessionKey  string        `json:"pmStrandSessionKey,omitempty"`
	PMChatHistory       []ChatMessage `json:"pmChatHistory,omitempty"`
	CascadePendingGoals []string      `json:"cascadePendingGoals,omitempty"`
	CascadeMode         CascadeMode   `json:"cascadeMode,omitempty"`
	PMPlanContent       string        `json:"pmPlanContent,omitempty"`
	CreatedAtMs         int64         `json:"createdAtMs"`
	UpdatedAtMs         int64         `json:"updatedAtMs"`
}

// Goal is one deliverable inside a strand. It owns its tasks and its git
// worktree.
type Goal struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Status        GoalStatus    `json:"status"`
	Completed     bool          `json:"completed"`
	StrandID      string        `json:"strandId,omitempty"` // empty means ungrouped
	Phase         int           `json:"phase,omitempty"`    // 1-based
	DependsOn     []string      `json:"dependsOn,omitempty"`
	Worktree      *Worktree     `json:"worktree,omitempty"`
	Sessions      []string      `json:"sessions,omitempty"`
	Tasks         []*Task       `json:"tasks"`
	PMSessionKey  string        `json:"pmSessionKey,omitempty"`
	PMChatHistory []ChatMessage `json:"pmChatHistory,omitempty"`
	CascadeState  CascadeState  `json:"cascadeState,omitempty"`
	CascadeMode   CascadeMode   `json:"cascadeMode,omitempty"`
	AutonomyMode  AutonomyMode  `json:"autonomyMode,omitempty"`
	PushStatus    string        `json:"pushStatus,omitempty"`
	MergeStatus   string        `json:"mergeStatus,omitempty"`
	MergeError    string        `json:"mergeError,omitempty"`
	PRURL         string        `json:"prUrl,omitempty"`
	PRNumber      int           `json:"prNumber,omitempty"`
	MaxRetries    int           `json:"maxRetries"`
	CreatedAtMs   int64         `json:"createdAtMs"`
	UpdatedAtMs   int64         `json:"updatedAtMs"`
	ClosedAtMs    int64         `json:"closedAtMs,omitempty"`
	MergedAtMs    int64         `json:"mergedAtMs,omitempty"`
}

// Task is one worker assignment inside a goal. A task holds a weak
// reference to its session key; the gateway owns the session itself.
type Task struct {
	ID            string       `json:"id"`
	Text          string       `json:"text"`
	Description   string       `json:"description,omitempty"`
	Status        TaskStatus   `json:"status"`
	Done          bool         `json:"done"`
	Priority      int          `json:"priority,omitempty"`
	SessionKey    string       `json:"sessionKey,omitempty"`
	AssignedAgent string       `json:"assignedAgent,omitempty"` // role string, resolved at spawn
	Model         string       `json:"model,omitempty"`
	DependsOn     []string     `json:"dependsOn,omitempty"`
	Summary       string       `json:"summary,omitempty"`
	EstimatedTime string       `json:"estimatedTime,omitempty"`
	RetryCount    int          `json:"retryCount"`
	LastError     string       `json:"lastError,omitempty"`
	AutonomyMode  AutonomyMode `json:"autonomyMode,omitempty"`
	Plan          *TaskPlan    `json:"plan,omitempty"`
	CreatedAtMs   int64        `json:"createdAtMs"`
	UpdatedAtMs   int64        `json:"updatedAtMs"`
}

// NewStrand constructs a strand with minted ID and timestamps.
func NewStrand(minter IDMinter, clock Clock, name, description string) *Strand {
	now := clock.NowMs()
	return &Strand{
		ID:          minter.NewID(StrandIDPrefix),
		Name:        name,
		Description: description,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
}

// NewGoal constructs a goal with minted ID and timestamps.
func NewGoal(minter IDMinter, clock Clock, title, description, strandID string) *Goal {
	now := clock.NowMs()
	return &Goal{
		ID:          minter.NewID(GoalIDPrefix),
		Title:       title,
		Description: description,
		Status:      GoalStatusActive,
		StrandID:    strandID,
		Tasks:       []*Task{},
		MaxRetries:  DefaultMaxRetries,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
}

// NewTask constructs a task with minted ID and timestamps.
func NewTask(minter IDMinter, clock Clock, text, description string) *Task {
	now := clock.NowMs()
	return &Task{
		ID:          minter.NewID(TaskIDPrefix),
		Text:        text,
		Description: description,
		Status:      TaskStatusPending,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
}

// Touch advances updatedAtMs on the strand.
func (s *Strand) Touch(clock Clock) {
	s.UpdatedAtMs = clock.NowMs()
}

// Touch advances updatedAtMs on the goal.
func (g *Goal) Touch(clock Clock) {
	g.UpdatedAtMs = clock.NowMs()
}

// Touch advances updatedAtMs on the task.
func (t *Task) Touch(clock Clock) {
	t.UpdatedAtMs = clock.NowMs()
}

// SetStatus sets the task status and keeps the redundant done flag in
// sync (invariant: status=done <=> done=true).
func (t *Task) SetStatus(status TaskStatus, clock Clock) {
	t.Status = status
	t.Done = status == TaskStatusDone
	t.Touch(clock)
}

// IsTerminal reports whether the task reached a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusDone || t.Status == TaskStatusFailed
}

// AppendPMMessage appends one message to the strand PM history and trims
// oldest-first to the limit.
func (s *Strand) AppendPMMessage(msg ChatMessage, limit int) {
	s.PMChatHistory = appendTrimmed(s.PMChatHistory, msg, limit)
}

// AppendPMMessage appends one message to the goal PM history and trims
// oldest-first to the limit.
func (g *Goal) AppendPMMessage(msg ChatMessage, limit int) {
	g.PMChatHistory = appendTrimmed(g.PMChatHistory, msg, limit)
}

func appendTrimmed(history []ChatMessage, msg ChatMessage, limit int) []ChatMessage {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	history = append(history, msg)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

// TaskByID returns the task with the given ID, or nil.
func (g *Goal) TaskByID(taskID string) *Task {
	for _, t := range g.Tasks {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}

// TaskBySessionKey returns the task owning the given session key, or nil.
func (g *Goal) TaskBySessionKey(sessionKey string) *Task {
	if sessionKey == "" {
		return nil
	}
	for _, t := range g.Tasks {
		if t.SessionKey == sessionKey {
			return t
		}
	}
	return nil
}

// DoneTaskIDs returns the set of task IDs with status done.
func (g *Goal) DoneTaskIDs() map[string]bool {
	done := make(map[string]bool)
	for _, t := range g.Tasks {
		if t.Status == TaskStatusDone {
			done[t.ID] = true
		}
	}
	return done
}

// AllTasksDone reports whether every task reached status done.
// Returns false for a goal with no tasks.
func (g *Goal) AllTasksDone() bool {
	if len(g.Tasks) == 0 {
		return false
	}
	for _, t := range g.Tasks {
		if t.Status != TaskStatusDone {
			return false
		}
	}
	return true
}

// AllTasksTerminal reports whether every task is done or failed.
func (g *Goal) AllTasksTerminal() bool {
	for _, t := range g.Tasks {
		if !t.IsTerminal() {
			return false
		}
	}
	return true
}

// HasSession reports whether the session key is already attached.
func (g *Goal) HasSession(sessionKey string) bool {
	for _, s := range g.Sessions {
		if s == sessionKey {
			return true
		}
	}
	return false
}

// AttachSession appends a session key to the goal if not present.
func (g *Goal) AttachSession(sessionKey string, clock Clock) {
	if sessionKey == "" || g.HasSession(sessionKey) {
		return
	}
	g.Sessions = append(g.Sessions, sessionKey)
	g.Touch(clock)
}

// RemovePendingCascadeGoal removes a goal ID from the strand's pending
// cascade list and reports whether the list is now empty. The second
// return is false when the goal was not pending at all.
func (s *Strand) RemovePendingCascadeGoal(goalID string) (emptied, removed bool) {
	for i, id := range s.CascadePendingGoals {
		if id == goalID {
			s.CascadePendingGoals = append(s.CascadePendingGoals[:i], s.CascadePendingGoals[i+1:]...)
			return len(s.CascadePendingGoals) == 0, true
		}
	}
	return false, false
}

// ResolveAutonomy resolves the effective autonomy mode for a task:
// task override, then goal, then strand, then the supplied default.
func ResolveAutonomy(task *Task, goal *Goal, strand *Strand, def AutonomyMode) AutonomyMode {
	if task != nil && task.AutonomyMode != "" {
		return task.AutonomyMode
	}
	if goal != nil && goal.AutonomyMode != "" {
		return goal.AutonomyMode
	}
	if strand != nil && strand.AutonomyMode != "" {
		return strand.AutonomyMode
	}
	if def != "" {
		return def
	}
	return AutonomyPlan
}

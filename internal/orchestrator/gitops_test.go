package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/agentrole"
	"github.com/loomworks/loom/internal/common/config"
	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/events/bus"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/workspace"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("GIT_AUTHOR_NAME", "loom-test")
	t.Setenv("GIT_AUTHOR_EMAIL", "loom-test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "loom-test")
	t.Setenv("GIT_COMMITTER_EMAIL", "loom-test@example.com")
}

// recordingBus captures published event types in order.
type recordingBus struct {
	mu    sync.Mutex
	types []string
}

func (b *recordingBus) Publish(ctx context.Context, subject string, event *bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.types = append(b.types, event.Type)
	return nil
}

func (b *recordingBus) Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Close()            {}
func (b *recordingBus) IsConnected() bool { return true }

func (b *recordingBus) Types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.types))
	copy(out, b.types)
	return out
}

// eventIndex returns the position of the first occurrence, or -1.
func eventIndex(types []string, eventType string) int {
	for i, et := range types {
		if et == eventType {
			return i
		}
	}
	return -1
}

// newGitOrchestrator wires an orchestrator with real git workspaces in
// a temp dir and a recording bus.
func newGitOrchestrator(t *testing.T, gw llm.Gateway) (*Orchestrator, *recordingBus, *workspace.Manager) {
	t.Helper()
	requireGit(t)

	st, err := store.New(filepath.Join(t.TempDir(), "loom.json"), nil)
	require.NoError(t, err)

	log := testLogger(t)
	mgr := workspace.NewManager(workspace.Config{}, log)
	cfg := testConfig()
	cfg.Workspaces = config.WorkspacesConfig{Dir: t.TempDir()}

	rec := &recordingBus{}
	o := New(Options{
		Store:        st,
		Workspaces:   mgr,
		Gateway:      gw,
		Bus:          rec,
		Resolver:     agentrole.NewResolver(map[string]string{"pm": "claude", "main": "claude"}),
		Config:       cfg,
		Clock:        &fixedClock{now: 1000},
		Logger:       log,
		KickoffDelay: -1,
		MergeGrace:   -1,
	})
	t.Cleanup(o.Close)
	return o, rec, mgr
}

// seedGitStrand seeds a strand with a real initialized workspace.
func seedGitStrand(t *testing.T, o *Orchestrator, mgr *workspace.Manager, name string) (string, string) {
	t.Helper()
	strandID := seedStrand(t, o, name)
	res := mgr.CreateStrandWorkspace(context.Background(), t.TempDir(), strandID, name, "")
	require.True(t, res.OK, res.Error)
	require.NoError(t, o.store.Update(func(d *store.Data) error {
		d.Strands[strandID].Workspace = &entities.Workspace{Path: res.Path}
		return nil
	}))
	return strandID, res.Path
}

// seedGitGoal seeds a goal with a worktree in the strand workspace.
func seedGitGoal(t *testing.T, o *Orchestrator, mgr *workspace.Manager, strandID, wsPath, title string) (string, workspace.WorktreeResult) {
	t.Helper()
	goalID := seedGoal(t, o, strandID, title)
	wt := mgr.CreateGoalWorktree(context.Background(), wsPath, goalID, title)
	require.True(t, wt.OK, wt.Error)
	require.NoError(t, o.store.Update(func(d *store.Data) error {
		d.Goals[goalID].Worktree = &entities.Worktree{Path: wt.Path, Branch: wt.Branch}
		return nil
	}))
	return goalID, wt
}

func writeWorkspaceFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func commitAll(t *testing.T, mgr *workspace.Manager, dir, message string) {
	t.Helper()
	res := mgr.AutoCommit(context.Background(), dir, message)
	require.True(t, res.OK, res.Error)
}

func TestAutoMergeOnLastTaskDone(t *testing.T) {
	fake := llm.NewFake()
	o, rec, mgr := newGitOrchestrator(t, fake)
	strandID, wsPath := seedGitStrand(t, o, mgr, "Website")
	goalID, wt := seedGitGoal(t, o, mgr, strandID, wsPath, "Build the API")
	taskID := seedTask(t, o, goalID, "scaffold")

	key := spawnWorker(t, o, goalID)

	// The worker leaves uncommitted work behind; the merge path picks it
	// up via the auto-commit step.
	writeWorkspaceFile(t, wt.Path, "feature.txt", "new feature\n")
	o.AgentEnd(context.Background(), key, true)

	goal := getGoal(t, o, goalID)
	assert.Equal(t, entities.TaskStatusDone, goal.TaskByID(taskID).Status)
	assert.Equal(t, entities.GoalStatusDone, goal.Status)
	assert.True(t, goal.Completed)
	assert.Equal(t, entities.MergeStatusMerged, goal.MergeStatus)
	assert.Empty(t, goal.MergeError)
	assert.Equal(t, entities.PushStatusPushed, goal.PushStatus)
	assert.Equal(t, int64(1000), goal.MergedAtMs)

	// The worker's file landed on main.
	assert.FileExists(t, filepath.Join(wsPath, "feature.txt"))

	types := rec.Types()
	done := eventIndex(types, events.GoalTaskCompleted)
	merged := eventIndex(types, events.GoalMerged)
	completed := eventIndex(types, events.GoalCompleted)
	require.GreaterOrEqual(t, done, 0)
	require.GreaterOrEqual(t, merged, 0)
	require.GreaterOrEqual(t, completed, 0)
	assert.Less(t, done, merged)
	assert.Less(t, merged, completed)
}

func TestAutoMergeConflictKeepsGoalActive(t *testing.T) {
	fake := llm.NewFake()
	o, rec, mgr := newGitOrchestrator(t, fake)
	strandID, wsPath := seedGitStrand(t, o, mgr, "Website")

	// Both main and the goal branch will edit shared.txt.
	writeWorkspaceFile(t, wsPath, "shared.txt", "base\n")
	commitAll(t, mgr, wsPath, "add shared")

	goalID, wt := seedGitGoal(t, o, mgr, strandID, wsPath, "Conflicting")
	seedTask(t, o, goalID, "edit shared")
	key := spawnWorker(t, o, goalID)

	writeWorkspaceFile(t, wt.Path, "shared.txt", "goal version\n")
	writeWorkspaceFile(t, wsPath, "shared.txt", "main version\n")
	commitAll(t, mgr, wsPath, "main edit")

	o.AgentEnd(context.Background(), key, true)

	goal := getGoal(t, o, goalID)
	assert.Equal(t, entities.GoalStatusActive, goal.Status)
	assert.False(t, goal.Completed)
	assert.Equal(t, entities.MergeConflict, goal.MergeStatus)
	assert.NotEmpty(t, goal.MergeError)
	assert.Zero(t, goal.MergedAtMs)

	types := rec.Types()
	assert.GreaterOrEqual(t, eventIndex(types, events.GoalMerged), 0)
	assert.Equal(t, -1, eventIndex(types, events.GoalCompleted))
}

func TestRetryMergeFinishesGoalAfterResolution(t *testing.T) {
	fake := llm.NewFake()
	o, rec, mgr := newGitOrchestrator(t, fake)
	strandID, wsPath := seedGitStrand(t, o, mgr, "Website")

	writeWorkspaceFile(t, wsPath, "shared.txt", "base\n")
	commitAll(t, mgr, wsPath, "add shared")

	goalID, wt := seedGitGoal(t, o, mgr, strandID, wsPath, "Conflicting")
	seedTask(t, o, goalID, "edit shared")
	key := spawnWorker(t, o, goalID)

	writeWorkspaceFile(t, wt.Path, "shared.txt", "goal version\n")
	writeWorkspaceFile(t, wsPath, "shared.txt", "main version\n")
	commitAll(t, mgr, wsPath, "main edit")

	o.AgentEnd(context.Background(), key, true)
	require.Equal(t, entities.MergeConflict, getGoal(t, o, goalID).MergeStatus)

	// Resolve by bringing main to the goal's content, then retry.
	writeWorkspaceFile(t, wsPath, "shared.txt", "goal version\n")
	commitAll(t, mgr, wsPath, "resolve")

	merge, err := o.RetryMerge(context.Background(), goalID)
	require.NoError(t, err)
	require.True(t, merge.OK, merge.Error)

	goal := getGoal(t, o, goalID)
	assert.Equal(t, entities.GoalStatusDone, goal.Status)
	assert.True(t, goal.Completed)
	assert.Equal(t, entities.MergeStatusMerged, goal.MergeStatus)
	assert.GreaterOrEqual(t, eventIndex(rec.Types(), events.GoalCompleted), 0)
}

func TestGoalBranchStatusAndRetryPush(t *testing.T) {
	fake := llm.NewFake()
	o, _, mgr := newGitOrchestrator(t, fake)
	strandID, wsPath := seedGitStrand(t, o, mgr, "Website")
	goalID, wt := seedGitGoal(t, o, mgr, strandID, wsPath, "Feature")

	writeWorkspaceFile(t, wt.Path, "a.txt", "a\n")
	commitAll(t, mgr, wt.Path, "one")

	status, err := o.GoalBranchStatus(context.Background(), goalID)
	require.NoError(t, err)
	require.True(t, status.OK, status.Error)
	assert.Equal(t, 1, status.Ahead)
	assert.Equal(t, 0, status.Behind)

	// No remote configured: push is a successful no-op.
	require.NoError(t, o.RetryPush(context.Background(), goalID))
	assert.Equal(t, entities.PushStatusPushed, getGoal(t, o, goalID).PushStatus)
}

func TestRecordPRStoresMetadata(t *testing.T) {
	fake := llm.NewFake()
	o, _, mgr := newGitOrchestrator(t, fake)
	strandID, wsPath := seedGitStrand(t, o, mgr, "Website")
	goalID, _ := seedGitGoal(t, o, mgr, strandID, wsPath, "Feature")

	require.NoError(t, o.RecordPR(context.Background(), goalID, "https://example.com/pr/7", 7))

	goal := getGoal(t, o, goalID)
	assert.Equal(t, "https://example.com/pr/7", goal.PRURL)
	assert.Equal(t, 7, goal.PRNumber)
	assert.Equal(t, entities.PushStatusPushed, goal.PushStatus)
}

func TestGitOpsRequireWorktree(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")

	_, err := o.GoalBranchStatus(context.Background(), goalID)
	require.Error(t, err)
	_, err = o.RetryMerge(context.Background(), "goal_404")
	require.Error(t, err)
}

func TestGitEnabledWithoutConfig(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "loom.json"), nil)
	require.NoError(t, err)

	o := New(Options{
		Store:        st,
		Workspaces:   workspace.NewManager(workspace.Config{}, nil),
		Gateway:      llm.NewFake(),
		KickoffDelay: -1,
		MergeGrace:   -1,
	})
	t.Cleanup(o.Close)

	assert.False(t, o.GitEnabled())
}

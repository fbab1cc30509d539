package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	// Commits need an identity regardless of the host's git config.
	t.Setenv("GIT_AUTHOR_NAME", "loom-test")
	t.Setenv("GIT_AUTHOR_EMAIL", "loom-test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "loom-test")
	t.Setenv("GIT_COMMITTER_EMAIL", "loom-test@example.com")
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	requireGit(t)
	return NewManager(Config{}, nil)
}

func createWorkspace(t *testing.T, m *Manager) string {
	t.Helper()
	res := m.CreateStrandWorkspace(context.Background(), t.TempDir(), "strand_1", "Test Project", "")
	require.True(t, res.OK, res.Error)
	return res.Path
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestCreateStrandWorkspaceInitsRepo(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	base := t.TempDir()
	res := m.CreateStrandWorkspace(ctx, base, "strand_1", "Test Project", "")
	require.True(t, res.OK, res.Error)
	assert.False(t, res.Existed)
	assert.Equal(t, filepath.Join(base, "test-project"), res.Path)
	assert.DirExists(t, filepath.Join(res.Path, ".git"))

	// Second call is idempotent.
	again := m.CreateStrandWorkspace(ctx, base, "strand_1", "Test Project", "")
	require.True(t, again.OK)
	assert.True(t, again.Existed)
	assert.Equal(t, res.Path, again.Path)
}

func TestCreateGoalWorktree(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wsPath := createWorkspace(t, m)

	res := m.CreateGoalWorktree(ctx, wsPath, "goal_1", "Build the API")
	require.True(t, res.OK, res.Error)
	assert.Equal(t, filepath.Join(wsPath, "goals", "goal_1"), res.Path)
	assert.Equal(t, "goal/build-the-api", res.Branch)

	// Idempotent for an existing worktree, branch re-detected.
	again := m.CreateGoalWorktree(ctx, wsPath, "goal_1", "Build the API")
	require.True(t, again.OK)
	assert.True(t, again.Existed)
	assert.Equal(t, "goal/build-the-api", again.Branch)
}

func TestCreateGoalWorktreeBranchCollision(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wsPath := createWorkspace(t, m)

	first := m.CreateGoalWorktree(ctx, wsPath, "goal_1", "Same Title")
	require.True(t, first.OK, first.Error)

	second := m.CreateGoalWorktree(ctx, wsPath, "goal_2", "Same Title")
	require.True(t, second.OK, second.Error)
	assert.NotEqual(t, first.Branch, second.Branch)
	assert.Contains(t, second.Branch, "goal/same-title")
}

func TestAutoCommit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wsPath := createWorkspace(t, m)

	// Clean tree: OK but nothing committed.
	clean := m.AutoCommit(ctx, wsPath, "nothing")
	require.True(t, clean.OK, clean.Error)
	assert.False(t, clean.Committed)

	writeFile(t, wsPath, "file.txt", "hello\n")
	dirty := m.AutoCommit(ctx, wsPath, "Goal complete: test")
	require.True(t, dirty.OK, dirty.Error)
	assert.True(t, dirty.Committed)

	again := m.AutoCommit(ctx, wsPath, "nothing")
	require.True(t, again.OK)
	assert.False(t, again.Committed)
}

func TestMergeGoalBranch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wsPath := createWorkspace(t, m)

	wt := m.CreateGoalWorktree(ctx, wsPath, "goal_1", "Feature")
	require.True(t, wt.OK, wt.Error)

	writeFile(t, wt.Path, "feature.txt", "new feature\n")
	commit := m.AutoCommit(ctx, wt.Path, "Goal complete: Feature")
	require.True(t, commit.OK, commit.Error)

	merge := m.MergeGoalBranch(ctx, wsPath, wt.Branch)
	require.True(t, merge.OK, merge.Error)
	assert.False(t, merge.Conflict)
	assert.FileExists(t, filepath.Join(wsPath, "feature.txt"))
}

func TestMergeGoalBranchConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wsPath := createWorkspace(t, m)

	// Both main and the goal branch edit the same file.
	writeFile(t, wsPath, "shared.txt", "base\n")
	require.True(t, m.AutoCommit(ctx, wsPath, "add shared").OK)

	wt := m.CreateGoalWorktree(ctx, wsPath, "goal_1", "Conflicting")
	require.True(t, wt.OK, wt.Error)

	writeFile(t, wt.Path, "shared.txt", "goal version\n")
	require.True(t, m.AutoCommit(ctx, wt.Path, "goal edit").OK)

	writeFile(t, wsPath, "shared.txt", "main version\n")
	require.True(t, m.AutoCommit(ctx, wsPath, "main edit").OK)

	merge := m.MergeGoalBranch(ctx, wsPath, wt.Branch)
	require.False(t, merge.OK)
	assert.True(t, merge.Conflict)

	// The aborted merge leaves main intact.
	raw, err := os.ReadFile(filepath.Join(wsPath, "shared.txt"))
	require.NoError(t, err)
	assert.Equal(t, "main version\n", string(raw))
}

func TestCheckBranchStatus(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wsPath := createWorkspace(t, m)

	wt := m.CreateGoalWorktree(ctx, wsPath, "goal_1", "Feature")
	require.True(t, wt.OK, wt.Error)

	writeFile(t, wt.Path, "a.txt", "a\n")
	require.True(t, m.AutoCommit(ctx, wt.Path, "one").OK)
	writeFile(t, wt.Path, "b.txt", "b\n")
	require.True(t, m.AutoCommit(ctx, wt.Path, "two").OK)

	status := m.CheckBranchStatus(ctx, wsPath, wt.Branch)
	require.True(t, status.OK, status.Error)
	assert.Equal(t, 2, status.Ahead)
	assert.Equal(t, 0, status.Behind)
	assert.Empty(t, status.ConflictFiles)
}

func TestPushWithoutRemoteIsNoop(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wsPath := createWorkspace(t, m)

	assert.True(t, m.PushGoalBranch(ctx, wsPath, "main").OK)
	assert.True(t, m.PushMain(ctx, wsPath).OK)
}

func TestRemoveGoalWorktree(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wsPath := createWorkspace(t, m)

	wt := m.CreateGoalWorktree(ctx, wsPath, "goal_1", "Feature")
	require.True(t, wt.OK, wt.Error)

	res := m.RemoveGoalWorktree(ctx, wsPath, wt.Path)
	require.True(t, res.OK, res.Error)
	assert.NoDirExists(t, wt.Path)

	// Removing an already-removed worktree is fine.
	assert.True(t, m.RemoveGoalWorktree(ctx, wsPath, wt.Path).OK)
	assert.True(t, m.RemoveGoalWorktree(ctx, wsPath, "").OK)
}

func TestDetectMainBranch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	wsPath := createWorkspace(t, m)

	branch := m.DetectMainBranch(ctx, wsPath)
	assert.Contains(t, []string{"main", "master"}, branch)
}

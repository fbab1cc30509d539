// Package workspace is a thin adapter over the git binary: per-strand
// clones, per-goal worktrees and branches, merge and push. Every
// operation returns a result struct and never raises; git failures are
// carried as text in the result.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/common/logger"
)

// Config holds git adapter settings.
type Config struct {
	CloneTimeout time.Duration // deadline for clone (default 2m)
	GitTimeout   time.Duration // deadline for all other git commands (default 1m)
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = 2 * time.Minute
	}
	if cfg.GitTimeout <= 0 {
		cfg.GitTimeout = time.Minute
	}
	return cfg
}

// WorkspaceResult is returned by strand workspace operations.
type WorkspaceResult struct {
	OK      bool   `json:"ok"`
	Existed bool   `json:"existed,omitempty"`
	Path    string `json:"path,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WorktreeResult is returned by goal worktree creation.
type WorktreeResult struct {
	OK      bool   `json:"ok"`
	Existed bool   `json:"existed,omitempty"`
	Path    string `json:"path,omitempty"`
	Branch  string `json:"branch,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is the generic ok/error result.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// CommitResult reports whether an auto-commit produced a commit.
type CommitResult struct {
	OK        bool   `json:"ok"`
	Committed bool   `json:"committed"`
	Error     string `json:"error,omitempty"`
}

// MergeResult distinguishes conflicts from other merge failures.
type MergeResult struct {
	OK       bool   `json:"ok"`
	Conflict bool   `json:"conflict,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BranchStatus reports divergence between a goal branch and main.
type BranchStatus struct {
	OK            bool     `json:"ok"`
	Ahead         int      `json:"ahead"`
	Behind        int      `json:"behind"`
	ConflictFiles []string `json:"conflictFiles,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Manager runs git operations for strand workspaces and goal worktrees.
// Operations on the same repository serialize through a per-repo lock;
// distinct worktrees on distinct branches are safe concurrently.
type Manager struct {
	config Config
	logger *logger.Logger

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a workspace manager.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		config:    cfg.withDefaults(),
		logger:    log.WithFields(zap.String("component", "workspace-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) repoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if lock, ok := m.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// CreateStrandWorkspace materializes the workspace directory for a
// strand: a clone of repoURL when given, otherwise a fresh repository
// with an empty initial commit. Idempotent: an existing directory is
// reported with Existed=true.
func (m *Manager) CreateStrandWorkspace(ctx context.Context, baseDir, strandID, name, repoURL string) WorkspaceResult {
	slug := Sanitize(name)
	if slug == "" {
		slug = Sanitize(strandID)
	}
	path := filepath.Join(baseDir, slug)

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		m.logger.Info("strand workspace already exists",
			zap.String("strand_id", strandID),
			zap.String("path", path))
		return WorkspaceResult{OK: true, Existed: true, Path: path}
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return WorkspaceResult{OK: false, Error: fmt.Sprintf("create workspaces dir: %v", err)}
	}

	if repoURL != "" {
		res := runGit(ctx, baseDir, m.config.CloneTimeout, "clone", repoURL, path)
		if !res.ok() {
			return WorkspaceResult{OK: false, Error: res.errorText()}
		}
	} else {
		if err := os.MkdirAll(path, 0755); err != nil {
			return WorkspaceResult{OK: false, Error: fmt.Sprintf("create workspace dir: %v", err)}
		}
		for _, args := range [][]string{
			{"init"},
			{"commit", "--allow-empty", "-m", "Initial commit"},
		} {
			res := runGit(ctx, path, m.config.GitTimeout, args...)
			if !res.ok() {
				return WorkspaceResult{OK: false, Error: res.errorText()}
			}
		}
	}

	m.logger.Info("created strand workspace",
		zap.String("strand_id", strandID),
		zap.String("path", path),
		zap.Bool("cloned", repoURL != ""))
	return WorkspaceResult{OK: true, Path: path}
}

// RemoveStrandWorkspace deletes the workspace directory.
func (m *Manager) RemoveStrandWorkspace(path string) Result {
	if path == "" {
		return Result{OK: true}
	}
	if err := os.RemoveAll(path); err != nil {
		return Result{OK: false, Error: err.Error()}
	}
	m.logger.Info("removed strand workspace", zap.String("path", path))
	return Result{OK: true}
}

// CreateGoalWorktree creates the goal's worktree at
// <strandWs>/goals/<goalID> on branch goal/<slug-of-title>. A
// branch-name collision gets a short ID suffix appended. Idempotent for
// existing worktree directories.
func (m *Manager) CreateGoalWorktree(ctx context.Context, strandWsPath, goalID, title string) WorktreeResult {
	worktreePath := filepath.Join(strandWsPath, "goals", goalID)

	if info, err := os.Stat(worktreePath); err == nil && info.IsDir() {
		branch := m.worktreeBranch(ctx, worktreePath)
		return WorktreeResult{OK: true, Existed: true, Path: worktreePath, Branch: branch}
	}

	lock := m.repoLock(strandWsPath)
	lock.Lock()
	defer lock.Unlock()

	branch := goalBranchName(goalID, title)
	if m.branchExists(ctx, strandWsPath, branch) {
		branch = branch + "-" + shortSuffix(goalID)
	}

	res := runGit(ctx, strandWsPath, m.config.GitTimeout,
		"worktree", "add", "-b", branch, worktreePath, m.DetectMainBranch(ctx, strandWsPath))
	if !res.ok() {
		m.logger.Error("git worktree add failed",
			zap.String("goal_id", goalID),
			zap.String("output", res.output),
			zap.Error(res.err))
		return WorktreeResult{OK: false, Error: res.errorText()}
	}

	m.logger.Info("created goal worktree",
		zap.String("goal_id", goalID),
		zap.String("path", worktreePath),
		zap.String("branch", branch))
	return WorktreeResult{OK: true, Path: worktreePath, Branch: branch}
}

// RemoveGoalWorktree removes the worktree directory and prunes stale
// worktree metadata.
func (m *Manager) RemoveGoalWorktree(ctx context.Context, strandWsPath, worktreePath string) Result {
	if worktreePath == "" {
		return Result{OK: true}
	}

	lock := m.repoLock(strandWsPath)
	lock.Lock()
	defer lock.Unlock()

	res := runGit(ctx, strandWsPath, m.config.GitTimeout, "worktree", "remove", "--force", worktreePath)
	if !res.ok() {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", res.output),
			zap.Error(res.err))
		if err := os.RemoveAll(worktreePath); err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		if prune := runGit(ctx, strandWsPath, m.config.GitTimeout, "worktree", "prune"); !prune.ok() {
			m.logger.Debug("git worktree prune failed", zap.Error(prune.err))
		}
	}

	m.logger.Info("removed goal worktree", zap.String("path", worktreePath))
	return Result{OK: true}
}

// AutoCommit stages and commits any uncommitted changes in the worktree.
// A clean tree reports OK with Committed=false.
func (m *Manager) AutoCommit(ctx context.Context, worktreePath, message string) CommitResult {
	status := runGit(ctx, worktreePath, m.config.GitTimeout, "status", "--porcelain")
	if !status.ok() {
		return CommitResult{OK: false, Error: status.errorText()}
	}
	if strings.TrimSpace(status.output) == "" {
		return CommitResult{OK: true, Committed: false}
	}

	if res := runGit(ctx, worktreePath, m.config.GitTimeout, "add", "-A"); !res.ok() {
		return CommitResult{OK: false, Error: res.errorText()}
	}
	if res := runGit(ctx, worktreePath, m.config.GitTimeout, "commit", "-m", message); !res.ok() {
		return CommitResult{OK: false, Error: res.errorText()}
	}
	return CommitResult{OK: true, Committed: true}
}

// PushGoalBranch pushes the goal branch to origin. A missing remote is
// non-fatal for local-only mode.
func (m *Manager) PushGoalBranch(ctx context.Context, worktreePath, branch string) Result {
	if !m.hasRemote(ctx, worktreePath) {
		m.logger.Debug("no remote configured, skipping push", zap.String("branch", branch))
		return Result{OK: true}
	}
	res := runGit(ctx, worktreePath, m.config.GitTimeout, "push", "-u", "origin", branch)
	if !res.ok() {
		return Result{OK: false, Error: res.errorText()}
	}
	return Result{OK: true}
}

// PushMain pushes the main branch of the strand workspace. A missing
// remote is non-fatal.
func (m *Manager) PushMain(ctx context.Context, strandWsPath string) Result {
	if !m.hasRemote(ctx, strandWsPath) {
		return Result{OK: true}
	}
	main := m.DetectMainBranch(ctx, strandWsPath)
	res := runGit(ctx, strandWsPath, m.config.GitTimeout, "push", "origin", main)
	if !res.ok() {
		return Result{OK: false, Error: res.errorText()}
	}
	return Result{OK: true}
}

// MergeGoalBranch merges the goal branch into the main branch with
// --no-ff. On conflict the merge is aborted and the result carries
// Conflict=true plus the conflict text.
func (m *Manager) MergeGoalBranch(ctx context.Context, strandWsPath, branch string) MergeResult {
	lock := m.repoLock(strandWsPath)
	lock.Lock()
	defer lock.Unlock()

	main := m.DetectMainBranch(ctx, strandWsPath)
	if res := runGit(ctx, strandWsPath, m.config.GitTimeout, "checkout", main); !res.ok() {
		return MergeResult{OK: false, Error: res.errorText()}
	}

	res := runGit(ctx, strandWsPath, m.config.GitTimeout,
		"merge", "--no-ff", branch, "-m", fmt.Sprintf("Merge branch '%s'", branch))
	if !res.ok() {
		conflict := strings.Contains(res.output, "CONFLICT") || strings.Contains(res.output, "Automatic merge failed")
		if abort := runGit(ctx, strandWsPath, m.config.GitTimeout, "merge", "--abort"); !abort.ok() {
			m.logger.Debug("merge abort failed", zap.Error(abort.err))
		}
		m.logger.Warn("goal branch merge failed",
			zap.String("branch", branch),
			zap.Bool("conflict", conflict))
		return MergeResult{OK: false, Conflict: conflict, Error: res.errorText()}
	}

	m.logger.Info("merged goal branch",
		zap.String("branch", branch),
		zap.String("into", main))
	return MergeResult{OK: true}
}

// CheckBranchStatus reports how far the goal branch has diverged from
// main, and which files would conflict on merge.
func (m *Manager) CheckBranchStatus(ctx context.Context, strandWsPath, branch string) BranchStatus {
	lock := m.repoLock(strandWsPath)
	lock.Lock()
	defer lock.Unlock()

	main := m.DetectMainBranch(ctx, strandWsPath)

	res := runGit(ctx, strandWsPath, m.config.GitTimeout,
		"rev-list", "--left-right", "--count", main+"..."+branch)
	if !res.ok() {
		return BranchStatus{OK: false, Error: res.errorText()}
	}
	var behind, ahead int
	if _, err := fmt.Sscanf(strings.TrimSpace(res.output), "%d\t%d", &behind, &ahead); err != nil {
		// Some git versions separate with spaces
		if _, err := fmt.Sscanf(strings.TrimSpace(res.output), "%d %d", &behind, &ahead); err != nil {
			return BranchStatus{OK: false, Error: "unparseable rev-list output: " + res.output}
		}
	}

	status := BranchStatus{OK: true, Ahead: ahead, Behind: behind}

	// Dry-run merge to detect conflicting paths, then restore the tree.
	if res := runGit(ctx, strandWsPath, m.config.GitTimeout, "checkout", main); !res.ok() {
		return status
	}
	dry := runGit(ctx, strandWsPath, m.config.GitTimeout, "merge", "--no-commit", "--no-ff", branch)
	if !dry.ok() {
		diff := runGit(ctx, strandWsPath, m.config.GitTimeout, "diff", "--name-only", "--diff-filter=U")
		for _, line := range strings.Split(strings.TrimSpace(diff.output), "\n") {
			if line != "" {
				status.ConflictFiles = append(status.ConflictFiles, line)
			}
		}
	}
	if abort := runGit(ctx, strandWsPath, m.config.GitTimeout, "merge", "--abort"); !abort.ok() {
		// A fast-forward-less clean dry run leaves MERGE_HEAD absent
		_ = runGit(ctx, strandWsPath, m.config.GitTimeout, "reset", "--hard", main)
	}

	return status
}

// DetectMainBranch returns "main" or "master" by inspecting local
// branches, falling back to the current HEAD.
func (m *Manager) DetectMainBranch(ctx context.Context, repoPath string) string {
	for _, candidate := range []string{"main", "master"} {
		if m.branchExists(ctx, repoPath, candidate) {
			return candidate
		}
	}
	res := runGit(ctx, repoPath, m.config.GitTimeout, "symbolic-ref", "--short", "HEAD")
	if res.ok() {
		if head := strings.TrimSpace(res.output); head != "" {
			return head
		}
	}
	return "main"
}

func (m *Manager) branchExists(ctx context.Context, repoPath, branch string) bool {
	res := runGit(ctx, repoPath, m.config.GitTimeout, "rev-parse", "--verify", "refs/heads/"+branch)
	return res.ok()
}

func (m *Manager) hasRemote(ctx context.Context, repoPath string) bool {
	res := runGit(ctx, repoPath, m.config.GitTimeout, "remote")
	return res.ok() && strings.TrimSpace(res.output) != ""
}

// worktreeBranch returns the branch checked out in a worktree.
func (m *Manager) worktreeBranch(ctx context.Context, worktreePath string) string {
	res := runGit(ctx, worktreePath, m.config.GitTimeout, "symbolic-ref", "--short", "HEAD")
	if !res.ok() {
		return ""
	}
	return strings.TrimSpace(res.output)
}

package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/workspace"
)

// goalGitRefs resolves the paths needed for a goal's git operations.
func (o *Orchestrator) goalGitRefs(goalID string) (worktreePath, branch, wsPath string, err error) {
	var found bool
	o.store.View(func(d *store.Data) {
		goal, ok := d.Goals[goalID]
		if !ok {
			return
		}
		found = true
		if goal.Worktree != nil {
			worktreePath = goal.Worktree.Path
			branch = goal.Worktree.Branch
		}
		if strand := d.Strands[goal.StrandID]; strand != nil && strand.Workspace != nil {
			wsPath = strand.Workspace.Path
		}
	})
	if !found {
		return "", "", "", fmt.Errorf("goal %s not found", goalID)
	}
	if !o.GitEnabled() {
		return "", "", "", fmt.Errorf("git features are not configured")
	}
	if worktreePath == "" || wsPath == "" {
		return "", "", "", fmt.Errorf("goal %s has no worktree", goalID)
	}
	return worktreePath, branch, wsPath, nil
}

// GoalBranchStatus reports the goal branch's divergence from main.
func (o *Orchestrator) GoalBranchStatus(ctx context.Context, goalID string) (*workspace.BranchStatus, error) {
	_, branch, wsPath, err := o.goalGitRefs(goalID)
	if err != nil {
		return nil, err
	}
	status := o.workspaces.CheckBranchStatus(ctx, wsPath, branch)
	return &status, nil
}

// RetryPush re-pushes the goal branch after a failed push.
func (o *Orchestrator) RetryPush(ctx context.Context, goalID string) error {
	worktreePath, branch, _, err := o.goalGitRefs(goalID)
	if err != nil {
		return err
	}

	res := o.workspaces.PushGoalBranch(ctx, worktreePath, branch)
	pushStatus := entities.PushStatusPushed
	if !res.OK {
		pushStatus = entities.PushStatusFailed
	}
	updateErr := o.store.Update(func(d *store.Data) error {
		if goal, ok := d.Goals[goalID]; ok {
			goal.PushStatus = pushStatus
			goal.Touch(o.clock)
		}
		return nil
	})
	if updateErr != nil {
		o.logger.Warn("recording push status failed", zap.Error(updateErr))
	}

	if !res.OK {
		o.Broadcast(ctx, events.GoalPushFailed, map[string]interface{}{
			"goalId": goalID,
			"branch": branch,
			"error":  res.Error,
		})
		return fmt.Errorf("push failed: %s", res.Error)
	}
	return nil
}

// RetryMerge re-attempts the merge of a conflicted or errored goal
// branch. A success finishes the goal exactly like the auto-merge path.
func (o *Orchestrator) RetryMerge(ctx context.Context, goalID string) (*workspace.MergeResult, error) {
	_, branch, wsPath, err := o.goalGitRefs(goalID)
	if err != nil {
		return nil, err
	}

	merge := o.workspaces.MergeGoalBranch(ctx, wsPath, branch)

	mergeStatus := entities.MergeStatusMerged
	switch {
	case merge.OK:
	case merge.Conflict:
		mergeStatus = entities.MergeConflict
	default:
		mergeStatus = entities.MergeStatusError
	}

	var strandID string
	var phase int
	updateErr := o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return nil
		}
		strandID = goal.StrandID
		phase = goal.Phase
		goal.MergeStatus = mergeStatus
		goal.MergeError = merge.Error
		if merge.OK {
			goal.MergedAtMs = o.clock.NowMs()
			goal.Status = entities.GoalStatusDone
			goal.Completed = true
		}
		goal.Touch(o.clock)
		return nil
	})
	if updateErr != nil {
		return &merge, updateErr
	}

	o.Broadcast(ctx, events.GoalMerged, map[string]interface{}{
		"goalId":      goalID,
		"mergeStatus": mergeStatus,
		"branch":      branch,
		"error":       merge.Error,
	})
	if merge.OK {
		if res := o.workspaces.PushMain(ctx, wsPath); !res.OK {
			o.logger.Warn("main push failed", zap.String("error", res.Error))
		}
		o.broadcastCompleted(ctx, goalID, strandID, phase)
		o.scheduleUnblock(strandID)
	}
	return &merge, nil
}

// PushMainBranch pushes the strand workspace's main branch.
func (o *Orchestrator) PushMainBranch(ctx context.Context, goalID string) error {
	_, _, wsPath, err := o.goalGitRefs(goalID)
	if err != nil {
		return err
	}
	if res := o.workspaces.PushMain(ctx, wsPath); !res.OK {
		return fmt.Errorf("push main failed: %s", res.Error)
	}
	return nil
}

// RecordPR pushes the goal branch and records pull-request metadata
// created by an external hosting-service call.
func (o *Orchestrator) RecordPR(ctx context.Context, goalID, url string, number int) error {
	worktreePath, branch, _, err := o.goalGitRefs(goalID)
	if err != nil {
		return err
	}
	if res := o.workspaces.PushGoalBranch(ctx, worktreePath, branch); !res.OK {
		return fmt.Errorf("push failed: %s", res.Error)
	}
	return o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return fmt.Errorf("goal %s not found", goalID)
		}
		goal.PRURL = url
		goal.PRNumber = number
		goal.PushStatus = entities.PushStatusPushed
		goal.Touch(o.clock)
		return nil
	})
}

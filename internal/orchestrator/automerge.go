package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/store"
)

// AutoMerge runs when every task of a goal reaches done. Goals without
// a worktree complete directly. Goals with a worktree get their
// leftover changes committed, the branch pushed and merged into main
// with --no-ff, and main pushed. A conflict leaves the goal active
// with mergeStatus=conflict so an operator can resolve and retry.
func (o *Orchestrator) AutoMerge(ctx context.Context, goalID string) {
	var (
		title    string
		strandID string
		phase    int
		worktree *entities.Worktree
		wsPath   string
	)
	o.store.View(func(d *store.Data) {
		goal, ok := d.Goals[goalID]
		if !ok {
			return
		}
		title = goal.Title
		strandID = goal.StrandID
		phase = goal.Phase
		worktree = goal.Worktree
		if strand := d.Strands[strandID]; strand != nil && strand.Workspace != nil {
			wsPath = strand.Workspace.Path
		}
	})

	if worktree == nil || wsPath == "" || !o.GitEnabled() {
		o.completeGoal(ctx, goalID, strandID, phase)
		return
	}

	log := o.logger.WithGoalID(goalID)

	commit := o.workspaces.AutoCommit(ctx, worktree.Path, "Goal complete: "+title)
	if !commit.OK {
		log.Warn("auto-commit failed", zap.String("error", commit.Error))
	}

	push := o.workspaces.PushGoalBranch(ctx, worktree.Path, worktree.Branch)
	pushStatus := entities.PushStatusPushed
	if !push.OK {
		pushStatus = entities.PushStatusFailed
		log.Warn("goal branch push failed", zap.String("error", push.Error))
		o.Broadcast(ctx, events.GoalPushFailed, map[string]interface{}{
			"goalId": goalID,
			"branch": worktree.Branch,
			"error":  push.Error,
		})
	}

	merge := o.workspaces.MergeGoalBranch(ctx, wsPath, worktree.Branch)

	mergeStatus := entities.MergeStatusMerged
	switch {
	case merge.OK:
	case merge.Conflict:
		mergeStatus = entities.MergeConflict
	default:
		mergeStatus = entities.MergeStatusError
	}

	err := o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return nil
		}
		goal.PushStatus = pushStatus
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
	if err != nil {
		log.Error("recording merge outcome failed", zap.Error(err))
		return
	}

	o.Broadcast(ctx, events.GoalMerged, map[string]interface{}{
		"goalId":      goalID,
		"mergeStatus": mergeStatus,
		"branch":      worktree.Branch,
		"error":       merge.Error,
	})

	if !merge.OK {
		return
	}

	if res := o.workspaces.PushMain(ctx, wsPath); !res.OK {
		log.Warn("main push failed", zap.String("error", res.Error))
	}

	o.broadcastCompleted(ctx, goalID, strandID, phase)
	o.scheduleUnblock(strandID)
}

// completeGoal finishes a worktree-less goal: mark done and cascade.
func (o *Orchestrator) completeGoal(ctx context.Context, goalID, strandID string, phase int) {
	err := o.store.Update(func(d *store.Data) error {
		if goal, ok := d.Goals[goalID]; ok {
			goal.Status = entities.GoalStatusDone
			goal.Completed = true
			goal.Touch(o.clock)
		}
		return nil
	})
	if err != nil {
		o.logger.Error("goal completion failed", zap.String("goal_id", goalID), zap.Error(err))
		return
	}

	o.broadcastCompleted(ctx, goalID, strandID, phase)
	o.scheduleUnblock(strandID)
}

func (o *Orchestrator) broadcastCompleted(ctx context.Context, goalID, strandID string, phase int) {
	data := map[string]interface{}{"goalId": goalID}
	if strandID != "" {
		data["strandId"] = strandID
	}
	if phase > 0 {
		data["phase"] = phase
	}
	o.Broadcast(ctx, events.GoalCompleted, data)
}

// scheduleUnblock triggers the dependent-goal scan after the merge
// grace period, so the main branch settles before new worktrees fork.
func (o *Orchestrator) scheduleUnblock(strandID string) {
	if strandID == "" {
		return
	}
	o.schedule(o.mergeGrace, func() {
		o.KickoffUnblockedGoals(context.Background(), strandID)
	})
}

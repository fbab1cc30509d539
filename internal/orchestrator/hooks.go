package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/agentrole"
	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/store"
)

// autoCompleteSummary marks tasks completed by session end rather than
// an explicit goal_update call.
const autoCompleteSummary = "(auto-marked on session end)"

// pmHistoryFetchLimit bounds the history pull in the goal-PM end hook.
const pmHistoryFetchLimit = 50

// BeforeAgentStart returns the context block to prepend to a starting
// agent's conversation, or ok=false when nothing should be injected.
// PM sessions get nothing: cascade producers hand them fully-enriched
// prompts already and a second injection would double the context.
func (o *Orchestrator) BeforeAgentStart(ctx context.Context, sessionKey string) (string, bool) {
	if agentrole.IsPMSessionKey(sessionKey) {
		return "", false
	}

	var prepend string
	o.store.View(func(d *store.Data) {
		if strandID, ok := d.SessionStrandIndex[sessionKey]; ok {
			if strand := d.Strands[strandID]; strand != nil {
				prepend = buildStrandContext(d, strand, sessionKey)
			}
			return
		}
		if goal := d.GoalForSession(sessionKey); goal != nil {
			prepend = buildGoalSessionContext(d, goal, sessionKey)
		}
	})
	if prepend != "" {
		return prepend, true
	}

	return o.classifySession(ctx, sessionKey)
}

// AgentEnd dispatches the end-of-session behaviours: touch for plain
// strand sessions, the plan cascade for goal PMs, completion or retry
// for workers. Never returns an error to the gateway; all failures are
// absorbed here.
func (o *Orchestrator) AgentEnd(ctx context.Context, sessionKey string, success bool) {
	defer o.planLogs.Stop(sessionKey)

	var kind string
	var goalID, strandID string
	o.store.View(func(d *store.Data) {
		kind = sessionKind(d, sessionKey)
		switch kind {
		case "strand", "strand-pm":
			strandID = d.SessionStrandIndex[sessionKey]
		case "goal-pm":
			goalID = pmGoalID(d, sessionKey)
		case "worker":
			if goal := d.GoalForSession(sessionKey); goal != nil {
				goalID = goal.ID
				strandID = goal.StrandID
			}
		}
	})

	log := o.logger.WithSessionKey(sessionKey)
	log.Debug("agent ended", zap.String("kind", kind), zap.Bool("success", success))

	switch kind {
	case "strand", "strand-pm":
		o.touchStrand(strandID)
	case "goal-pm":
		if goalID != "" {
			o.handleGoalPMEnd(ctx, goalID, sessionKey)
		}
	case "worker":
		if goalID != "" {
			o.handleWorkerEnd(ctx, goalID, sessionKey, success)
		}
	}
}

// touchStrand advances strand.updatedAtMs.
func (o *Orchestrator) touchStrand(strandID string) {
	if strandID == "" {
		return
	}
	err := o.store.Update(func(d *store.Data) error {
		if strand, ok := d.Strands[strandID]; ok {
			strand.Touch(o.clock)
		}
		return nil
	})
	if err != nil {
		o.logger.Warn("strand touch failed", zap.String("strand_id", strandID), zap.Error(err))
	}
}

// handleGoalPMEnd consumes a goal PM's reply: fetch the last assistant
// message and feed it through the goal cascade. The history fetch runs
// without the store lock held.
func (o *Orchestrator) handleGoalPMEnd(ctx context.Context, goalID, sessionKey string) {
	var awaiting bool
	var mode entities.CascadeMode
	var strandID string
	o.store.View(func(d *store.Data) {
		goal, ok := d.Goals[goalID]
		if !ok {
			return
		}
		awaiting = goal.CascadeState == entities.CascadeAwaitingPlan
		mode = goal.CascadeMode
		strandID = goal.StrandID
	})
	if !awaiting {
		return
	}
	if mode == "" {
		mode = entities.CascadeModePlan
	}

	history, err := o.gateway.History(ctx, sessionKey, pmHistoryFetchLimit)
	content := llm.LastAssistantMessage(history)
	if err != nil || content == "" {
		o.markPlanFetchFailed(ctx, goalID, strandID, err)
		o.finishPendingCascade(ctx, strandID, goalID)
		return
	}

	result, err := o.CreateTasksFromPlan(ctx, goalID, content, mode)
	if err != nil {
		o.logger.Error("goal cascade failed", zap.String("goal_id", goalID), zap.Error(err))
		o.finishPendingCascade(ctx, strandID, goalID)
		return
	}

	if result.CascadeState == entities.CascadeTasksCreated {
		o.Broadcast(ctx, events.GoalCascadeTasks, map[string]interface{}{
			"goalId":       goalID,
			"strandId":     strandID,
			"tasksCreated": result.TasksCreated,
		})
		if mode == entities.CascadeModeFull {
			o.forceFullAutonomy(goalID)
			o.schedule(o.kickoffDelay, func() {
				if _, err := o.Kickoff(context.Background(), goalID); err != nil {
					o.logger.Warn("post-cascade kickoff failed",
						zap.String("goal_id", goalID), zap.Error(err))
				}
			})
		}
	} else {
		o.Broadcast(ctx, events.GoalCascadePlanReady, map[string]interface{}{
			"goalId":       goalID,
			"strandId":     strandID,
			"hasPlan":      result.HasPlan,
			"cascadeState": string(result.CascadeState),
		})
	}

	o.finishPendingCascade(ctx, strandID, goalID)
}

// markPlanFetchFailed records an unreachable PM history.
func (o *Orchestrator) markPlanFetchFailed(ctx context.Context, goalID, strandID string, cause error) {
	err := o.store.Update(func(d *store.Data) error {
		if goal, ok := d.Goals[goalID]; ok {
			goal.CascadeState = entities.CascadePlanFetchFailed
			goal.Touch(o.clock)
		}
		return nil
	})
	if err != nil {
		o.logger.Error("recording plan fetch failure failed", zap.Error(err))
	}
	o.logger.Warn("PM history fetch failed",
		zap.String("goal_id", goalID), zap.Error(cause))

	o.Broadcast(ctx, events.GoalCascadePlanReady, map[string]interface{}{
		"goalId":       goalID,
		"strandId":     strandID,
		"hasPlan":      false,
		"cascadeState": string(entities.CascadePlanFetchFailed),
	})
}

// forceFullAutonomy pins a goal to full mode after a full-mode cascade,
// so the spawned workers do not stop to ask for plan approval.
func (o *Orchestrator) forceFullAutonomy(goalID string) {
	err := o.store.Update(func(d *store.Data) error {
		if goal, ok := d.Goals[goalID]; ok {
			goal.AutonomyMode = entities.AutonomyFull
			goal.Touch(o.clock)
		}
		return nil
	})
	if err != nil {
		o.logger.Warn("forcing full autonomy failed", zap.String("goal_id", goalID), zap.Error(err))
	}
}

// finishPendingCascade removes the goal from the strand's pending list
// and announces strand.cascade_complete when the list empties.
func (o *Orchestrator) finishPendingCascade(ctx context.Context, strandID, goalID string) {
	if strandID == "" {
		return
	}
	var emptied bool
	err := o.store.Update(func(d *store.Data) error {
		strand, ok := d.Strands[strandID]
		if !ok {
			return nil
		}
		var removed bool
		emptied, removed = strand.RemovePendingCascadeGoal(goalID)
		if removed {
			strand.Touch(o.clock)
		}
		return nil
	})
	if err != nil {
		o.logger.Warn("pending cascade update failed", zap.Error(err))
		return
	}
	if emptied {
		o.Broadcast(ctx, events.StrandCascadeComplete, map[string]interface{}{
			"strandId": strandID,
		})
	}
}

// handleWorkerEnd completes or retries a worker task when its session
// ends. Only tasks still in-progress react; a session whose key was
// already released (killed, retried) is ignored.
func (o *Orchestrator) handleWorkerEnd(ctx context.Context, goalID, sessionKey string, success bool) {
	var (
		taskID       string
		allTasksDone bool
		retried      bool
		failed       bool
		retryCount   int
		maxRetries   int
		handled      bool
	)

	err := o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return nil
		}
		task := goal.TaskBySessionKey(sessionKey)
		if task == nil || task.Status != entities.TaskStatusInProgress {
			return nil
		}
		handled = true
		taskID = task.ID
		maxRetries = goal.MaxRetries

		if success {
			task.SetStatus(entities.TaskStatusDone, o.clock)
			if task.Summary == "" {
				task.Summary = autoCompleteSummary
			}
			allTasksDone = goal.AllTasksDone()
			goal.Touch(o.clock)
			return nil
		}

		removeGoalSession(d, goal, task.SessionKey)
		task.SessionKey = ""
		if task.RetryCount < goal.MaxRetries {
			task.RetryCount++
			task.SetStatus(entities.TaskStatusPending, o.clock)
			retried = true
		} else {
			task.LastError = fmt.Sprintf("agent session ended unsuccessfully after %d retries", task.RetryCount)
			task.SetStatus(entities.TaskStatusFailed, o.clock)
			failed = true
		}
		retryCount = task.RetryCount
		goal.Touch(o.clock)
		return nil
	})
	if err != nil {
		o.logger.Error("worker end handling failed",
			zap.String("goal_id", goalID), zap.Error(err))
		return
	}
	if !handled {
		return
	}

	switch {
	case retried:
		o.Broadcast(ctx, events.GoalTaskRetry, map[string]interface{}{
			"goalId":     goalID,
			"taskId":     taskID,
			"retryCount": retryCount,
			"maxRetries": maxRetries,
		})
		o.schedule(o.kickoffDelay, func() {
			if _, err := o.Kickoff(context.Background(), goalID); err != nil {
				o.logger.Warn("retry kickoff failed", zap.String("goal_id", goalID), zap.Error(err))
			}
		})

	case failed:
		o.Broadcast(ctx, events.GoalTaskFailed, map[string]interface{}{
			"goalId":     goalID,
			"taskId":     taskID,
			"retryCount": retryCount,
		})

	default: // success
		o.Broadcast(ctx, events.GoalTaskCompleted, map[string]interface{}{
			"goalId":        goalID,
			"taskId":        taskID,
			"allTasksDone":  allTasksDone,
			"autoCompleted": true,
		})
		if allTasksDone {
			o.AutoMerge(ctx, goalID)
		} else {
			o.schedule(o.kickoffDelay, func() {
				if _, err := o.Kickoff(context.Background(), goalID); err != nil {
					o.logger.Warn("follow-up kickoff failed",
						zap.String("goal_id", goalID), zap.Error(err))
				}
			})
		}
	}
}

// pmGoalID recovers the goal a PM session key belongs to, preferring
// the stored pmSessionKey binding over the key's embedded subId.
func pmGoalID(d *store.Data, sessionKey string) string {
	for _, goal := range d.Goals {
		if goal.PMSessionKey == sessionKey {
			return goal.ID
		}
	}
	key, ok := agentrole.Parse(sessionKey)
	if !ok || !strings.HasPrefix(key.SubID, "pm-") || strings.HasPrefix(key.SubID, "pm-strand-") {
		return ""
	}
	goalID := strings.TrimPrefix(key.SubID, "pm-")
	if _, ok := d.Goals[goalID]; ok {
		return goalID
	}
	return ""
}

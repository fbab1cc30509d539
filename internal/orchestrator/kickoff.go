package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/agentrole"
	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/store"
)

// BlockedByDependencies is the message returned when a goal cannot kick
// off because a prerequisite goal is not done yet.
const BlockedByDependencies = "blocked by dependencies"

// SpawnedSession describes one worker session minted by a kickoff.
type SpawnedSession struct {
	TaskID          string `json:"taskId"`
	TaskText        string `json:"taskText"`
	SessionKey      string `json:"sessionKey"`
	AgentID         string `json:"agentId"`
	Model           string `json:"model,omitempty"`
	TaskContext     string `json:"taskContext"`
	PlanFilePath    string `json:"planFilePath,omitempty"`
	HeadlessStarted bool   `json:"headlessStarted"`
}

// KickoffResult is the outcome of a kickoff pass over one goal.
type KickoffResult struct {
	GoalID          string            `json:"goalId"`
	SpawnedSessions []*SpawnedSession `json:"spawnedSessions"`
	Errors          []string          `json:"errors,omitempty"`
	Message         string            `json:"message,omitempty"`
}

// InternalKickoff selects every task of the goal whose dependencies are
// satisfied and that has no session yet, assigns each a freshly minted
// session key, and persists the assignment in a single store write. The
// caller is responsible for actually starting the agents afterwards;
// see StartSessions.
func (o *Orchestrator) InternalKickoff(ctx context.Context, goalID string) (*KickoffResult, error) {
	result := &KickoffResult{GoalID: goalID, SpawnedSessions: []*SpawnedSession{}}

	err := o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return fmt.Errorf("goal %s not found", goalID)
		}

		for _, depID := range goal.DependsOn {
			dep, ok := d.Goals[depID]
			if !ok || dep.Status != entities.GoalStatusDone {
				result.Message = BlockedByDependencies
				return nil
			}
		}

		strand := d.Strands[goal.StrandID]
		done := goal.DoneTaskIDs()

		for _, task := range goal.Tasks {
			if task.SessionKey != "" || task.Status == entities.TaskStatusDone {
				continue
			}
			if task.Status == entities.TaskStatusFailed {
				continue
			}
			blocked := false
			for _, depID := range task.DependsOn {
				if !done[depID] {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}

			agentID := o.resolveAgent(d, task.AssignedAgent)
			sessionKey := agentrole.WorkerSessionKey(agentID, task.ID)
			autonomy := entities.ResolveAutonomy(task, goal, strand, o.defaultAutonomy())
			workDir := o.workDirFor(strand, goal)
			planFile := planFilePath(workDir, task.ID)

			task.SessionKey = sessionKey
			task.AutonomyMode = autonomy
			if task.Plan == nil {
				task.Plan = &entities.TaskPlan{}
			}
			task.Plan.ExpectedFilePath = planFile
			task.SetStatus(entities.TaskStatusInProgress, o.clock)

			goal.AttachSession(sessionKey, o.clock)
			d.SessionIndex[sessionKey] = store.SessionRef{GoalID: goal.ID}

			result.SpawnedSessions = append(result.SpawnedSessions, &SpawnedSession{
				TaskID:       task.ID,
				TaskText:     task.Text,
				SessionKey:   sessionKey,
				AgentID:      agentID,
				Model:        o.modelFor(task),
				TaskContext:  buildTaskContext(d, strand, goal, task, autonomy, workDir, planFile),
				PlanFilePath: planFile,
			})
		}

		if len(result.SpawnedSessions) > 0 && goal.Status != entities.GoalStatusDone {
			goal.Status = entities.GoalStatusActive
			goal.Completed = false
			goal.Touch(o.clock)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("kickoff computed",
		zap.String("goal_id", goalID),
		zap.Int("spawned", len(result.SpawnedSessions)),
		zap.String("message", result.Message))
	return result, nil
}

// Kickoff runs InternalKickoff, broadcasts goal.kickoff for non-empty
// spawns, and starts the spawned agents.
func (o *Orchestrator) Kickoff(ctx context.Context, goalID string) (*KickoffResult, error) {
	result, err := o.InternalKickoff(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if len(result.SpawnedSessions) == 0 {
		return result, nil
	}

	o.Broadcast(ctx, events.GoalKickoff, map[string]interface{}{
		"goalId":          goalID,
		"spawnedCount":    len(result.SpawnedSessions),
		"spawnedSessions": result.SpawnedSessions,
	})

	o.StartSessions(ctx, result)
	return result, nil
}

// StartSessions sends the task context to every spawned session. A
// gateway failure marks the session entry headlessStarted=false and is
// collected into the result's errors; the store assignment stands, so a
// later cleanupStale or retry can recover.
func (o *Orchestrator) StartSessions(ctx context.Context, result *KickoffResult) {
	for _, spawned := range result.SpawnedSessions {
		if err := o.gateway.Send(ctx, spawned.SessionKey, spawned.TaskContext); err != nil {
			spawned.HeadlessStarted = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("start %s: %v", spawned.SessionKey, err))
			o.logger.Warn("agent start failed",
				zap.String("session_key", spawned.SessionKey),
				zap.String("task_id", spawned.TaskID),
				zap.Error(err))
			continue
		}
		spawned.HeadlessStarted = true
		if spawned.PlanFilePath != "" {
			o.planLogs.Watch(spawned.SessionKey, result.GoalID, spawned.TaskID, spawned.PlanFilePath)
		}
	}
}

// KickoffUnblockedGoals advances a strand from one phase to the next:
// every goal that is not done, has tasks, has no sessions yet, and
// declares dependencies gets a kickoff attempt. Goals whose
// prerequisites are still unfinished come back blocked and are skipped.
func (o *Orchestrator) KickoffUnblockedGoals(ctx context.Context, strandID string) {
	var candidates []string
	o.store.View(func(d *store.Data) {
		for _, goal := range d.GoalsForStrand(strandID) {
			if goal.Status == entities.GoalStatusDone {
				continue
			}
			if len(goal.Tasks) == 0 || len(goal.Sessions) > 0 {
				continue
			}
			if len(goal.DependsOn) == 0 {
				continue
			}
			candidates = append(candidates, goal.ID)
		}
	})

	for _, goalID := range candidates {
		if _, err := o.Kickoff(ctx, goalID); err != nil {
			o.logger.Warn("unblocked goal kickoff failed",
				zap.String("goal_id", goalID),
				zap.Error(err))
		}
	}
}

// resolveAgent maps a task's role to a concrete agent ID using the
// store-level overrides layered over process config.
func (o *Orchestrator) resolveAgent(d *store.Data, roleOrAgentID string) string {
	return o.resolver.Resolve(d.Config.AgentRoles, roleOrAgentID)
}

// modelFor returns the model override for a spawned session.
func (o *Orchestrator) modelFor(task *entities.Task) string {
	if task.Model != "" {
		return task.Model
	}
	if o.config != nil {
		return o.config.PM.DefaultModel
	}
	return ""
}

// workDirFor returns the directory a worker should operate in: the goal
// worktree when present, else the strand workspace.
func (o *Orchestrator) workDirFor(strand *entities.Strand, goal *entities.Goal) string {
	if goal != nil && goal.Worktree != nil && goal.Worktree.Path != "" {
		return goal.Worktree.Path
	}
	if strand != nil && strand.Workspace != nil {
		return strand.Workspace.Path
	}
	return ""
}

// planFilePath is where a worker is told to stream its step plan.
func planFilePath(workDir, taskID string) string {
	if workDir == "" {
		return ""
	}
	return filepath.Join(workDir, ".loom", "plans", taskID+".md")
}

package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/store"
)

// suggestedTasksHeader prefixes per-goal task suggestions carried over
// from a strand plan. The suggestions stay in the goal description
// until a later goal cascade materializes real tasks.
const suggestedTasksHeader = "Suggested tasks from project plan"

// StrandCascadeResult is the outcome of a strand-level "create goals
// from plan" cascade.
type StrandCascadeResult struct {
	StrandID     string   `json:"strandId"`
	GoalIDs      []string `json:"goalIds"`
	GoalsCreated int      `json:"goalsCreated"`
	HasPlan      bool     `json:"hasPlan"`
}

// GoalCascadeResult is the outcome of a goal-level "create tasks from
// plan" cascade.
type GoalCascadeResult struct {
	GoalID       string                `json:"goalId"`
	StrandID     string                `json:"strandId,omitempty"`
	CascadeState entities.CascadeState `json:"cascadeState"`
	TasksCreated int                   `json:"tasksCreated"`
	TaskIDs      []string              `json:"taskIds,omitempty"`
	HasPlan      bool                  `json:"hasPlan"`
}

// CreateGoalsFromPlan runs the strand-level cascade: saves the plan
// markdown on the strand, parses it, and creates one goal per parsed
// entry in plan order. Phase markers become dependency edges: every
// goal in phase N depends on all created goals in smaller phases.
// Phase-less goals get no dependencies. Per-goal task suggestions are
// kept verbatim in the goal description.
func (o *Orchestrator) CreateGoalsFromPlan(ctx context.Context, strandID, content string) (*StrandCascadeResult, error) {
	parsed := plan.Parse(content)
	result := &StrandCascadeResult{StrandID: strandID, HasPlan: parsed.HasPlan}

	err := o.store.Update(func(d *store.Data) error {
		strand, ok := d.Strands[strandID]
		if !ok {
			return fmt.Errorf("strand %s not found", strandID)
		}

		strand.PMPlanContent = content
		strand.Touch(o.clock)

		if len(parsed.Goals) == 0 {
			return nil
		}

		// First pass creates the goals so phase mapping can reference
		// their minted IDs.
		created := make([]*entities.Goal, 0, len(parsed.Goals))
		for _, entry := range parsed.Goals {
			goal := entities.NewGoal(d, o.clock, entry.Title, describeGoal(entry), strandID)
			goal.Phase = entry.Phase
			goal.CascadeMode = strand.CascadeMode
			d.Goals[goal.ID] = goal
			created = append(created, goal)
			result.GoalIDs = append(result.GoalIDs, goal.ID)
		}

		for _, goal := range created {
			if goal.Phase <= 0 {
				continue
			}
			for _, other := range created {
				if other.Phase > 0 && other.Phase < goal.Phase {
					goal.DependsOn = append(goal.DependsOn, other.ID)
				}
			}
		}

		result.GoalsCreated = len(created)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.GoalsCreated > 0 {
		o.provisionWorktrees(ctx, strandID, result.GoalIDs)
	}

	o.logger.Info("strand cascade created goals",
		zap.String("strand_id", strandID),
		zap.Int("goals", result.GoalsCreated))
	return result, nil
}

// describeGoal folds parsed suggestions into the goal description.
func describeGoal(entry plan.GoalEntry) string {
	description := entry.Description
	if len(entry.SuggestedTasks) == 0 {
		return description
	}
	var b strings.Builder
	if description != "" {
		b.WriteString(description)
		b.WriteString("\n\n")
	}
	b.WriteString(suggestedTasksHeader)
	b.WriteString(":\n")
	for _, task := range entry.SuggestedTasks {
		fmt.Fprintf(&b, "- %s\n", task)
	}
	return strings.TrimRight(b.String(), "\n")
}

// provisionWorktrees creates worktrees for freshly created goals when
// the strand has a workspace. Git runs outside the store lock; the
// resulting paths are recorded in a second write.
func (o *Orchestrator) provisionWorktrees(ctx context.Context, strandID string, goalIDs []string) {
	if !o.GitEnabled() {
		return
	}

	var wsPath string
	titles := make(map[string]string, len(goalIDs))
	o.store.View(func(d *store.Data) {
		strand, ok := d.Strands[strandID]
		if !ok || strand.Workspace == nil {
			return
		}
		wsPath = strand.Workspace.Path
		for _, goalID := range goalIDs {
			if goal, ok := d.Goals[goalID]; ok && goal.Worktree == nil {
				titles[goalID] = goal.Title
			}
		}
	})
	if wsPath == "" {
		return
	}

	worktrees := make(map[string]*entities.Worktree, len(titles))
	for goalID, title := range titles {
		res := o.workspaces.CreateGoalWorktree(ctx, wsPath, goalID, title)
		if !res.OK {
			o.logger.Warn("goal worktree creation failed",
				zap.String("goal_id", goalID),
				zap.String("error", res.Error))
			continue
		}
		worktrees[goalID] = &entities.Worktree{Path: res.Path, Branch: res.Branch}
	}
	if len(worktrees) == 0 {
		return
	}

	err := o.store.Update(func(d *store.Data) error {
		for goalID, wt := range worktrees {
			if goal, ok := d.Goals[goalID]; ok {
				goal.Worktree = wt
				goal.Touch(o.clock)
			}
		}
		return nil
	})
	if err != nil {
		o.logger.Warn("recording goal worktrees failed", zap.Error(err))
	}
}

// CreateTasksFromPlan runs the goal-level cascade: append the PM reply
// to the goal history, parse it, and advance the cascade state. In plan
// mode a structured plan stops at plan_ready; in full mode tasks are
// materialized with sequential dependencies so kickoff spawns them one
// at a time.
func (o *Orchestrator) CreateTasksFromPlan(ctx context.Context, goalID, content string, mode entities.CascadeMode) (*GoalCascadeResult, error) {
	parsed := plan.Parse(content)
	result := &GoalCascadeResult{GoalID: goalID, HasPlan: parsed.HasPlan}

	err := o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return fmt.Errorf("goal %s not found", goalID)
		}
		result.StrandID = goal.StrandID

		goal.AppendPMMessage(entities.ChatMessage{
			Role:        "assistant",
			Content:     content,
			TimestampMs: o.clock.NowMs(),
		}, o.historyLimit())

		switch {
		case !parsed.HasPlan:
			goal.CascadeState = entities.CascadeResponseSaved

		case mode == entities.CascadeModePlan:
			goal.CascadeState = entities.CascadePlanReady

		case len(parsed.Tasks) == 0:
			goal.CascadeState = entities.CascadePlanParseFailed

		default:
			var prev *entities.Task
			for _, entry := range parsed.Tasks {
				task := entities.NewTask(d, o.clock, entry.Text, entry.Description)
				task.AssignedAgent = entry.Agent
				task.EstimatedTime = entry.Time
				if prev != nil {
					task.DependsOn = []string{prev.ID}
				}
				goal.Tasks = append(goal.Tasks, task)
				result.TaskIDs = append(result.TaskIDs, task.ID)
				prev = task
			}
			result.TasksCreated = len(result.TaskIDs)
			goal.CascadeState = entities.CascadeTasksCreated
		}

		result.CascadeState = goal.CascadeState
		goal.Touch(o.clock)
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("goal cascade processed",
		zap.String("goal_id", goalID),
		zap.String("cascade_state", string(result.CascadeState)),
		zap.Int("tasks_created", result.TasksCreated))
	return result, nil
}

package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/store"
)

// StrandInput carries the mutable strand fields for create/update.
type StrandInput struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Color        string   `json:"color"`
	Keywords     []string `json:"keywords"`
	TopicIDs     []string `json:"topicIds"`
	AutonomyMode string   `json:"autonomyMode"`
	CascadeMode  string   `json:"cascadeMode"`
	RepoURL      string   `json:"repoUrl"`
}

// CreateStrand creates a strand and, when workspaces are configured,
// materializes its git workspace (clone or fresh init).
func (o *Orchestrator) CreateStrand(ctx context.Context, input StrandInput) (*entities.Strand, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	var created *entities.Strand
	err := o.store.Update(func(d *store.Data) error {
		strand := entities.NewStrand(d, o.clock, input.Name, input.Description)
		strand.Color = input.Color
		strand.Keywords = input.Keywords
		strand.TopicIDs = input.TopicIDs
		strand.AutonomyMode = entities.AutonomyMode(input.AutonomyMode)
		strand.CascadeMode = entities.CascadeMode(input.CascadeMode)
		d.Strands[strand.ID] = strand
		created = strand
		return nil
	})
	if err != nil {
		return nil, err
	}

	if o.GitEnabled() {
		res := o.workspaces.CreateStrandWorkspace(ctx,
			o.config.Workspaces.Dir, created.ID, created.Name, input.RepoURL)
		if res.OK {
			wsErr := o.store.Update(func(d *store.Data) error {
				if strand, ok := d.Strands[created.ID]; ok {
					strand.Workspace = &entities.Workspace{Path: res.Path, RepoURL: input.RepoURL}
					strand.Touch(o.clock)
					created = strand
				}
				return nil
			})
			if wsErr != nil {
				o.logger.Warn("recording strand workspace failed", zap.Error(wsErr))
			}
		} else {
			o.logger.Warn("strand workspace creation failed",
				zap.String("strand_id", created.ID),
				zap.String("error", res.Error))
		}
	}

	o.Broadcast(ctx, events.StrandCreated, map[string]interface{}{"strandId": created.ID})
	return created, nil
}

// UpdateStrand applies non-empty input fields to an existing strand.
func (o *Orchestrator) UpdateStrand(ctx context.Context, strandID string, input StrandInput) (*entities.Strand, error) {
	var updated *entities.Strand
	err := o.store.Update(func(d *store.Data) error {
		strand, ok := d.Strands[strandID]
		if !ok {
			return fmt.Errorf("strand %s not found", strandID)
		}
		if input.Name != "" {
			strand.Name = input.Name
		}
		if input.Description != "" {
			strand.Description = input.Description
		}
		if input.Color != "" {
			strand.Color = input.Color
		}
		if input.Keywords != nil {
			strand.Keywords = input.Keywords
		}
		if input.TopicIDs != nil {
			strand.TopicIDs = input.TopicIDs
		}
		if input.AutonomyMode != "" {
			strand.AutonomyMode = entities.AutonomyMode(input.AutonomyMode)
		}
		if input.CascadeMode != "" {
			strand.CascadeMode = entities.CascadeMode(input.CascadeMode)
		}
		strand.Touch(o.clock)
		updated = strand
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.Broadcast(ctx, events.StrandUpdated, map[string]interface{}{"strandId": strandID})
	return updated, nil
}

// DeleteStrand kills every session attached to the strand, cascades
// the delete to its goals, and removes the workspace directory.
// Returns the killed session keys.
func (o *Orchestrator) DeleteStrand(ctx context.Context, strandID string) ([]string, error) {
	killed, err := o.KillForStrand(ctx, strandID)
	if err != nil {
		return nil, err
	}

	var wsPath string
	err = o.store.Update(func(d *store.Data) error {
		strand, ok := d.Strands[strandID]
		if !ok {
			return fmt.Errorf("strand %s not found", strandID)
		}
		if strand.Workspace != nil {
			wsPath = strand.Workspace.Path
		}
		for _, goal := range d.GoalsForStrand(strandID) {
			delete(d.Goals, goal.ID)
		}
		delete(d.Strands, strandID)
		for key, id := range d.SessionStrandIndex {
			if id == strandID {
				delete(d.SessionStrandIndex, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if wsPath != "" && o.GitEnabled() {
		if res := o.workspaces.RemoveStrandWorkspace(wsPath); !res.OK {
			o.logger.Warn("workspace removal failed",
				zap.String("path", wsPath), zap.String("error", res.Error))
		}
	}

	o.Broadcast(ctx, events.StrandDeleted, map[string]interface{}{
		"strandId":       strandID,
		"killedSessions": killed,
	})
	return killed, nil
}

// GoalInput carries the mutable goal fields for create/update.
type GoalInput struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	StrandID     string   `json:"strandId"`
	Phase        int      `json:"phase"`
	DependsOn    []string `json:"dependsOn"`
	AutonomyMode string   `json:"autonomyMode"`
	CascadeMode  string   `json:"cascadeMode"`
	MaxRetries   *int     `json:"maxRetries"`
	Status       string   `json:"status"`
}

// CreateGoal creates a goal, provisioning a worktree when the owning
// strand has a workspace.
func (o *Orchestrator) CreateGoal(ctx context.Context, input GoalInput) (*entities.Goal, error) {
	if input.Title == "" {
		return nil, fmt.Errorf("title is required")
	}

	var created *entities.Goal
	err := o.store.Update(func(d *store.Data) error {
		if input.StrandID != "" {
			if _, ok := d.Strands[input.StrandID]; !ok {
				return fmt.Errorf("strand %s not found", input.StrandID)
			}
		}
		goal := entities.NewGoal(d, o.clock, input.Title, input.Description, input.StrandID)
		goal.Phase = input.Phase
		goal.DependsOn = input.DependsOn
		goal.AutonomyMode = entities.AutonomyMode(input.AutonomyMode)
		goal.CascadeMode = entities.CascadeMode(input.CascadeMode)
		if input.MaxRetries != nil {
			goal.MaxRetries = *input.MaxRetries
		}
		d.Goals[goal.ID] = goal
		created = goal
		return nil
	})
	if err != nil {
		return nil, err
	}

	if input.StrandID != "" {
		o.provisionWorktrees(ctx, input.StrandID, []string{created.ID})
		o.store.View(func(d *store.Data) {
			if goal, ok := d.Goals[created.ID]; ok {
				created = goal
			}
		})
	}
	return created, nil
}

// UpdateGoal applies non-empty input fields to an existing goal.
func (o *Orchestrator) UpdateGoal(ctx context.Context, goalID string, input GoalInput) (*entities.Goal, error) {
	var updated *entities.Goal
	err := o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return fmt.Errorf("goal %s not found", goalID)
		}
		if input.Title != "" {
			goal.Title = input.Title
		}
		if input.Description != "" {
			goal.Description = input.Description
		}
		if input.Phase != 0 {
			goal.Phase = input.Phase
		}
		if input.DependsOn != nil {
			goal.DependsOn = input.DependsOn
		}
		if input.AutonomyMode != "" {
			goal.AutonomyMode = entities.AutonomyMode(input.AutonomyMode)
		}
		if input.CascadeMode != "" {
			goal.CascadeMode = entities.CascadeMode(input.CascadeMode)
		}
		if input.MaxRetries != nil {
			goal.MaxRetries = *input.MaxRetries
		}
		if input.Status != "" {
			goal.Status = entities.GoalStatus(input.Status)
			goal.Completed = goal.Status == entities.GoalStatusDone
		}
		goal.Touch(o.clock)
		updated = goal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteGoal kills the goal's sessions, removes its worktree, and
// drops it from the document, scrubbing dependency references on the
// remaining goals of the strand.
func (o *Orchestrator) DeleteGoal(ctx context.Context, goalID string) ([]string, error) {
	killed, err := o.KillForGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}

	var worktreePath, wsPath string
	err = o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return fmt.Errorf("goal %s not found", goalID)
		}
		if goal.Worktree != nil {
			worktreePath = goal.Worktree.Path
		}
		if strand := d.Strands[goal.StrandID]; strand != nil && strand.Workspace != nil {
			wsPath = strand.Workspace.Path
		}
		delete(d.Goals, goalID)
		for _, other := range d.Goals {
			for i := len(other.DependsOn) - 1; i >= 0; i-- {
				if other.DependsOn[i] == goalID {
					other.DependsOn = append(other.DependsOn[:i], other.DependsOn[i+1:]...)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if worktreePath != "" && wsPath != "" && o.GitEnabled() {
		if res := o.workspaces.RemoveGoalWorktree(ctx, wsPath, worktreePath); !res.OK {
			o.logger.Warn("worktree removal failed",
				zap.String("path", worktreePath), zap.String("error", res.Error))
		}
	}

	o.Broadcast(ctx, events.GoalDeleted, map[string]interface{}{"goalId": goalID})
	return killed, nil
}

// CloseGoal force-finishes a goal: kill its sessions, mark remaining
// non-terminal tasks failed so the done invariant holds, remove the
// worktree, and record closedAtMs.
func (o *Orchestrator) CloseGoal(ctx context.Context, goalID string) error {
	if _, err := o.KillForGoal(ctx, goalID); err != nil {
		return err
	}

	var worktreePath, wsPath string
	err := o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return fmt.Errorf("goal %s not found", goalID)
		}
		for _, task := range goal.Tasks {
			if !task.IsTerminal() {
				task.SetStatus(entities.TaskStatusFailed, o.clock)
				task.LastError = "goal closed"
			}
		}
		goal.Status = entities.GoalStatusDone
		goal.Completed = true
		goal.ClosedAtMs = o.clock.NowMs()
		if goal.Worktree != nil {
			worktreePath = goal.Worktree.Path
			goal.Worktree = nil
		}
		if strand := d.Strands[goal.StrandID]; strand != nil && strand.Workspace != nil {
			wsPath = strand.Workspace.Path
		}
		goal.Touch(o.clock)
		return nil
	})
	if err != nil {
		return err
	}

	if worktreePath != "" && wsPath != "" && o.GitEnabled() {
		if res := o.workspaces.RemoveGoalWorktree(ctx, wsPath, worktreePath); !res.OK {
			o.logger.Warn("worktree removal failed",
				zap.String("path", worktreePath), zap.String("error", res.Error))
		}
	}

	o.Broadcast(ctx, events.GoalClosed, map[string]interface{}{"goalId": goalID})
	return nil
}

// AttachSessionToGoal registers an externally created session on a
// goal so agent_end dispatch can find it.
func (o *Orchestrator) AttachSessionToGoal(ctx context.Context, goalID, sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("sessionKey is required")
	}
	return o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return fmt.Errorf("goal %s not found", goalID)
		}
		goal.AttachSession(sessionKey, o.clock)
		d.SessionIndex[sessionKey] = store.SessionRef{GoalID: goalID}
		return nil
	})
}

// TaskInput carries the mutable task fields for create/update.
type TaskInput struct {
	Text          string   `json:"text"`
	Description   string   `json:"description"`
	Priority      int      `json:"priority"`
	AssignedAgent string   `json:"assignedAgent"`
	Model         string   `json:"model"`
	DependsOn     []string `json:"dependsOn"`
	EstimatedTime string   `json:"estimatedTime"`
	AutonomyMode  string   `json:"autonomyMode"`
	Status        string   `json:"status"`
	Summary       string   `json:"summary"`
}

// CreateTask appends a task to a goal.
func (o *Orchestrator) CreateTask(ctx context.Context, goalID string, input TaskInput) (*entities.Task, error) {
	if input.Text == "" {
		return nil, fmt.Errorf("text is required")
	}

	var created *entities.Task
	err := o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return fmt.Errorf("goal %s not found", goalID)
		}
		task := entities.NewTask(d, o.clock, input.Text, input.Description)
		task.Priority = input.Priority
		task.AssignedAgent = input.AssignedAgent
		task.Model = input.Model
		task.DependsOn = input.DependsOn
		task.EstimatedTime = input.EstimatedTime
		task.AutonomyMode = entities.AutonomyMode(input.AutonomyMode)
		goal.Tasks = append(goal.Tasks, task)
		goal.Touch(o.clock)
		created = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateTask applies non-empty input fields to a task. A status change
// to done feeds the completion cascade exactly like a goal_update call.
func (o *Orchestrator) UpdateTask(ctx context.Context, goalID, taskID string, input TaskInput) (*entities.Task, error) {
	var (
		updated      *entities.Task
		completed    bool
		allTasksDone bool
	)
	err := o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return fmt.Errorf("goal %s not found", goalID)
		}
		task := goal.TaskByID(taskID)
		if task == nil {
			return fmt.Errorf("task %s not found", taskID)
		}
		if input.Text != "" {
			task.Text = input.Text
		}
		if input.Description != "" {
			task.Description = input.Description
		}
		if input.Priority != 0 {
			task.Priority = input.Priority
		}
		if input.AssignedAgent != "" {
			task.AssignedAgent = input.AssignedAgent
		}
		if input.Model != "" {
			task.Model = input.Model
		}
		if input.DependsOn != nil {
			task.DependsOn = input.DependsOn
		}
		if input.EstimatedTime != "" {
			task.EstimatedTime = input.EstimatedTime
		}
		if input.AutonomyMode != "" {
			task.AutonomyMode = entities.AutonomyMode(input.AutonomyMode)
		}
		if input.Summary != "" {
			task.Summary = input.Summary
		}
		if input.Status != "" {
			wasDone := task.Status == entities.TaskStatusDone
			task.SetStatus(entities.TaskStatus(input.Status), o.clock)
			if task.Status == entities.TaskStatusDone && !wasDone {
				completed = true
			}
		}
		task.Touch(o.clock)
		goal.Touch(o.clock)
		allTasksDone = goal.AllTasksDone()
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	if completed {
		o.Broadcast(ctx, events.GoalTaskCompleted, map[string]interface{}{
			"goalId":       goalID,
			"taskId":       taskID,
			"allTasksDone": allTasksDone,
		})
		if allTasksDone {
			o.AutoMerge(ctx, goalID)
		} else {
			o.schedule(o.kickoffDelay, func() {
				if _, err := o.Kickoff(context.Background(), goalID); err != nil {
					o.logger.WithGoalID(goalID).WithError(err).Warn("post-update kickoff failed")
				}
			})
		}
	}
	return updated, nil
}

// DeleteTask removes a task from its goal, aborting its session and
// scrubbing dependency references on the remaining siblings.
func (o *Orchestrator) DeleteTask(ctx context.Context, goalID, taskID string) error {
	var sessionKey string
	err := o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return fmt.Errorf("goal %s not found", goalID)
		}
		idx := -1
		for i, task := range goal.Tasks {
			if task.ID == taskID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("task %s not found", taskID)
		}
		sessionKey = goal.Tasks[idx].SessionKey
		if sessionKey != "" {
			removeGoalSession(d, goal, sessionKey)
		}
		goal.Tasks = append(goal.Tasks[:idx], goal.Tasks[idx+1:]...)
		for _, task := range goal.Tasks {
			for i := len(task.DependsOn) - 1; i >= 0; i-- {
				if task.DependsOn[i] == taskID {
					task.DependsOn = append(task.DependsOn[:i], task.DependsOn[i+1:]...)
				}
			}
		}
		goal.Touch(o.clock)
		return nil
	})
	if err != nil {
		return err
	}

	if sessionKey != "" {
		o.teardownSessions(ctx, []string{sessionKey})
	}
	return nil
}

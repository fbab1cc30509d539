package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/agentrole"
	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/store"
)

// Tool is one callable surface exposed to an agent session.
type Tool struct {
	Name        string
	Description string
	Handler     func(ctx context.Context, args map[string]interface{}) (*ToolResult, error)
}

// ToolResult carries the text confirmation returned to the agent plus
// the _meta block that drives the post-tool cascade in the gateway.
type ToolResult struct {
	Text string                 `json:"text"`
	Meta map[string]interface{} `json:"_meta,omitempty"`
}

// ToolsFor returns the tools available to a session. The set depends on
// runtime state, so it is evaluated per agent start: workers get
// goal_update, strand-bound non-PM sessions get the strand_* family,
// unbound sessions get strand_bind plus strand_list.
func (o *Orchestrator) ToolsFor(sessionKey string) []Tool {
	if agentrole.IsPMSessionKey(sessionKey) {
		return nil
	}

	var worker, strandBound bool
	o.store.View(func(d *store.Data) {
		_, worker = d.SessionIndex[sessionKey]
		_, strandBound = d.SessionStrandIndex[sessionKey]
	})

	switch {
	case worker:
		return []Tool{o.goalUpdateTool(sessionKey)}
	case strandBound:
		return []Tool{
			o.goalUpdateTool(sessionKey),
			o.strandCreateGoalTool(sessionKey),
			o.strandAddTaskTool(sessionKey),
			o.strandSpawnTaskTool(sessionKey),
			o.strandListTool(),
			o.strandStatusTool(sessionKey),
			o.strandPMChatTool(sessionKey),
			o.strandPMKickoffTool(sessionKey),
		}
	default:
		return []Tool{o.strandBindTool(sessionKey), o.strandListTool()}
	}
}

// goalUpdateTool lets a worker report progress: task status and
// summary, extra tasks, plan-file step updates, and the goal's overall
// status. Completion feeds straight into the scheduler.
func (o *Orchestrator) goalUpdateTool(sessionKey string) Tool {
	return Tool{
		Name: "goal_update",
		Description: "Update your task or goal: set status and summary, add follow-up tasks, " +
			"or report plan step progress.",
		Handler: func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
			return o.handleGoalUpdate(ctx, sessionKey, args)
		},
	}
}

func (o *Orchestrator) handleGoalUpdate(ctx context.Context, sessionKey string, args map[string]interface{}) (*ToolResult, error) {
	var (
		goalID          string
		taskCompletedID string
		allTasksDone    bool
		confirmations   []string
	)

	err := o.store.Update(func(d *store.Data) error {
		goal := d.GoalForSession(sessionKey)
		if id := argString(args, "goalId"); id != "" {
			goal = d.Goals[id]
		}
		if goal == nil {
			return fmt.Errorf("no goal found for this session")
		}
		goalID = goal.ID

		task := goal.TaskBySessionKey(sessionKey)
		if id := argString(args, "taskId"); id != "" {
			task = goal.TaskByID(id)
		}

		if status := argString(args, "status"); status != "" {
			if task == nil {
				return fmt.Errorf("no task found for this session")
			}
			task.SetStatus(entities.TaskStatus(status), o.clock)
			if task.Status == entities.TaskStatusDone {
				taskCompletedID = task.ID
			}
			confirmations = append(confirmations, fmt.Sprintf("task %s status set to %s", task.ID, status))
		}
		if summary := argString(args, "summary"); summary != "" && task != nil {
			task.Summary = summary
			task.Touch(o.clock)
		}
		if notes := argString(args, "notes"); notes != "" && task != nil {
			if task.Summary != "" {
				task.Summary += "\n"
			}
			task.Summary += notes
			task.Touch(o.clock)
		}

		for _, text := range argStrings(args, "addTasks") {
			added := entities.NewTask(d, o.clock, text, "")
			goal.Tasks = append(goal.Tasks, added)
			confirmations = append(confirmations, "added task "+added.ID)
		}
		if next := argString(args, "nextTask"); next != "" {
			added := entities.NewTask(d, o.clock, next, "")
			if task != nil {
				added.DependsOn = []string{task.ID}
			}
			goal.Tasks = append(goal.Tasks, added)
			confirmations = append(confirmations, "queued next task "+added.ID)
		}

		if task != nil {
			if planFile := argString(args, "planFile"); planFile != "" {
				if task.Plan == nil {
					task.Plan = &entities.TaskPlan{}
				}
				task.Plan.ExpectedFilePath = planFile
				task.Touch(o.clock)
			}
			if planStatus := argString(args, "planStatus"); planStatus != "" && task.Plan != nil {
				task.Plan.Status = planStatus
				task.Touch(o.clock)
			}
			if idx, ok := argInt(args, "stepIndex"); ok {
				if stepStatus := argString(args, "stepStatus"); stepStatus != "" &&
					task.Plan != nil && idx >= 0 && idx < len(task.Plan.Steps) {
					task.Plan.Steps[idx].Status = stepStatus
					task.Touch(o.clock)
				}
			}
		}

		if goalStatus := argString(args, "goalStatus"); goalStatus != "" {
			next := entities.GoalStatus(goalStatus)
			if next == entities.GoalStatusDone && !goal.AllTasksTerminal() {
				return fmt.Errorf("cannot mark goal done while tasks are still running")
			}
			goal.Status = next
			goal.Completed = next == entities.GoalStatusDone
			confirmations = append(confirmations, "goal status set to "+goalStatus)
		}

		allTasksDone = goal.AllTasksDone()
		goal.Touch(o.clock)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if taskCompletedID != "" {
		o.Broadcast(ctx, events.GoalTaskCompleted, map[string]interface{}{
			"goalId":       goalID,
			"taskId":       taskCompletedID,
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

	if len(confirmations) == 0 {
		confirmations = append(confirmations, "update recorded")
	}
	meta := map[string]interface{}{"goalId": goalID}
	if taskCompletedID != "" {
		meta["taskCompletedId"] = taskCompletedID
		meta["allTasksDone"] = allTasksDone
	}
	return &ToolResult{Text: strings.Join(confirmations, "; "), Meta: meta}, nil
}

func (o *Orchestrator) strandBindTool(sessionKey string) Tool {
	return Tool{
		Name:        "strand_bind",
		Description: "Attach this session to a project by id or name.",
		Handler: func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
			ref := argString(args, "strandId")
			if ref == "" {
				ref = argString(args, "name")
			}
			if ref == "" {
				return nil, fmt.Errorf("strandId or name is required")
			}

			var bound string
			err := o.store.Update(func(d *store.Data) error {
				strand := d.Strands[ref]
				if strand == nil {
					for _, s := range d.Strands {
						if strings.EqualFold(s.Name, ref) {
							strand = s
							break
						}
					}
				}
				if strand == nil {
					return fmt.Errorf("strand %q not found", ref)
				}
				d.SessionStrandIndex[sessionKey] = strand.ID
				strand.Touch(o.clock)
				bound = strand.Name
				return nil
			})
			if err != nil {
				return nil, err
			}
			return &ToolResult{Text: "bound to project " + bound}, nil
		},
	}
}

func (o *Orchestrator) strandCreateGoalTool(sessionKey string) Tool {
	return Tool{
		Name:        "strand_create_goal",
		Description: "Create a goal in the bound project.",
		Handler: func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
			title := argString(args, "title")
			if title == "" {
				return nil, fmt.Errorf("title is required")
			}

			var goalID, strandID string
			err := o.store.Update(func(d *store.Data) error {
				id, ok := d.SessionStrandIndex[sessionKey]
				if !ok {
					return fmt.Errorf("session is not bound to a project")
				}
				strandID = id
				goal := entities.NewGoal(d, o.clock, title, argString(args, "description"), strandID)
				d.Goals[goal.ID] = goal
				goalID = goal.ID
				return nil
			})
			if err != nil {
				return nil, err
			}

			o.provisionWorktrees(ctx, strandID, []string{goalID})
			return &ToolResult{
				Text: "created goal " + goalID,
				Meta: map[string]interface{}{"goalId": goalID},
			}, nil
		},
	}
}

func (o *Orchestrator) strandAddTaskTool(sessionKey string) Tool {
	return Tool{
		Name:        "strand_add_task",
		Description: "Add a task to a goal in the bound project.",
		Handler: func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
			goalID := argString(args, "goalId")
			text := argString(args, "text")
			if goalID == "" || text == "" {
				return nil, fmt.Errorf("goalId and text are required")
			}

			var taskID string
			err := o.store.Update(func(d *store.Data) error {
				goal, ok := d.Goals[goalID]
				if !ok {
					return fmt.Errorf("goal %s not found", goalID)
				}
				task := entities.NewTask(d, o.clock, text, argString(args, "description"))
				task.AssignedAgent = argString(args, "agent")
				goal.Tasks = append(goal.Tasks, task)
				goal.Touch(o.clock)
				taskID = task.ID
				return nil
			})
			if err != nil {
				return nil, err
			}
			return &ToolResult{
				Text: "added task " + taskID,
				Meta: map[string]interface{}{"goalId": goalID, "taskId": taskID},
			}, nil
		},
	}
}

func (o *Orchestrator) strandSpawnTaskTool(sessionKey string) Tool {
	return Tool{
		Name:        "strand_spawn_task",
		Description: "Kick off unblocked tasks of a goal as worker sessions.",
		Handler: func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
			goalID := argString(args, "goalId")
			if goalID == "" {
				return nil, fmt.Errorf("goalId is required")
			}
			result, err := o.Kickoff(ctx, goalID)
			if err != nil {
				return nil, err
			}
			if result.Message != "" {
				return &ToolResult{Text: result.Message}, nil
			}
			return &ToolResult{
				Text: fmt.Sprintf("spawned %d session(s)", len(result.SpawnedSessions)),
				Meta: map[string]interface{}{"goalId": goalID, "spawnedCount": len(result.SpawnedSessions)},
			}, nil
		},
	}
}

func (o *Orchestrator) strandListTool() Tool {
	return Tool{
		Name:        "strand_list",
		Description: "List known projects.",
		Handler: func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
			var lines []string
			o.store.View(func(d *store.Data) {
				for _, strand := range sortedStrands(d) {
					lines = append(lines, fmt.Sprintf("%s: %s (%d goals)",
						strand.ID, strand.Name, len(d.GoalsForStrand(strand.ID))))
				}
			})
			if len(lines) == 0 {
				return &ToolResult{Text: "no projects yet"}, nil
			}
			return &ToolResult{Text: strings.Join(lines, "\n")}, nil
		},
	}
}

func (o *Orchestrator) strandStatusTool(sessionKey string) Tool {
	return Tool{
		Name:        "strand_status",
		Description: "Show the bound project's goals and tasks.",
		Handler: func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
			var status string
			o.store.View(func(d *store.Data) {
				strandID, ok := d.SessionStrandIndex[sessionKey]
				if !ok {
					return
				}
				if strand := d.Strands[strandID]; strand != nil {
					status = buildStrandContext(d, strand, sessionKey)
				}
			})
			if status == "" {
				return nil, fmt.Errorf("session is not bound to a project")
			}
			return &ToolResult{Text: status}, nil
		},
	}
}

func (o *Orchestrator) strandPMChatTool(sessionKey string) Tool {
	return Tool{
		Name:        "strand_pm_chat",
		Description: "Ask the project PM a question and wait for the reply.",
		Handler: func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
			message := argString(args, "message")
			if message == "" {
				return nil, fmt.Errorf("message is required")
			}
			strandID := o.strandForSession(sessionKey)
			if strandID == "" {
				return nil, fmt.Errorf("session is not bound to a project")
			}
			reply, err := o.PMChat(ctx, strandID, message)
			if err != nil {
				return nil, err
			}
			return &ToolResult{Text: reply.Response}, nil
		},
	}
}

func (o *Orchestrator) strandPMKickoffTool(sessionKey string) Tool {
	return Tool{
		Name:        "strand_pm_kickoff",
		Description: "Create goals from the project's saved plan and cascade them to PMs.",
		Handler: func(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
			strandID := o.strandForSession(sessionKey)
			if strandID == "" {
				return nil, fmt.Errorf("session is not bound to a project")
			}
			mode := entities.CascadeMode(argString(args, "mode"))
			result, err := o.StrandCascade(ctx, strandID, argString(args, "plan"), mode)
			if err != nil {
				return nil, err
			}
			return &ToolResult{
				Text: fmt.Sprintf("created %d goal(s) from plan", result.GoalsCreated),
				Meta: map[string]interface{}{"strandId": strandID, "goalsCreated": result.GoalsCreated},
			}, nil
		},
	}
}

func (o *Orchestrator) strandForSession(sessionKey string) string {
	var strandID string
	o.store.View(func(d *store.Data) {
		strandID = d.SessionStrandIndex[sessionKey]
	})
	return strandID
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func argStrings(args map[string]interface{}, key string) []string {
	var out []string
	switch v := args[key].(type) {
	case []string:
		out = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func argInt(args map[string]interface{}, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

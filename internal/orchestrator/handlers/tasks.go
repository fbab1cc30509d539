package handlers

import (
	"context"

	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/ws"
)

type taskCreatePayload struct {
	GoalID string `json:"goalId"`
	orchestrator.TaskInput
}

func (h *Handlers) taskCreate(ctx context.Context, msg *ws.Message) ws.Result {
	var payload taskCreatePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}
	if payload.Text == "" {
		return ws.ErrResult("text is required")
	}

	task, err := h.orch.CreateTask(ctx, payload.GoalID, payload.TaskInput)
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(map[string]interface{}{"task": task})
}

type taskListPayload struct {
	GoalID string `json:"goalId"`
}

func (h *Handlers) taskList(ctx context.Context, msg *ws.Message) ws.Result {
	var payload taskListPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}

	var tasks []*entities.Task
	var found bool
	h.orch.Store().View(func(d *store.Data) {
		goal, ok := d.Goals[payload.GoalID]
		if !ok {
			return
		}
		found = true
		tasks = goal.Tasks
	})
	if !found {
		return ws.ErrResult("goal " + payload.GoalID + " not found")
	}
	if tasks == nil {
		tasks = []*entities.Task{}
	}
	return ws.OKResult(map[string]interface{}{"tasks": tasks})
}

type taskUpdatePayload struct {
	GoalID string `json:"goalId"`
	TaskID string `json:"taskId"`
	orchestrator.TaskInput
}

func (h *Handlers) taskUpdate(ctx context.Context, msg *ws.Message) ws.Result {
	var payload taskUpdatePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" || payload.TaskID == "" {
		return ws.ErrResult("goalId and taskId are required")
	}

	task, err := h.orch.UpdateTask(ctx, payload.GoalID, payload.TaskID, payload.TaskInput)
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(map[string]interface{}{"task": task})
}

type taskDeletePayload struct {
	GoalID string `json:"goalId"`
	TaskID string `json:"taskId"`
}

func (h *Handlers) taskDelete(ctx context.Context, msg *ws.Message) ws.Result {
	var payload taskDeletePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" || payload.TaskID == "" {
		return ws.ErrResult("goalId and taskId are required")
	}

	if err := h.orch.DeleteTask(ctx, payload.GoalID, payload.TaskID); err != nil {
		return fail(err)
	}
	return ws.OKResult(map[string]interface{}{"goalId": payload.GoalID, "taskId": payload.TaskID, "deleted": true})
}

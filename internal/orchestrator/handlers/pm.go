package handlers

import (
	"context"

	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/pkg/ws"
)

type pmChatPayload struct {
	StrandID string `json:"strandId"`
	Message  string `json:"message"`
}

func (h *Handlers) pmChat(ctx context.Context, msg *ws.Message) ws.Result {
	var payload pmChatPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.StrandID == "" || payload.Message == "" {
		return ws.ErrResult("strandId and message are required")
	}

	reply, err := h.orch.PMChat(ctx, payload.StrandID, payload.Message)
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(reply)
}

type pmStrandChatPayload struct {
	StrandID string `json:"strandId"`
	Message  string `json:"message"`
	Send     bool   `json:"send"`
}

func (h *Handlers) pmStrandChat(ctx context.Context, msg *ws.Message) ws.Result {
	var payload pmStrandChatPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.StrandID == "" || payload.Message == "" {
		return ws.ErrResult("strandId and message are required")
	}

	prompt, err := h.orch.PrepareStrandChat(ctx, payload.StrandID, payload.Message, payload.Send)
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(prompt)
}

type pmGoalCascadePayload struct {
	GoalID  string `json:"goalId"`
	Message string `json:"message"`
	Mode    string `json:"mode"`
	Send    bool   `json:"send"`
}

func (h *Handlers) pmGoalCascade(ctx context.Context, msg *ws.Message) ws.Result {
	var payload pmGoalCascadePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}

	prompt, err := h.orch.PrepareGoalCascade(ctx, payload.GoalID, payload.Message,
		entities.CascadeMode(payload.Mode), payload.Send)
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(prompt)
}

type pmStrandCascadePayload struct {
	StrandID string `json:"strandId"`
	Content  string `json:"content"`
	Mode     string `json:"mode"`
}

func (h *Handlers) pmStrandCascade(ctx context.Context, msg *ws.Message) ws.Result {
	var payload pmStrandCascadePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.StrandID == "" {
		return ws.ErrResult("strandId is required")
	}

	result, err := h.orch.StrandCascade(ctx, payload.StrandID, payload.Content,
		entities.CascadeMode(payload.Mode))
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(result)
}

type pmSaveResponsePayload struct {
	StrandID string `json:"strandId"`
	Content  string `json:"content"`
}

func (h *Handlers) pmSaveResponse(ctx context.Context, msg *ws.Message) ws.Result {
	var payload pmSaveResponsePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.StrandID == "" || payload.Content == "" {
		return ws.ErrResult("strandId and content are required")
	}

	if err := h.orch.SavePMResponse(ctx, payload.StrandID, payload.Content); err != nil {
		return fail(err)
	}
	return ws.OKResult(map[string]interface{}{"strandId": payload.StrandID, "saved": true})
}

type pmCreateTasksPayload struct {
	GoalID  string `json:"goalId"`
	Content string `json:"content"`
	Mode    string `json:"mode"`
}

func (h *Handlers) pmCreateTasksFromPlan(ctx context.Context, msg *ws.Message) ws.Result {
	var payload pmCreateTasksPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" || payload.Content == "" {
		return ws.ErrResult("goalId and content are required")
	}

	result, err := h.orch.CreateTasksFromPlan(ctx, payload.GoalID, payload.Content,
		entities.CascadeMode(payload.Mode))
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(result)
}

type pmCreateGoalsPayload struct {
	StrandID string `json:"strandId"`
	Content  string `json:"content"`
}

func (h *Handlers) pmStrandCreateGoals(ctx context.Context, msg *ws.Message) ws.Result {
	var payload pmCreateGoalsPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.StrandID == "" || payload.Content == "" {
		return ws.ErrResult("strandId and content are required")
	}

	result, err := h.orch.CreateGoalsFromPlan(ctx, payload.StrandID, payload.Content)
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(result)
}

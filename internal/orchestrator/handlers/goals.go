package handlers

import (
	"context"

	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/ws"
)

type goalCreatePayload struct {
	orchestrator.GoalInput
}

func (h *Handlers) goalCreate(ctx context.Context, msg *ws.Message) ws.Result {
	var payload goalCreatePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.Title == "" {
		return ws.ErrResult("title is required")
	}

	goal, err := h.orch.CreateGoal(ctx, payload.GoalInput)
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(map[string]interface{}{"goal": goal})
}

type goalListPayload struct {
	StrandID string `json:"strandId"`
}

func (h *Handlers) goalList(ctx context.Context, msg *ws.Message) ws.Result {
	var payload goalListPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}

	var goals []*entities.Goal
	h.orch.Store().View(func(d *store.Data) {
		if payload.StrandID != "" {
			goals = d.GoalsForStrand(payload.StrandID)
			return
		}
		for _, goal := range d.Goals {
			goals = append(goals, goal)
		}
	})
	if goals == nil {
		goals = []*entities.Goal{}
	}
	return ws.OKResult(map[string]interface{}{"goals": goals})
}

type goalRefPayload struct {
	GoalID string `json:"goalId"`
}

func (h *Handlers) goalGet(ctx context.Context, msg *ws.Message) ws.Result {
	var payload goalRefPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}

	var goal *entities.Goal
	h.orch.Store().View(func(d *store.Data) {
		goal = d.Goals[payload.GoalID]
	})
	if goal == nil {
		return ws.ErrResult("goal " + payload.GoalID + " not found")
	}
	return ws.OKResult(map[string]interface{}{"goal": goal})
}

type goalUpdatePayload struct {
	GoalID string `json:"goalId"`
	orchestrator.GoalInput
}

func (h *Handlers) goalUpdate(ctx context.Context, msg *ws.Message) ws.Result {
	var payload goalUpdatePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}

	goal, err := h.orch.UpdateGoal(ctx, payload.GoalID, payload.GoalInput)
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(map[string]interface{}{"goal": goal})
}

func (h *Handlers) goalDelete(ctx context.Context, msg *ws.Message) ws.Result {
	var payload goalRefPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}

	killed, err := h.orch.DeleteGoal(ctx, payload.GoalID)
	if err != nil {
		return fail(err)
	}
	if killed == nil {
		killed = []string{}
	}
	return ws.OKResult(map[string]interface{}{"killedSessions": killed})
}

func (h *Handlers) goalKickoff(ctx context.Context, msg *ws.Message) ws.Result {
	var payload goalRefPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}

	result, err := h.orch.Kickoff(ctx, payload.GoalID)
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(result)
}

func (h *Handlers) goalClose(ctx context.Context, msg *ws.Message) ws.Result {
	var payload goalRefPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}

	if err := h.orch.CloseGoal(ctx, payload.GoalID); err != nil {
		return fail(err)
	}
	return ws.OKResult(map[string]interface{}{"goalId": payload.GoalID, "closed": true})
}

type goalAttachPayload struct {
	GoalID     string `json:"goalId"`
	SessionKey string `json:"sessionKey"`
}

func (h *Handlers) goalAttachSession(ctx context.Context, msg *ws.Message) ws.Result {
	var payload goalAttachPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" || payload.SessionKey == "" {
		return ws.ErrResult("goalId and sessionKey are required")
	}

	if err := h.orch.AttachSessionToGoal(ctx, payload.GoalID, payload.SessionKey); err != nil {
		return fail(err)
	}
	return ws.OKResult(map[string]interface{}{"goalId": payload.GoalID, "sessionKey": payload.SessionKey})
}

func (h *Handlers) goalBranchStatus(ctx context.Context, msg *ws.Message) ws.Result {
	var payload goalRefPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}

	status, err := h.orch.GoalBranchStatus(ctx, payload.GoalID)
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(status)
}

type goalCreatePRPayload struct {
	GoalID string `json:"goalId"`
	URL    string `json:"url"`
	Number int    `json:"number"`
}

func (h *Handlers) goalCreatePR(ctx context.Context, msg *ws.Message) ws.Result {
	var payload goalCreatePRPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}

	if err := h.orch.RecordPR(ctx, payload.GoalID, payload.URL, payload.Number); err != nil {
		return fail(err)
	}
	return ws.OKResult(map[string]interface{}{
		"goalId": payload.GoalID,
		"prUrl":  payload.URL,
	})
}

func (h *Handlers) goalRetryPush(ctx context.Context, msg *ws.Message) ws.Result {
	var payload goalRefPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}

	if err := h.orch.RetryPush(ctx, payload.GoalID); err != nil {
		return fail(err)
	}
	return ws.OKResult(map[string]interface{}{"goalId": payload.GoalID, "pushed": true})
}

func (h *Handlers) goalRetryMerge(ctx context.Context, msg *ws.Message) ws.Result {
	var payload goalRefPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}

	merge, err := h.orch.RetryMerge(ctx, payload.GoalID)
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(merge)
}

func (h *Handlers) goalPushMain(ctx context.Context, msg *ws.Message) ws.Result {
	var payload goalRefPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}

	if err := h.orch.PushMainBranch(ctx, payload.GoalID); err != nil {
		return fail(err)
	}
	return ws.OKResult(map[string]interface{}{"goalId": payload.GoalID, "pushed": true})
}

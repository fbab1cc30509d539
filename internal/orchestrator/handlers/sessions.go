package handlers

import (
	"context"

	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/pkg/ws"
)

type sessionsGoalPayload struct {
	GoalID string `json:"goalId"`
}

func (h *Handlers) sessionsKillForGoal(ctx context.Context, msg *ws.Message) ws.Result {
	var payload sessionsGoalPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.GoalID == "" {
		return ws.ErrResult("goalId is required")
	}

	killed, err := h.orch.KillForGoal(ctx, payload.GoalID)
	if err != nil {
		return fail(err)
	}
	if killed == nil {
		killed = []string{}
	}
	return ws.OKResult(map[string]interface{}{"killedSessions": killed})
}

type sessionsStrandPayload struct {
	StrandID string `json:"strandId"`
}

func (h *Handlers) sessionsKillForStrand(ctx context.Context, msg *ws.Message) ws.Result {
	var payload sessionsStrandPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.StrandID == "" {
		return ws.ErrResult("strandId is required")
	}

	killed, err := h.orch.KillForStrand(ctx, payload.StrandID)
	if err != nil {
		return fail(err)
	}
	if killed == nil {
		killed = []string{}
	}
	return ws.OKResult(map[string]interface{}{"killedSessions": killed})
}

// sessionsCleanupStale accepts an optional strandId; blank sweeps the
// whole store.
func (h *Handlers) sessionsCleanupStale(ctx context.Context, msg *ws.Message) ws.Result {
	var payload sessionsStrandPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}

	cleaned, err := h.orch.CleanupStale(ctx, payload.StrandID)
	if err != nil {
		return fail(err)
	}
	if cleaned == nil {
		cleaned = []string{}
	}
	return ws.OKResult(map[string]interface{}{"cleanedSessions": cleaned})
}

func (h *Handlers) sessionsListForStrand(ctx context.Context, msg *ws.Message) ws.Result {
	var payload sessionsStrandPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.StrandID == "" {
		return ws.ErrResult("strandId is required")
	}

	sessions, err := h.orch.ListForStrand(ctx, payload.StrandID)
	if err != nil {
		return fail(err)
	}
	if sessions == nil {
		sessions = []orchestrator.SessionInfo{}
	}
	return ws.OKResult(map[string]interface{}{"sessions": sessions})
}

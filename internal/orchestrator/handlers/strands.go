package handlers

import (
	"context"
	"sort"

	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/ws"
)

type strandCreatePayload struct {
	orchestrator.StrandInput
}

func (h *Handlers) strandCreate(ctx context.Context, msg *ws.Message) ws.Result {
	var payload strandCreatePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.Name == "" {
		return ws.ErrResult("name is required")
	}

	strand, err := h.orch.CreateStrand(ctx, payload.StrandInput)
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(map[string]interface{}{"strand": strand})
}

func (h *Handlers) strandList(ctx context.Context, msg *ws.Message) ws.Result {
	type strandSummary struct {
		*entities.Strand
		GoalCount int `json:"goalCount"`
	}
	var strands []strandSummary
	h.orch.Store().View(func(d *store.Data) {
		for _, strand := range d.Strands {
			strands = append(strands, strandSummary{
				Strand:    strand,
				GoalCount: len(d.GoalsForStrand(strand.ID)),
			})
		}
	})
	sort.Slice(strands, func(i, j int) bool {
		if strands[i].CreatedAtMs != strands[j].CreatedAtMs {
			return strands[i].CreatedAtMs < strands[j].CreatedAtMs
		}
		return strands[i].ID < strands[j].ID
	})
	if strands == nil {
		strands = []strandSummary{}
	}
	return ws.OKResult(map[string]interface{}{"strands": strands})
}

type strandRefPayload struct {
	StrandID string `json:"strandId"`
}

func (h *Handlers) strandGet(ctx context.Context, msg *ws.Message) ws.Result {
	var payload strandRefPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.StrandID == "" {
		return ws.ErrResult("strandId is required")
	}

	var strand *entities.Strand
	var goals []*entities.Goal
	h.orch.Store().View(func(d *store.Data) {
		strand = d.Strands[payload.StrandID]
		if strand != nil {
			goals = d.GoalsForStrand(payload.StrandID)
		}
	})
	if strand == nil {
		return ws.ErrResult("strand " + payload.StrandID + " not found")
	}
	if goals == nil {
		goals = []*entities.Goal{}
	}
	return ws.OKResult(map[string]interface{}{"strand": strand, "goals": goals})
}

type strandUpdatePayload struct {
	StrandID string `json:"strandId"`
	orchestrator.StrandInput
}

func (h *Handlers) strandUpdate(ctx context.Context, msg *ws.Message) ws.Result {
	var payload strandUpdatePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.StrandID == "" {
		return ws.ErrResult("strandId is required")
	}

	strand, err := h.orch.UpdateStrand(ctx, payload.StrandID, payload.StrandInput)
	if err != nil {
		return fail(err)
	}
	return ws.OKResult(map[string]interface{}{"strand": strand})
}

func (h *Handlers) strandDelete(ctx context.Context, msg *ws.Message) ws.Result {
	var payload strandRefPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return ws.ErrResult("invalid payload: " + err.Error())
	}
	if payload.StrandID == "" {
		return ws.ErrResult("strandId is required")
	}

	killed, err := h.orch.DeleteStrand(ctx, payload.StrandID)
	if err != nil {
		return fail(err)
	}
	if killed == nil {
		killed = []string{}
	}
	return ws.OKResult(map[string]interface{}{"killedSessions": killed})
}

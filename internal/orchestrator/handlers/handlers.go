// Package handlers implements the request surface: one thin
// validator/dispatcher per operation, each returning the uniform
// ok/payload/error result over the ws protocol.
package handlers

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/ws"
)

// Handlers binds the orchestrator to the ws action protocol.
type Handlers struct {
	orch   *orchestrator.Orchestrator
	logger *logger.Logger
	tracer trace.Tracer
}

// New creates the handler set.
func New(orch *orchestrator.Orchestrator, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.Default()
	}
	return &Handlers{
		orch:   orch,
		logger: log.WithFields(zap.String("component", "handlers")),
		tracer: otel.Tracer("github.com/loomworks/loom/internal/orchestrator/handlers"),
	}
}

// Register wires every operation into the dispatcher.
func (h *Handlers) Register(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, h.wrap(ws.ActionHealthCheck, h.healthCheck))

	d.RegisterFunc(ws.ActionStrandCreate, h.wrap(ws.ActionStrandCreate, h.strandCreate))
	d.RegisterFunc(ws.ActionStrandList, h.wrap(ws.ActionStrandList, h.strandList))
	d.RegisterFunc(ws.ActionStrandGet, h.wrap(ws.ActionStrandGet, h.strandGet))
	d.RegisterFunc(ws.ActionStrandUpdate, h.wrap(ws.ActionStrandUpdate, h.strandUpdate))
	d.RegisterFunc(ws.ActionStrandDelete, h.wrap(ws.ActionStrandDelete, h.strandDelete))

	d.RegisterFunc(ws.ActionGoalCreate, h.wrap(ws.ActionGoalCreate, h.goalCreate))
	d.RegisterFunc(ws.ActionGoalList, h.wrap(ws.ActionGoalList, h.goalList))
	d.RegisterFunc(ws.ActionGoalGet, h.wrap(ws.ActionGoalGet, h.goalGet))
	d.RegisterFunc(ws.ActionGoalUpdate, h.wrap(ws.ActionGoalUpdate, h.goalUpdate))
	d.RegisterFunc(ws.ActionGoalDelete, h.wrap(ws.ActionGoalDelete, h.goalDelete))
	d.RegisterFunc(ws.ActionGoalKickoff, h.wrap(ws.ActionGoalKickoff, h.goalKickoff))
	d.RegisterFunc(ws.ActionGoalClose, h.wrap(ws.ActionGoalClose, h.goalClose))
	d.RegisterFunc(ws.ActionGoalAttach, h.wrap(ws.ActionGoalAttach, h.goalAttachSession))
	d.RegisterFunc(ws.ActionGoalBranchStatus, h.wrap(ws.ActionGoalBranchStatus, h.goalBranchStatus))
	d.RegisterFunc(ws.ActionGoalCreatePR, h.wrap(ws.ActionGoalCreatePR, h.goalCreatePR))
	d.RegisterFunc(ws.ActionGoalRetryPush, h.wrap(ws.ActionGoalRetryPush, h.goalRetryPush))
	d.RegisterFunc(ws.ActionGoalRetryMerge, h.wrap(ws.ActionGoalRetryMerge, h.goalRetryMerge))
	d.RegisterFunc(ws.ActionGoalPushMain, h.wrap(ws.ActionGoalPushMain, h.goalPushMain))

	d.RegisterFunc(ws.ActionTaskCreate, h.wrap(ws.ActionTaskCreate, h.taskCreate))
	d.RegisterFunc(ws.ActionTaskList, h.wrap(ws.ActionTaskList, h.taskList))
	d.RegisterFunc(ws.ActionTaskUpdate, h.wrap(ws.ActionTaskUpdate, h.taskUpdate))
	d.RegisterFunc(ws.ActionTaskDelete, h.wrap(ws.ActionTaskDelete, h.taskDelete))

	d.RegisterFunc(ws.ActionPMChat, h.wrap(ws.ActionPMChat, h.pmChat))
	d.RegisterFunc(ws.ActionPMStrandChat, h.wrap(ws.ActionPMStrandChat, h.pmStrandChat))
	d.RegisterFunc(ws.ActionPMGoalCascade, h.wrap(ws.ActionPMGoalCascade, h.pmGoalCascade))
	d.RegisterFunc(ws.ActionPMStrandCascade, h.wrap(ws.ActionPMStrandCascade, h.pmStrandCascade))
	d.RegisterFunc(ws.ActionPMSaveResponse, h.wrap(ws.ActionPMSaveResponse, h.pmSaveResponse))
	d.RegisterFunc(ws.ActionPMCreateTasks, h.wrap(ws.ActionPMCreateTasks, h.pmCreateTasksFromPlan))
	d.RegisterFunc(ws.ActionPMStrandCreateGoals, h.wrap(ws.ActionPMStrandCreateGoals, h.pmStrandCreateGoals))

	d.RegisterFunc(ws.ActionSessionsKillForGoal, h.wrap(ws.ActionSessionsKillForGoal, h.sessionsKillForGoal))
	d.RegisterFunc(ws.ActionSessionsKillForStrand, h.wrap(ws.ActionSessionsKillForStrand, h.sessionsKillForStrand))
	d.RegisterFunc(ws.ActionSessionsCleanupStale, h.wrap(ws.ActionSessionsCleanupStale, h.sessionsCleanupStale))
	d.RegisterFunc(ws.ActionSessionsListForStrand, h.wrap(ws.ActionSessionsListForStrand, h.sessionsListForStrand))
}

// operation is a handler body: parse the message, do the work, return
// the uniform result.
type operation func(ctx context.Context, msg *ws.Message) ws.Result

// wrap adapts an operation into a ws handler with a span per dispatch.
// Store unavailability is the only error class surfaced as a transport
// error; everything else rides in the uniform result.
func (h *Handlers) wrap(action string, op operation) ws.HandlerFunc {
	return func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		ctx, span := h.tracer.Start(ctx, action,
			trace.WithAttributes(attribute.String("loom.action", action)))
		defer span.End()

		result := op(ctx, msg)
		if !result.OK {
			span.SetStatus(codes.Error, result.Error)
		}
		return ws.NewResponse(msg.ID, action, result)
	}
}

func (h *Handlers) healthCheck(ctx context.Context, msg *ws.Message) ws.Result {
	return ws.OKResult(map[string]string{"status": "ok"})
}

// fail builds the uniform failure result, mapping store unavailability
// onto a stable message.
func fail(err error) ws.Result {
	if errors.Is(err, store.ErrStoreUnavailable) {
		return ws.ErrResult("store unavailable: " + err.Error())
	}
	return ws.ErrResult(err.Error())
}

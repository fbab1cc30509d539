// Package orchestrator composes the store, workspace manager, agent
// gateway and event bus into the orchestration engine: the kickoff
// scheduler, the PM cascade processor, the session lifecycle manager
// and the agent lifecycle hooks.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/agentrole"
	"github.com/loomworks/loom/internal/common/config"
	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/events/bus"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/workspace"
)

const eventSource = "orchestrator"

// Orchestrator owns all state transitions of strands, goals and tasks.
// Store mutations are serialized by the store lock; gateway and git
// calls happen outside it.
type Orchestrator struct {
	store      *store.Store
	workspaces *workspace.Manager // nil when git features are disabled
	gateway    llm.Gateway
	bus        bus.EventBus
	journal    *events.Journal
	resolver   *agentrole.Resolver
	classifier Classifier
	audit      *events.ClassifierAudit
	config     *config.Config
	clock      entities.Clock
	logger     *logger.Logger

	planLogs *planLogTracker

	// kickoffDelay separates the task-done save from the follow-up
	// kickoff save so the two writes never race. Tests set it to zero,
	// which makes scheduled kickoffs run inline.
	kickoffDelay time.Duration
	// mergeGrace delays the dependent-goal kickoff after a merge so the
	// main branch settles before new worktrees fork from it.
	mergeGrace time.Duration
}

// Options carries the orchestrator's collaborators.
type Options struct {
	Store      *store.Store
	Workspaces *workspace.Manager
	Gateway    llm.Gateway
	Bus        bus.EventBus
	Journal    *events.Journal
	Resolver   *agentrole.Resolver
	Classifier Classifier
	Audit      *events.ClassifierAudit
	Config     *config.Config
	Clock      entities.Clock
	Logger     *logger.Logger

	KickoffDelay time.Duration
	MergeGrace   time.Duration
}

// New assembles the orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = entities.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.KickoffDelay == 0 {
		opts.KickoffDelay = 1500 * time.Millisecond
	}
	if opts.MergeGrace == 0 {
		opts.MergeGrace = 2 * time.Second
	}

	o := &Orchestrator{
		store:        opts.Store,
		workspaces:   opts.Workspaces,
		gateway:      opts.Gateway,
		bus:          opts.Bus,
		journal:      opts.Journal,
		resolver:     opts.Resolver,
		classifier:   opts.Classifier,
		audit:        opts.Audit,
		config:       opts.Config,
		clock:        opts.Clock,
		logger:       opts.Logger.WithFields(zap.String("component", "orchestrator")),
		kickoffDelay: opts.KickoffDelay,
		mergeGrace:   opts.MergeGrace,
	}
	o.planLogs = newPlanLogTracker(o, opts.Logger)
	return o
}

// Store exposes the document store to the request surface.
func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// Workspaces exposes the git adapter, or nil when disabled.
func (o *Orchestrator) Workspaces() *workspace.Manager {
	return o.workspaces
}

// GitEnabled reports whether workspace features are configured.
func (o *Orchestrator) GitEnabled() bool {
	return o.workspaces != nil && o.config != nil && o.config.Workspaces.Enabled()
}

// Broadcast emits an event on the bus, mirroring goal.* events to the
// disk journal so an out-of-process relay can replay them. Best-effort:
// failures are logged, never propagated.
func (o *Orchestrator) Broadcast(ctx context.Context, eventType string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, eventSource, data)

	if o.bus != nil {
		if err := o.bus.Publish(ctx, eventType, event); err != nil {
			o.logger.Warn("event publish failed",
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}
	if o.journal != nil && events.IsGoalEvent(eventType) {
		if err := o.journal.Append(event); err != nil {
			o.logger.Warn("event journal append failed",
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}
}

// schedule runs fn after d. A zero delay runs inline, which keeps unit
// tests deterministic.
func (o *Orchestrator) schedule(d time.Duration, fn func()) {
	if d <= 0 {
		fn()
		return
	}
	time.AfterFunc(d, fn)
}

// Close stops background watchers.
func (o *Orchestrator) Close() {
	o.planLogs.Close()
}

// historyLimit returns the configured PM history trim limit.
func (o *Orchestrator) historyLimit() int {
	if o.config != nil && o.config.PM.MaxHistory > 0 {
		return o.config.PM.MaxHistory
	}
	return entities.DefaultHistoryLimit
}

// defaultAutonomy returns the process-level autonomy default.
func (o *Orchestrator) defaultAutonomy() entities.AutonomyMode {
	if o.config != nil && o.config.PM.DefaultAutonomy != "" {
		return entities.AutonomyMode(o.config.PM.DefaultAutonomy)
	}
	return entities.AutonomyPlan
}

package orchestrator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/agentrole"
	"github.com/loomworks/loom/internal/common/config"
	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/events/bus"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/store"
)

type fixedClock struct{ now int64 }

func (c *fixedClock) NowMs() int64 { return c.now }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func testConfig() *config.Config {
	return &config.Config{
		PM: config.PMConfig{
			DefaultAutonomy: "plan",
			MaxHistory:      10,
			ResponseTimeout: 1,
			PollInterval:    1,
		},
	}
}

// newTestOrchestrator wires an orchestrator around the given gateway
// with no git features. Negative delays make scheduled kickoffs run
// inline so tests stay deterministic.
func newTestOrchestrator(t *testing.T, gw llm.Gateway) *Orchestrator {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "loom.json"), nil)
	require.NoError(t, err)

	log := testLogger(t)
	o := New(Options{
		Store:        st,
		Gateway:      gw,
		Bus:          bus.NewMemoryEventBus(log),
		Resolver:     agentrole.NewResolver(map[string]string{"pm": "claude", "main": "claude"}),
		Config:       testConfig(),
		Clock:        &fixedClock{now: 1000},
		Logger:       log,
		KickoffDelay: -1,
		MergeGrace:   -1,
	})
	t.Cleanup(o.Close)
	return o
}

func seedStrand(t *testing.T, o *Orchestrator, name string) string {
	t.Helper()
	var id string
	require.NoError(t, o.store.Update(func(d *store.Data) error {
		strand := entities.NewStrand(d, o.clock, name, "")
		d.Strands[strand.ID] = strand
		id = strand.ID
		return nil
	}))
	return id
}

func seedGoal(t *testing.T, o *Orchestrator, strandID, title string) string {
	t.Helper()
	var id string
	require.NoError(t, o.store.Update(func(d *store.Data) error {
		goal := entities.NewGoal(d, o.clock, title, "", strandID)
		d.Goals[goal.ID] = goal
		id = goal.ID
		return nil
	}))
	return id
}

func seedTask(t *testing.T, o *Orchestrator, goalID, text string) string {
	t.Helper()
	var id string
	require.NoError(t, o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		require.True(t, ok)
		task := entities.NewTask(d, o.clock, text, "")
		goal.Tasks = append(goal.Tasks, task)
		id = task.ID
		return nil
	}))
	return id
}

func getStrand(t *testing.T, o *Orchestrator, strandID string) *entities.Strand {
	t.Helper()
	strand := o.store.Snapshot().Strands[strandID]
	require.NotNil(t, strand)
	return strand
}

func getGoal(t *testing.T, o *Orchestrator, goalID string) *entities.Goal {
	t.Helper()
	goal := o.store.Snapshot().Goals[goalID]
	require.NotNil(t, goal)
	return goal
}

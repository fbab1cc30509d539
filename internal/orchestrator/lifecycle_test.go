package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/store"
)

func TestKillForGoal(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	seedTask(t, o, goalID, "set up routing")
	seedTask(t, o, goalID, "add persistence")

	_, err := o.Kickoff(context.Background(), goalID)
	require.NoError(t, err)
	prompt, err := o.PrepareGoalCascade(context.Background(), goalID, "plan", "", false)
	require.NoError(t, err)

	killed, err := o.KillForGoal(context.Background(), goalID)
	require.NoError(t, err)
	assert.Len(t, killed, 3)
	assert.Contains(t, killed, prompt.SessionKey)

	goal := getGoal(t, o, goalID)
	assert.Empty(t, goal.PMSessionKey)
	assert.Empty(t, goal.Sessions)
	for _, task := range goal.Tasks {
		assert.Empty(t, task.SessionKey)
		assert.Equal(t, entities.TaskStatusPending, task.Status)
	}
	assert.Empty(t, o.store.Snapshot().SessionIndex)

	// Teardown reached the gateway for every key.
	assert.ElementsMatch(t, killed, fake.Deleted())
	assert.ElementsMatch(t, killed, fake.Aborted())
}

func TestKillForGoalKeepsTerminalTasks(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	taskID := seedTask(t, o, goalID, "scaffold")
	key := spawnWorker(t, o, goalID)
	o.AgentEnd(context.Background(), key, true)

	_, err := o.KillForGoal(context.Background(), goalID)
	require.NoError(t, err)

	task := getGoal(t, o, goalID).TaskByID(taskID)
	assert.Equal(t, entities.TaskStatusDone, task.Status)
	assert.Empty(t, task.SessionKey)
}

func TestKillForStrand(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	seedTask(t, o, goalID, "scaffold")

	workerKey := spawnWorker(t, o, goalID)
	prompt, err := o.PrepareStrandChat(context.Background(), strandID, "hello", false)
	require.NoError(t, err)

	killed, err := o.KillForStrand(context.Background(), strandID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{workerKey, prompt.SessionKey}, killed)

	snap := o.store.Snapshot()
	assert.Empty(t, snap.SessionIndex)
	assert.Empty(t, snap.SessionStrandIndex)
	assert.Empty(t, snap.Strands[strandID].PMStrandSessionKey)
}

func TestKillUnknownTargets(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())

	_, err := o.KillForGoal(context.Background(), "goal_404")
	require.Error(t, err)
	_, err = o.KillForStrand(context.Background(), "strand_404")
	require.Error(t, err)
}

func TestCleanupStale(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	liveID := seedTask(t, o, goalID, "running fine")
	staleID := seedTask(t, o, goalID, "orphaned")

	liveKey := ""
	staleKey := "agent:claude:webchat:task-orphan"
	require.NoError(t, o.store.Update(func(d *store.Data) error {
		goal := d.Goals[goalID]

		live := goal.TaskByID(liveID)
		live.SessionKey = "agent:claude:webchat:task-live"
		live.SetStatus(entities.TaskStatusInProgress, o.clock)
		d.SessionIndex[live.SessionKey] = store.SessionRef{GoalID: goalID}
		liveKey = live.SessionKey

		stale := goal.TaskByID(staleID)
		stale.SessionKey = staleKey
		stale.SetStatus(entities.TaskStatusBlocked, o.clock)
		d.SessionIndex[staleKey] = store.SessionRef{GoalID: goalID}
		return nil
	}))

	cleaned, err := o.CleanupStale(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{staleKey}, cleaned)

	goal := getGoal(t, o, goalID)
	assert.Empty(t, goal.TaskByID(staleID).SessionKey)
	assert.Equal(t, liveKey, goal.TaskByID(liveID).SessionKey)
	assert.Contains(t, fake.Aborted(), staleKey)
}

func TestCleanupStaleScopedToStrand(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")
	otherID := seedStrand(t, o, "Billing")
	goalID := seedGoal(t, o, strandID, "Build the API")
	taskID := seedTask(t, o, goalID, "orphaned")

	require.NoError(t, o.store.Update(func(d *store.Data) error {
		task := d.Goals[goalID].TaskByID(taskID)
		task.SessionKey = "agent:claude:webchat:task-orphan"
		task.SetStatus(entities.TaskStatusBlocked, o.clock)
		d.SessionIndex[task.SessionKey] = store.SessionRef{GoalID: goalID}
		return nil
	}))

	cleaned, err := o.CleanupStale(context.Background(), otherID)
	require.NoError(t, err)
	assert.Empty(t, cleaned)
	assert.NotEmpty(t, getGoal(t, o, goalID).TaskByID(taskID).SessionKey)
}

func TestListForStrand(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	taskID := seedTask(t, o, goalID, "scaffold")

	workerKey := spawnWorker(t, o, goalID)
	strandPM, err := o.PrepareStrandChat(context.Background(), strandID, "hello", false)
	require.NoError(t, err)
	goalPM, err := o.PrepareGoalCascade(context.Background(), goalID, "plan", "", false)
	require.NoError(t, err)

	sessions, err := o.ListForStrand(context.Background(), strandID)
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	byKind := make(map[string]SessionInfo, len(sessions))
	for _, s := range sessions {
		byKind[s.Kind] = s
	}
	assert.Equal(t, strandPM.SessionKey, byKind["strand-pm"].SessionKey)
	assert.Equal(t, goalPM.SessionKey, byKind["goal-pm"].SessionKey)

	worker := byKind["worker"]
	assert.Equal(t, workerKey, worker.SessionKey)
	assert.Equal(t, goalID, worker.GoalID)
	assert.Equal(t, taskID, worker.TaskID)
	assert.Equal(t, "in-progress", worker.TaskStatus)
}

func TestListForStrandUnknown(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())

	_, err := o.ListForStrand(context.Background(), "strand_404")
	require.Error(t, err)
}

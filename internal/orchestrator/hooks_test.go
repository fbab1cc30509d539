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

// spawnWorker kicks off the goal and returns the single spawned session key.
func spawnWorker(t *testing.T, o *Orchestrator, goalID string) string {
	t.Helper()
	result, err := o.Kickoff(context.Background(), goalID)
	require.NoError(t, err)
	require.Len(t, result.SpawnedSessions, 1)
	return result.SpawnedSessions[0].SessionKey
}

func TestAgentEndWorkerSuccessCompletesGoal(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	taskID := seedTask(t, o, goalID, "scaffold")
	key := spawnWorker(t, o, goalID)

	o.AgentEnd(context.Background(), key, true)

	goal := getGoal(t, o, goalID)
	task := goal.TaskByID(taskID)
	assert.Equal(t, entities.TaskStatusDone, task.Status)
	assert.True(t, task.Done)
	assert.Equal(t, autoCompleteSummary, task.Summary)

	// Last task done and no worktree: the goal completes directly.
	assert.Equal(t, entities.GoalStatusDone, goal.Status)
	assert.True(t, goal.Completed)
}

func TestAgentEndWorkerSuccessKicksOffNextTask(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	first := seedTask(t, o, goalID, "set up routing")
	second := seedTask(t, o, goalID, "add persistence")

	require.NoError(t, o.store.Update(func(d *store.Data) error {
		d.Goals[goalID].TaskByID(second).DependsOn = []string{first}
		return nil
	}))

	key := spawnWorker(t, o, goalID)
	o.AgentEnd(context.Background(), key, true)

	goal := getGoal(t, o, goalID)
	assert.Equal(t, entities.TaskStatusDone, goal.TaskByID(first).Status)

	// The follow-up kickoff ran inline and spawned the dependent task.
	next := goal.TaskByID(second)
	assert.Equal(t, entities.TaskStatusInProgress, next.Status)
	require.NotEmpty(t, next.SessionKey)
	assert.Len(t, fake.Sent(next.SessionKey), 1)
	assert.NotEqual(t, entities.GoalStatusDone, goal.Status)
}

func TestAgentEndWorkerFailureRetriesThenFails(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	taskID := seedTask(t, o, goalID, "scaffold")
	key := spawnWorker(t, o, goalID)

	// First failure burns the retry budget; the inline kickoff re-spawns
	// the task under its deterministic session key.
	o.AgentEnd(context.Background(), key, false)

	task := getGoal(t, o, goalID).TaskByID(taskID)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, entities.TaskStatusInProgress, task.Status)
	assert.Equal(t, key, task.SessionKey)
	assert.Len(t, fake.Sent(key), 2)

	// Second failure exhausts maxRetries and the task fails for good.
	o.AgentEnd(context.Background(), key, false)

	task = getGoal(t, o, goalID).TaskByID(taskID)
	assert.Equal(t, entities.TaskStatusFailed, task.Status)
	assert.Empty(t, task.SessionKey)
	assert.Contains(t, task.LastError, "after 1 retries")
	assert.NotEqual(t, entities.GoalStatusDone, getGoal(t, o, goalID).Status)
}

func TestAgentEndIgnoresReleasedSession(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	taskID := seedTask(t, o, goalID, "scaffold")
	key := spawnWorker(t, o, goalID)

	_, err := o.KillForGoal(context.Background(), goalID)
	require.NoError(t, err)

	// The stale agent reports its end after the kill; the key is no
	// longer owned so nothing changes.
	o.AgentEnd(context.Background(), key, false)

	task := getGoal(t, o, goalID).TaskByID(taskID)
	assert.Equal(t, entities.TaskStatusPending, task.Status)
	assert.Zero(t, task.RetryCount)
}

func TestAgentEndGoalPMFullModeCreatesAndSpawnsTasks(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")

	prompt, err := o.PrepareGoalCascade(context.Background(), goalID, "Plan this goal.", entities.CascadeModeFull, false)
	require.NoError(t, err)
	fake.SetHistory(prompt.SessionKey,
		llm.Message{Role: llm.RoleUser, Content: "Plan this goal."},
		llm.Message{Role: llm.RoleAssistant, Content: llm.Content(taskPlanMarkdown)},
	)

	o.AgentEnd(context.Background(), prompt.SessionKey, true)

	goal := getGoal(t, o, goalID)
	assert.Equal(t, entities.CascadeTasksCreated, goal.CascadeState)
	assert.Equal(t, entities.AutonomyFull, goal.AutonomyMode)
	require.Len(t, goal.Tasks, 3)

	// Full mode kicks off inline: the first task of the chain is running.
	assert.Equal(t, entities.TaskStatusInProgress, goal.Tasks[0].Status)
	assert.Equal(t, entities.TaskStatusPending, goal.Tasks[1].Status)
	sent := fake.Sent(goal.Tasks[0].SessionKey)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "Autonomy: full.")

	assert.Empty(t, getStrand(t, o, strandID).CascadePendingGoals)
}

func TestAgentEndGoalPMPlanModeStopsAtPlanReady(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")

	prompt, err := o.PrepareGoalCascade(context.Background(), goalID, "Plan this goal.", entities.CascadeModePlan, false)
	require.NoError(t, err)
	fake.SetHistory(prompt.SessionKey,
		llm.Message{Role: llm.RoleAssistant, Content: llm.Content(taskPlanMarkdown)},
	)

	o.AgentEnd(context.Background(), prompt.SessionKey, true)

	goal := getGoal(t, o, goalID)
	assert.Equal(t, entities.CascadePlanReady, goal.CascadeState)
	assert.Empty(t, goal.Tasks)
	assert.Empty(t, getStrand(t, o, strandID).CascadePendingGoals)
}

func TestAgentEndGoalPMHistoryFetchFailure(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")

	prompt, err := o.PrepareGoalCascade(context.Background(), goalID, "Plan this goal.", entities.CascadeModePlan, false)
	require.NoError(t, err)
	fake.HistoryErr = assert.AnError

	o.AgentEnd(context.Background(), prompt.SessionKey, true)

	assert.Equal(t, entities.CascadePlanFetchFailed, getGoal(t, o, goalID).CascadeState)
	assert.Empty(t, getStrand(t, o, strandID).CascadePendingGoals)
}

func TestAgentEndGoalPMRequiresAwaitingPlan(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")

	prompt, err := o.PrepareGoalCascade(context.Background(), goalID, "Plan this goal.", entities.CascadeModeFull, false)
	require.NoError(t, err)
	fake.SetHistory(prompt.SessionKey,
		llm.Message{Role: llm.RoleAssistant, Content: llm.Content(taskPlanMarkdown)},
	)

	// A second end on the same session finds the cascade already settled
	// and must not create tasks twice.
	o.AgentEnd(context.Background(), prompt.SessionKey, true)
	o.AgentEnd(context.Background(), prompt.SessionKey, true)

	assert.Len(t, getGoal(t, o, goalID).Tasks, 3)
}

func TestBeforeAgentStartSkipsPMSessions(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())

	_, ok := o.BeforeAgentStart(context.Background(), "agent:claude:webchat:pm-goal_1")
	assert.False(t, ok)
}

func TestBeforeAgentStartStrandSession(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	seedTask(t, o, goalID, "scaffold")

	key := "agent:claude:main"
	require.NoError(t, o.store.Update(func(d *store.Data) error {
		d.SessionStrandIndex[key] = strandID
		return nil
	}))

	prepend, ok := o.BeforeAgentStart(context.Background(), key)
	require.True(t, ok)
	assert.Contains(t, prepend, `<strand name="Website">`)
	assert.Contains(t, prepend, "Build the API")
}

func TestBeforeAgentStartWorkerSession(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	seedTask(t, o, goalID, "scaffold the server")
	key := spawnWorker(t, o, goalID)

	prepend, ok := o.BeforeAgentStart(context.Background(), key)
	require.True(t, ok)
	assert.Contains(t, prepend, "scaffold the server")
	assert.Contains(t, prepend, "← you")
}

func TestBeforeAgentStartUnboundSessionGetsMenu(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())

	// No strands at all: nothing to offer.
	_, ok := o.BeforeAgentStart(context.Background(), "agent:claude:telegram")
	assert.False(t, ok)

	seedStrand(t, o, "Website")
	seedStrand(t, o, "Billing")

	menu, ok := o.BeforeAgentStart(context.Background(), "agent:claude:telegram")
	require.True(t, ok)
	assert.Contains(t, menu, "Website")
	assert.Contains(t, menu, "Billing")
	assert.Contains(t, menu, "strand_bind")
}

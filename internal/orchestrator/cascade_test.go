package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/agentrole"
	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/llm"
)

const strandPlanMarkdown = `## Goals
- **Backend API** - REST surface [phase 1]
  - [ ] Set up routing
  - [ ] Add persistence
- **Frontend** - UI shell [phase 2]
- **Docs**
`

const taskPlanMarkdown = `## Tasks
- [ ] Scaffold the server (agent: backend, est: 2h)
- [ ] Wire the database
- [ ] Ship it
`

func TestCreateGoalsFromPlan(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")

	result, err := o.CreateGoalsFromPlan(context.Background(), strandID, strandPlanMarkdown)
	require.NoError(t, err)
	assert.True(t, result.HasPlan)
	assert.Equal(t, 3, result.GoalsCreated)
	require.Len(t, result.GoalIDs, 3)

	assert.Equal(t, strandPlanMarkdown, getStrand(t, o, strandID).PMPlanContent)

	snap := o.store.Snapshot()
	goals := snap.GoalsForStrand(strandID)
	require.Len(t, goals, 3)

	backend, frontend, docs := goals[0], goals[1], goals[2]
	assert.Equal(t, "Backend API", backend.Title)
	assert.Equal(t, 1, backend.Phase)
	assert.Contains(t, backend.Description, "REST surface")
	assert.Contains(t, backend.Description, suggestedTasksHeader)
	assert.Contains(t, backend.Description, "Set up routing")
	assert.Empty(t, backend.DependsOn)

	// Phase markers become dependency edges on later phases.
	assert.Equal(t, "Frontend", frontend.Title)
	assert.Equal(t, []string{backend.ID}, frontend.DependsOn)

	// Phase-less goals stay independent.
	assert.Equal(t, "Docs", docs.Title)
	assert.Zero(t, docs.Phase)
	assert.Empty(t, docs.DependsOn)
}

func TestCreateGoalsFromPlanProseSavesContentOnly(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")

	result, err := o.CreateGoalsFromPlan(context.Background(), strandID, "Let me think about this some more.")
	require.NoError(t, err)
	assert.False(t, result.HasPlan)
	assert.Zero(t, result.GoalsCreated)

	strand := getStrand(t, o, strandID)
	assert.Equal(t, "Let me think about this some more.", strand.PMPlanContent)
	assert.Empty(t, o.store.Snapshot().GoalsForStrand(strandID))
}

func TestCreateGoalsFromPlanUnknownStrand(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())

	_, err := o.CreateGoalsFromPlan(context.Background(), "strand_404", strandPlanMarkdown)
	require.Error(t, err)
}

func TestCreateTasksFromPlanFullMode(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")

	result, err := o.CreateTasksFromPlan(context.Background(), goalID, taskPlanMarkdown, entities.CascadeModeFull)
	require.NoError(t, err)
	assert.Equal(t, entities.CascadeTasksCreated, result.CascadeState)
	assert.Equal(t, 3, result.TasksCreated)
	assert.True(t, result.HasPlan)
	assert.Equal(t, strandID, result.StrandID)

	goal := getGoal(t, o, goalID)
	require.Len(t, goal.Tasks, 3)
	assert.Equal(t, "Scaffold the server", goal.Tasks[0].Text)
	assert.Equal(t, "backend", goal.Tasks[0].AssignedAgent)
	assert.Equal(t, "2h", goal.Tasks[0].EstimatedTime)

	// Tasks chain sequentially so kickoff spawns one at a time.
	assert.Empty(t, goal.Tasks[0].DependsOn)
	assert.Equal(t, []string{goal.Tasks[0].ID}, goal.Tasks[1].DependsOn)
	assert.Equal(t, []string{goal.Tasks[1].ID}, goal.Tasks[2].DependsOn)

	require.Len(t, goal.PMChatHistory, 1)
	assert.Equal(t, "assistant", goal.PMChatHistory[0].Role)
	assert.Equal(t, taskPlanMarkdown, goal.PMChatHistory[0].Content)
}

func TestCreateTasksFromPlanPlanModeStopsAtPlanReady(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	goalID := seedGoal(t, o, seedStrand(t, o, "Website"), "Build the API")

	result, err := o.CreateTasksFromPlan(context.Background(), goalID, taskPlanMarkdown, entities.CascadeModePlan)
	require.NoError(t, err)
	assert.Equal(t, entities.CascadePlanReady, result.CascadeState)
	assert.Zero(t, result.TasksCreated)
	assert.Empty(t, getGoal(t, o, goalID).Tasks)
}

func TestCreateTasksFromPlanProseSavesResponse(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	goalID := seedGoal(t, o, seedStrand(t, o, "Website"), "Build the API")

	result, err := o.CreateTasksFromPlan(context.Background(), goalID, "I would start by profiling.", entities.CascadeModeFull)
	require.NoError(t, err)
	assert.Equal(t, entities.CascadeResponseSaved, result.CascadeState)
	assert.False(t, result.HasPlan)
	assert.Empty(t, getGoal(t, o, goalID).Tasks)
}

func TestCreateTasksFromPlanEmptyPlanFailsParse(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	goalID := seedGoal(t, o, seedStrand(t, o, "Website"), "Build the API")

	result, err := o.CreateTasksFromPlan(context.Background(), goalID, "## Tasks\n\nnothing concrete yet\n", entities.CascadeModeFull)
	require.NoError(t, err)
	assert.Equal(t, entities.CascadePlanParseFailed, result.CascadeState)
	assert.True(t, result.HasPlan)
	assert.Empty(t, getGoal(t, o, goalID).Tasks)
}

func TestStrandCascadeFansOutToGoalPMs(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")

	result, err := o.StrandCascade(context.Background(), strandID, strandPlanMarkdown, entities.CascadeModeFull)
	require.NoError(t, err)
	assert.Equal(t, 3, result.GoalsCreated)

	strand := getStrand(t, o, strandID)
	assert.Equal(t, entities.CascadeModeFull, strand.CascadeMode)
	assert.ElementsMatch(t, result.GoalIDs, strand.CascadePendingGoals)

	for _, goalID := range result.GoalIDs {
		goal := getGoal(t, o, goalID)
		assert.Equal(t, entities.CascadeAwaitingPlan, goal.CascadeState)
		assert.Equal(t, entities.CascadeModeFull, goal.CascadeMode)

		pmKey := agentrole.PMGoalSessionKey("claude", goalID)
		assert.Equal(t, pmKey, goal.PMSessionKey)
		sent := fake.Sent(pmKey)
		require.Len(t, sent, 1)
		assert.Contains(t, sent[0], "Break this goal into concrete tasks.")
		assert.Contains(t, sent[0], goal.Title)
	}
}

func TestStrandCascadeUsesSavedPlan(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")

	_, err := o.StrandCascade(context.Background(), strandID, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no plan content")

	require.NoError(t, o.SavePMResponse(context.Background(), strandID, strandPlanMarkdown))

	result, err := o.StrandCascade(context.Background(), strandID, "", "")
	require.NoError(t, err)
	assert.Equal(t, 3, result.GoalsCreated)
}

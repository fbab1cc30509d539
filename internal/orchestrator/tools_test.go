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

func toolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}

func findTool(t *testing.T, tools []Tool, name string) Tool {
	t.Helper()
	for _, tool := range tools {
		if tool.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %s not found in %v", name, toolNames(tools))
	return Tool{}
}

func bindSession(t *testing.T, o *Orchestrator, sessionKey, strandID string) {
	t.Helper()
	require.NoError(t, o.store.Update(func(d *store.Data) error {
		d.SessionStrandIndex[sessionKey] = strandID
		return nil
	}))
}

func TestToolsForSessionKinds(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	seedTask(t, o, goalID, "scaffold")

	assert.Nil(t, o.ToolsFor("agent:claude:webchat:pm-"+goalID))

	workerKey := spawnWorker(t, o, goalID)
	assert.Equal(t, []string{"goal_update"}, toolNames(o.ToolsFor(workerKey)))

	boundKey := "agent:claude:main"
	bindSession(t, o, boundKey, strandID)
	bound := toolNames(o.ToolsFor(boundKey))
	assert.Contains(t, bound, "goal_update")
	assert.Contains(t, bound, "strand_create_goal")
	assert.Contains(t, bound, "strand_spawn_task")
	assert.Contains(t, bound, "strand_pm_kickoff")

	assert.ElementsMatch(t, []string{"strand_bind", "strand_list"},
		toolNames(o.ToolsFor("agent:claude:telegram")))
}

func TestGoalUpdateToolCompletesTask(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	taskID := seedTask(t, o, goalID, "scaffold")
	key := spawnWorker(t, o, goalID)

	tool := findTool(t, o.ToolsFor(key), "goal_update")
	result, err := tool.Handler(context.Background(), map[string]interface{}{
		"status":  "done",
		"summary": "built it",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Text, "status set to done")
	assert.Equal(t, taskID, result.Meta["taskCompletedId"])
	assert.Equal(t, true, result.Meta["allTasksDone"])

	goal := getGoal(t, o, goalID)
	task := goal.TaskByID(taskID)
	assert.Equal(t, entities.TaskStatusDone, task.Status)
	assert.Equal(t, "built it", task.Summary)
	assert.Equal(t, entities.GoalStatusDone, goal.Status)
}

func TestGoalUpdateToolQueuesFollowUpTask(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	taskID := seedTask(t, o, goalID, "scaffold")
	key := spawnWorker(t, o, goalID)

	tool := findTool(t, o.ToolsFor(key), "goal_update")
	_, err := tool.Handler(context.Background(), map[string]interface{}{
		"addTasks": []interface{}{"write docs"},
		"nextTask": "deploy it",
	})
	require.NoError(t, err)

	goal := getGoal(t, o, goalID)
	require.Len(t, goal.Tasks, 3)
	assert.Equal(t, "write docs", goal.Tasks[1].Text)
	assert.Equal(t, "deploy it", goal.Tasks[2].Text)
	assert.Equal(t, []string{taskID}, goal.Tasks[2].DependsOn)
}

func TestGoalUpdateToolRefusesEarlyGoalDone(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	seedTask(t, o, goalID, "scaffold")
	key := spawnWorker(t, o, goalID)

	tool := findTool(t, o.ToolsFor(key), "goal_update")
	_, err := tool.Handler(context.Background(), map[string]interface{}{"goalStatus": "done"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still running")
	assert.NotEqual(t, entities.GoalStatusDone, getGoal(t, o, goalID).Status)
}

func TestStrandBindTool(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")
	key := "agent:claude:telegram"

	tool := findTool(t, o.ToolsFor(key), "strand_bind")
	result, err := tool.Handler(context.Background(), map[string]interface{}{"name": "website"})
	require.NoError(t, err)
	assert.Contains(t, result.Text, "Website")
	assert.Equal(t, strandID, o.store.Snapshot().SessionStrandIndex[key])

	_, err = tool.Handler(context.Background(), map[string]interface{}{"name": "nope"})
	require.Error(t, err)
}

func TestStrandGoalAndTaskTools(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	key := "agent:claude:main"
	bindSession(t, o, key, strandID)
	tools := o.ToolsFor(key)

	created, err := findTool(t, tools, "strand_create_goal").Handler(context.Background(),
		map[string]interface{}{"title": "Build the API"})
	require.NoError(t, err)
	goalID, ok := created.Meta["goalId"].(string)
	require.True(t, ok)
	assert.Equal(t, "Build the API", getGoal(t, o, goalID).Title)

	added, err := findTool(t, tools, "strand_add_task").Handler(context.Background(),
		map[string]interface{}{"goalId": goalID, "text": "scaffold", "agent": "backend"})
	require.NoError(t, err)
	taskID := added.Meta["taskId"].(string)
	task := getGoal(t, o, goalID).TaskByID(taskID)
	require.NotNil(t, task)
	assert.Equal(t, "backend", task.AssignedAgent)

	spawned, err := findTool(t, tools, "strand_spawn_task").Handler(context.Background(),
		map[string]interface{}{"goalId": goalID})
	require.NoError(t, err)
	assert.Contains(t, spawned.Text, "spawned 1 session(s)")
	assert.Equal(t, entities.TaskStatusInProgress, getGoal(t, o, goalID).TaskByID(taskID).Status)
}

func TestStrandListAndStatusTools(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")
	seedTask(t, o, goalID, "scaffold")
	key := "agent:claude:main"
	bindSession(t, o, key, strandID)
	tools := o.ToolsFor(key)

	list, err := findTool(t, tools, "strand_list").Handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, list.Text, "Website")
	assert.Contains(t, list.Text, "(1 goals)")

	status, err := findTool(t, tools, "strand_status").Handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, status.Text, "Build the API")
	assert.Contains(t, status.Text, "scaffold")
}

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

// echoPMGateway scripts an immediate PM reply: after every Send the
// assistant turn is visible in the session history.
type echoPMGateway struct {
	*llm.Fake
	reply string
}

func (g *echoPMGateway) Send(ctx context.Context, sessionKey, message string) error {
	if err := g.Fake.Send(ctx, sessionKey, message); err != nil {
		return err
	}
	g.SetHistory(sessionKey,
		llm.Message{Role: llm.RoleUser, Content: llm.Content(message)},
		llm.Message{Role: llm.RoleAssistant, Content: llm.Content(g.reply)},
	)
	return nil
}

func TestPrepareStrandChat(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")

	prompt, err := o.PrepareStrandChat(context.Background(), strandID, "What should we build first?", true)
	require.NoError(t, err)
	assert.Equal(t, agentrole.PMStrandSessionKey("claude", strandID), prompt.SessionKey)
	assert.True(t, prompt.Sent)

	strand := getStrand(t, o, strandID)
	assert.Equal(t, prompt.SessionKey, strand.PMStrandSessionKey)
	assert.Equal(t, strandID, o.store.Snapshot().SessionStrandIndex[prompt.SessionKey])

	require.Len(t, strand.PMChatHistory, 1)
	assert.Equal(t, "user", strand.PMChatHistory[0].Role)
	assert.Equal(t, "What should we build first?", strand.PMChatHistory[0].Content)

	sent := fake.Sent(prompt.SessionKey)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "What should we build first?")
	assert.Contains(t, sent[0], "markdown plan")
}

func TestPrepareStrandChatUnknownStrand(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())

	_, err := o.PrepareStrandChat(context.Background(), "strand_404", "hello", false)
	require.Error(t, err)
}

func TestPMChatReturnsReply(t *testing.T) {
	gw := &echoPMGateway{Fake: llm.NewFake(), reply: "Start with the backend."}
	o := newTestOrchestrator(t, gw)
	strandID := seedStrand(t, o, "Website")

	reply, err := o.PMChat(context.Background(), strandID, "What first?")
	require.NoError(t, err)
	assert.False(t, reply.TimedOut)
	assert.Equal(t, "Start with the backend.", reply.Response)

	history := getStrand(t, o, strandID).PMChatHistory
	require.Len(t, history, 2)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "Start with the backend.", history[1].Content)
}

func TestPMChatTimesOut(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")

	reply, err := o.PMChat(context.Background(), strandID, "Anyone home?")
	require.NoError(t, err)
	assert.True(t, reply.TimedOut)
	assert.Equal(t, pmStillWorking, reply.Response)

	// No assistant turn was recorded.
	require.Len(t, getStrand(t, o, strandID).PMChatHistory, 1)
}

func TestPrepareGoalCascade(t *testing.T) {
	fake := llm.NewFake()
	o := newTestOrchestrator(t, fake)
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")

	prompt, err := o.PrepareGoalCascade(context.Background(), goalID, "Break it down.", "", false)
	require.NoError(t, err)
	assert.Equal(t, agentrole.PMGoalSessionKey("claude", goalID), prompt.SessionKey)
	assert.False(t, prompt.Sent)
	assert.Empty(t, fake.Sent(prompt.SessionKey))

	goal := getGoal(t, o, goalID)
	assert.Equal(t, prompt.SessionKey, goal.PMSessionKey)
	assert.Equal(t, entities.CascadeAwaitingPlan, goal.CascadeState)
	assert.Equal(t, entities.CascadeModePlan, goal.CascadeMode)
	require.Len(t, goal.PMChatHistory, 1)
	assert.Equal(t, "user", goal.PMChatHistory[0].Role)

	assert.Equal(t, []string{goalID}, getStrand(t, o, strandID).CascadePendingGoals)
}

func TestPrepareGoalCascadeIsIdempotentOnPendingList(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")
	goalID := seedGoal(t, o, strandID, "Build the API")

	_, err := o.PrepareGoalCascade(context.Background(), goalID, "first", entities.CascadeModeFull, false)
	require.NoError(t, err)
	_, err = o.PrepareGoalCascade(context.Background(), goalID, "again", entities.CascadeModeFull, false)
	require.NoError(t, err)

	assert.Equal(t, []string{goalID}, getStrand(t, o, strandID).CascadePendingGoals)
	assert.Equal(t, entities.CascadeModeFull, getGoal(t, o, goalID).CascadeMode)
}

func TestSavePMResponse(t *testing.T) {
	o := newTestOrchestrator(t, llm.NewFake())
	strandID := seedStrand(t, o, "Website")

	require.NoError(t, o.SavePMResponse(context.Background(), strandID, "## Goals\n- **Backend**\n"))

	strand := getStrand(t, o, strandID)
	assert.Equal(t, "## Goals\n- **Backend**\n", strand.PMPlanContent)
	require.Len(t, strand.PMChatHistory, 1)
	assert.Equal(t, "assistant", strand.PMChatHistory[0].Role)

	require.Error(t, o.SavePMResponse(context.Background(), "strand_404", "x"))
}

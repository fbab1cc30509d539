package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/agentrole"
	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/store"
)

// pmRole is the role resolved for PM sessions.
const pmRole = "pm"

// pmStillWorking is returned when a PM does not reply inside the
// response timeout. The caller may retry; the session keeps running.
const pmStillWorking = "The PM is still working on a response. Try again shortly."

// planFormatInstruction tells a PM how to shape its reply so the parser
// can pick it up.
const planFormatInstruction = "Reply with a markdown plan. Use a '## Goals' section with one bullet per goal " +
	"(bold title, optional '[phase N]' marker, indented bullets for suggested tasks) and/or a '## Tasks' " +
	"section with one checkbox bullet per task (optional '(agent: <role>, est: <time>)' suffix)."

// PMPrompt is a prepared PM exchange: the deterministic session key and
// the enriched prompt, optionally already sent.
type PMPrompt struct {
	SessionKey string `json:"sessionKey"`
	Prompt     string `json:"prompt"`
	Sent       bool   `json:"sent"`
}

// PMChatReply is the outcome of a blocking PM chat.
type PMChatReply struct {
	SessionKey string `json:"sessionKey"`
	Response   string `json:"response"`
	TimedOut   bool   `json:"timedOut"`
}

// pmAgentID resolves the concrete agent backing PM sessions.
func (o *Orchestrator) pmAgentID(d *store.Data) string {
	return o.resolver.Resolve(d.Config.AgentRoles, pmRole)
}

// PrepareStrandChat binds the strand's deterministic PM session,
// records the user message, and optionally sends the enriched prompt.
func (o *Orchestrator) PrepareStrandChat(ctx context.Context, strandID, message string, send bool) (*PMPrompt, error) {
	var prompt PMPrompt
	err := o.store.Update(func(d *store.Data) error {
		strand, ok := d.Strands[strandID]
		if !ok {
			return fmt.Errorf("strand %s not found", strandID)
		}

		sessionKey := agentrole.PMStrandSessionKey(o.pmAgentID(d), strandID)
		strand.PMStrandSessionKey = sessionKey
		d.SessionStrandIndex[sessionKey] = strandID

		strand.AppendPMMessage(entities.ChatMessage{
			Role:        "user",
			Content:     message,
			TimestampMs: o.clock.NowMs(),
		}, o.historyLimit())
		strand.Touch(o.clock)

		prompt.SessionKey = sessionKey
		prompt.Prompt = buildStrandPMPrompt(d, strand, message)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if send {
		if err := o.gateway.Send(ctx, prompt.SessionKey, prompt.Prompt); err != nil {
			return &prompt, fmt.Errorf("send to PM: %w", err)
		}
		prompt.Sent = true
	}
	return &prompt, nil
}

// PMChat runs a blocking strand-level PM exchange: send the prompt,
// then poll chat history for the reply with a bounded deadline. The
// store lock is never held across the wait.
func (o *Orchestrator) PMChat(ctx context.Context, strandID, message string) (*PMChatReply, error) {
	prompt, err := o.PrepareStrandChat(ctx, strandID, message, false)
	if err != nil {
		return nil, err
	}

	baseline, err := o.assistantTurnCount(ctx, prompt.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("PM history baseline: %w", err)
	}
	if err := o.gateway.Send(ctx, prompt.SessionKey, prompt.Prompt); err != nil {
		return nil, fmt.Errorf("send to PM: %w", err)
	}

	response, ok := o.waitForPMResponse(ctx, prompt.SessionKey, baseline)
	reply := &PMChatReply{SessionKey: prompt.SessionKey, Response: response, TimedOut: !ok}
	if !ok {
		reply.Response = pmStillWorking
		return reply, nil
	}

	saveErr := o.store.Update(func(d *store.Data) error {
		if strand, ok := d.Strands[strandID]; ok {
			strand.AppendPMMessage(entities.ChatMessage{
				Role:        "assistant",
				Content:     response,
				TimestampMs: o.clock.NowMs(),
			}, o.historyLimit())
			strand.Touch(o.clock)
		}
		return nil
	})
	if saveErr != nil {
		o.logger.Warn("recording PM reply failed", zap.Error(saveErr))
	}
	return reply, nil
}

// assistantTurnCount counts assistant turns currently in the session.
func (o *Orchestrator) assistantTurnCount(ctx context.Context, sessionKey string) (int, error) {
	history, err := o.gateway.History(ctx, sessionKey, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, msg := range history {
		if msg.Role == llm.RoleAssistant {
			count++
		}
	}
	return count, nil
}

// waitForPMResponse polls chat history until a new assistant turn
// appears, the deadline passes, or ctx is cancelled.
func (o *Orchestrator) waitForPMResponse(ctx context.Context, sessionKey string, baseline int) (string, bool) {
	timeout := o.config.PM.ResponseTimeoutDuration()
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	interval := o.config.PM.PollIntervalDuration()
	if interval <= 0 {
		interval = 3 * time.Second
	}

	deadline := time.Now().Add(timeout)
	for {
		history, err := o.gateway.History(ctx, sessionKey, 0)
		if err == nil {
			count := 0
			last := ""
			for _, msg := range history {
				if msg.Role == llm.RoleAssistant {
					count++
					last = string(msg.Content)
				}
			}
			if count > baseline && last != "" {
				return last, true
			}
		}

		if time.Now().After(deadline) {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(interval):
		}
	}
}

// PrepareGoalCascade moves a goal into awaiting_plan, binds its
// deterministic PM session, and optionally sends the planning prompt.
// The PM's eventual agent_end drives the rest of the cascade.
func (o *Orchestrator) PrepareGoalCascade(ctx context.Context, goalID, message string, mode entities.CascadeMode, send bool) (*PMPrompt, error) {
	var prompt PMPrompt
	err := o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return fmt.Errorf("goal %s not found", goalID)
		}

		sessionKey := agentrole.PMGoalSessionKey(o.pmAgentID(d), goalID)
		goal.PMSessionKey = sessionKey
		goal.CascadeState = entities.CascadeAwaitingPlan
		if mode != "" {
			goal.CascadeMode = mode
		} else if goal.CascadeMode == "" {
			goal.CascadeMode = entities.CascadeModePlan
		}

		goal.AppendPMMessage(entities.ChatMessage{
			Role:        "user",
			Content:     message,
			TimestampMs: o.clock.NowMs(),
		}, o.historyLimit())
		goal.Touch(o.clock)

		if strand, ok := d.Strands[goal.StrandID]; ok {
			if !containsString(strand.CascadePendingGoals, goalID) {
				strand.CascadePendingGoals = append(strand.CascadePendingGoals, goalID)
			}
			strand.Touch(o.clock)
		}

		prompt.SessionKey = sessionKey
		prompt.Prompt = buildGoalPMPrompt(d, goal, message)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if send {
		if err := o.gateway.Send(ctx, prompt.SessionKey, prompt.Prompt); err != nil {
			return &prompt, fmt.Errorf("send to PM: %w", err)
		}
		prompt.Sent = true
	}
	return &prompt, nil
}

// StrandCascade runs the full strand fan-out: create goals from the
// strand's saved plan, then open a PM cascade for every created goal.
func (o *Orchestrator) StrandCascade(ctx context.Context, strandID, content string, mode entities.CascadeMode) (*StrandCascadeResult, error) {
	if content == "" {
		o.store.View(func(d *store.Data) {
			if strand, ok := d.Strands[strandID]; ok {
				content = strand.PMPlanContent
			}
		})
	}
	if content == "" {
		return nil, fmt.Errorf("strand %s has no plan content", strandID)
	}

	if mode != "" {
		err := o.store.Update(func(d *store.Data) error {
			if strand, ok := d.Strands[strandID]; ok {
				strand.CascadeMode = mode
				strand.Touch(o.clock)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	result, err := o.CreateGoalsFromPlan(ctx, strandID, content)
	if err != nil {
		return nil, err
	}

	for _, goalID := range result.GoalIDs {
		message := "Break this goal into concrete tasks.\n\n" + planFormatInstruction
		if _, err := o.PrepareGoalCascade(ctx, goalID, message, mode, true); err != nil {
			o.logger.Warn("goal cascade launch failed",
				zap.String("goal_id", goalID), zap.Error(err))
		}
	}
	return result, nil
}

// SavePMResponse records a PM reply as the strand's plan content.
func (o *Orchestrator) SavePMResponse(ctx context.Context, strandID, content string) error {
	return o.store.Update(func(d *store.Data) error {
		strand, ok := d.Strands[strandID]
		if !ok {
			return fmt.Errorf("strand %s not found", strandID)
		}
		strand.PMPlanContent = content
		strand.AppendPMMessage(entities.ChatMessage{
			Role:        "assistant",
			Content:     content,
			TimestampMs: o.clock.NowMs(),
		}, o.historyLimit())
		strand.Touch(o.clock)
		return nil
	})
}

// buildStrandPMPrompt wraps a user message with the strand's state.
func buildStrandPMPrompt(d *store.Data, strand *entities.Strand, message string) string {
	var blocks []string
	blocks = append(blocks, buildProjectSummary(d, strand, ""))
	if strand.PMPlanContent != "" {
		blocks = append(blocks, "<current-plan>\n"+strand.PMPlanContent+"\n</current-plan>")
	}
	blocks = append(blocks, planFormatInstruction, message)
	return strings.Join(blocks, "\n\n")
}

// buildGoalPMPrompt wraps a planning request with the goal's state.
func buildGoalPMPrompt(d *store.Data, goal *entities.Goal, message string) string {
	var blocks []string
	if strand := d.Strands[goal.StrandID]; strand != nil {
		blocks = append(blocks, buildProjectSummary(d, strand, goal.ID))
	}
	blocks = append(blocks, buildGoalTaskList(goal, ""), planFormatInstruction, message)
	return strings.Join(blocks, "\n\n")
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

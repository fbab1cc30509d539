package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/agentrole"
	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/store"
)

// SessionInfo attributes one live session to its task or strand.
type SessionInfo struct {
	SessionKey string `json:"sessionKey"`
	Kind       string `json:"kind"` // worker, goal-pm, strand-pm, strand
	GoalID     string `json:"goalId,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
	StrandID   string `json:"strandId,omitempty"`
	TaskStatus string `json:"taskStatus,omitempty"`
}

// KillForGoal tears down every session attached to a goal: the worker
// sessions, anything in goal.sessions, and the goal PM. The store is
// updated first and is the source of truth; the gateway teardown is
// best-effort. Non-terminal tasks are reset to pending so a later
// kickoff re-spawns them.
func (o *Orchestrator) KillForGoal(ctx context.Context, goalID string) ([]string, error) {
	var killed []string
	err := o.store.Update(func(d *store.Data) error {
		goal, ok := d.Goals[goalID]
		if !ok {
			return fmt.Errorf("goal %s not found", goalID)
		}
		killed = detachGoalSessions(d, goal, o.clock)
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.teardownSessions(ctx, killed)
	return killed, nil
}

// KillForStrand tears down sessions across every goal of the strand
// plus the strand PM and any other strand-bound sessions.
func (o *Orchestrator) KillForStrand(ctx context.Context, strandID string) ([]string, error) {
	var killed []string
	err := o.store.Update(func(d *store.Data) error {
		strand, ok := d.Strands[strandID]
		if !ok {
			return fmt.Errorf("strand %s not found", strandID)
		}
		for _, goal := range d.GoalsForStrand(strandID) {
			killed = append(killed, detachGoalSessions(d, goal, o.clock)...)
		}
		killed = append(killed, detachStrandSessions(d, strand, o.clock)...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.teardownSessions(ctx, killed)
	return killed, nil
}

// CleanupStale aborts sessions attached to tasks that are neither
// in-progress nor done: the agent died or was orphaned by a crash, but
// the assignment lingers. Scoped to one strand when strandID is given.
func (o *Orchestrator) CleanupStale(ctx context.Context, strandID string) ([]string, error) {
	var stale []string
	err := o.store.Update(func(d *store.Data) error {
		for _, goal := range d.Goals {
			if strandID != "" && goal.StrandID != strandID {
				continue
			}
			for _, task := range goal.Tasks {
				if task.SessionKey == "" {
					continue
				}
				if task.Status == entities.TaskStatusInProgress || task.Status == entities.TaskStatusDone {
					continue
				}
				stale = append(stale, task.SessionKey)
				removeGoalSession(d, goal, task.SessionKey)
				task.SessionKey = ""
				task.Touch(o.clock)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.teardownSessions(ctx, stale)
	return stale, nil
}

// ListForStrand reports every session attributed to a strand with its
// task/goal attribution.
func (o *Orchestrator) ListForStrand(ctx context.Context, strandID string) ([]SessionInfo, error) {
	var sessions []SessionInfo
	var missing bool
	o.store.View(func(d *store.Data) {
		strand, ok := d.Strands[strandID]
		if !ok {
			missing = true
			return
		}

		if strand.PMStrandSessionKey != "" {
			sessions = append(sessions, SessionInfo{
				SessionKey: strand.PMStrandSessionKey,
				Kind:       "strand-pm",
				StrandID:   strandID,
			})
		}
		for key, id := range d.SessionStrandIndex {
			if id != strandID || key == strand.PMStrandSessionKey {
				continue
			}
			sessions = append(sessions, SessionInfo{SessionKey: key, Kind: "strand", StrandID: strandID})
		}

		for _, goal := range d.GoalsForStrand(strandID) {
			if goal.PMSessionKey != "" {
				sessions = append(sessions, SessionInfo{
					SessionKey: goal.PMSessionKey,
					Kind:       "goal-pm",
					GoalID:     goal.ID,
					StrandID:   strandID,
				})
			}
			for _, task := range goal.Tasks {
				if task.SessionKey == "" {
					continue
				}
				sessions = append(sessions, SessionInfo{
					SessionKey: task.SessionKey,
					Kind:       "worker",
					GoalID:     goal.ID,
					TaskID:     task.ID,
					StrandID:   strandID,
					TaskStatus: string(task.Status),
				})
			}
		}
	})
	if missing {
		return nil, fmt.Errorf("strand %s not found", strandID)
	}
	return sessions, nil
}

// teardownSessions issues best-effort sessions.delete then chat.abort
// for each key. Gateway failures are logged and swallowed; a stale
// agent eventually reports agent_end and the retry logic ignores it
// because the key is no longer owned.
func (o *Orchestrator) teardownSessions(ctx context.Context, sessionKeys []string) {
	for _, key := range sessionKeys {
		if err := o.gateway.DeleteSession(ctx, key); err != nil {
			o.logger.Debug("session delete failed", zap.String("session_key", key), zap.Error(err))
		}
		if err := o.gateway.Abort(ctx, key); err != nil {
			o.logger.Debug("session abort failed", zap.String("session_key", key), zap.Error(err))
		}
		o.planLogs.Stop(key)
	}
}

// detachGoalSessions removes every session reference from a goal and
// its tasks, returning the distinct keys that were live. Non-terminal
// tasks go back to pending.
func detachGoalSessions(d *store.Data, goal *entities.Goal, clock entities.Clock) []string {
	seen := make(map[string]bool)
	var killed []string
	collect := func(key string) {
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		killed = append(killed, key)
	}

	for _, task := range goal.Tasks {
		if task.SessionKey == "" {
			continue
		}
		collect(task.SessionKey)
		delete(d.SessionIndex, task.SessionKey)
		task.SessionKey = ""
		if !task.IsTerminal() {
			task.SetStatus(entities.TaskStatusPending, clock)
		}
	}
	for _, key := range goal.Sessions {
		collect(key)
		delete(d.SessionIndex, key)
	}
	collect(goal.PMSessionKey)

	goal.Sessions = nil
	goal.PMSessionKey = ""
	goal.Touch(clock)
	return killed
}

// detachStrandSessions removes the strand PM and any other
// strand-indexed sessions.
func detachStrandSessions(d *store.Data, strand *entities.Strand, clock entities.Clock) []string {
	seen := make(map[string]bool)
	var killed []string

	if strand.PMStrandSessionKey != "" {
		seen[strand.PMStrandSessionKey] = true
		killed = append(killed, strand.PMStrandSessionKey)
		delete(d.SessionStrandIndex, strand.PMStrandSessionKey)
		strand.PMStrandSessionKey = ""
	}
	for key, id := range d.SessionStrandIndex {
		if id != strand.ID || seen[key] {
			continue
		}
		killed = append(killed, key)
		delete(d.SessionStrandIndex, key)
	}

	strand.Touch(clock)
	return killed
}

// removeGoalSession drops one key from goal.sessions and the index.
func removeGoalSession(d *store.Data, goal *entities.Goal, sessionKey string) {
	delete(d.SessionIndex, sessionKey)
	for i, key := range goal.Sessions {
		if key == sessionKey {
			goal.Sessions = append(goal.Sessions[:i], goal.Sessions[i+1:]...)
			break
		}
	}
}

// sessionKind classifies a key for attribution and hook dispatch.
func sessionKind(d *store.Data, sessionKey string) string {
	if agentrole.IsPMSessionKey(sessionKey) {
		if _, ok := d.SessionStrandIndex[sessionKey]; ok {
			return "strand-pm"
		}
		return "goal-pm"
	}
	if _, ok := d.SessionStrandIndex[sessionKey]; ok {
		return "strand"
	}
	if _, ok := d.SessionIndex[sessionKey]; ok {
		return "worker"
	}
	return "unknown"
}

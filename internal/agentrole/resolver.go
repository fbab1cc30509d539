// Package agentrole maps abstract agent roles (pm, backend, ...) to
// concrete agent IDs and owns the session-key grammar:
//
//	agent:<agentId>:<sessionType>[:<subId>]
//
// Reserved session types are main, webchat and telegram. PM sessions are
// webchat sessions whose subId starts with "pm-".
package agentrole

import (
	"os"
	"strings"

	"github.com/loomworks/loom/internal/common/stringutil"
)

// Reserved session types.
const (
	SessionTypeMain     = "main"
	SessionTypeWebchat  = "webchat"
	SessionTypeTelegram = "telegram"
)

// DefaultRole is used when a task carries no assignedAgent.
const DefaultRole = "main"

const envRolePrefix = "LOOM_AGENT_"

// Key is a parsed session key.
type Key struct {
	AgentID     string
	SessionType string
	SubID       string
}

// String reassembles the session key.
func (k Key) String() string {
	s := "agent:" + k.AgentID + ":" + k.SessionType
	if k.SubID != "" {
		s += ":" + k.SubID
	}
	return s
}

// Parse splits a session key into its parts. The boolean is false for
// strings that do not follow the grammar.
func Parse(sessionKey string) (Key, bool) {
	parts := strings.SplitN(sessionKey, ":", 4)
	if len(parts) < 3 || parts[0] != "agent" || parts[1] == "" || parts[2] == "" {
		return Key{}, false
	}
	key := Key{AgentID: parts[1], SessionType: parts[2]}
	if len(parts) == 4 {
		key.SubID = parts[3]
	}
	return key, true
}

// Resolver resolves roles using store-config overrides layered over
// process-environment defaults.
type Resolver struct {
	configRoles map[string]string // from process configuration
}

// NewResolver creates a resolver with the configured role map.
func NewResolver(configRoles map[string]string) *Resolver {
	return &Resolver{configRoles: configRoles}
}

// Resolve returns the agent ID for a role, or passes the argument
// through unchanged when it is not a configured role (it already is an
// agent ID). Store-level overrides win over process config, which wins
// over LOOM_AGENT_<ROLE> environment defaults.
func (r *Resolver) Resolve(storeRoles map[string]string, roleOrAgentID string) string {
	if roleOrAgentID == "" {
		roleOrAgentID = DefaultRole
	}

	if storeRoles != nil {
		if agentID, ok := storeRoles[roleOrAgentID]; ok && agentID != "" {
			return agentID
		}
	}
	if r.configRoles != nil {
		if agentID, ok := r.configRoles[roleOrAgentID]; ok && agentID != "" {
			return agentID
		}
	}
	if agentID := os.Getenv(envRolePrefix + strings.ToUpper(roleOrAgentID)); agentID != "" {
		return agentID
	}
	return roleOrAgentID
}

// IsPMSessionKey reports whether the key denotes a PM session: a webchat
// session whose subId starts with "pm-". The legacy "subagent" session
// type with a "pm-" subId is also recognized.
func IsPMSessionKey(sessionKey string) bool {
	key, ok := Parse(sessionKey)
	if !ok {
		return false
	}
	if key.SessionType == SessionTypeWebchat && strings.HasPrefix(key.SubID, "pm-") {
		return true
	}
	return key.SessionType == "subagent" && strings.HasPrefix(key.SubID, "pm-")
}

// PMGoalSessionKey returns the deterministic PM session key for a goal,
// so reopening a chat finds the same conversation.
func PMGoalSessionKey(agentID, goalID string) string {
	return Key{AgentID: agentID, SessionType: SessionTypeWebchat, SubID: "pm-" + goalID}.String()
}

// PMStrandSessionKey returns the deterministic PM session key for a
// strand.
func PMStrandSessionKey(agentID, strandID string) string {
	return Key{AgentID: agentID, SessionType: SessionTypeWebchat, SubID: "pm-strand-" + strandID}.String()
}

// WorkerSessionKey mints the session key for a spawned task session.
func WorkerSessionKey(agentID, taskID string) string {
	return Key{
		AgentID:     agentID,
		SessionType: SessionTypeWebchat,
		SubID:       "task-" + stringutil.ShortID(taskID),
	}.String()
}

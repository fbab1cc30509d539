// Package events provides event types and utilities for the Loom event
// stream.
package events

// Event types for goals
const (
	GoalKickoff            = "goal.kickoff"
	GoalTaskCompleted      = "goal.task_completed"
	GoalTaskRetry          = "goal.task_retry"
	GoalTaskFailed         = "goal.task_failed"
	GoalCascadeTasks       = "goal.cascade_tasks_created"
	GoalCascadePlanReady   = "goal.cascade_plan_ready"
	GoalMerged             = "goal.merged"
	GoalCompleted          = "goal.completed"
	GoalPushFailed         = "goal.push_failed"
	GoalClosed             = "goal.closed"
	GoalDeleted            = "goal.deleted"
	GoalPlanUpdated        = "goal.plan_updated"
)

// Event types for strands
const (
	StrandCreated         = "strand.created"
	StrandUpdated         = "strand.updated"
	StrandDeleted         = "strand.deleted"
	StrandCascadeComplete = "strand.cascade_complete"
)

// Event types for streaming plan logs
const (
	PlanLog         = "plan.log"
	PlanFileChanged = "plan.file_changed"
)

// Wildcard subjects for subscriptions
const (
	AllGoalEvents   = "goal.*"
	AllStrandEvents = "strand.*"
	AllPlanEvents   = "plan.*"
)

// IsGoalEvent reports whether the event type belongs to the goal.*
// family that is mirrored to the disk journal for out-of-process relays.
func IsGoalEvent(eventType string) bool {
	return len(eventType) > 5 && eventType[:5] == "goal."
}

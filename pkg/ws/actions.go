package ws

// Action constants for protocol messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Strand actions
	ActionStrandCreate = "strands.create"
	ActionStrandList   = "strands.list"
	ActionStrandGet    = "strands.get"
	ActionStrandUpdate = "strands.update"
	ActionStrandDelete = "strands.delete"

	// Goal actions
	ActionGoalCreate       = "goals.create"
	ActionGoalList         = "goals.list"
	ActionGoalGet          = "goals.get"
	ActionGoalUpdate       = "goals.update"
	ActionGoalDelete       = "goals.delete"
	ActionGoalKickoff      = "goals.kickoff"
	ActionGoalClose        = "goals.close"
	ActionGoalAttach       = "goals.attachSession"
	ActionGoalBranchStatus = "goals.branchStatus"
	ActionGoalCreatePR     = "goals.createPR"
	ActionGoalRetryPush    = "goals.retryPush"
	ActionGoalRetryMerge   = "goals.retryMerge"
	ActionGoalPushMain     = "goals.pushMain"

	// Task actions
	ActionTaskCreate = "tasks.create"
	ActionTaskList   = "tasks.list"
	ActionTaskUpdate = "tasks.update"
	ActionTaskDelete = "tasks.delete"

	// PM cascade actions
	ActionPMChat              = "pm.chat"
	ActionPMStrandChat        = "pm.strandChat"
	ActionPMGoalCascade       = "pm.goalCascade"
	ActionPMStrandCascade     = "pm.strandCascade"
	ActionPMSaveResponse      = "pm.saveResponse"
	ActionPMCreateTasks       = "pm.createTasksFromPlan"
	ActionPMStrandCreateGoals = "pm.strandCreateGoals"

	// Session lifecycle actions
	ActionSessionsKillForGoal   = "sessions.killForGoal"
	ActionSessionsKillForStrand = "sessions.killForStrand"
	ActionSessionsCleanupStale  = "sessions.cleanupStale"
	ActionSessionsListForStrand = "sessions.listForStrand"

	// Subscription actions
	ActionGoalSubscribe   = "goals.subscribe"
	ActionGoalUnsubscribe = "goals.unsubscribe"

	// Notification actions (server -> client)
	ActionEvent = "event"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)

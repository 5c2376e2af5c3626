package eventbus

// Event types published by cronhub.
const (
	TypeFireStarted      = "fire.started"
	TypeFireSucceeded    = "fire.succeeded"
	TypeFireFailed       = "fire.failed"
	TypeFireMisfired     = "fire.misfired"
	TypeStoreFailed      = "fire.store_failed"
	TypeTriggerReclaimed = "trigger.reclaimed"
	TypeTaskPanicked     = "task.panicked"

	TypeSchedulerStarted = "scheduler.started"
	TypeSchedulerStopped = "scheduler.stopped"

	TypeNotifyQueued  = "notify.queued"
	TypeNotifySent    = "notify.sent"
	TypeNotifyFailed  = "notify.failed"
	TypeNotifyDropped = "notify.dropped"
	TypeNotifyDeduped = "notify.deduped"

	TypeConfigReload = "config.reload"
)

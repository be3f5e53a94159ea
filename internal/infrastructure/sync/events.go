package sync

import (
	"github.com/learnhub/progress-engine/internal/domain/progress"
	"github.com/learnhub/progress-engine/internal/domain/shared"
)

// SyncFailedEvent is published when a sync operation exhausted its
// retries or failed permanently. The course's local state stays dirty.
type SyncFailedEvent struct {
	shared.BaseEvent
	CourseID progress.CourseID `json:"course_id"`
	Reason   string            `json:"reason"`
}

// Payload implements shared.Event.
func (e SyncFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"course_id": e.CourseID.String(),
		"reason":    e.Reason,
	}
}

// NewSyncFailedEvent creates a sync failure event.
func NewSyncFailedEvent(courseID progress.CourseID, err error) SyncFailedEvent {
	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	return SyncFailedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSyncFailed, courseID.String()),
		CourseID:  courseID,
		Reason:    reason,
	}
}

// SyncAuthRequiredEvent is published when the remote service rejected
// credentials. Sync stays paused until ResumeAfterAuth is called.
type SyncAuthRequiredEvent struct {
	shared.BaseEvent
	CourseID progress.CourseID `json:"course_id"`
}

// Payload implements shared.Event.
func (e SyncAuthRequiredEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"course_id": e.CourseID.String(),
	}
}

// NewSyncAuthRequiredEvent creates an authentication-required event.
func NewSyncAuthRequiredEvent(courseID progress.CourseID) SyncAuthRequiredEvent {
	return SyncAuthRequiredEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSyncAuthRequired, courseID.String()),
		CourseID:  courseID,
	}
}

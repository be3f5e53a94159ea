package remote

import (
	"fmt"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// WIRE FORMAT
// DTOs mirror the remote progress service JSON exactly. Mapping to domain
// types lives in mapper.go - domain code never sees these structs.
// ══════════════════════════════════════════════════════════════════════════════

// QuizResultDTO is a lesson quiz result on the wire.
type QuizResultDTO struct {
	Score          int       `json:"score"`
	TotalQuestions int       `json:"totalQuestions"`
	CompletedAt    time.Time `json:"completedAt"`
}

// LessonSnapshotDTO is the authoritative server state of one lesson.
type LessonSnapshotDTO struct {
	LessonID       string         `json:"lessonId"`
	WatchedPercent int            `json:"watchedPercent"`
	Completed      bool           `json:"completed"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	LastWatchedAt  *time.Time     `json:"lastWatchedAt,omitempty"`
	Quiz           *QuizResultDTO `json:"quizScore,omitempty"`
}

// CourseSnapshotDTO is the authoritative server state of one course.
// Returned by pulls and as the response body of every push.
type CourseSnapshotDTO struct {
	CourseID        string              `json:"courseId"`
	TotalLessons    int                 `json:"totalLessons"`
	Percentage      int                 `json:"percentage"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
	StartedAt       *time.Time          `json:"startedAt,omitempty"`
	ServerTime      time.Time           `json:"serverTime"`
	Lessons         []LessonSnapshotDTO `json:"lessons"`
	LessonDurations map[string]int      `json:"lessonDurations,omitempty"` // seconds
}

// UserProgressDTO is the full server state across all enrolled courses,
// as returned by GET /progress/user.
type UserProgressDTO struct {
	Progress []CourseSnapshotDTO `json:"progress"`
}

// courseProgressEnvelope wraps single-course pull responses.
type courseProgressEnvelope struct {
	Progress CourseSnapshotDTO `json:"progress"`
}

// pushResponseEnvelope wraps push responses.
type pushResponseEnvelope struct {
	CourseProgress CourseSnapshotDTO `json:"courseProgress"`
}

// LessonPushDTO is the body of a lesson progress push.
type LessonPushDTO struct {
	CourseID       string     `json:"courseId"`
	WatchedPercent int        `json:"watchedPercent"`
	Completed      bool       `json:"completed"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// QuizPushDTO is the body of a quiz score push.
type QuizPushDTO struct {
	CourseID       string    `json:"courseId"`
	Score          int       `json:"score"`
	TotalQuestions int       `json:"totalQuestions"`
	CompletedAt    time.Time `json:"completedAt"`
}

// APIErrorDTO is the error body the service returns on 4xx/5xx.
type APIErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

// Error implements the error interface.
func (e *APIErrorDTO) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote api error %d: %s", e.Status, e.Message)
}

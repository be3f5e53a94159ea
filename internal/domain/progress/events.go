package progress

import (
	"time"

	"github.com/learnhub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STORE EVENTS (входные события редьюсера)
// Каждое событие - дискретный факт прогресса. Движок не знает, откуда
// факт взялся (тик плеера, сдача теста, ручная отметка) - он только
// переводит состояние.
// ══════════════════════════════════════════════════════════════════════════════

// EventKind определяет тип входного события редьюсера.
type EventKind string

const (
	KindLessonProgressUpdated EventKind = "lesson_progress_updated"
	KindLessonCompleted       EventKind = "lesson_completed"
	KindCourseStructureKnown  EventKind = "course_structure_known"
	KindQuizScored            EventKind = "quiz_scored"
	KindCourseReset           EventKind = "course_reset"
	KindRemoteSnapshotApplied EventKind = "remote_snapshot_applied"
)

// Event представляет входное событие редьюсера.
type Event interface {
	// Kind возвращает тип события.
	Kind() EventKind
}

// LessonProgressUpdated - обновился просмотренный процент урока.
// Процент клампится к [0, 100]; при достижении порога автозавершения
// редьюсер дополнительно применяет LessonCompleted.
type LessonProgressUpdated struct {
	LessonID       LessonID
	CourseID       CourseID
	WatchedPercent Percent
	Timestamp      time.Time
}

// Kind возвращает тип события.
func (LessonProgressUpdated) Kind() EventKind { return KindLessonProgressUpdated }

// LessonCompleted - урок завершён. Идемпотентно для уже завершённого урока.
type LessonCompleted struct {
	LessonID  LessonID
	CourseID  CourseID
	Timestamp time.Time
}

// Kind возвращает тип события.
func (LessonCompleted) Kind() EventKind { return KindLessonCompleted }

// CourseStructureKnown - стала известна структура курса.
// Метаданные могут прийти позже первых событий уроков; изменившееся
// количество уроков заменяет сохранённое и пересчитывает процент.
type CourseStructureKnown struct {
	CourseID     CourseID
	TotalLessons int

	// LessonDurations - длительности уроков для агрегации времени
	// просмотра (опционально).
	LessonDurations map[LessonID]time.Duration

	Timestamp time.Time
}

// Kind возвращает тип события.
func (CourseStructureKnown) Kind() EventKind { return KindCourseStructureKnown }

// QuizScored - сдан тест по уроку. Урок при этом не завершается -
// порог прохождения решает вызывающая сторона.
type QuizScored struct {
	LessonID       LessonID
	CourseID       CourseID
	Score          int
	TotalQuestions int
	Timestamp      time.Time
}

// Kind возвращает тип события.
func (QuizScored) Kind() EventKind { return KindQuizScored }

// CourseReset - явный сброс прогресса курса. Статистику пользователя
// задним числом не трогает.
type CourseReset struct {
	CourseID  CourseID
	Timestamp time.Time
}

// Kind возвращает тип события.
func (CourseReset) Kind() EventKind { return KindCourseReset }

// RemoteSnapshotApplied - пришёл авторитетный снимок курса с сервера.
// Применяется по правилу last-write-wins: снимок перезаписывает локальное
// состояние, только если нет локальной оптимистичной записи строго новее
// серверной отметки времени. Иначе локальное состояние сохраняется и
// остаётся в очереди на отправку.
type RemoteSnapshotApplied struct {
	CourseID CourseID

	// ServerTime - отметка времени состояния на сервере.
	ServerTime time.Time

	// Course - авторитетный прогресс курса.
	Course *CourseProgress

	// Lessons - авторитетный прогресс уроков курса.
	Lessons []*LessonProgress

	// ResetConfirmed - снимок пришёл в ответ на доставленный сброс
	// курса. Только такой снимок снимает ожидающий сброс: обычный
	// pull не должен воскрешать прогресс, который пользователь стёр.
	ResetConfirmed bool
}

// Kind возвращает тип события.
func (RemoteSnapshotApplied) Kind() EventKind { return KindRemoteSnapshotApplied }

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION EVENTS (исходящие события для подписчиков)
// Публикуются фасадом после Dispatch - это observer-механизм для UI
// и других внешних коллабораторов.
// ══════════════════════════════════════════════════════════════════════════════

// LessonCompletedEvent - урок завершён (первый переход).
type LessonCompletedEvent struct {
	shared.BaseEvent
	LessonID    LessonID  `json:"lesson_id"`
	CourseID    CourseID  `json:"course_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Payload implements shared.Event.
func (e LessonCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"lesson_id":    e.LessonID.String(),
		"course_id":    e.CourseID.String(),
		"completed_at": e.CompletedAt.Format(time.RFC3339),
	}
}

// NewLessonCompletedEvent создаёт событие завершения урока.
func NewLessonCompletedEvent(lessonID LessonID, courseID CourseID, completedAt time.Time) LessonCompletedEvent {
	return LessonCompletedEvent{
		BaseEvent:   shared.NewBaseEvent(shared.EventLessonCompleted, lessonID.String()),
		LessonID:    lessonID,
		CourseID:    courseID,
		CompletedAt: completedAt,
	}
}

// CourseStartedEvent - первое событие прогресса по курсу.
type CourseStartedEvent struct {
	shared.BaseEvent
	CourseID CourseID `json:"course_id"`
}

// Payload implements shared.Event.
func (e CourseStartedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{"course_id": e.CourseID.String()}
}

// NewCourseStartedEvent создаёт событие начала курса.
func NewCourseStartedEvent(courseID CourseID) CourseStartedEvent {
	return CourseStartedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventCourseStarted, courseID.String()),
		CourseID:  courseID,
	}
}

// CourseCompletedEvent - курс впервые достиг 100%.
// Маркер побочного эффекта: фасад по нему запрашивает выпуск сертификата.
type CourseCompletedEvent struct {
	shared.BaseEvent
	CourseID    CourseID  `json:"course_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Payload implements shared.Event.
func (e CourseCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"course_id":    e.CourseID.String(),
		"completed_at": e.CompletedAt.Format(time.RFC3339),
	}
}

// NewCourseCompletedEvent создаёт событие завершения курса.
func NewCourseCompletedEvent(courseID CourseID, completedAt time.Time) CourseCompletedEvent {
	return CourseCompletedEvent{
		BaseEvent:   shared.NewBaseEvent(shared.EventCourseCompleted, courseID.String()),
		CourseID:    courseID,
		CompletedAt: completedAt,
	}
}

// CertificateIssuedEvent - выпущен сертификат.
type CertificateIssuedEvent struct {
	shared.BaseEvent
	CourseID     CourseID  `json:"course_id"`
	CredentialID string    `json:"credential_id"`
	IssuedAt     time.Time `json:"issued_at"`
}

// Payload implements shared.Event.
func (e CertificateIssuedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"course_id":     e.CourseID.String(),
		"credential_id": e.CredentialID,
		"issued_at":     e.IssuedAt.Format(time.RFC3339),
	}
}

// NewCertificateIssuedEvent создаёт событие выпуска сертификата.
func NewCertificateIssuedEvent(cert *Certificate) CertificateIssuedEvent {
	return CertificateIssuedEvent{
		BaseEvent:    shared.NewBaseEvent(shared.EventCertificateIssued, cert.CourseID.String()),
		CourseID:     cert.CourseID,
		CredentialID: cert.CredentialID,
		IssuedAt:     cert.IssuedAt,
	}
}

// StreakUpdatedEvent - изменилась серия активных дней.
type StreakUpdatedEvent struct {
	shared.BaseEvent
	CurrentStreak int `json:"current_streak"`
	LongestStreak int `json:"longest_streak"`
}

// Payload implements shared.Event.
func (e StreakUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"current_streak": e.CurrentStreak,
		"longest_streak": e.LongestStreak,
	}
}

// NewStreakUpdatedEvent создаёт событие изменения серии.
func NewStreakUpdatedEvent(current, longest int) StreakUpdatedEvent {
	return StreakUpdatedEvent{
		BaseEvent:     shared.NewBaseEvent(shared.EventStreakUpdated, "user"),
		CurrentStreak: current,
		LongestStreak: longest,
	}
}

// CourseResetEvent - прогресс курса сброшен.
type CourseResetEvent struct {
	shared.BaseEvent
	CourseID CourseID `json:"course_id"`
}

// Payload implements shared.Event.
func (e CourseResetEvent) Payload() map[string]interface{} {
	return map[string]interface{}{"course_id": e.CourseID.String()}
}

// NewCourseResetEvent создаёт событие сброса курса.
func NewCourseResetEvent(courseID CourseID) CourseResetEvent {
	return CourseResetEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventCourseReset, courseID.String()),
		CourseID:  courseID,
	}
}

// SnapshotReconciledEvent - локальное состояние курса перезаписано
// авторитетным снимком сервера.
type SnapshotReconciledEvent struct {
	shared.BaseEvent
	CourseID   CourseID  `json:"course_id"`
	ServerTime time.Time `json:"server_time"`
}

// Payload implements shared.Event.
func (e SnapshotReconciledEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"course_id":   e.CourseID.String(),
		"server_time": e.ServerTime.Format(time.RFC3339),
	}
}

// NewSnapshotReconciledEvent создаёт событие реконсиляции.
func NewSnapshotReconciledEvent(courseID CourseID, serverTime time.Time) SnapshotReconciledEvent {
	return SnapshotReconciledEvent{
		BaseEvent:  shared.NewBaseEvent(shared.EventSnapshotReconciled, courseID.String()),
		CourseID:   courseID,
		ServerTime: serverTime,
	}
}

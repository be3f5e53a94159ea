package progress

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// CourseID представляет уникальный идентификатор курса.
type CourseID string

// IsValid проверяет корректность идентификатора курса.
func (c CourseID) IsValid() bool {
	s := string(c)
	return len(s) >= 1 && len(s) <= 100 && !strings.ContainsAny(s, " \t\n\r")
}

// String возвращает строковое представление идентификатора.
func (c CourseID) String() string {
	return string(c)
}

// LessonID представляет уникальный идентификатор урока.
type LessonID string

// IsValid проверяет корректность идентификатора урока.
func (l LessonID) IsValid() bool {
	s := string(l)
	return len(s) >= 1 && len(s) <= 100 && !strings.ContainsAny(s, " \t\n\r")
}

// String возвращает строковое представление идентификатора.
func (l LessonID) String() string {
	return string(l)
}

// Percent представляет процент в диапазоне 0..100.
type Percent int

// IsValid проверяет, что процент в допустимом диапазоне.
func (p Percent) IsValid() bool {
	return p >= 0 && p <= 100
}

// Clamp приводит значение к диапазону [0, 100].
func (p Percent) Clamp() Percent {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ══════════════════════════════════════════════════════════════════════════════
// LESSON PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// QuizResult содержит результат прохождения теста по уроку.
type QuizResult struct {
	// Score - набранные баллы.
	Score int `json:"score"`

	// TotalQuestions - общее количество вопросов.
	TotalQuestions int `json:"totalQuestions"`

	// CompletedAt - время прохождения теста.
	CompletedAt time.Time `json:"completedAt"`
}

// LessonProgress представляет прогресс по одному уроку.
// Создаётся лениво при первом событии прогресса; удаляется только
// явным сбросом курса.
type LessonProgress struct {
	// LessonID - идентификатор урока (неизменяемый).
	LessonID LessonID `json:"lessonId"`

	// CourseID - идентификатор курса (неизменяемый).
	CourseID CourseID `json:"courseId"`

	// WatchedPercent - просмотренный процент урока, 0..100.
	WatchedPercent Percent `json:"watchedPercent"`

	// Completed - завершён ли урок. Монотонно: после true возврата
	// к false нет, кроме явного сброса курса.
	Completed bool `json:"completed"`

	// CompletedAt - время первого перехода в completed.
	// Устанавливается ровно один раз.
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// LastWatchedAt - время последнего просмотра.
	LastWatchedAt *time.Time `json:"lastWatchedAt,omitempty"`

	// Quiz - результат теста, если тест сдавался.
	Quiz *QuizResult `json:"quizScore,omitempty"`
}

// NewLessonProgress создаёт пустой прогресс урока.
func NewLessonProgress(lessonID LessonID, courseID CourseID) *LessonProgress {
	return &LessonProgress{
		LessonID:       lessonID,
		CourseID:       courseID,
		WatchedPercent: 0,
		Completed:      false,
	}
}

// RecordWatch обновляет просмотренный процент. Значение клампится,
// прогресс просмотра монотонный - меньшее значение не затирает большее.
func (lp *LessonProgress) RecordWatch(percent Percent, at time.Time) {
	percent = percent.Clamp()
	if percent > lp.WatchedPercent {
		lp.WatchedPercent = percent
	}
	t := at
	lp.LastWatchedAt = &t
}

// MarkCompleted помечает урок завершённым. Идемпотентно: повторный
// вызов не меняет CompletedAt. Возвращает true при первом переходе.
func (lp *LessonProgress) MarkCompleted(at time.Time) bool {
	if lp.Completed {
		return false
	}
	lp.Completed = true
	t := at
	lp.CompletedAt = &t
	return true
}

// RecordQuiz сохраняет результат теста. Сам по себе урок не завершает -
// политику прохождения (порог) решает вызывающая сторона.
func (lp *LessonProgress) RecordQuiz(score, totalQuestions int, at time.Time) {
	lp.Quiz = &QuizResult{
		Score:          score,
		TotalQuestions: totalQuestions,
		CompletedAt:    at,
	}
}

// Clone создаёт глубокую копию прогресса урока.
func (lp *LessonProgress) Clone() *LessonProgress {
	if lp == nil {
		return nil
	}
	clone := *lp
	if lp.CompletedAt != nil {
		t := *lp.CompletedAt
		clone.CompletedAt = &t
	}
	if lp.LastWatchedAt != nil {
		t := *lp.LastWatchedAt
		clone.LastWatchedAt = &t
	}
	if lp.Quiz != nil {
		q := *lp.Quiz
		clone.Quiz = &q
	}
	return &clone
}

// ══════════════════════════════════════════════════════════════════════════════
// COURSE PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// CourseProgress представляет агрегированный прогресс по курсу.
type CourseProgress struct {
	// CourseID - идентификатор курса.
	CourseID CourseID `json:"courseId"`

	// TotalLessons - количество уроков в курсе. 0 означает
	// "структура курса ещё неизвестна" - события уроков могут
	// приходить раньше метаданных курса.
	TotalLessons int `json:"totalLessons"`

	// CompletedLessonIDs - множество завершённых уроков.
	// Кэш поверх LessonProgress.Completed, чтобы не пересканировать
	// все уроки на каждое событие.
	CompletedLessonIDs map[LessonID]struct{} `json:"completedLessonIds"`

	// Percentage - процент завершения курса. Чистая функция от
	// |CompletedLessonIDs| и TotalLessons; независимо не выставляется,
	// кроме авторитетной перезаписи при реконсиляции.
	Percentage Percent `json:"percentage"`

	// CompletedAt - время первого достижения 100%.
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// StartedAt - время первого события прогресса по курсу.
	StartedAt time.Time `json:"startedAt"`

	// LastAccessedAt - время последнего события по курсу.
	LastAccessedAt time.Time `json:"lastAccessedAt"`

	// LessonDurations - длительности уроков (если известны из метаданных).
	// Нужны только для агрегации времени просмотра.
	LessonDurations map[LessonID]time.Duration `json:"lessonDurations,omitempty"`

	// Dirty - есть локальные оптимистичные записи, ещё не
	// подтверждённые сервером.
	Dirty bool `json:"dirty"`

	// LastLocalWriteAt - отметка времени самой свежей локальной записи.
	// Центральное поле правила last-write-wins при реконсиляции.
	LastLocalWriteAt time.Time `json:"lastLocalWriteAt"`

	// PendingReset - пользовательский сброс курса ещё не доставлен
	// на сервер. Намерение сброса переживает снимки и не откатывается:
	// обычные снимки с сервера его не перезаписывают, снимается только
	// подтверждением доставленного сброса.
	PendingReset bool `json:"pendingReset,omitempty"`
}

// NewCourseProgress создаёт прогресс курса с неизвестной структурой.
func NewCourseProgress(courseID CourseID, startedAt time.Time) *CourseProgress {
	return &CourseProgress{
		CourseID:           courseID,
		TotalLessons:       0,
		CompletedLessonIDs: make(map[LessonID]struct{}),
		Percentage:         0,
		StartedAt:          startedAt,
		LastAccessedAt:     startedAt,
	}
}

// CompletedCount возвращает количество завершённых уроков.
func (cp *CourseProgress) CompletedCount() int {
	return len(cp.CompletedLessonIDs)
}

// Touch отмечает локальную оптимистичную запись.
func (cp *CourseProgress) Touch(at time.Time) {
	cp.LastAccessedAt = at
	cp.Dirty = true
	if at.After(cp.LastLocalWriteAt) {
		cp.LastLocalWriteAt = at
	}
}

// MarkReconciled снимает флаг несинхронизированных записей.
func (cp *CourseProgress) MarkReconciled() {
	cp.Dirty = false
}

// Recompute пересчитывает процент завершения через калькулятор.
// Возвращает true при первом достижении 100%.
func (cp *CourseProgress) Recompute(at time.Time) bool {
	cp.Percentage = Percentage(cp.CompletedCount(), cp.TotalLessons)
	if cp.Percentage == 100 && cp.CompletedAt == nil {
		t := at
		cp.CompletedAt = &t
		return true
	}
	return false
}

// Clone создаёт глубокую копию прогресса курса.
func (cp *CourseProgress) Clone() *CourseProgress {
	if cp == nil {
		return nil
	}
	clone := *cp
	clone.CompletedLessonIDs = make(map[LessonID]struct{}, len(cp.CompletedLessonIDs))
	for id := range cp.CompletedLessonIDs {
		clone.CompletedLessonIDs[id] = struct{}{}
	}
	if cp.LessonDurations != nil {
		clone.LessonDurations = make(map[LessonID]time.Duration, len(cp.LessonDurations))
		for id, d := range cp.LessonDurations {
			clone.LessonDurations[id] = d
		}
	}
	if cp.CompletedAt != nil {
		t := *cp.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// ══════════════════════════════════════════════════════════════════════════════
// USER STATS
// ══════════════════════════════════════════════════════════════════════════════

// UserStats содержит статистику вовлечённости пользователя.
type UserStats struct {
	// TotalCoursesEnrolled - количество начатых курсов.
	// Монотонно неубывающее, кроме явного сброса аккаунта.
	TotalCoursesEnrolled int `json:"totalCoursesEnrolled"`

	// TotalCoursesCompleted - количество завершённых курсов.
	TotalCoursesCompleted int `json:"totalCoursesCompleted"`

	// CurrentStreak - текущая серия дней с активностью.
	CurrentStreak int `json:"currentStreak"`

	// LongestStreak - лучшая серия. Инвариант: LongestStreak >= CurrentStreak.
	LongestStreak int `json:"longestStreak"`

	// TotalHoursWatched - суммарное время просмотра в часах.
	TotalHoursWatched float64 `json:"totalHoursWatched"`

	// LastActivityDate - дата (UTC, без времени) последней активности.
	// Нужна для перехода серии раз в календарный день.
	LastActivityDate time.Time `json:"lastActivityDate"`
}

// ══════════════════════════════════════════════════════════════════════════════
// CERTIFICATE
// ══════════════════════════════════════════════════════════════════════════════

// Certificate представляет сертификат о завершении курса.
// Инвариант: не более одного сертификата на курс; выпуск
// идемпотентен относительно повторных переходов в 100%.
type Certificate struct {
	// CourseID - курс, за который выдан сертификат.
	CourseID CourseID `json:"courseId"`

	// CredentialID - непрозрачный идентификатор сертификата.
	CredentialID string `json:"credentialId"`

	// VerificationCode - код для офлайн-проверки подлинности.
	VerificationCode string `json:"verificationCode"`

	// IssuedAt - время выпуска.
	IssuedAt time.Time `json:"issuedAt"`
}

// NewCertificate выпускает сертификат для курса.
func NewCertificate(userID string, courseID CourseID, issuedAt time.Time) *Certificate {
	credentialID := uuid.NewString()
	return &Certificate{
		CourseID:         courseID,
		CredentialID:     credentialID,
		VerificationCode: verificationCode(userID, courseID, credentialID, issuedAt),
		IssuedAt:         issuedAt,
	}
}

// verificationCode выводит проверочный код из атрибутов сертификата.
func verificationCode(userID string, courseID CourseID, credentialID string, issuedAt time.Time) string {
	sum := sha3.Sum256([]byte(
		userID + "|" + courseID.String() + "|" + credentialID + "|" + issuedAt.UTC().Format(time.RFC3339),
	))
	return hex.EncodeToString(sum[:8])
}

// Verify проверяет, что код сертификата соответствует его атрибутам.
func (c *Certificate) Verify(userID string) bool {
	return c.VerificationCode == verificationCode(userID, c.CourseID, c.CredentialID, c.IssuedAt)
}

// Clone создаёт копию сертификата.
func (c *Certificate) Clone() *Certificate {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrInvalidCourseID - невалидный идентификатор курса.
	ErrInvalidCourseID = errors.New("invalid course id: must be 1-100 chars without whitespace")

	// ErrInvalidLessonID - невалидный идентификатор урока.
	ErrInvalidLessonID = errors.New("invalid lesson id: must be 1-100 chars without whitespace")

	// ErrInvalidQuizTotal - тест без вопросов.
	ErrInvalidQuizTotal = errors.New("invalid quiz: total questions must be positive")

	// ErrUnknownEvent - редьюсер получил событие неизвестного типа.
	ErrUnknownEvent = errors.New("unknown progress event")
)

// String возвращает строковое представление для логирования.
func (cp *CourseProgress) String() string {
	return fmt.Sprintf(
		"CourseProgress{Course: %s, Completed: %d/%d, Percentage: %d%%}",
		cp.CourseID, cp.CompletedCount(), cp.TotalLessons, cp.Percentage,
	)
}

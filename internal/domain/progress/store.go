package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/learnhub/progress-engine/internal/domain/shared"
	"github.com/learnhub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STORE
// Единственный владелец состояния сессии. Dispatch синхронный и выполняется
// до конца под одной блокировкой - внутри применения события чередования
// нет, состояние всегда согласовано.
// ══════════════════════════════════════════════════════════════════════════════

// DefaultCompleteThreshold - порог просмотра, при котором урок
// автоматически считается завершённым.
const DefaultCompleteThreshold Percent = 90

// StoreConfig содержит настройки Store.
type StoreConfig struct {
	// UserID - идентификатор пользователя сессии (входит в
	// проверочный код сертификатов).
	UserID string

	// CompleteThreshold - порог автозавершения урока по просмотру.
	// 0 означает значение по умолчанию.
	CompleteThreshold Percent
}

// Store хранит авторитетное состояние прогресса текущей сессии.
type Store struct {
	mu sync.Mutex

	userID            string
	completeThreshold Percent

	courses      map[CourseID]*CourseProgress
	lessons      map[LessonID]*LessonProgress
	stats        UserStats
	certificates map[CourseID]*Certificate
}

// NewStore создаёт пустой Store.
func NewStore(cfg StoreConfig) *Store {
	threshold := cfg.CompleteThreshold
	if threshold <= 0 {
		threshold = DefaultCompleteThreshold
	}

	return &Store{
		userID:            cfg.UserID,
		completeThreshold: threshold,
		courses:           make(map[CourseID]*CourseProgress),
		lessons:           make(map[LessonID]*LessonProgress),
		certificates:      make(map[CourseID]*Certificate),
	}
}

// Dispatch применяет событие к состоянию и возвращает исходящие события
// для подписчиков. Синхронно; для корректных внутренних событий ошибок
// не возвращает - некорректные данные клампятся или игнорируются.
func (s *Store) Dispatch(ev Event) ([]shared.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case LessonProgressUpdated:
		return s.applyLessonProgress(e), nil
	case LessonCompleted:
		return s.applyLessonCompleted(e.LessonID, e.CourseID, e.Timestamp), nil
	case CourseStructureKnown:
		return s.applyStructureKnown(e), nil
	case QuizScored:
		return s.applyQuizScored(e), nil
	case CourseReset:
		return s.applyCourseReset(e), nil
	case RemoteSnapshotApplied:
		return s.applyRemoteSnapshot(e), nil
	default:
		return nil, ErrUnknownEvent
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// REDUCER (вызывается только под блокировкой)
// ══════════════════════════════════════════════════════════════════════════════

// ensureCourse лениво создаёт прогресс курса. События уроков могут
// легитимно приходить раньше метаданных курса - тогда курс создаётся
// с нулевым TotalLessons вместо ошибки.
func (s *Store) ensureCourse(courseID CourseID, at time.Time) (*CourseProgress, []shared.Event) {
	if cp, ok := s.courses[courseID]; ok {
		return cp, nil
	}

	cp := NewCourseProgress(courseID, at)
	s.courses[courseID] = cp
	s.stats.TotalCoursesEnrolled++

	return cp, []shared.Event{NewCourseStartedEvent(courseID)}
}

// ensureLesson лениво создаёт прогресс урока.
func (s *Store) ensureLesson(lessonID LessonID, courseID CourseID) *LessonProgress {
	if lp, ok := s.lessons[lessonID]; ok {
		return lp
	}

	lp := NewLessonProgress(lessonID, courseID)
	s.lessons[lessonID] = lp
	return lp
}

func (s *Store) applyLessonProgress(e LessonProgressUpdated) []shared.Event {
	course, events := s.ensureCourse(e.CourseID, e.Timestamp)
	lesson := s.ensureLesson(e.LessonID, e.CourseID)

	lesson.RecordWatch(e.WatchedPercent, e.Timestamp)
	course.Touch(e.Timestamp)
	s.recomputeHoursWatched()

	if lesson.WatchedPercent >= s.completeThreshold && !lesson.Completed {
		events = append(events, s.applyLessonCompleted(e.LessonID, e.CourseID, e.Timestamp)...)
	}

	return events
}

func (s *Store) applyLessonCompleted(lessonID LessonID, courseID CourseID, at time.Time) []shared.Event {
	course, events := s.ensureCourse(courseID, at)
	lesson := s.ensureLesson(lessonID, courseID)

	// Идемпотентность: повторное завершение - no-op.
	if !lesson.MarkCompleted(at) {
		return events
	}

	course.CompletedLessonIDs[lessonID] = struct{}{}
	course.Touch(at)
	events = append(events, NewLessonCompletedEvent(lessonID, courseID, at))
	events = append(events, s.recordActivity(at)...)

	if course.Recompute(at) {
		events = append(events, s.completeCourse(course, at)...)
	}

	return events
}

// completeCourse фиксирует первый переход курса в 100%: событие
// завершения, счётчик статистики и идемпотентный выпуск сертификата.
func (s *Store) completeCourse(course *CourseProgress, at time.Time) []shared.Event {
	events := []shared.Event{NewCourseCompletedEvent(course.CourseID, at)}
	s.stats.TotalCoursesCompleted++

	if cert := s.issueCertificate(course.CourseID, at); cert != nil {
		events = append(events, NewCertificateIssuedEvent(cert))
	}

	return events
}

// issueCertificate выпускает сертификат, если его ещё нет.
// Повторный переход в 100% (например, дубликат сетевого ответа)
// сертификата не дублирует.
func (s *Store) issueCertificate(courseID CourseID, at time.Time) *Certificate {
	if _, ok := s.certificates[courseID]; ok {
		return nil
	}

	cert := NewCertificate(s.userID, courseID, at)
	s.certificates[courseID] = cert
	return cert
}

func (s *Store) applyStructureKnown(e CourseStructureKnown) []shared.Event {
	course, events := s.ensureCourse(e.CourseID, e.Timestamp)

	if e.TotalLessons >= 0 && e.TotalLessons != course.TotalLessons {
		course.TotalLessons = e.TotalLessons
	}

	if len(e.LessonDurations) > 0 {
		if course.LessonDurations == nil {
			course.LessonDurations = make(map[LessonID]time.Duration, len(e.LessonDurations))
		}
		for id, d := range e.LessonDurations {
			course.LessonDurations[id] = d
		}
		s.recomputeHoursWatched()
	}

	course.LastAccessedAt = e.Timestamp

	// Изменившаяся структура может сама довести курс до 100%
	// (например, сервер убрал уроки из программы).
	if course.Recompute(e.Timestamp) {
		events = append(events, s.completeCourse(course, e.Timestamp)...)
	}

	return events
}

func (s *Store) applyQuizScored(e QuizScored) []shared.Event {
	// Толерантность к мусору: тест без вопросов игнорируется.
	if e.TotalQuestions <= 0 {
		return nil
	}

	score := e.Score
	if score < 0 {
		score = 0
	}
	if score > e.TotalQuestions {
		score = e.TotalQuestions
	}

	course, events := s.ensureCourse(e.CourseID, e.Timestamp)
	lesson := s.ensureLesson(e.LessonID, e.CourseID)

	lesson.RecordQuiz(score, e.TotalQuestions, e.Timestamp)
	course.Touch(e.Timestamp)

	return events
}

func (s *Store) applyCourseReset(e CourseReset) []shared.Event {
	course, ok := s.courses[e.CourseID]
	if !ok {
		return nil
	}

	for id, lp := range s.lessons {
		if lp.CourseID == e.CourseID {
			delete(s.lessons, id)
		}
	}

	// Структура курса - метаданные, не прогресс: TotalLessons и
	// длительности переживают сброс.
	fresh := NewCourseProgress(e.CourseID, e.Timestamp)
	fresh.TotalLessons = course.TotalLessons
	fresh.LessonDurations = course.LessonDurations
	fresh.Touch(e.Timestamp)
	fresh.PendingReset = true
	s.courses[e.CourseID] = fresh

	s.recomputeHoursWatched()

	// Статистика и выданные сертификаты задним числом не трогаются.
	return []shared.Event{NewCourseResetEvent(e.CourseID)}
}

func (s *Store) applyRemoteSnapshot(e RemoteSnapshotApplied) []shared.Event {
	if e.Course == nil {
		return nil
	}

	existing, known := s.courses[e.CourseID]

	if known && !e.ResetConfirmed {
		// Недоставленный сброс сильнее любого снимка: сброс -
		// намеренное разрушительное действие пользователя, его не
		// откатывает даже более свежее состояние сервера.
		if existing.PendingReset {
			return nil
		}

		// Правило разрешения конфликтов: побеждает более поздняя запись
		// по отметке времени, не по порядку прибытия. Локальная
		// несинхронизированная запись строго новее снимка сохраняется
		// и остаётся грязной - движок синхронизации отправит её повторно.
		if existing.Dirty && existing.LastLocalWriteAt.After(e.ServerTime) {
			return nil
		}
	}

	if !known {
		s.stats.TotalCoursesEnrolled++
	}

	course := e.Course.Clone()
	course.MarkReconciled()
	course.LastLocalWriteAt = e.ServerTime

	// Кэш завершённых уроков перестраивается из авторитетных уроков,
	// чтобы инвариант "кэш соответствует флагам уроков" пережил снимок.
	course.CompletedLessonIDs = make(map[LessonID]struct{})

	for id, lp := range s.lessons {
		if lp.CourseID == e.CourseID {
			delete(s.lessons, id)
		}
	}
	for _, lp := range e.Lessons {
		clone := lp.Clone()
		clone.CourseID = e.CourseID
		s.lessons[clone.LessonID] = clone
		if clone.Completed {
			course.CompletedLessonIDs[clone.LessonID] = struct{}{}
		}
	}

	s.courses[e.CourseID] = course
	s.recomputeHoursWatched()

	events := []shared.Event{NewSnapshotReconciledEvent(e.CourseID, e.ServerTime)}

	// Серверные побочные эффекты: подтверждение выпуска сертификата.
	if IsCourseCompleted(course) {
		if _, ok := s.certificates[e.CourseID]; !ok {
			at := e.ServerTime
			if course.CompletedAt != nil {
				at = *course.CompletedAt
			}
			events = append(events, s.completeCourse(course, at)...)
		}
	}

	return events
}

// recordActivity применяет переход серии активных дней. Срабатывает на
// первом завершении за календарный день, не на каждом событии.
func (s *Store) recordActivity(at time.Time) []shared.Event {
	if !s.stats.LastActivityDate.IsZero() && timeutil.IsSameDay(s.stats.LastActivityDate, at) {
		return nil
	}

	s.stats.CurrentStreak, s.stats.LongestStreak = StreakTransition(
		s.stats.LastActivityDate, at, s.stats.CurrentStreak, s.stats.LongestStreak,
	)
	s.stats.LastActivityDate = timeutil.DateOnly(at)

	return []shared.Event{NewStreakUpdatedEvent(s.stats.CurrentStreak, s.stats.LongestStreak)}
}

// recomputeHoursWatched пересчитывает суммарное время просмотра.
func (s *Store) recomputeHoursWatched() {
	durations := make(map[LessonID]time.Duration)
	for _, cp := range s.courses {
		for id, d := range cp.LessonDurations {
			durations[id] = d
		}
	}
	s.stats.TotalHoursWatched = AggregateWatchTime(s.lessons, durations)
}

// ══════════════════════════════════════════════════════════════════════════════
// READ ACCESSORS
// Возвращают защитные копии - снаружи состояние Store не мутируется.
// ══════════════════════════════════════════════════════════════════════════════

// UserID возвращает владельца состояния.
func (s *Store) UserID() string {
	return s.userID
}

// Course возвращает копию прогресса курса.
func (s *Store) Course(courseID CourseID) (*CourseProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.courses[courseID]
	if !ok {
		return nil, false
	}
	return cp.Clone(), true
}

// Lesson возвращает копию прогресса урока.
func (s *Store) Lesson(lessonID LessonID) (*LessonProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lp, ok := s.lessons[lessonID]
	if !ok {
		return nil, false
	}
	return lp.Clone(), true
}

// CourseLessons возвращает копии прогресса всех уроков курса,
// отсортированные по идентификатору.
func (s *Store) CourseLessons(courseID CourseID) []*LessonProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*LessonProgress
	for _, lp := range s.lessons {
		if lp.CourseID == courseID {
			result = append(result, lp.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LessonID < result[j].LessonID
	})
	return result
}

// Courses возвращает копии прогресса всех курсов.
func (s *Store) Courses() []*CourseProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*CourseProgress, 0, len(s.courses))
	for _, cp := range s.courses {
		result = append(result, cp.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CourseID < result[j].CourseID
	})
	return result
}

// Stats возвращает копию статистики пользователя.
func (s *Store) Stats() UserStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Certificates возвращает копии выданных сертификатов,
// отсортированные по времени выпуска.
func (s *Store) Certificates() []*Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Certificate, 0, len(s.certificates))
	for _, c := range s.certificates {
		result = append(result, c.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].IssuedAt.Before(result[j].IssuedAt)
	})
	return result
}

// DirtyCourses возвращает курсы с несинхронизированными локальными
// записями - кандидаты на повторную отправку.
func (s *Store) DirtyCourses() []CourseID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []CourseID
	for id, cp := range s.courses {
		if cp.Dirty {
			result = append(result, id)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT / RESTORE
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot возвращает глубокую копию состояния для персистентности.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		Version:        SnapshotVersion,
		SavedAt:        time.Now().UTC(),
		CourseProgress: make(map[CourseID]*CourseProgress, len(s.courses)),
		LessonProgress: make(map[LessonID]*LessonProgress, len(s.lessons)),
		UserStats:      s.stats,
		Certificates:   make([]*Certificate, 0, len(s.certificates)),
	}

	for id, cp := range s.courses {
		snap.CourseProgress[id] = cp.Clone()
	}
	for id, lp := range s.lessons {
		snap.LessonProgress[id] = lp.Clone()
	}
	for _, c := range s.certificates {
		snap.Certificates = append(snap.Certificates, c.Clone())
	}
	sort.Slice(snap.Certificates, func(i, j int) bool {
		return snap.Certificates[i].IssuedAt.Before(snap.Certificates[j].IssuedAt)
	})

	return snap
}

// Restore заменяет состояние содержимым снимка. Используется при
// старте сессии, до любых Dispatch.
func (s *Store) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.courses = make(map[CourseID]*CourseProgress, len(snap.CourseProgress))
	for id, cp := range snap.CourseProgress {
		clone := cp.Clone()
		if clone.CompletedLessonIDs == nil {
			clone.CompletedLessonIDs = make(map[LessonID]struct{})
		}
		s.courses[id] = clone
	}

	s.lessons = make(map[LessonID]*LessonProgress, len(snap.LessonProgress))
	for id, lp := range snap.LessonProgress {
		s.lessons[id] = lp.Clone()
	}

	s.stats = snap.UserStats

	s.certificates = make(map[CourseID]*Certificate, len(snap.Certificates))
	for _, c := range snap.Certificates {
		s.certificates[c.CourseID] = c.Clone()
	}
}

// Package application contains the engine façade: the single public
// surface callers use to record learning activity, query progress, and
// subscribe to progress events. It coordinates the domain store, the
// snapshot persister, and the background sync engine.
package application

import (
	"context"
	"math"
	"time"

	"log/slog"

	"github.com/learnhub/progress-engine/internal/domain/progress"
	"github.com/learnhub/progress-engine/internal/domain/shared"
	"github.com/learnhub/progress-engine/internal/infrastructure/external/remote"
	syncengine "github.com/learnhub/progress-engine/internal/infrastructure/sync"
)

// Config contains engine façade configuration.
type Config struct {
	// Store is the local progress store. Required.
	Store *progress.Store

	// Bus delivers progress events to subscribers. Required.
	Bus shared.EventBus

	// Client enables background sync when set. Nil runs offline-only.
	Client *remote.Client

	// Snapshots enables local persistence when set.
	Snapshots progress.SnapshotStore

	// Ledger records issued certificates when set.
	Ledger progress.CertificateLedger

	// SnapshotDebounce overrides the save debounce window.
	SnapshotDebounce time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// Engine is the progress engine façade. All mutating operations apply
// locally first, then persistence and sync follow in the background.
type Engine struct {
	store     *progress.Store
	bus       shared.EventBus
	persister *Persister
	sync      *syncengine.Engine
	ledger    progress.CertificateLedger
	logger    *slog.Logger
}

// NewEngine wires the façade. Local state must already be restored into
// the store before calls start arriving.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:  cfg.Store,
		bus:    cfg.Bus,
		ledger: cfg.Ledger,
		logger: logger,
	}

	if cfg.Snapshots != nil {
		e.persister = NewPersister(cfg.Store, cfg.Snapshots, cfg.Bus, cfg.SnapshotDebounce, logger)
	}

	if cfg.Client != nil {
		e.sync = syncengine.NewEngine(syncengine.Config{
			Store:     cfg.Store,
			Client:    cfg.Client,
			Apply:     e.applyRemote,
			Publisher: cfg.Bus,
			Logger:    logger,
		})
	}

	return e
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITE OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// UpdateWatchTime records how far the learner has watched a lesson,
// given playback position and total duration in seconds. Crossing the
// completion threshold completes the lesson automatically. Callers
// throttle this to at most once per few seconds.
func (e *Engine) UpdateWatchTime(courseID progress.CourseID, lessonID progress.LessonID, watchedSeconds, durationSeconds float64) error {
	if err := validateIDs(courseID, lessonID); err != nil {
		return err
	}
	if durationSeconds <= 0 {
		return shared.ErrInvalidWatchPercent
	}

	percent := int(math.Round(watchedSeconds / durationSeconds * 100))

	err := e.dispatch(progress.LessonProgressUpdated{
		LessonID:       lessonID,
		CourseID:       courseID,
		WatchedPercent: progress.Percent(percent).Clamp(),
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	e.afterLocalWrite()
	if e.sync != nil {
		e.sync.QueueLessonPush(courseID, lessonID)
	}
	return nil
}

// MarkLessonCompleted marks a lesson as finished. Replays are no-ops.
func (e *Engine) MarkLessonCompleted(courseID progress.CourseID, lessonID progress.LessonID) error {
	if err := validateIDs(courseID, lessonID); err != nil {
		return err
	}

	err := e.dispatch(progress.LessonCompleted{
		LessonID:  lessonID,
		CourseID:  courseID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	e.afterLocalWrite()
	if e.sync != nil {
		e.sync.QueueLessonPush(courseID, lessonID)
	}
	return nil
}

// SubmitQuizScore records a quiz result for a lesson. Retakes overwrite
// the previous result.
func (e *Engine) SubmitQuizScore(courseID progress.CourseID, lessonID progress.LessonID, score, totalQuestions int) error {
	if err := validateIDs(courseID, lessonID); err != nil {
		return err
	}
	if totalQuestions <= 0 {
		return shared.ErrInvalidQuizScore
	}

	err := e.dispatch(progress.QuizScored{
		LessonID:       lessonID,
		CourseID:       courseID,
		Score:          score,
		TotalQuestions: totalQuestions,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	e.afterLocalWrite()
	if e.sync != nil {
		e.sync.QueueQuizPush(courseID, lessonID)
	}
	return nil
}

// SetCourseStructure records the course's lesson count and durations,
// typically learned from the catalog.
func (e *Engine) SetCourseStructure(courseID progress.CourseID, totalLessons int, durations map[progress.LessonID]time.Duration) error {
	if !courseID.IsValid() {
		return shared.ErrInvalidCourseID
	}
	if totalLessons < 0 {
		return shared.ErrValueOutOfRange
	}

	err := e.dispatch(progress.CourseStructureKnown{
		CourseID:        courseID,
		TotalLessons:    totalLessons,
		LessonDurations: durations,
		Timestamp:       time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	e.afterLocalWrite()
	return nil
}

// ResetCourseProgress wipes local progress for the course and asks the
// server to do the same. Aggregate stats and certificates survive.
func (e *Engine) ResetCourseProgress(courseID progress.CourseID) error {
	if !courseID.IsValid() {
		return shared.ErrInvalidCourseID
	}

	err := e.dispatch(progress.CourseReset{
		CourseID:  courseID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	e.afterLocalWrite()
	if e.sync != nil {
		e.sync.QueueReset(courseID)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SYNC OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// FetchCourseProgress pulls the authoritative course snapshot and
// reconciles it into local state, blocking the caller.
func (e *Engine) FetchCourseProgress(ctx context.Context, courseID progress.CourseID) error {
	if !courseID.IsValid() {
		return shared.ErrInvalidCourseID
	}
	if e.sync == nil {
		return shared.ErrRemoteUnavailable
	}
	return e.sync.PullCourse(ctx, courseID)
}

// FetchAllProgress pulls the full server state, blocking the caller.
func (e *Engine) FetchAllProgress(ctx context.Context) error {
	if e.sync == nil {
		return shared.ErrRemoteUnavailable
	}
	return e.sync.PullAll(ctx)
}

// ResyncDirty re-queues background pushes for every course with
// unsynchronized local writes. Call after restoring a snapshot.
func (e *Engine) ResyncDirty() {
	if e.sync != nil {
		e.sync.ResyncDirty()
	}
}

// ResumeSync clears the auth-required latch after credentials were
// refreshed and restarts paused sync work.
func (e *Engine) ResumeSync() {
	if e.sync != nil {
		e.sync.ResumeAfterAuth()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// READS AND SUBSCRIPTIONS
// ══════════════════════════════════════════════════════════════════════════════

// Progress returns the learner's progress in one course.
func (e *Engine) Progress(courseID progress.CourseID) (*progress.CourseProgress, bool) {
	return e.store.Course(courseID)
}

// AllProgress returns progress across all started courses.
func (e *Engine) AllProgress() []*progress.CourseProgress {
	return e.store.Courses()
}

// LessonProgress returns the state of one lesson.
func (e *Engine) LessonProgress(lessonID progress.LessonID) (*progress.LessonProgress, bool) {
	return e.store.Lesson(lessonID)
}

// Stats returns the learner's aggregate statistics.
func (e *Engine) Stats() progress.UserStats {
	return e.store.Stats()
}

// Certificates returns all issued certificates, oldest first.
func (e *Engine) Certificates() []*progress.Certificate {
	return e.store.Certificates()
}

// Subscribe registers a handler for one event type.
func (e *Engine) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return e.bus.Subscribe(eventType, handler)
}

// SubscribeAll registers a handler for every event.
func (e *Engine) SubscribeAll(handler shared.EventHandler) error {
	return e.bus.SubscribeAll(handler)
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Close stops background sync and persists the final snapshot.
func (e *Engine) Close(ctx context.Context) error {
	if e.sync != nil {
		e.sync.Close()
	}
	if e.persister != nil {
		return e.persister.Close(ctx)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// INTERNAL
// ══════════════════════════════════════════════════════════════════════════════

// dispatch applies a domain event and publishes whatever the store
// emits. Publication is synchronous and ordered.
func (e *Engine) dispatch(event progress.Event) error {
	events, err := e.store.Dispatch(event)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if ev.EventType() == shared.EventCertificateIssued {
			e.recordCertificate(ev)
		}
		if pubErr := e.bus.Publish(ev); pubErr != nil {
			e.logger.Error("failed to publish event", "event_type", ev.EventType(), "error", pubErr)
		}
	}
	return nil
}

// applyRemote is the sync engine's path into the store: reconciliation
// events go through the same dispatch so subscribers see server-driven
// changes the same way as local ones.
func (e *Engine) applyRemote(event progress.Event) error {
	if err := e.dispatch(event); err != nil {
		return err
	}
	e.afterLocalWrite()
	return nil
}

func (e *Engine) afterLocalWrite() {
	if e.persister != nil {
		e.persister.Notify()
	}
}

// recordCertificate mirrors a freshly issued certificate into the
// durable ledger. Best effort: the in-memory certificate is
// authoritative for this session either way.
func (e *Engine) recordCertificate(ev shared.Event) {
	if e.ledger == nil {
		return
	}

	issued, ok := ev.(progress.CertificateIssuedEvent)
	if !ok {
		return
	}

	for _, cert := range e.store.Certificates() {
		if cert.CourseID != issued.CourseID {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.ledger.Record(ctx, e.store.UserID(), cert); err != nil {
			e.logger.Error("failed to record certificate", "course_id", cert.CourseID, "error", err)
		}
		cancel()
		return
	}
}

func validateIDs(courseID progress.CourseID, lessonID progress.LessonID) error {
	if !courseID.IsValid() {
		return shared.ErrInvalidCourseID
	}
	if !lessonID.IsValid() {
		return shared.ErrInvalidLessonID
	}
	return nil
}

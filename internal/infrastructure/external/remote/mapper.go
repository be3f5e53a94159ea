package remote

import (
	"time"

	"github.com/learnhub/progress-engine/internal/domain/progress"
)

// Mapper converts between wire DTOs and domain types.
type Mapper struct{}

// NewMapper creates a new Mapper.
func NewMapper() *Mapper {
	return &Mapper{}
}

// SnapshotEventFromDTO converts an authoritative course snapshot into the
// reconciliation event the store dispatches.
func (m *Mapper) SnapshotEventFromDTO(dto *CourseSnapshotDTO) progress.RemoteSnapshotApplied {
	courseID := progress.CourseID(dto.CourseID)

	course := &progress.CourseProgress{
		CourseID:           courseID,
		TotalLessons:       dto.TotalLessons,
		CompletedLessonIDs: make(map[progress.LessonID]struct{}),
		Percentage:         progress.Percent(dto.Percentage).Clamp(),
		CompletedAt:        dto.CompletedAt,
		LastAccessedAt:     dto.ServerTime,
	}
	if dto.StartedAt != nil {
		course.StartedAt = *dto.StartedAt
	}

	if len(dto.LessonDurations) > 0 {
		course.LessonDurations = make(map[progress.LessonID]time.Duration, len(dto.LessonDurations))
		for id, seconds := range dto.LessonDurations {
			course.LessonDurations[progress.LessonID(id)] = time.Duration(seconds) * time.Second
		}
	}

	lessons := make([]*progress.LessonProgress, 0, len(dto.Lessons))
	for _, l := range dto.Lessons {
		lessons = append(lessons, m.lessonFromDTO(courseID, l))
	}

	return progress.RemoteSnapshotApplied{
		CourseID:   courseID,
		ServerTime: dto.ServerTime,
		Course:     course,
		Lessons:    lessons,
	}
}

func (m *Mapper) lessonFromDTO(courseID progress.CourseID, dto LessonSnapshotDTO) *progress.LessonProgress {
	lp := &progress.LessonProgress{
		LessonID:       progress.LessonID(dto.LessonID),
		CourseID:       courseID,
		WatchedPercent: progress.Percent(dto.WatchedPercent).Clamp(),
		Completed:      dto.Completed,
		CompletedAt:    dto.CompletedAt,
		LastWatchedAt:  dto.LastWatchedAt,
	}
	if dto.Quiz != nil {
		lp.Quiz = &progress.QuizResult{
			Score:          dto.Quiz.Score,
			TotalQuestions: dto.Quiz.TotalQuestions,
			CompletedAt:    dto.Quiz.CompletedAt,
		}
	}
	return lp
}

// LessonPushFromDomain builds a push body from local lesson state.
func (m *Mapper) LessonPushFromDomain(lp *progress.LessonProgress) LessonPushDTO {
	return LessonPushDTO{
		CourseID:       lp.CourseID.String(),
		WatchedPercent: int(lp.WatchedPercent),
		Completed:      lp.Completed,
		CompletedAt:    lp.CompletedAt,
	}
}

// QuizPushFromDomain builds a quiz push body from local lesson state.
func (m *Mapper) QuizPushFromDomain(lp *progress.LessonProgress) (QuizPushDTO, bool) {
	if lp.Quiz == nil {
		return QuizPushDTO{}, false
	}
	return QuizPushDTO{
		CourseID:       lp.CourseID.String(),
		Score:          lp.Quiz.Score,
		TotalQuestions: lp.Quiz.TotalQuestions,
		CompletedAt:    lp.Quiz.CompletedAt,
	}, true
}

package progress

import (
	"math"
	"time"

	"github.com/learnhub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATS CALCULATOR
// Чистые функции без побочных эффектов. Всё, что выводится из состояния,
// считается здесь - редьюсер сам проценты не изобретает.
// ══════════════════════════════════════════════════════════════════════════════

// Percentage вычисляет процент завершения курса.
// При неизвестной структуре курса (totalLessons <= 0) возвращает 0.
func Percentage(completedCount, totalLessons int) Percent {
	if totalLessons <= 0 {
		return 0
	}
	p := Percent(math.Round(float64(completedCount) / float64(totalLessons) * 100))
	return p.Clamp()
}

// IsCourseCompleted проверяет, завершён ли курс.
func IsCourseCompleted(cp *CourseProgress) bool {
	return cp != nil && cp.Percentage == 100
}

// StreakTransition вычисляет переход серии активных дней.
// Вызывается один раз на календарный день первой активности, не на каждое
// событие. Семантика:
//   - тот же день: без изменений;
//   - следующий день: серия +1, лучшая серия подтягивается;
//   - пропуск: серия начинается заново с 1, лучшая не уменьшается.
func StreakTransition(lastActivity, today time.Time, currentStreak, longestStreak int) (current, longest int) {
	current, longest = currentStreak, longestStreak

	if lastActivity.IsZero() {
		current = 1
	} else if timeutil.IsSameDay(lastActivity, today) {
		return current, max(longest, current)
	} else if timeutil.IsConsecutiveDay(lastActivity, today) {
		current++
	} else {
		current = 1
	}

	return current, max(longest, current)
}

// AggregateWatchTime суммирует время просмотра в часах.
// Процент просмотра переводится в длительность через известные длительности
// уроков; уроки без известной длительности в сумму не входят.
// Используется для отчётности, не для логики завершения.
func AggregateWatchTime(lessons map[LessonID]*LessonProgress, durations map[LessonID]time.Duration) float64 {
	var total time.Duration
	for id, lp := range lessons {
		d, ok := durations[id]
		if !ok || d <= 0 {
			continue
		}
		total += time.Duration(float64(d) * float64(lp.WatchedPercent) / 100)
	}
	return total.Hours()
}

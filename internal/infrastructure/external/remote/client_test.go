package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/progress-engine/internal/domain/progress"
	"github.com/learnhub/progress-engine/internal/domain/shared"
)

func TestCourseSnapshotDTO_Parsing(t *testing.T) {
	jsonData := `{
    "courseId": "go-basics",
    "totalLessons": 4,
    "percentage": 50,
    "serverTime": "2025-03-10T12:00:00Z",
    "lessons": [
        {
            "lessonId": "l1",
            "watchedPercent": 100,
            "completed": true,
            "completedAt": "2025-03-09T18:30:00Z",
            "quizScore": {
                "score": 8,
                "totalQuestions": 10,
                "completedAt": "2025-03-09T18:35:00Z"
            }
        },
        {
            "lessonId": "l2",
            "watchedPercent": 45,
            "completed": false
        }
    ],
    "lessonDurations": {
        "l1": 1800,
        "l2": 900
    }
}`

	var snapshot CourseSnapshotDTO
	err := json.Unmarshal([]byte(jsonData), &snapshot)
	assert.NoError(t, err)

	assert.Equal(t, "go-basics", snapshot.CourseID)
	assert.Equal(t, 4, snapshot.TotalLessons)
	assert.Equal(t, 50, snapshot.Percentage)
	assert.Len(t, snapshot.Lessons, 2)

	first := snapshot.Lessons[0]
	assert.Equal(t, "l1", first.LessonID)
	assert.True(t, first.Completed)
	require.NotNil(t, first.Quiz)
	assert.Equal(t, 8, first.Quiz.Score)

	second := snapshot.Lessons[1]
	assert.Equal(t, 45, second.WatchedPercent)
	assert.Nil(t, second.Quiz)

	assert.Equal(t, 1800, snapshot.LessonDurations["l1"])
}

func TestMapper_SnapshotEventFromDTO(t *testing.T) {
	serverTime := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	completedAt := serverTime.Add(-time.Hour)

	dto := &CourseSnapshotDTO{
		CourseID:     "go-basics",
		TotalLessons: 2,
		Percentage:   150, // garbage percentage is clamped
		ServerTime:   serverTime,
		Lessons: []LessonSnapshotDTO{
			{LessonID: "l1", WatchedPercent: 100, Completed: true, CompletedAt: &completedAt},
			{LessonID: "l2", WatchedPercent: 30},
		},
		LessonDurations: map[string]int{"l1": 1800},
	}

	event := NewMapper().SnapshotEventFromDTO(dto)

	assert.Equal(t, progress.CourseID("go-basics"), event.CourseID)
	assert.Equal(t, serverTime, event.ServerTime)
	assert.Equal(t, progress.Percent(100), event.Course.Percentage)
	assert.Equal(t, 30*time.Minute, event.Course.LessonDurations["l1"])

	require.Len(t, event.Lessons, 2)
	assert.Equal(t, progress.CourseID("go-basics"), event.Lessons[0].CourseID)
	assert.True(t, event.Lessons[0].Completed)
	assert.Equal(t, progress.Percent(30), event.Lessons[1].WatchedPercent)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(DefaultClientConfig(server.URL, StaticTokenSource("test-token")))
	return client, server
}

func TestClient_GetCourseProgress(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/progress/course/go-basics", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(courseProgressEnvelope{Progress: CourseSnapshotDTO{
			CourseID:     "go-basics",
			TotalLessons: 4,
			Percentage:   25,
			ServerTime:   time.Now().UTC(),
		}})
	})

	snapshot, err := client.GetCourseProgress(context.Background(), "go-basics")
	require.NoError(t, err)
	assert.Equal(t, "go-basics", snapshot.CourseID)
	assert.Equal(t, 25, snapshot.Percentage)
}

func TestClient_PushLessonProgress(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/progress/lesson/l1", r.URL.Path)

		var body LessonPushDTO
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "go-basics", body.CourseID)
		assert.Equal(t, 80, body.WatchedPercent)

		json.NewEncoder(w).Encode(pushResponseEnvelope{CourseProgress: CourseSnapshotDTO{
			CourseID:   "go-basics",
			ServerTime: time.Now().UTC(),
		}})
	})

	snapshot, err := client.PushLessonProgress(context.Background(), "l1", LessonPushDTO{
		CourseID:       "go-basics",
		WatchedPercent: 80,
	})
	require.NoError(t, err)
	assert.Equal(t, "go-basics", snapshot.CourseID)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, shared.ErrAuthRequired},
		{"forbidden", http.StatusForbidden, shared.ErrAuthRequired},
		{"conflict", http.StatusConflict, shared.ErrConflict},
		{"rate limited", http.StatusTooManyRequests, shared.ErrRateLimited},
		{"server error", http.StatusInternalServerError, shared.ErrServiceUnavailable},
		{"bad gateway", http.StatusBadGateway, shared.ErrServiceUnavailable},
		{"bad request", http.StatusBadRequest, shared.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]string{"message": tt.name})
			})

			_, err := client.GetCourseProgress(context.Background(), "c1")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClient_RetryableClassification(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.GetCourseProgress(context.Background(), "c1")
	assert.True(t, shared.IsRetryable(err))
	assert.False(t, shared.IsAuth(err))
}

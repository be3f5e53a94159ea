package progress

import (
	"context"
	"time"
)

// SnapshotVersion - текущая версия формата снимка. Снимки с другой
// версией или повреждённые отбрасываются при загрузке: сессия
// начинается пустой и наполняется синхронизацией.
const SnapshotVersion = 1

// Snapshot - сериализуемый документ полного состояния сессии.
// Один документ на пользователя.
type Snapshot struct {
	Version        int                          `json:"version"`
	SavedAt        time.Time                    `json:"savedAt"`
	CourseProgress map[CourseID]*CourseProgress `json:"courseProgress"`
	LessonProgress map[LessonID]*LessonProgress `json:"lessonProgress"`
	UserStats      UserStats                    `json:"userStats"`
	Certificates   []*Certificate               `json:"certificates"`
}

// IsValid проверяет пригодность загруженного снимка.
func (s *Snapshot) IsValid() bool {
	return s != nil && s.Version == SnapshotVersion
}

// SnapshotStore - порт персистентности снимков.
type SnapshotStore interface {
	// Load возвращает снимок пользователя. Отсутствие снимка -
	// shared.ErrSnapshotNotFound, повреждённый документ -
	// shared.ErrSnapshotCorrupt.
	Load(ctx context.Context, userID string) (*Snapshot, error)

	// Save атомарно заменяет снимок пользователя.
	Save(ctx context.Context, userID string, snapshot *Snapshot) error

	// Clear удаляет снимок пользователя.
	Clear(ctx context.Context, userID string) error
}

// CertificateLedger - долговременный реестр выданных сертификатов.
// Запись идемпотентна по паре (пользователь, курс): повторная выдача
// не создаёт дубликата.
type CertificateLedger interface {
	Record(ctx context.Context, userID string, cert *Certificate) error
	ListByUser(ctx context.Context, userID string) ([]*Certificate, error)
}

package application

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/learnhub/progress-engine/internal/domain/progress"
	"github.com/learnhub/progress-engine/internal/domain/shared"
	"github.com/learnhub/progress-engine/pkg/retry"
)

// DefaultSnapshotDebounce is the quiet period before a snapshot write.
// Rapid bursts of updates collapse into a single save.
const DefaultSnapshotDebounce = 500 * time.Millisecond

// saveTimeout bounds one snapshot write against a slow backend.
const saveTimeout = 5 * time.Second

// SnapshotSavedEvent is published after the local snapshot was written.
type SnapshotSavedEvent struct {
	shared.BaseEvent
	SavedAt time.Time `json:"saved_at"`
}

// Payload implements shared.Event.
func (e SnapshotSavedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"saved_at": e.SavedAt.Format(time.RFC3339),
	}
}

// NewSnapshotSavedEvent creates a snapshot-saved event.
func NewSnapshotSavedEvent(userID string, savedAt time.Time) SnapshotSavedEvent {
	return SnapshotSavedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSnapshotSaved, userID),
		SavedAt:   savedAt,
	}
}

// Persister writes store snapshots to the snapshot backend, debounced.
// Notify is cheap and safe to call on every state change; at most one
// write is in flight, and changes arriving during a write trigger one
// follow-up save rather than queueing.
type Persister struct {
	store     *progress.Store
	snapshots progress.SnapshotStore
	publisher shared.EventPublisher
	logger    *slog.Logger
	retrier   *retry.Retrier
	debounce  time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	saving  bool
	pending bool
	closed  bool
	wg      sync.WaitGroup
}

// NewPersister creates a debounced snapshot persister.
func NewPersister(store *progress.Store, snapshots progress.SnapshotStore, publisher shared.EventPublisher, debounce time.Duration, logger *slog.Logger) *Persister {
	if debounce <= 0 {
		debounce = DefaultSnapshotDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		store:     store,
		snapshots: snapshots,
		publisher: publisher,
		logger:    logger,
		retrier:   retry.StorageRetrier(),
		debounce:  debounce,
	}
}

// Notify schedules a snapshot save after the debounce window. Repeated
// calls within the window reset the timer.
func (p *Persister) Notify() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	if p.saving {
		// A write is in flight: remember to save again when it finishes
		// so the changes that arrived meanwhile are not lost.
		p.pending = true
		return
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, p.fire)
}

func (p *Persister) fire() {
	p.mu.Lock()
	if p.closed || p.saving {
		p.pending = p.pending || p.saving
		p.mu.Unlock()
		return
	}
	p.saving = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.save()

		p.mu.Lock()
		p.saving = false
		again := p.pending && !p.closed
		p.pending = false
		if again {
			if p.timer != nil {
				p.timer.Stop()
			}
			p.timer = time.AfterFunc(p.debounce, p.fire)
		}
		p.mu.Unlock()
	}()
}

// save serializes the current store state and writes it, with short
// storage retries. State is read at save time, so a burst of changes
// produces one snapshot of the final state.
func (p *Persister) save() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	snap := p.store.Snapshot()

	err := p.retrier.Do(ctx, func(ctx context.Context) error {
		return retry.Retryable(p.snapshots.Save(ctx, p.store.UserID(), snap))
	})
	if err != nil {
		p.logger.Error("snapshot save failed", "user_id", p.store.UserID(), "error", err)
		return
	}

	p.logger.Debug("snapshot saved", "user_id", p.store.UserID(), "saved_at", snap.SavedAt)

	if p.publisher != nil {
		if pubErr := p.publisher.Publish(NewSnapshotSavedEvent(p.store.UserID(), snap.SavedAt)); pubErr != nil {
			p.logger.Error("failed to publish snapshot event", "error", pubErr)
		}
	}
}

// Flush cancels any pending debounce and writes the snapshot now.
// Used on shutdown so the last writes are not lost to the window.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.pending = false
	p.mu.Unlock()

	// Wait out an in-flight save, then write the final state.
	p.wg.Wait()

	snap := p.store.Snapshot()
	if err := p.snapshots.Save(ctx, p.store.UserID(), snap); err != nil {
		return shared.WrapError("application", "Flush", shared.ErrPersistence, "flush snapshot", err)
	}
	return nil
}

// Close stops the persister and performs a final flush.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	p.wg.Wait()

	snap := p.store.Snapshot()
	if err := p.snapshots.Save(ctx, p.store.UserID(), snap); err != nil {
		return shared.WrapError("application", "Close", shared.ErrPersistence, "final snapshot", err)
	}
	return nil
}

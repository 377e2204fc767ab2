// Package events implements the in-process typed pub/sub bus. Subscribers
// receive events over a bounded channel; when a subscriber falls behind the
// oldest queued event is dropped and counted rather than blocking the
// publisher.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/pkg/models"
)

// DefaultQueueSize bounds each subscriber's channel.
const DefaultQueueSize = 64

// Subscription is a registered listener. Events arrive on C; Dropped
// reports how many were discarded because the queue was full.
type Subscription struct {
	ID    string
	C     <-chan models.Event
	types map[models.EventType]struct{}

	ch      chan models.Event
	dropped atomic.Int64
}

// Dropped returns the number of events discarded for this subscriber.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) wants(t models.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans events out to subscribers. Publish preserves per-source FIFO
// because each publisher calls Publish from a single goroutine; no ordering
// is guaranteed across sources.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	queueSize int
}

// NewBus creates a bus with the default per-subscriber queue size.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription), queueSize: DefaultQueueSize}
}

// Subscribe registers a listener for the given event types. An empty type
// list subscribes to everything.
func (b *Bus) Subscribe(types ...models.EventType) *Subscription {
	sub := &Subscription{
		ID:    uuid.New().String(),
		ch:    make(chan models.Event, b.queueSize),
		types: make(map[models.EventType]struct{}, len(types)),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	sub.C = sub.ch

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the listener and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub.ID]; ok {
		delete(b.subs, sub.ID)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish delivers the event to every interested subscriber. Full queues
// drop their oldest entry first so the newest event always lands.
func (b *Bus) Publish(evt models.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- evt:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// PublishDownloadStarted is a convenience wrapper for download tasks.
func (b *Bus) PublishDownloadStarted(task models.DownloadTask) {
	b.Publish(models.Event{
		Type:    models.EventDownloadStarted,
		Source:  task.ID,
		Payload: models.DownloadStartedPayload{Task: task},
	})
}

// PublishDownloadProgress samples one item's byte counter.
func (b *Bus) PublishDownloadProgress(taskID string, item models.DownloadItem) {
	b.Publish(models.Event{
		Type:   models.EventDownloadProgress,
		Source: taskID,
		Payload: models.DownloadProgressPayload{
			TaskID:          taskID,
			ItemID:          item.ID,
			DownloadedBytes: item.DownloadedBytes,
			ExpectedBytes:   item.ExpectedBytes,
		},
	})
}

// PublishDownloadFinished is terminal for a task.
func (b *Bus) PublishDownloadFinished(task models.DownloadTask, err error) {
	payload := models.DownloadFinishedPayload{Task: task, Success: err == nil}
	if err != nil {
		payload.Error = err.Error()
	}
	b.Publish(models.Event{
		Type:    models.EventDownloadFinished,
		Source:  task.ID,
		Payload: payload,
	})
	if err != nil {
		log.Debug().Str("task", task.ID).Err(err).Msg("Download finished with error")
	}
}

// PublishEngine emits one of the engine lifecycle events.
func (b *Bus) PublishEngine(t models.EventType, engine, version, variant string) {
	b.Publish(models.Event{
		Type:    t,
		Source:  engine,
		Payload: models.EnginePayload{Engine: engine, Version: version, Variant: variant},
	})
}

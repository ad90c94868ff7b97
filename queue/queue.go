package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const DefaultKey = "offlineQueue_v1"

// Item is one recorded intent. Insertion order is authoritative; TS is
// informational only.
type Item struct {
	EntityID int64 `json:"entity_id"`
	State    bool  `json:"state"`
	TS       int64 `json:"ts"`
}

// Queue is an append-only list of pending mutations persisted as one JSON
// array under a single durable-store key. Read-modify-write cycles are
// serialised within the process only.
type Queue struct {
	store   types.DurableStore
	key     string
	logger  types.Logger
	metrics types.MetricsManager
	mu      sync.Mutex
	now     func() time.Time
}

func New(logger types.Logger, store types.DurableStore, config *types.QueueConfig, metrics types.MetricsManager) *Queue {
	key := DefaultKey
	if config != nil && config.Key != "" {
		key = config.Key
	}

	return &Queue{
		store:   store,
		key:     key,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func (q *Queue) Key() string {
	return q.key
}

// Enqueue appends an intent. Storage failures are logged and dropped.
func (q *Queue) Enqueue(ctx context.Context, entityID int64, state bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.read(ctx)
	items = append(items, Item{EntityID: entityID, State: state, TS: q.now().UnixMilli()})

	if err := q.write(ctx, items); err != nil {
		q.logger.Warn("Failed to persist queue item",
			zap.Int64("entity_id", entityID),
			zap.Bool("state", state),
			zap.Error(err))
		return
	}

	q.logger.Debug("Queue item appended",
		zap.Int64("entity_id", entityID),
		zap.Bool("state", state),
		zap.Int("depth", len(items)))
}

// ReadAll returns every pending item in insertion order. Missing or
// unreadable content reads as an empty queue.
func (q *Queue) ReadAll(ctx context.Context) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.read(ctx)
}

func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.write(ctx, []Item{}); err != nil {
		q.logger.Warn("Failed to clear queue", zap.Error(err))
	}
}

// Retain rewrites the queue keeping the items of the first snapshotLen
// entries selected by keep plus every item appended after them.
func (q *Queue) Retain(ctx context.Context, snapshotLen int, keep func(Item) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.read(ctx)
	snapshotLen = min(max(snapshotLen, 0), len(items))

	kept := make([]Item, 0, len(items))
	for _, item := range items[:snapshotLen] {
		if keep != nil && keep(item) {
			kept = append(kept, item)
		}
	}
	kept = append(kept, items[snapshotLen:]...)

	if err := q.write(ctx, kept); err != nil {
		q.logger.Warn("Failed to rewrite queue", zap.Error(err))
	}
}

func (q *Queue) read(ctx context.Context) []Item {
	raw, found, err := q.store.Get(ctx, q.key)
	if err != nil {
		q.logger.Debug("Queue read failed, treating as empty", zap.Error(err))
		return []Item{}
	}

	if !found || raw == "" {
		return []Item{}
	}

	var items []Item
	if err = utils.Unmarshal([]byte(raw), &items); err != nil {
		q.logger.Debug("Queue content unreadable, treating as empty",
			zap.String("key", q.key),
			zap.Error(err))
		return []Item{}
	}

	if items == nil {
		return []Item{}
	}

	return items
}

func (q *Queue) write(ctx context.Context, items []Item) error {
	data, err := utils.Marshal(items)
	if err != nil {
		return types.WrapError(err, "failed to encode queue")
	}

	if err = q.store.Set(ctx, q.key, string(data)); err != nil {
		return err
	}

	if q.metrics != nil {
		q.metrics.Gauge("queue_depth", map[string]string{"key": q.key}).Set(float64(len(items)))
	}

	return nil
}

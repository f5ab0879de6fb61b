package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"product-import-service/internal/models"
)

const (
	// RedisKeyPrefix namespaces the mirrored progress snapshots in Redis.
	RedisKeyPrefix = "import_progress:"
	// RedisTTL bounds how long a finished task's snapshot stays readable.
	RedisTTL = time.Hour
	// SubscriberBuffer is the per-subscriber channel capacity. When a slow
	// subscriber falls behind, the oldest buffered snapshot is dropped so
	// the newest one always gets through.
	SubscriberBuffer = 16
)

// Snapshot is the externally visible progress state of one import task.
// Field names match the status endpoint payload.
type Snapshot struct {
	TaskID        string              `json:"task_id"`
	Status        models.ImportStatus `json:"status"`
	TotalRows     int                 `json:"total_rows"`
	ProcessedRows int                 `json:"processed_rows"`
	CreatedCount  int                 `json:"created_count"`
	UpdatedCount  int                 `json:"updated_count"`
	SkippedCount  int                 `json:"skipped_count"`
	FailedCount   int                 `json:"failed_count"`
	Percentage    float64             `json:"percentage"`
	Message       string              `json:"message,omitempty"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type subscriber struct {
	ch chan Snapshot
}

// Tracker holds the in-memory progress state for running imports and fans
// snapshots out to subscribers. A single writer (the import worker) updates
// each task; readers get a consistent snapshot, never a partially written one.
type Tracker struct {
	mu     sync.RWMutex
	tasks  map[string]Snapshot
	subs   map[string][]*subscriber
	redis  *redis.Client
	logger *logrus.Logger
}

// NewTracker creates a progress tracker. The Redis client is optional; when
// nil, snapshots are kept in memory only.
func NewTracker(redisClient *redis.Client, logger *logrus.Logger) *Tracker {
	return &Tracker{
		tasks:  make(map[string]Snapshot),
		subs:   make(map[string][]*subscriber),
		redis:  redisClient,
		logger: logger,
	}
}

// computePercentage derives the completion percentage from the snapshot,
// rounded to the nearest whole number. A task with no rows reports 0 until it
// reaches a terminal state, where the percentage is pinned to 100 regardless
// of counters.
func computePercentage(snap Snapshot) float64 {
	if snap.Status.Terminal() {
		return 100
	}
	if snap.TotalRows == 0 {
		return 0
	}
	pct := float64(snap.ProcessedRows) / float64(snap.TotalRows) * 100
	return math.Round(pct)
}

// Init registers a pending task so status queries succeed before the worker
// picks it up.
func (t *Tracker) Init(taskID string) {
	snap := Snapshot{
		TaskID:    taskID,
		Status:    models.ImportStatusPending,
		UpdatedAt: time.Now(),
	}

	t.mu.Lock()
	t.tasks[taskID] = snap
	t.mu.Unlock()

	t.mirror(snap)
}

// Seed registers a snapshot for a task the tracker is not holding in memory,
// typically rebuilt from the database row after a restart. A task already
// tracked keeps its current snapshot so the worker's updates are never
// overwritten.
func (t *Tracker) Seed(snap Snapshot) {
	snap.Percentage = computePercentage(snap)

	t.mu.Lock()
	if _, ok := t.tasks[snap.TaskID]; !ok {
		t.tasks[snap.TaskID] = snap
	}
	t.mu.Unlock()
}

// Update replaces the task's snapshot atomically and notifies subscribers.
// On a terminal status the subscriber channels are closed after the final
// snapshot is delivered.
func (t *Tracker) Update(snap Snapshot) {
	snap.UpdatedAt = time.Now()
	snap.Percentage = computePercentage(snap)

	t.mu.Lock()
	t.tasks[snap.TaskID] = snap

	for _, sub := range t.subs[snap.TaskID] {
		sub.send(snap)
	}
	if snap.Status.Terminal() {
		for _, sub := range t.subs[snap.TaskID] {
			close(sub.ch)
		}
		delete(t.subs, snap.TaskID)
	}
	t.mu.Unlock()

	t.mirror(snap)
}

// send delivers a snapshot without blocking the writer. When the buffer is
// full the oldest queued snapshot is evicted first.
func (s *subscriber) send(snap Snapshot) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// Get returns the current snapshot for a task, falling back to the Redis
// mirror when the task is not in memory (e.g. after a restart).
func (t *Tracker) Get(ctx context.Context, taskID string) (Snapshot, bool) {
	t.mu.RLock()
	snap, ok := t.tasks[taskID]
	t.mu.RUnlock()
	if ok {
		return snap, true
	}

	if t.redis == nil {
		return Snapshot{}, false
	}

	val, err := t.redis.Get(ctx, RedisKeyPrefix+taskID).Result()
	if err != nil {
		return Snapshot{}, false
	}
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

// Subscribe returns a channel of snapshots for the task, starting with the
// current one. The channel is closed when the task reaches a terminal state
// or Unsubscribe is called. Subscribing to an already terminal task delivers
// the final snapshot and a closed channel.
func (t *Tracker) Subscribe(taskID string) (<-chan Snapshot, func()) {
	sub := &subscriber{ch: make(chan Snapshot, SubscriberBuffer)}

	t.mu.Lock()
	snap, ok := t.tasks[taskID]
	if ok {
		sub.ch <- snap
	}
	if ok && snap.Status.Terminal() {
		close(sub.ch)
		t.mu.Unlock()
		return sub.ch, func() {}
	}
	t.subs[taskID] = append(t.subs[taskID], sub)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.subs[taskID]
		for i, s := range subs {
			if s == sub {
				t.subs[taskID] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Forget drops a task from memory. The Redis mirror keeps serving reads
// until its TTL expires.
func (t *Tracker) Forget(taskID string) {
	t.mu.Lock()
	delete(t.tasks, taskID)
	t.mu.Unlock()
}

func (t *Tracker) mirror(snap Snapshot) {
	if t.redis == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.redis.Set(ctx, RedisKeyPrefix+snap.TaskID, data, RedisTTL).Err(); err != nil && t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"component": "progress",
			"task_id":   snap.TaskID,
		}).Warn(fmt.Sprintf("Failed to mirror progress to Redis: %v", err))
	}
}

// FromTask builds a snapshot from the persisted task row. Used as a fallback
// when neither memory nor Redis has the snapshot.
func FromTask(task *models.ImportTask) Snapshot {
	snap := Snapshot{
		TaskID:        task.ID.String(),
		Status:        task.Status,
		TotalRows:     task.TotalRows,
		ProcessedRows: task.ProcessedRows,
		CreatedCount:  task.CreatedCount,
		UpdatedCount:  task.UpdatedCount,
		SkippedCount:  task.SkippedCount,
		FailedCount:   task.FailedCount,
		Message:       task.Message,
		UpdatedAt:     task.UpdatedAt,
	}
	snap.Percentage = computePercentage(snap)
	return snap
}

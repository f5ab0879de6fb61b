package importer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"product-import-service/internal/models"
	"product-import-service/internal/progress"
	"product-import-service/internal/repository"
)

// MockProductStore is a mock implementation of ProductStore
type MockProductStore struct {
	mock.Mock
}

var _ ProductStore = (*MockProductStore)(nil)

func (m *MockProductStore) BulkUpsert(ctx context.Context, products []*models.Product) (*repository.BulkUpsertResult, error) {
	args := m.Called(ctx, products)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.BulkUpsertResult), args.Error(1)
}

// fakeTaskStore keeps tasks in memory so the runner's state transitions can
// be inspected after the fact.
type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.ImportTask
}

var _ TaskStore = (*fakeTaskStore)(nil)

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[uuid.UUID]*models.ImportTask)}
}

func (s *fakeTaskStore) put(task *models.ImportTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *task
	s.tasks[task.ID] = &copied
}

func (s *fakeTaskStore) GetTaskByID(ctx context.Context, taskID uuid.UUID) (*models.ImportTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, errors.New("task not found")
	}
	copied := *task
	return &copied, nil
}

func (s *fakeTaskStore) UpdateTask(ctx context.Context, task *models.ImportTask) error {
	s.put(task)
	return nil
}

type dispatchedEvent struct {
	eventType models.WebhookEventType
	sku       string
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []dispatchedEvent
}

var _ EventDispatcher = (*recordingDispatcher)(nil)

func (d *recordingDispatcher) Dispatch(ctx context.Context, eventType models.WebhookEventType, product *models.Product) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, dispatchedEvent{eventType: eventType, sku: product.SKU})
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func spoolFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTask(t *testing.T, store *fakeTaskStore, content string) *models.ImportTask {
	t.Helper()
	task := &models.ImportTask{
		ID:         uuid.New(),
		Status:     models.ImportStatusPending,
		Filename:   "upload.csv",
		SourcePath: spoolFile(t, content),
	}
	store.put(task)
	return task
}

func TestRunner_MixedOutcomes(t *testing.T) {
	// One row updates an existing product, one is an in-file duplicate of
	// it, one fails validation. Nothing is created.
	content := "sku,name\nABC-1,First\nabc-1,Second\nXYZ-9,\n"

	store := new(MockProductStore)
	tasks := newFakeTaskStore()
	dispatcher := &recordingDispatcher{}
	tracker := progress.NewTracker(nil, testLogger())
	task := newTask(t, tasks, content)

	store.On("BulkUpsert", mock.Anything, mock.MatchedBy(func(products []*models.Product) bool {
		return len(products) == 1 && products[0].Name == "Second"
	})).Return(&repository.BulkUpsertResult{
		Updated: []*models.Product{{SKU: "abc-1", Name: "Second"}},
		Created: []*models.Product{},
	}, nil)

	runner := NewRunner(store, tasks, tracker, dispatcher, 1000, testLogger())
	require.NoError(t, runner.Run(context.Background(), task.ID))

	final, err := tasks.GetTaskByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportStatusCompleted, final.Status)
	assert.Equal(t, 3, final.TotalRows)
	assert.Equal(t, 3, final.ProcessedRows)
	assert.Equal(t, 0, final.CreatedCount)
	assert.Equal(t, 1, final.UpdatedCount)
	assert.Equal(t, 1, final.SkippedCount)
	assert.Equal(t, 1, final.FailedCount)
	assert.Equal(t, final.TotalRows, final.CreatedCount+final.UpdatedCount+final.SkippedCount+final.FailedCount)

	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, models.EventProductUpdated, dispatcher.events[0].eventType)

	var sample []models.RowError
	require.NoError(t, json.Unmarshal(final.ErrorSample, &sample))
	require.Len(t, sample, 1)
	assert.Equal(t, 3, sample[0].Row)
	assert.Equal(t, "name", sample[0].Field)

	store.AssertExpectations(t)
}

func TestRunner_AllCreated(t *testing.T) {
	content := "sku,name,description\na-1,Alpha,first\nb-2,Beta,second\n"

	store := new(MockProductStore)
	tasks := newFakeTaskStore()
	dispatcher := &recordingDispatcher{}
	tracker := progress.NewTracker(nil, testLogger())
	task := newTask(t, tasks, content)

	store.On("BulkUpsert", mock.Anything, mock.Anything).Return(&repository.BulkUpsertResult{
		Created: []*models.Product{{SKU: "a-1"}, {SKU: "b-2"}},
		Updated: []*models.Product{},
	}, nil)

	runner := NewRunner(store, tasks, tracker, dispatcher, 1000, testLogger())
	require.NoError(t, runner.Run(context.Background(), task.ID))

	final, _ := tasks.GetTaskByID(context.Background(), task.ID)
	assert.Equal(t, models.ImportStatusCompleted, final.Status)
	assert.Equal(t, 2, final.CreatedCount)
	assert.Equal(t, 0, final.FailedCount)

	assert.Len(t, dispatcher.events, 2)
	for _, e := range dispatcher.events {
		assert.Equal(t, models.EventProductCreated, e.eventType)
	}
}

func TestRunner_BatchFailureContinues(t *testing.T) {
	// With a batch size of 1 each row is its own transaction. The first
	// batch fails on a constraint error, the second succeeds.
	content := "sku,name\na-1,Alpha\nb-2,Beta\n"

	store := new(MockProductStore)
	tasks := newFakeTaskStore()
	tracker := progress.NewTracker(nil, testLogger())
	task := newTask(t, tasks, content)

	store.On("BulkUpsert", mock.Anything, mock.MatchedBy(func(products []*models.Product) bool {
		return len(products) == 1 && products[0].SKU == "a-1"
	})).Return(nil, errors.New("duplicate key value violates unique constraint"))
	store.On("BulkUpsert", mock.Anything, mock.MatchedBy(func(products []*models.Product) bool {
		return len(products) == 1 && products[0].SKU == "b-2"
	})).Return(&repository.BulkUpsertResult{
		Created: []*models.Product{{SKU: "b-2"}},
		Updated: []*models.Product{},
	}, nil)

	runner := NewRunner(store, tasks, tracker, nil, 1, testLogger())
	require.NoError(t, runner.Run(context.Background(), task.ID))

	final, _ := tasks.GetTaskByID(context.Background(), task.ID)
	assert.Equal(t, models.ImportStatusCompleted, final.Status)
	assert.Equal(t, 1, final.CreatedCount)
	assert.Equal(t, 1, final.FailedCount)
	assert.Equal(t, final.TotalRows, final.CreatedCount+final.UpdatedCount+final.SkippedCount+final.FailedCount)
}

func TestRunner_FatalStorageErrorFailsTask(t *testing.T) {
	content := "sku,name\na-1,Alpha\n"

	store := new(MockProductStore)
	tasks := newFakeTaskStore()
	tracker := progress.NewTracker(nil, testLogger())
	task := newTask(t, tasks, content)

	store.On("BulkUpsert", mock.Anything, mock.Anything).
		Return(nil, errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"))

	runner := NewRunner(store, tasks, tracker, nil, 1000, testLogger())
	err := runner.Run(context.Background(), task.ID)
	require.NoError(t, err)

	final, _ := tasks.GetTaskByID(context.Background(), task.ID)
	assert.Equal(t, models.ImportStatusFailed, final.Status)
	assert.Contains(t, final.Message, "Storage failure")

	snap, found := tracker.Get(context.Background(), task.ID.String())
	require.True(t, found)
	assert.Equal(t, float64(100), snap.Percentage)
}

func TestRunner_MissingColumnsFailsTask(t *testing.T) {
	content := "price,warehouse\n9.99,east\n"

	store := new(MockProductStore)
	tasks := newFakeTaskStore()
	tracker := progress.NewTracker(nil, testLogger())
	task := newTask(t, tasks, content)

	runner := NewRunner(store, tasks, tracker, nil, 1000, testLogger())
	require.NoError(t, runner.Run(context.Background(), task.ID))

	final, _ := tasks.GetTaskByID(context.Background(), task.ID)
	assert.Equal(t, models.ImportStatusFailed, final.Status)
	assert.Contains(t, final.Message, "missing required columns")

	store.AssertNotCalled(t, "BulkUpsert", mock.Anything, mock.Anything)
}

func TestRunner_SkipsTerminalTask(t *testing.T) {
	store := new(MockProductStore)
	tasks := newFakeTaskStore()
	tracker := progress.NewTracker(nil, testLogger())

	task := &models.ImportTask{
		ID:       uuid.New(),
		Status:   models.ImportStatusCompleted,
		Filename: "upload.csv",
	}
	tasks.put(task)

	runner := NewRunner(store, tasks, tracker, nil, 1000, testLogger())
	require.NoError(t, runner.Run(context.Background(), task.ID))

	final, _ := tasks.GetTaskByID(context.Background(), task.ID)
	assert.Equal(t, models.ImportStatusCompleted, final.Status)
	store.AssertNotCalled(t, "BulkUpsert", mock.Anything, mock.Anything)
}

func TestRunner_RemovesSpoolFileWhenDone(t *testing.T) {
	content := "sku,name\na-1,Alpha\n"

	store := new(MockProductStore)
	tasks := newFakeTaskStore()
	tracker := progress.NewTracker(nil, testLogger())
	task := newTask(t, tasks, content)

	store.On("BulkUpsert", mock.Anything, mock.Anything).Return(&repository.BulkUpsertResult{
		Created: []*models.Product{{SKU: "a-1"}},
		Updated: []*models.Product{},
	}, nil)

	runner := NewRunner(store, tasks, tracker, nil, 1000, testLogger())
	require.NoError(t, runner.Run(context.Background(), task.ID))

	_, err := os.Stat(task.SourcePath)
	assert.True(t, os.IsNotExist(err))
}

func TestRunner_ShutdownLeavesTaskResumable(t *testing.T) {
	// A cancelled context means the worker is shutting down. The task must
	// stay non-terminal so the queue can redeliver it, and the tracker must
	// not publish a terminal snapshot.
	content := "sku,name\na-1,Alpha\n"

	store := new(MockProductStore)
	tasks := newFakeTaskStore()
	tracker := progress.NewTracker(nil, testLogger())
	task := newTask(t, tasks, content)

	store.On("BulkUpsert", mock.Anything, mock.Anything).Return(nil, context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(store, tasks, tracker, nil, 1000, testLogger())
	err := runner.Run(ctx, task.ID)
	require.Error(t, err)

	final, getErr := tasks.GetTaskByID(context.Background(), task.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.ImportStatusProcessing, final.Status)
	assert.Nil(t, final.FinishedAt)

	snap, found := tracker.Get(context.Background(), task.ID.String())
	require.True(t, found)
	assert.False(t, snap.Status.Terminal())

	// The spool file must survive for the next delivery attempt.
	_, statErr := os.Stat(task.SourcePath)
	assert.NoError(t, statErr)
}

func TestIsFatalStorageError(t *testing.T) {
	assert.True(t, isFatalStorageError(errors.New("connection refused")))
	assert.True(t, isFatalStorageError(errors.New("write: broken pipe")))
	assert.True(t, isFatalStorageError(context.DeadlineExceeded))
	assert.False(t, isFatalStorageError(context.Canceled))
	assert.False(t, isFatalStorageError(errors.New("duplicate key value violates unique constraint")))
	assert.False(t, isFatalStorageError(nil))
}

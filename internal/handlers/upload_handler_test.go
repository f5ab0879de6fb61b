package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"product-import-service/internal/models"
	"product-import-service/internal/progress"
)

type fakeTaskStore struct {
	mu     sync.Mutex
	tasks  map[uuid.UUID]*models.ImportTask
	looked chan struct{}
	once   sync.Once
}

var _ ImportTaskStore = (*fakeTaskStore)(nil)

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		tasks:  make(map[uuid.UUID]*models.ImportTask),
		looked: make(chan struct{}),
	}
}

func (s *fakeTaskStore) put(task *models.ImportTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *task
	s.tasks[task.ID] = &copied
}

func (s *fakeTaskStore) CreateTask(ctx context.Context, task *models.ImportTask) error {
	s.put(task)
	return nil
}

func (s *fakeTaskStore) GetTaskByID(ctx context.Context, taskID uuid.UUID) (*models.ImportTask, error) {
	s.once.Do(func() { close(s.looked) })
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *task
	return &copied, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (q *fakeQueue) Enqueue(ctx context.Context, taskID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, taskID)
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newUploadRouter(t *testing.T, tasks *fakeTaskStore, tracker *progress.Tracker, q *fakeQueue) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handler := NewUploadHandler(tasks, tracker, q, t.TempDir(), testLogger())

	router := gin.New()
	router.POST("/api/v1/upload", handler.Upload)
	router.GET("/api/v1/upload/status/:taskId", handler.GetStatus)
	router.GET("/api/v1/upload/stream/:taskId", handler.Stream)
	return router
}

func multipartUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestUpload_AcceptsFileAndEnqueues(t *testing.T) {
	tasks := newFakeTaskStore()
	tracker := progress.NewTracker(nil, testLogger())
	queue := &fakeQueue{}
	router := newUploadRouter(t, tasks, tracker, queue)

	body, contentType := multipartUpload(t, "products.csv", "sku,name\na-1,Alpha\n")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	taskID, err := uuid.Parse(resp["task_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, string(models.ImportStatusPending), resp["status"])

	queue.mu.Lock()
	defer queue.mu.Unlock()
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, taskID, queue.enqueued[0])

	snap, found := tracker.Get(context.Background(), taskID.String())
	require.True(t, found)
	assert.Equal(t, models.ImportStatusPending, snap.Status)
}

func TestUpload_RejectsUnsupportedExtension(t *testing.T) {
	router := newUploadRouter(t, newFakeTaskStore(), progress.NewTracker(nil, testLogger()), &fakeQueue{})

	body, contentType := multipartUpload(t, "products.txt", "sku,name\n")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNSUPPORTED_FILE_TYPE")
}

func TestUpload_RequiresFile(t *testing.T) {
	router := newUploadRouter(t, newFakeTaskStore(), progress.NewTracker(nil, testLogger()), &fakeQueue{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "FILE_REQUIRED")
}

func TestGetStatus_UnknownTask(t *testing.T) {
	router := newUploadRouter(t, newFakeTaskStore(), progress.NewTracker(nil, testLogger()), &fakeQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/upload/status/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "TASK_NOT_FOUND")
}

func TestGetStatus_FallsBackToTaskRow(t *testing.T) {
	tasks := newFakeTaskStore()
	tracker := progress.NewTracker(nil, testLogger())
	router := newUploadRouter(t, tasks, tracker, &fakeQueue{})

	task := &models.ImportTask{
		ID:            uuid.New(),
		Status:        models.ImportStatusCompleted,
		TotalRows:     10,
		ProcessedRows: 10,
		CreatedCount:  10,
	}
	tasks.put(task)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/upload/status/"+task.ID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var snap progress.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, models.ImportStatusCompleted, snap.Status)
	assert.Equal(t, float64(100), snap.Percentage)
}

func TestStream_ResumesTaskKnownOnlyFromDatabase(t *testing.T) {
	// After a restart the tracker is empty while the task row still says
	// processing. The stream must keep pushing updates until the task is
	// terminal instead of closing after one snapshot.
	tasks := newFakeTaskStore()
	tracker := progress.NewTracker(nil, testLogger())
	router := newUploadRouter(t, tasks, tracker, &fakeQueue{})

	task := &models.ImportTask{
		ID:            uuid.New(),
		Status:        models.ImportStatusProcessing,
		TotalRows:     4,
		ProcessedRows: 2,
	}
	tasks.put(task)

	server := httptest.NewServer(router)
	defer server.Close()

	go func() {
		<-tasks.looked
		time.Sleep(100 * time.Millisecond)
		tracker.Update(progress.Snapshot{
			TaskID:        task.ID.String(),
			Status:        models.ImportStatusCompleted,
			TotalRows:     4,
			ProcessedRows: 4,
			CreatedCount:  4,
		})
	}()

	resp, err := http.Get(server.URL + "/api/v1/upload/stream/" + task.ID.String())
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `"status":"processing"`)
	assert.Contains(t, text, `"status":"completed"`)
}

func TestStream_TerminalTaskGetsSingleSnapshot(t *testing.T) {
	tasks := newFakeTaskStore()
	tracker := progress.NewTracker(nil, testLogger())
	router := newUploadRouter(t, tasks, tracker, &fakeQueue{})

	task := &models.ImportTask{
		ID:            uuid.New(),
		Status:        models.ImportStatusFailed,
		TotalRows:     2,
		ProcessedRows: 2,
		FailedCount:   2,
	}
	tasks.put(task)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/upload/stream/"+task.ID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"failed"`)
	assert.Contains(t, rec.Body.String(), `"percentage":100`)
}

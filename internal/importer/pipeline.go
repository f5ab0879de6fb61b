package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"product-import-service/internal/metrics"
	"product-import-service/internal/models"
	"product-import-service/internal/progress"
	"product-import-service/internal/repository"
)

// DefaultBatchSize is the number of valid rows accumulated before a bulk
// upsert is issued.
const DefaultBatchSize = 1000

// ProductStore is the product persistence surface the pipeline needs.
type ProductStore interface {
	BulkUpsert(ctx context.Context, products []*models.Product) (*repository.BulkUpsertResult, error)
}

// TaskStore loads and persists import task state.
type TaskStore interface {
	GetTaskByID(ctx context.Context, taskID uuid.UUID) (*models.ImportTask, error)
	UpdateTask(ctx context.Context, task *models.ImportTask) error
}

// EventDispatcher notifies registered webhooks of product changes.
// Implementations must not block the caller.
type EventDispatcher interface {
	Dispatch(ctx context.Context, eventType models.WebhookEventType, product *models.Product)
}

// Runner drives one import task from spooled file to terminal state. It is
// the single writer of the task's progress; concurrent Runs operate on
// distinct tasks.
type Runner struct {
	products   ProductStore
	tasks      TaskStore
	tracker    *progress.Tracker
	dispatcher EventDispatcher
	batchSize  int
	logger     *logrus.Logger
}

func NewRunner(products ProductStore, tasks TaskStore, tracker *progress.Tracker, dispatcher EventDispatcher, batchSize int, logger *logrus.Logger) *Runner {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Runner{
		products:   products,
		tasks:      tasks,
		tracker:    tracker,
		dispatcher: dispatcher,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// runState accumulates counters and the error sample for one Run.
type runState struct {
	task      *models.ImportTask
	processed int
	created   int
	updated   int
	skipped   int
	failed    int
	errs      []models.RowError
}

func (s *runState) recordError(e models.RowError) {
	if len(s.errs) < models.MaxErrorSample {
		s.errs = append(s.errs, e)
	}
}

// Run processes the task end to end. Batch failures mark the batch's rows as
// failed and processing continues; a fatal storage error fails the whole
// task. Run is safe against queue redelivery: a task already in a terminal
// state is acknowledged without being reprocessed. Cancelling ctx means the
// process is shutting down, not that the task failed: Run returns without
// writing a terminal state so the queue redelivers the task to the next
// worker.
func (r *Runner) Run(ctx context.Context, taskID uuid.UUID) error {
	log := r.logger.WithFields(logrus.Fields{
		"component": "importer",
		"task_id":   taskID.String(),
	})

	task, err := r.tasks.GetTaskByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load import task: %w", err)
	}
	if task.Status.Terminal() {
		log.WithField("status", task.Status).Info("Skipping task already in terminal state")
		return nil
	}

	started := time.Now()
	task.Status = models.ImportStatusProcessing
	task.StartedAt = &started
	if err := r.tasks.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to mark task processing: %w", err)
	}

	state := &runState{task: task}

	format, err := DetectFormat(task.Filename)
	if err != nil {
		return r.fail(ctx, state, fmt.Sprintf("Unsupported file type: %v", err))
	}

	total, err := CountRows(task.SourcePath, format)
	if err != nil {
		if errors.Is(err, ErrMissingColumns) {
			return r.fail(ctx, state, err.Error())
		}
		return r.fail(ctx, state, fmt.Sprintf("Failed to read file: %v", err))
	}
	task.TotalRows = total
	r.publish(state, models.ImportStatusProcessing, "")

	reader, err := OpenRowReader(task.SourcePath, format)
	if err != nil {
		return r.fail(ctx, state, fmt.Sprintf("Failed to read file: %v", err))
	}
	defer reader.Close()

	batch := make([]*models.Product, 0, r.batchSize)
	batchLines := make([]int, 0, r.batchSize)

	for {
		row, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			state.processed++
			state.failed++
			state.recordError(models.RowError{Row: state.processed, Field: "", Message: fmt.Sprintf("malformed row: %v", err)})
			metrics.ImportRowsTotal.WithLabelValues(string(models.RowFailedValidation)).Inc()
			continue
		}

		state.processed++

		product, rowErr := ValidateRow(row)
		if rowErr != nil {
			state.failed++
			state.recordError(*rowErr)
			metrics.ImportRowsTotal.WithLabelValues(string(models.RowFailedValidation)).Inc()
			if state.processed%r.batchSize == 0 {
				r.publish(state, models.ImportStatusProcessing, "")
			}
			continue
		}

		batch = append(batch, product)
		batchLines = append(batchLines, row.Line)

		if len(batch) >= r.batchSize {
			if err := r.flush(ctx, state, batch, batchLines, log); err != nil {
				return r.handleFlushError(ctx, state, err, log)
			}
			batch = batch[:0]
			batchLines = batchLines[:0]
		}
	}

	if len(batch) > 0 {
		if err := r.flush(ctx, state, batch, batchLines, log); err != nil {
			return r.handleFlushError(ctx, state, err, log)
		}
	}

	if err := r.finish(ctx, state, models.ImportStatusCompleted, "Import completed"); err != nil {
		return err
	}

	metrics.ImportTasksTotal.WithLabelValues(string(models.ImportStatusCompleted)).Inc()
	metrics.ImportDurationSeconds.Observe(time.Since(started).Seconds())
	log.WithFields(logrus.Fields{
		"total_rows": task.TotalRows,
		"created":    state.created,
		"updated":    state.updated,
		"skipped":    state.skipped,
		"failed":     state.failed,
		"duration":   time.Since(started).String(),
	}).Info("Import completed")

	r.cleanup(task)
	return nil
}

// flush dedupes and upserts one batch. Rows repeating a SKU within the batch
// are skipped; the last occurrence wins. Returns a non-nil error only for
// fatal storage failures or a cancelled context; a failed batch is absorbed
// into the failed counter.
func (r *Runner) flush(ctx context.Context, state *runState, batch []*models.Product, lines []int, log *logrus.Entry) error {
	lastIdx := make(map[string]int, len(batch))
	for i, p := range batch {
		lastIdx[p.NormalizedSKU] = i
	}

	deduped := make([]*models.Product, 0, len(batch))
	for i, p := range batch {
		if lastIdx[p.NormalizedSKU] != i {
			state.skipped++
			metrics.ImportRowsTotal.WithLabelValues(string(models.RowSkippedDuplicate)).Inc()
			continue
		}
		deduped = append(deduped, p)
	}

	result, err := r.products.BulkUpsert(ctx, deduped)
	if err != nil {
		if ctx.Err() != nil || isFatalStorageError(err) {
			return err
		}

		state.failed += len(deduped)
		firstLine := lines[0]
		state.recordError(models.RowError{
			Row:     firstLine,
			Field:   "",
			Message: fmt.Sprintf("batch of %d rows failed: %v", len(deduped), err),
		})
		metrics.ImportRowsTotal.WithLabelValues(string(models.RowFailedValidation)).Add(float64(len(deduped)))
		log.WithField("batch_size", len(deduped)).Warn(fmt.Sprintf("Batch upsert failed, continuing: %v", err))
		r.publish(state, models.ImportStatusProcessing, "")
		return nil
	}

	state.created += len(result.Created)
	state.updated += len(result.Updated)
	metrics.ImportRowsTotal.WithLabelValues(string(models.RowCreated)).Add(float64(len(result.Created)))
	metrics.ImportRowsTotal.WithLabelValues(string(models.RowUpdated)).Add(float64(len(result.Updated)))

	if r.dispatcher != nil {
		for _, p := range result.Created {
			r.dispatcher.Dispatch(ctx, models.EventProductCreated, p)
		}
		for _, p := range result.Updated {
			r.dispatcher.Dispatch(ctx, models.EventProductUpdated, p)
		}
	}

	r.publish(state, models.ImportStatusProcessing, "")
	return nil
}

// handleFlushError separates shutdown from genuine storage loss. On shutdown
// the task is left in its last non-terminal state for redelivery; a storage
// failure with a live context fails the task.
func (r *Runner) handleFlushError(ctx context.Context, state *runState, err error, log *logrus.Entry) error {
	if ctx.Err() != nil {
		log.Info("Shutting down mid-import, leaving task for redelivery")
		return fmt.Errorf("import interrupted by shutdown: %w", err)
	}
	return r.fail(ctx, state, fmt.Sprintf("Storage failure: %v", err))
}

func (r *Runner) fail(ctx context.Context, state *runState, message string) error {
	metrics.ImportTasksTotal.WithLabelValues(string(models.ImportStatusFailed)).Inc()
	r.logger.WithFields(logrus.Fields{
		"component": "importer",
		"task_id":   state.task.ID.String(),
	}).Error(message)

	err := r.finish(ctx, state, models.ImportStatusFailed, message)
	r.cleanup(state.task)
	return err
}

// finish persists the terminal state exactly once and publishes the final
// snapshot.
func (r *Runner) finish(ctx context.Context, state *runState, status models.ImportStatus, message string) error {
	task := state.task
	now := time.Now()

	task.Status = status
	task.ProcessedRows = state.processed
	task.CreatedCount = state.created
	task.UpdatedCount = state.updated
	task.SkippedCount = state.skipped
	task.FailedCount = state.failed
	task.Message = message
	task.FinishedAt = &now

	if len(state.errs) > 0 {
		if data, err := json.Marshal(state.errs); err == nil {
			task.ErrorSample = datatypes.JSON(data)
		}
	}

	if err := r.tasks.UpdateTask(ctx, task); err != nil {
		r.logger.WithFields(logrus.Fields{
			"component": "importer",
			"task_id":   task.ID.String(),
		}).Error(fmt.Sprintf("Failed to persist terminal task state: %v", err))
		r.publish(state, status, message)
		return fmt.Errorf("failed to persist terminal task state: %w", err)
	}

	r.publish(state, status, message)
	return nil
}

func (r *Runner) publish(state *runState, status models.ImportStatus, message string) {
	if r.tracker == nil {
		return
	}
	if message == "" {
		message = state.task.Message
	}
	r.tracker.Update(progress.Snapshot{
		TaskID:        state.task.ID.String(),
		Status:        status,
		TotalRows:     state.task.TotalRows,
		ProcessedRows: state.processed,
		CreatedCount:  state.created,
		UpdatedCount:  state.updated,
		SkippedCount:  state.skipped,
		FailedCount:   state.failed,
		Message:       message,
	})
}

// cleanup removes the spooled upload file once the task is terminal.
func (r *Runner) cleanup(task *models.ImportTask) {
	if task.SourcePath == "" {
		return
	}
	if err := os.Remove(task.SourcePath); err != nil && !os.IsNotExist(err) {
		r.logger.WithFields(logrus.Fields{
			"component": "importer",
			"task_id":   task.ID.String(),
		}).Warn(fmt.Sprintf("Failed to remove spooled file: %v", err))
	}
}

// isFatalStorageError distinguishes connectivity loss, which fails the task,
// from per-batch errors like constraint violations, which do not.
func isFatalStorageError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"server closed",
		"connection timed out",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

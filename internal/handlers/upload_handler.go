package handlers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"product-import-service/internal/importer"
	"product-import-service/internal/models"
	"product-import-service/internal/progress"
	"product-import-service/internal/queue"
)

// ImportTaskStore is the task persistence surface the upload handlers need.
type ImportTaskStore interface {
	CreateTask(ctx context.Context, task *models.ImportTask) error
	GetTaskByID(ctx context.Context, taskID uuid.UUID) (*models.ImportTask, error)
}

type UploadHandler struct {
	tasks     ImportTaskStore
	tracker   *progress.Tracker
	queue     queue.Queue
	uploadDir string
	logger    *logrus.Logger
}

func NewUploadHandler(tasks ImportTaskStore, tracker *progress.Tracker, q queue.Queue, uploadDir string, logger *logrus.Logger) *UploadHandler {
	return &UploadHandler{
		tasks:     tasks,
		tracker:   tracker,
		queue:     q,
		uploadDir: uploadDir,
		logger:    logger,
	}
}

// Upload accepts a product import file and enqueues it for background
// processing. The response carries the task id for progress tracking.
// POST /api/v1/upload
func (h *UploadHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "FILE_REQUIRED",
				Message: "A file is required in the 'file' form field",
				Field:   "file",
			},
		})
		return
	}

	format, err := importer.DetectFormat(fileHeader.Filename)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "UNSUPPORTED_FILE_TYPE",
				Message: "Only .csv and .xlsx files are supported",
				Field:   "file",
			},
		})
		return
	}

	taskID := uuid.New()
	spoolPath := filepath.Join(h.uploadDir, fmt.Sprintf("%s.%s", taskID.String(), format))

	if err := h.spool(fileHeader, spoolPath); err != nil {
		h.logger.WithField("component", "upload").Error(fmt.Sprintf("Failed to spool upload: %v", err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to store uploaded file",
			},
		})
		return
	}

	task := &models.ImportTask{
		ID:         taskID,
		Status:     models.ImportStatusPending,
		Filename:   fileHeader.Filename,
		SourcePath: spoolPath,
	}
	if err := h.tasks.CreateTask(c.Request.Context(), task); err != nil {
		os.Remove(spoolPath)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to create import task",
			},
		})
		return
	}

	h.tracker.Init(taskID.String())

	if err := h.queue.Enqueue(c.Request.Context(), taskID); err != nil {
		h.logger.WithFields(logrus.Fields{
			"component": "upload",
			"task_id":   taskID.String(),
		}).Error(fmt.Sprintf("Failed to enqueue task: %v", err))
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "QUEUE_UNAVAILABLE",
				Message: "Import queue is unavailable, try again later",
			},
		})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"component": "upload",
		"task_id":   taskID.String(),
		"filename":  fileHeader.Filename,
		"size":      fileHeader.Size,
	}).Info("Import accepted")

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": taskID.String(),
		"status":  models.ImportStatusPending,
		"message": "File accepted for processing",
	})
}

// spool copies the uploaded file to the local spool directory so the worker
// can stream it independently of the request lifecycle.
func (h *UploadHandler) spool(fileHeader *multipart.FileHeader, path string) error {
	src, err := fileHeader.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// GetStatus returns the current progress snapshot for an import task.
// The in-memory tracker is consulted first, then Redis, then the task row.
// GET /api/v1/upload/status/:taskId
func (h *UploadHandler) GetStatus(c *gin.Context) {
	taskID, ok := h.parseTaskID(c)
	if !ok {
		return
	}

	if snap, found := h.tracker.Get(c.Request.Context(), taskID.String()); found {
		c.JSON(http.StatusOK, snap)
		return
	}

	task, err := h.tasks.GetTaskByID(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Success: false,
				Error: models.Error{
					Code:    "TASK_NOT_FOUND",
					Message: "Import task not found",
				},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to fetch task status",
			},
		})
		return
	}

	c.JSON(http.StatusOK, progress.FromTask(task))
}

// Stream pushes progress snapshots for a task as server-sent events until
// the task reaches a terminal state or the client disconnects.
// GET /api/v1/upload/stream/:taskId
func (h *UploadHandler) Stream(c *gin.Context) {
	taskID, ok := h.parseTaskID(c)
	if !ok {
		return
	}

	snap, found := h.tracker.Get(c.Request.Context(), taskID.String())
	if !found {
		task, err := h.tasks.GetTaskByID(c.Request.Context(), taskID)
		if err != nil {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Success: false,
				Error: models.Error{
					Code:    "TASK_NOT_FOUND",
					Message: "Import task not found",
				},
			})
			return
		}
		snap = progress.FromTask(task)
	}

	if snap.Status.Terminal() {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.SSEvent("progress", snap)
		return
	}

	// The snapshot may have come from the database or Redis after a restart.
	// Seeding puts the task back in memory so the subscription stays open
	// until the worker reaches a terminal state.
	h.tracker.Seed(snap)

	updates, cancel := h.tracker.Subscribe(taskID.String())
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case snap, open := <-updates:
			if !open {
				return false
			}
			c.SSEvent("progress", snap)
			return !snap.Status.Terminal()
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// GetImportTemplate returns the import template definition or file
// GET /api/v1/upload/template
func (h *UploadHandler) GetImportTemplate(c *gin.Context) {
	format := c.DefaultQuery("format", "json")

	template := models.ProductImportTemplate()

	switch format {
	case "csv":
		h.generateCSVTemplate(c, template)
	case "xlsx":
		h.generateXLSXTemplate(c, template)
	default:
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"template": template,
		})
	}
}

// generateCSVTemplate generates and downloads a CSV template (headers only)
func (h *UploadHandler) generateCSVTemplate(c *gin.Context, template models.ImportTemplate) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=products_import_template.csv")

	writer := csv.NewWriter(c.Writer)
	defer writer.Flush()

	headers := make([]string, len(template.Columns))
	for i, col := range template.Columns {
		headers[i] = col.Name
	}
	writer.Write(headers)
}

// generateXLSXTemplate generates and downloads an Excel template with a
// header row and one example row
func (h *UploadHandler) generateXLSXTemplate(c *gin.Context, template models.ImportTemplate) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for i, col := range template.Columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, col.Name)
		example, _ := excelize.CoordinatesToCellName(i+1, 2)
		f.SetCellValue(sheet, example, col.Example)
	}

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=products_import_template.xlsx")

	if err := f.Write(c.Writer); err != nil {
		h.logger.WithField("component", "upload").Error(fmt.Sprintf("Failed to write template: %v", err))
	}
}

func (h *UploadHandler) parseTaskID(c *gin.Context) (uuid.UUID, bool) {
	taskID, err := uuid.Parse(c.Param("taskId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "VALIDATION_ERROR",
				Message: "Invalid task ID",
				Field:   "taskId",
			},
		})
		return uuid.Nil, false
	}
	return taskID, true
}

package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"product-import-service/internal/models"
)

// ImportTasksRepository persists import task state. The task row is the
// durable record of an upload; progress snapshots in memory and Redis are
// derived from it.
type ImportTasksRepository struct {
	db *gorm.DB
}

func NewImportTasksRepository(db *gorm.DB) *ImportTasksRepository {
	return &ImportTasksRepository{db: db}
}

func (r *ImportTasksRepository) CreateTask(ctx context.Context, task *models.ImportTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.CreatedAt = time.Now()
	task.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *ImportTasksRepository) GetTaskByID(ctx context.Context, taskID uuid.UUID) (*models.ImportTask, error) {
	var task models.ImportTask
	if err := r.db.WithContext(ctx).Where("id = ?", taskID).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *ImportTasksRepository) UpdateTask(ctx context.Context, task *models.ImportTask) error {
	task.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Save(task).Error
}

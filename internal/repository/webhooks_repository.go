package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"product-import-service/internal/models"
)

type WebhooksRepository struct {
	db *gorm.DB
}

func NewWebhooksRepository(db *gorm.DB) *WebhooksRepository {
	return &WebhooksRepository{db: db}
}

func (r *WebhooksRepository) CreateWebhook(ctx context.Context, webhook *models.Webhook) error {
	if webhook.ID == uuid.Nil {
		webhook.ID = uuid.New()
	}
	webhook.CreatedAt = time.Now()
	webhook.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Create(webhook).Error
}

func (r *WebhooksRepository) GetWebhookByID(ctx context.Context, webhookID uuid.UUID) (*models.Webhook, error) {
	var webhook models.Webhook
	if err := r.db.WithContext(ctx).Where("id = ?", webhookID).First(&webhook).Error; err != nil {
		return nil, err
	}
	return &webhook, nil
}

func (r *WebhooksRepository) GetWebhooks(ctx context.Context) ([]models.Webhook, error) {
	var webhooks []models.Webhook
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&webhooks).Error; err != nil {
		return nil, err
	}
	return webhooks, nil
}

// ListEnabledByEvent returns the enabled webhooks subscribed to an event type.
func (r *WebhooksRepository) ListEnabledByEvent(ctx context.Context, eventType models.WebhookEventType) ([]models.Webhook, error) {
	var webhooks []models.Webhook
	if err := r.db.WithContext(ctx).
		Where("event_type = ? AND enabled = ?", eventType, true).
		Find(&webhooks).Error; err != nil {
		return nil, err
	}
	return webhooks, nil
}

func (r *WebhooksRepository) UpdateWebhook(ctx context.Context, webhookID uuid.UUID, req *models.UpdateWebhookRequest) (*models.Webhook, error) {
	var webhook models.Webhook
	if err := r.db.WithContext(ctx).Where("id = ?", webhookID).First(&webhook).Error; err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if req.URL != nil {
		updates["url"] = *req.URL
	}
	if req.EventType != nil {
		updates["event_type"] = *req.EventType
	}
	if req.Secret != nil {
		updates["secret"] = *req.Secret
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}

	if err := r.db.WithContext(ctx).Model(&models.Webhook{}).
		Where("id = ?", webhookID).
		Updates(updates).Error; err != nil {
		return nil, err
	}

	if err := r.db.WithContext(ctx).Where("id = ?", webhookID).First(&webhook).Error; err != nil {
		return nil, err
	}
	return &webhook, nil
}

func (r *WebhooksRepository) DeleteWebhook(ctx context.Context, webhookID uuid.UUID) error {
	result := r.db.WithContext(ctx).Where("id = ?", webhookID).Delete(&models.Webhook{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

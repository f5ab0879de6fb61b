package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"product-import-service/internal/models"
	"product-import-service/internal/repository"
	"product-import-service/internal/webhooks"
)

type WebhooksHandler struct {
	repo       *repository.WebhooksRepository
	dispatcher *webhooks.Dispatcher
}

func NewWebhooksHandler(repo *repository.WebhooksRepository, dispatcher *webhooks.Dispatcher) *WebhooksHandler {
	return &WebhooksHandler{
		repo:       repo,
		dispatcher: dispatcher,
	}
}

// CreateWebhook registers a new webhook
// POST /api/v1/webhooks
func (h *WebhooksHandler) CreateWebhook(c *gin.Context) {
	var req models.CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "VALIDATION_ERROR",
				Message: err.Error(),
			},
		})
		return
	}

	if !req.EventType.Valid() {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "VALIDATION_ERROR",
				Message: "eventType must be one of product.created, product.updated, product.deleted",
				Field:   "eventType",
			},
		})
		return
	}

	webhook := &models.Webhook{
		URL:         req.URL,
		EventType:   req.EventType,
		Secret:      req.Secret,
		Description: req.Description,
		Enabled:     true,
	}
	if req.Enabled != nil {
		webhook.Enabled = *req.Enabled
	}

	if err := h.repo.CreateWebhook(c.Request.Context(), webhook); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to create webhook",
			},
		})
		return
	}

	c.JSON(http.StatusCreated, webhook)
}

// GetWebhooks lists all registered webhooks
// GET /api/v1/webhooks
func (h *WebhooksHandler) GetWebhooks(c *gin.Context) {
	hooks, err := h.repo.GetWebhooks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to list webhooks",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items": hooks,
		"total": len(hooks),
	})
}

// GetWebhook retrieves a webhook by ID
// GET /api/v1/webhooks/:id
func (h *WebhooksHandler) GetWebhook(c *gin.Context) {
	webhookID, ok := h.parseID(c)
	if !ok {
		return
	}

	webhook, err := h.repo.GetWebhookByID(c.Request.Context(), webhookID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.notFound(c)
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to fetch webhook",
			},
		})
		return
	}

	c.JSON(http.StatusOK, webhook)
}

// UpdateWebhook applies a partial update to a webhook
// PUT /api/v1/webhooks/:id
func (h *WebhooksHandler) UpdateWebhook(c *gin.Context) {
	webhookID, ok := h.parseID(c)
	if !ok {
		return
	}

	var req models.UpdateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "VALIDATION_ERROR",
				Message: err.Error(),
			},
		})
		return
	}

	if req.EventType != nil && !req.EventType.Valid() {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "VALIDATION_ERROR",
				Message: "eventType must be one of product.created, product.updated, product.deleted",
				Field:   "eventType",
			},
		})
		return
	}

	webhook, err := h.repo.UpdateWebhook(c.Request.Context(), webhookID, &req)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.notFound(c)
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to update webhook",
			},
		})
		return
	}

	c.JSON(http.StatusOK, webhook)
}

// DeleteWebhook removes a webhook
// DELETE /api/v1/webhooks/:id
func (h *WebhooksHandler) DeleteWebhook(c *gin.Context) {
	webhookID, ok := h.parseID(c)
	if !ok {
		return
	}

	if err := h.repo.DeleteWebhook(c.Request.Context(), webhookID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.notFound(c)
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to delete webhook",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Webhook deleted",
	})
}

// TestWebhook sends a sample payload to the webhook endpoint and reports
// the delivery outcome synchronously
// POST /api/v1/webhooks/:id/test
func (h *WebhooksHandler) TestWebhook(c *gin.Context) {
	webhookID, ok := h.parseID(c)
	if !ok {
		return
	}

	webhook, err := h.repo.GetWebhookByID(c.Request.Context(), webhookID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.notFound(c)
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to fetch webhook",
			},
		})
		return
	}

	result := h.dispatcher.Test(c.Request.Context(), webhook)
	c.JSON(http.StatusOK, result)
}

func (h *WebhooksHandler) parseID(c *gin.Context) (uuid.UUID, bool) {
	webhookID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "VALIDATION_ERROR",
				Message: "Invalid webhook ID",
				Field:   "id",
			},
		})
		return uuid.Nil, false
	}
	return webhookID, true
}

func (h *WebhooksHandler) notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, models.ErrorResponse{
		Success: false,
		Error: models.Error{
			Code:    "WEBHOOK_NOT_FOUND",
			Message: "Webhook not found",
		},
	})
}

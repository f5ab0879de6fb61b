package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEventType identifies a product lifecycle event a webhook can
// subscribe to.
type WebhookEventType string

const (
	EventProductCreated WebhookEventType = "product.created"
	EventProductUpdated WebhookEventType = "product.updated"
	EventProductDeleted WebhookEventType = "product.deleted"
)

// ValidEventTypes lists the accepted subscription event types.
var ValidEventTypes = []WebhookEventType{
	EventProductCreated,
	EventProductUpdated,
	EventProductDeleted,
}

// Valid reports whether t is one of the accepted event types.
func (t WebhookEventType) Valid() bool {
	for _, v := range ValidEventTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Webhook represents an outbound webhook subscription. Consumed read-only
// by the dispatcher; managed through the CRUD endpoints.
type Webhook struct {
	ID          uuid.UUID        `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	URL         string           `json:"url" gorm:"not null;index"`
	EventType   WebhookEventType `json:"eventType" gorm:"not null;index"`
	Secret      *string          `json:"secret,omitempty"`
	Description *string          `json:"description,omitempty"`
	Enabled     bool             `json:"enabled" gorm:"not null;default:true"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// TableName returns the table name for the Webhook model
func (Webhook) TableName() string {
	return "webhooks"
}

// CreateWebhookRequest is the payload for registering a webhook
type CreateWebhookRequest struct {
	URL         string           `json:"url" binding:"required"`
	EventType   WebhookEventType `json:"eventType" binding:"required"`
	Secret      *string          `json:"secret"`
	Description *string          `json:"description"`
	Enabled     *bool            `json:"enabled"`
}

// UpdateWebhookRequest is the payload for partially updating a webhook.
// Only non-nil fields are applied.
type UpdateWebhookRequest struct {
	URL         *string           `json:"url"`
	EventType   *WebhookEventType `json:"eventType"`
	Secret      *string           `json:"secret"`
	Description *string           `json:"description"`
	Enabled     *bool             `json:"enabled"`
}

// WebhookEnvelope is the wire format delivered to webhook endpoints.
// Timestamp is fractional epoch seconds.
type WebhookEnvelope struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp float64     `json:"timestamp"`
}

// WebhookTestResponse reports the outcome of a single delivery attempt
type WebhookTestResponse struct {
	Success        bool     `json:"success"`
	StatusCode     *int     `json:"status_code,omitempty"`
	ResponseTimeMs *float64 `json:"response_time_ms,omitempty"`
	Message        string   `json:"message"`
	Error          *string  `json:"error,omitempty"`
}

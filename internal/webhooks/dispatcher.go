package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"product-import-service/internal/metrics"
	"product-import-service/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, computed
// with the webhook's secret.
const SignatureHeader = "X-Webhook-Signature"

// WebhookSource lists the enabled webhooks for an event type.
type WebhookSource interface {
	ListEnabledByEvent(ctx context.Context, eventType models.WebhookEventType) ([]models.Webhook, error)
}

// Dispatcher delivers product events to registered webhooks. Delivery is
// fire-and-forget with a single attempt per endpoint; failures are logged
// and counted, never retried.
type Dispatcher struct {
	source  WebhookSource
	client  *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

func NewDispatcher(source WebhookSource, timeout time.Duration, ratePerSecond int, logger *logrus.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 50
	}
	return &Dispatcher{
		source:  source,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
		logger:  logger,
	}
}

// Dispatch notifies every enabled webhook subscribed to the event. It
// returns immediately; deliveries run in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType models.WebhookEventType, product *models.Product) {
	hooks, err := d.source.ListEnabledByEvent(ctx, eventType)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"component": "webhooks",
			"event":     string(eventType),
		}).Error(fmt.Sprintf("Failed to list webhooks: %v", err))
		return
	}
	if len(hooks) == 0 {
		return
	}

	envelope := models.WebhookEnvelope{
		Event:     string(eventType),
		Data:      product,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		d.logger.WithField("component", "webhooks").Error(fmt.Sprintf("Failed to marshal webhook payload: %v", err))
		return
	}

	for _, hook := range hooks {
		hook := hook
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout+5*time.Second)
			defer cancel()

			if err := d.limiter.Wait(dctx); err != nil {
				metrics.WebhookDeliveriesTotal.WithLabelValues(string(eventType), "dropped").Inc()
				d.logger.WithFields(logrus.Fields{
					"component":  "webhooks",
					"webhook_id": hook.ID.String(),
					"event":      string(eventType),
					"url":        hook.URL,
				}).Warn(fmt.Sprintf("Webhook delivery dropped by rate limiter: %v", err))
				return
			}

			result := d.deliver(dctx, &hook, body)
			if result.Success {
				metrics.WebhookDeliveriesTotal.WithLabelValues(string(eventType), "success").Inc()
			} else {
				metrics.WebhookDeliveriesTotal.WithLabelValues(string(eventType), "failure").Inc()
				d.logger.WithFields(logrus.Fields{
					"component":  "webhooks",
					"webhook_id": hook.ID.String(),
					"event":      string(eventType),
					"url":        hook.URL,
				}).Warn(fmt.Sprintf("Webhook delivery failed: %s", result.Message))
			}
		}()
	}
}

// deliver performs one HTTP POST and reports the outcome with timing.
func (d *Dispatcher) deliver(ctx context.Context, hook *models.Webhook, body []byte) models.WebhookTestResponse {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		msg := err.Error()
		return models.WebhookTestResponse{Success: false, Message: "invalid webhook request", Error: &msg}
	}

	req.Header.Set("Content-Type", "application/json")
	if hook.Secret != nil && *hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(*hook.Secret, body))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	metrics.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		msg := err.Error()
		return models.WebhookTestResponse{
			Success:        false,
			ResponseTimeMs: &elapsed,
			Message:        "delivery failed",
			Error:          &msg,
		}
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return models.WebhookTestResponse{
			Success:        true,
			StatusCode:     &status,
			ResponseTimeMs: &elapsed,
			Message:        "delivered",
		}
	}

	msg := fmt.Sprintf("endpoint returned status %d", status)
	return models.WebhookTestResponse{
		Success:        false,
		StatusCode:     &status,
		ResponseTimeMs: &elapsed,
		Message:        "delivery failed",
		Error:          &msg,
	}
}

// Test synchronously sends a sample payload to one webhook and reports the
// outcome. The webhook's enabled flag is ignored so operators can verify an
// endpoint before switching it on.
func (d *Dispatcher) Test(ctx context.Context, hook *models.Webhook) models.WebhookTestResponse {
	envelope := models.WebhookEnvelope{
		Event: "webhook.test",
		Data: map[string]interface{}{
			"webhook_id": hook.ID.String(),
			"message":    "Test delivery",
		},
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		msg := err.Error()
		return models.WebhookTestResponse{Success: false, Message: "failed to build test payload", Error: &msg}
	}
	return d.deliver(ctx, hook, body)
}

// Sign computes the hex HMAC-SHA256 of the payload with the given secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

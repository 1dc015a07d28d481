// Package webhook delivers processing events to subscribed HTTP
// endpoints, with HMAC-signed payloads and a retry queue.
package webhook

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventPhotoProcessed   = "photo.processed"
	EventIdentityEnrolled = "identity.enrolled"
	EventIdentityRemoved  = "identity.removed"
)

// Endpoint is a registered webhook receiver.
type Endpoint struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	URL             string     `json:"url"`
	Secret          string     `json:"-"`
	Events          []string   `json:"events"`
	Enabled         bool       `json:"enabled"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DeliveryJob is one queued delivery attempt awaiting retry.
type DeliveryJob struct {
	ID          uuid.UUID  `json:"id"`
	EndpointID  uuid.UUID  `json:"webhook_id"`
	EventType   string     `json:"event_type"`
	Payload     []byte     `json:"payload"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Status      string     `json:"status"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EventPayload is the body POSTed to receivers.
type EventPayload struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

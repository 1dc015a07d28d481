package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool the webhook layer uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Service delivers events to subscribed endpoints. A failed delivery is
// queued for the retry worker instead of being lost.
type Service struct {
	db     DB
	client *http.Client
	logger *slog.Logger
}

func NewService(db *pgxpool.Pool, logger *slog.Logger) *Service {
	return NewServiceWithDB(db, logger)
}

// NewServiceWithDB wires a custom DB implementation. Used in tests.
func NewServiceWithDB(db DB, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Dispatch sends an event to every enabled endpoint subscribed to its
// type. Individual delivery failures are queued and do not fail the
// dispatch.
func (s *Service) Dispatch(ctx context.Context, eventType string, data interface{}) error {
	endpoints, err := s.endpointsForEvent(ctx, eventType)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", eventType, err)
	}

	event := EventPayload{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	for _, endpoint := range endpoints {
		if err := s.Send(ctx, endpoint, event); err != nil {
			s.logger.Warn("webhook delivery queued for retry",
				"endpoint_id", endpoint.ID,
				"event_type", eventType,
				"error", err,
			)
		}
	}

	return nil
}

// Send delivers one event to one endpoint, enqueueing it on failure.
func (s *Service) Send(ctx context.Context, endpoint *Endpoint, event EventPayload) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := s.post(ctx, endpoint, payload, event.Type); err != nil {
		return s.enqueue(ctx, endpoint.ID, event.Type, payload, err.Error())
	}
	return nil
}

// post performs one signed delivery attempt. The retry queue is the
// caller's concern.
func (s *Service) post(ctx context.Context, endpoint *Endpoint, payload []byte, eventType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Facematch-Signature", Sign(endpoint.Secret, payload))
	req.Header.Set("X-Facematch-Event", eventType)
	req.Header.Set("User-Agent", "Facematch-Webhook/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return s.updateLastTriggered(ctx, endpoint.ID)
}

func (s *Service) enqueue(ctx context.Context, endpointID uuid.UUID, eventType string, payload []byte, errorMsg string) error {
	query := `
		INSERT INTO webhook_queue (webhook_id, event_type, payload, next_retry_at, last_error)
		VALUES ($1, $2, $3, NOW() + INTERVAL '1 second', $4)
	`

	if _, err := s.db.Exec(ctx, query, endpointID, eventType, payload, errorMsg); err != nil {
		return fmt.Errorf("enqueue webhook: %w", err)
	}
	return fmt.Errorf("delivery failed, queued for retry: %s", errorMsg)
}

func (s *Service) updateLastTriggered(ctx context.Context, endpointID uuid.UUID) error {
	query := `UPDATE webhooks SET last_triggered_at = NOW() WHERE id = $1`
	_, err := s.db.Exec(ctx, query, endpointID)
	return err
}

func (s *Service) endpointsForEvent(ctx context.Context, eventType string) ([]*Endpoint, error) {
	query := `
		SELECT id, name, url, secret, events, enabled, last_triggered_at, created_at, updated_at
		FROM webhooks
		WHERE enabled = true AND events @> $1::jsonb
	`

	eventsJSON, _ := json.Marshal([]string{eventType})

	rows, err := s.db.Query(ctx, query, eventsJSON)
	if err != nil {
		return nil, fmt.Errorf("query webhooks by event: %w", err)
	}
	defer rows.Close()

	return scanEndpoints(rows)
}

// ListEndpoints returns every registered endpoint, newest first.
func (s *Service) ListEndpoints(ctx context.Context) ([]*Endpoint, error) {
	query := `
		SELECT id, name, url, secret, events, enabled, last_triggered_at, created_at, updated_at
		FROM webhooks
		ORDER BY created_at DESC
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	return scanEndpoints(rows)
}

// CreateEndpoint registers a new receiver.
func (s *Service) CreateEndpoint(ctx context.Context, endpoint *Endpoint) error {
	eventsJSON, err := json.Marshal(endpoint.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	query := `
		INSERT INTO webhooks (name, url, secret, events, enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err = s.db.QueryRow(ctx, query,
		endpoint.Name, endpoint.URL, endpoint.Secret, eventsJSON, endpoint.Enabled,
	).Scan(&endpoint.ID, &endpoint.CreatedAt, &endpoint.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}

	return nil
}

// DeleteEndpoint removes a receiver and its queued deliveries.
func (s *Service) DeleteEndpoint(ctx context.Context, endpointID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, endpointID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %s not found", endpointID)
	}
	return nil
}

func scanEndpoints(rows pgx.Rows) ([]*Endpoint, error) {
	var endpoints []*Endpoint
	for rows.Next() {
		var e Endpoint
		var eventsJSON []byte

		err := rows.Scan(
			&e.ID, &e.Name, &e.URL, &e.Secret,
			&eventsJSON, &e.Enabled, &e.LastTriggeredAt,
			&e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}

		if err := json.Unmarshal(eventsJSON, &e.Events); err != nil {
			return nil, fmt.Errorf("unmarshal events: %w", err)
		}

		endpoints = append(endpoints, &e)
	}

	return endpoints, rows.Err()
}

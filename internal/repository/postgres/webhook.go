package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hookwire/hookwire/internal/domain"
)

type WebhookRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

const webhookColumns = `
	id, name, description, url, method, events, secret,
	auth_type, auth_config, retry_config, rate_limit, filters, headers,
	is_active, status,
	total_deliveries, successful_deliveries, failed_deliveries,
	last_delivery_at, last_success_at, last_failure_at, avg_response_time_ms,
	last_error, created_by, updated_by, created_at, updated_at
`

func (r *WebhookRepository) Create(ctx context.Context, w *domain.Webhook) error {
	authConfig, retryConfig, rateLimit, filters, headers, lastErr, err := marshalWebhookDocs(w)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO webhooks (
			id, name, description, url, method, events, secret,
			auth_type, auth_config, retry_config, rate_limit, filters, headers,
			is_active, status, last_error, created_by, updated_by, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err = r.pool.Exec(ctx, query,
		w.ID, w.Name, w.Description, w.URL, w.Method, w.Events, w.Secret,
		string(w.AuthType), authConfig, retryConfig, rateLimit, filters, headers,
		w.IsActive, string(w.Status), lastErr, w.CreatedBy, w.UpdatedBy, w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (r *WebhookRepository) Get(ctx context.Context, id string) (*domain.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`

	w, err := scanWebhook(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r *WebhookRepository) List(ctx context.Context, activeOnly bool) ([]*domain.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectWebhooks(rows)
}

// GetActiveByEvent matches in SQL on exact event names; wildcard
// subscriptions ("*", "ticket.*") are re-checked in Go via SubscribesTo.
func (r *WebhookRepository) GetActiveByEvent(ctx context.Context, event string) ([]*domain.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE is_active = TRUE ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all, err := collectWebhooks(rows)
	if err != nil {
		return nil, err
	}

	var matched []*domain.Webhook
	for _, w := range all {
		if w.SubscribesTo(event) {
			matched = append(matched, w)
		}
	}
	return matched, nil
}

func (r *WebhookRepository) Update(ctx context.Context, w *domain.Webhook) error {
	authConfig, retryConfig, rateLimit, filters, headers, lastErr, err := marshalWebhookDocs(w)
	if err != nil {
		return err
	}

	const query = `
		UPDATE webhooks SET
			name = $2, description = $3, url = $4, method = $5, events = $6, secret = $7,
			auth_type = $8, auth_config = $9, retry_config = $10, rate_limit = $11,
			filters = $12, headers = $13, is_active = $14, status = $15,
			last_error = $16, updated_by = $17, updated_at = $18
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query,
		w.ID, w.Name, w.Description, w.URL, w.Method, w.Events, w.Secret,
		string(w.AuthType), authConfig, retryConfig, rateLimit,
		filters, headers, w.IsActive, string(w.Status),
		lastErr, w.UpdatedBy, w.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *WebhookRepository) SetActive(ctx context.Context, id string, active bool) error {
	const query = `UPDATE webhooks SET is_active = $2, updated_at = now() WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, active)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *WebhookRepository) SetStatus(ctx context.Context, id string, status domain.WebhookStatus) error {
	const query = `UPDATE webhooks SET status = $2, updated_at = now() WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *WebhookRepository) SetLastError(ctx context.Context, id string, lastErr domain.LastError) error {
	doc, err := json.Marshal(lastErr)
	if err != nil {
		return fmt.Errorf("marshal last_error: %w", err)
	}

	const query = `UPDATE webhooks SET last_error = $2, updated_at = now() WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, doc)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ApplyDeliveryOutcome rolls one outcome into the persisted counters in a
// single statement so concurrent executors never lose increments. The mean
// uses the incremental form avg += (x - avg) / n.
func (r *WebhookRepository) ApplyDeliveryOutcome(ctx context.Context, id string, success bool, responseTimeMS float64, at time.Time) error {
	const query = `
		UPDATE webhooks SET
			total_deliveries = total_deliveries + 1,
			successful_deliveries = successful_deliveries + CASE WHEN $2 THEN 1 ELSE 0 END,
			failed_deliveries = failed_deliveries + CASE WHEN $2 THEN 0 ELSE 1 END,
			last_delivery_at = $4,
			last_success_at = CASE WHEN $2 THEN $4 ELSE last_success_at END,
			last_failure_at = CASE WHEN $2 THEN last_failure_at ELSE $4 END,
			avg_response_time_ms = avg_response_time_ms + ($3 - avg_response_time_ms) / (total_deliveries + 1),
			updated_at = $4
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, success, responseTimeMS, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *WebhookRepository) Delete(ctx context.Context, id string) error {
	// deliveries are removed by the ON DELETE CASCADE foreign key.
	const query = `DELETE FROM webhooks WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func marshalWebhookDocs(w *domain.Webhook) (authConfig, retryConfig, rateLimit, filters, headers, lastErr []byte, err error) {
	if authConfig, err = json.Marshal(w.AuthConfig); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal auth_config: %w", err)
	}
	if retryConfig, err = json.Marshal(w.Retry); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal retry_config: %w", err)
	}
	if rateLimit, err = json.Marshal(w.RateLimit); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal rate_limit: %w", err)
	}
	if filters, err = json.Marshal(w.Filters); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal filters: %w", err)
	}
	if w.Headers == nil {
		headers = []byte(`[]`)
	} else if headers, err = json.Marshal(w.Headers); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal headers: %w", err)
	}
	if w.LastError != nil {
		if lastErr, err = json.Marshal(w.LastError); err != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal last_error: %w", err)
		}
	}
	return authConfig, retryConfig, rateLimit, filters, headers, lastErr, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row rowScanner) (*domain.Webhook, error) {
	var (
		w          domain.Webhook
		authType   string
		status     string
		authConfig []byte
		retryCfg   []byte
		rateLimit  []byte
		filters    []byte
		headers    []byte
		lastErr    []byte
	)

	err := row.Scan(
		&w.ID, &w.Name, &w.Description, &w.URL, &w.Method, &w.Events, &w.Secret,
		&authType, &authConfig, &retryCfg, &rateLimit, &filters, &headers,
		&w.IsActive, &status,
		&w.Stats.TotalDeliveries, &w.Stats.SuccessfulDeliveries, &w.Stats.FailedDeliveries,
		&w.Stats.LastDeliveryAt, &w.Stats.LastSuccessAt, &w.Stats.LastFailureAt,
		&w.Stats.AverageResponseTimeMS,
		&lastErr, &w.CreatedBy, &w.UpdatedBy, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.AuthType = domain.AuthType(authType)
	w.Status = domain.WebhookStatus(status)

	if err := json.Unmarshal(authConfig, &w.AuthConfig); err != nil {
		return nil, fmt.Errorf("unmarshal auth_config: %w", err)
	}
	if err := json.Unmarshal(retryCfg, &w.Retry); err != nil {
		return nil, fmt.Errorf("unmarshal retry_config: %w", err)
	}
	if err := json.Unmarshal(rateLimit, &w.RateLimit); err != nil {
		return nil, fmt.Errorf("unmarshal rate_limit: %w", err)
	}
	if err := json.Unmarshal(filters, &w.Filters); err != nil {
		return nil, fmt.Errorf("unmarshal filters: %w", err)
	}
	if err := json.Unmarshal(headers, &w.Headers); err != nil {
		return nil, fmt.Errorf("unmarshal headers: %w", err)
	}
	if lastErr != nil {
		w.LastError = &domain.LastError{}
		if err := json.Unmarshal(lastErr, w.LastError); err != nil {
			return nil, fmt.Errorf("unmarshal last_error: %w", err)
		}
	}
	return &w, nil
}

func collectWebhooks(rows pgx.Rows) ([]*domain.Webhook, error) {
	var webhooks []*domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

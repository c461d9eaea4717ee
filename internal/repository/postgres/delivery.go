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
	"github.com/hookwire/hookwire/internal/repository"
)

type DeliveryRepository struct {
	pool *pgxpool.Pool
}

func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

const deliveryColumns = `
	id, webhook_id, event, payload, request, response,
	status, attempts, max_attempts, error,
	scheduled_at, delivered_at, next_retry_at, created_at, updated_at
`

func (r *DeliveryRepository) Create(ctx context.Context, d *domain.Delivery) error {
	request, response, err := marshalSnapshots(d)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO deliveries (
			id, webhook_id, event, payload, request, response,
			status, attempts, max_attempts, error,
			scheduled_at, delivered_at, next_retry_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = r.pool.Exec(ctx, query,
		d.ID, d.WebhookID, d.Event, d.Payload, request, response,
		string(d.Status), d.Attempts, d.MaxAttempts, d.Error,
		d.ScheduledAt, d.DeliveredAt, d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (r *DeliveryRepository) Get(ctx context.Context, id string) (*domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`

	d, err := scanDelivery(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *DeliveryRepository) Update(ctx context.Context, d *domain.Delivery) error {
	request, response, err := marshalSnapshots(d)
	if err != nil {
		return err
	}

	const query = `
		UPDATE deliveries SET
			request = $2, response = $3, status = $4, attempts = $5,
			error = $6, delivered_at = $7, next_retry_at = $8, updated_at = $9
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query,
		d.ID, request, response, string(d.Status), d.Attempts,
		d.Error, d.DeliveredAt, d.NextRetryAt, d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClaimDue selects due pending/retrying deliveries with FOR UPDATE SKIP
// LOCKED so concurrent pollers and other engine instances never claim the
// same row, then pushes next_retry_at forward by claimFor inside the same
// transaction. The claim expires on its own: if the executor dies before
// recording an outcome, the row simply becomes due again.
func (r *DeliveryRepository) ClaimDue(ctx context.Context, now time.Time, claimFor time.Duration, limit int) ([]*domain.Delivery, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE status IN ('pending', 'retrying') AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}

	var due []*domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(due) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(due))
	for i, d := range due {
		ids[i] = d.ID
	}

	claimUntil := now.Add(claimFor)
	if _, err := tx.Exec(ctx,
		`UPDATE deliveries SET next_retry_at = $1 WHERE id = ANY($2)`,
		claimUntil, ids,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return due, nil
}

func (r *DeliveryRepository) ListByWebhook(ctx context.Context, webhookID string, f repository.DeliveryFilter) ([]*domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE webhook_id = $1`
	args := []any{webhookID}

	if f.Status != nil {
		args = append(args, string(*f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.Event != nil {
		args = append(args, *f.Event)
		query += fmt.Sprintf(` AND event = $%d`, len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}

	query += ` ORDER BY created_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func (r *DeliveryRepository) StatsWindow(ctx context.Context, webhookID string, since time.Time) (*repository.DeliveryStats, error) {
	const query = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'retrying'),
			COALESCE(AVG((response->>'response_time_ms')::float) FILTER (WHERE response IS NOT NULL), 0)
		FROM deliveries
		WHERE webhook_id = $1 AND created_at >= $2
	`

	var s repository.DeliveryStats
	err := r.pool.QueryRow(ctx, query, webhookID, since).Scan(
		&s.Total, &s.Delivered, &s.Failed, &s.Pending, &s.Retrying, &s.AvgResponseTimeMS,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func marshalSnapshots(d *domain.Delivery) (request, response []byte, err error) {
	if d.Request != nil {
		if request, err = json.Marshal(d.Request); err != nil {
			return nil, nil, fmt.Errorf("marshal request snapshot: %w", err)
		}
	}
	if d.Response != nil {
		if response, err = json.Marshal(d.Response); err != nil {
			return nil, nil, fmt.Errorf("marshal response snapshot: %w", err)
		}
	}
	return request, response, nil
}

func scanDelivery(row rowScanner) (*domain.Delivery, error) {
	var (
		d        domain.Delivery
		status   string
		request  []byte
		response []byte
	)

	err := row.Scan(
		&d.ID, &d.WebhookID, &d.Event, &d.Payload, &request, &response,
		&status, &d.Attempts, &d.MaxAttempts, &d.Error,
		&d.ScheduledAt, &d.DeliveredAt, &d.NextRetryAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = domain.DeliveryStatus(status)
	if request != nil {
		d.Request = &domain.RequestSnapshot{}
		if err := json.Unmarshal(request, d.Request); err != nil {
			return nil, fmt.Errorf("unmarshal request snapshot: %w", err)
		}
	}
	if response != nil {
		d.Response = &domain.ResponseSnapshot{}
		if err := json.Unmarshal(response, d.Response); err != nil {
			return nil, fmt.Errorf("unmarshal response snapshot: %w", err)
		}
	}
	return &d, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cropalert/backend/internal/model"
)

// DispatchRepository stores dispatch intents and per-channel attempts.
type DispatchRepository interface {
	FindDispatch(ctx context.Context, subscriptionID uuid.UUID, epochKey string) (*model.Dispatch, error)
	BeginDispatch(ctx context.Context, d *model.Dispatch) error
	CompleteDispatch(ctx context.Context, d *model.Dispatch) error
	LogAttempt(ctx context.Context, a *model.NotificationAttempt) error
	ListAttempts(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]model.NotificationAttempt, error)
}

type dispatchRepository struct {
	db *sqlx.DB
}

// NewDispatchRepository creates a new dispatch repository
func NewDispatchRepository(db *sqlx.DB) DispatchRepository {
	return &dispatchRepository{db: db}
}

// FindDispatch returns the dispatch for a trigger epoch, or nil if none.
func (r *dispatchRepository) FindDispatch(ctx context.Context, subscriptionID uuid.UUID, epochKey string) (*model.Dispatch, error) {
	var d model.Dispatch
	err := r.db.GetContext(ctx, &d, `
		SELECT * FROM alert_dispatches WHERE subscription_id = $1 AND epoch_key = $2
	`, subscriptionID, epochKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find dispatch: %w", err)
	}
	return &d, nil
}

// BeginDispatch writes a pending intent for the epoch, replacing an
// earlier pending or failed one.
func (r *dispatchRepository) BeginDispatch(ctx context.Context, d *model.Dispatch) error {
	d.Status = model.DispatchPending
	query := `
		INSERT INTO alert_dispatches (subscription_id, epoch_key, status, observed_price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subscription_id, epoch_key)
		DO UPDATE SET
			status = EXCLUDED.status,
			observed_price = EXCLUDED.observed_price,
			created_at = NOW(),
			completed_at = NULL
		RETURNING id, created_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		d.SubscriptionID, d.EpochKey, d.Status, d.ObservedPrice,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("begin dispatch: %w", err)
	}
	return nil
}

// CompleteDispatch confirms a dispatch with its final status.
func (r *dispatchRepository) CompleteDispatch(ctx context.Context, d *model.Dispatch) error {
	err := r.db.QueryRowxContext(ctx, `
		UPDATE alert_dispatches SET status = $2, completed_at = NOW()
		WHERE id = $1
		RETURNING completed_at
	`, d.ID, d.Status).Scan(&d.CompletedAt)
	if err != nil {
		return fmt.Errorf("complete dispatch: %w", err)
	}
	return nil
}

// LogAttempt records a single channel attempt
func (r *dispatchRepository) LogAttempt(ctx context.Context, a *model.NotificationAttempt) error {
	query := `
		INSERT INTO notification_attempts (
			subscription_id, dispatch_id, channel, rendered_message, result, error, retryable, test, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := r.db.QueryRowxContext(ctx, query,
		a.SubscriptionID, a.DispatchID, a.Channel, a.RenderedMessage, a.Result,
		a.Error, a.Retryable, a.Test, a.AttemptedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("log attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the newest attempts for a subscription
func (r *dispatchRepository) ListAttempts(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]model.NotificationAttempt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	attempts := []model.NotificationAttempt{}
	err := r.db.SelectContext(ctx, &attempts, `
		SELECT * FROM notification_attempts
		WHERE subscription_id = $1
		ORDER BY attempted_at DESC, id DESC
		LIMIT $2
	`, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return attempts, nil
}

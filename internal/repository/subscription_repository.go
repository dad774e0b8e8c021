package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/cropalert/backend/internal/model"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// SubscriptionRepository defines data access for alert subscriptions.
type SubscriptionRepository interface {
	Upsert(ctx context.Context, sub *model.Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.Subscription, error)
	ListActive(ctx context.Context) ([]model.Subscription, error)
	FindByKey(ctx context.Context, ownerID uuid.UUID, kind model.AlertKind, crop, location string) ([]model.Subscription, error)
	Deactivate(ctx context.Context, id uuid.UUID) (bool, error)

	RecordTrigger(ctx context.Context, id uuid.UUID, prevTriggeredAt *time.Time, triggeredAt time.Time, observed decimal.Decimal) (bool, error)
	RecordEvaluation(ctx context.Context, sub *model.Subscription, observed decimal.Decimal, conditionMet bool) (bool, error)
	RecordObservation(ctx context.Context, sub *model.Subscription, observed decimal.Decimal) (bool, error)
	SeedBaseline(ctx context.Context, sub *model.Subscription, baseline decimal.Decimal) (bool, error)
}

type subscriptionRepository struct {
	db *sqlx.DB
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *sqlx.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

// Upsert creates a subscription or reactivates the existing one with the
// same (owner, kind, crop, location) key. Edge state is reset when the
// record was inactive or its condition parameters changed.
func (r *subscriptionRepository) Upsert(ctx context.Context, sub *model.Subscription) error {
	query := `
		INSERT INTO alert_subscriptions (
			owner_id, kind, crop, location, target_price, change_percent,
			channel, phone, email, timezone, baseline_price
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (owner_id, kind, lower(crop), lower(location))
		DO UPDATE SET
			target_price = EXCLUDED.target_price,
			change_percent = EXCLUDED.change_percent,
			channel = EXCLUDED.channel,
			phone = EXCLUDED.phone,
			email = EXCLUDED.email,
			timezone = EXCLUDED.timezone,
			condition_met = CASE
				WHEN NOT alert_subscriptions.is_active
					OR alert_subscriptions.target_price IS DISTINCT FROM EXCLUDED.target_price
					OR alert_subscriptions.change_percent IS DISTINCT FROM EXCLUDED.change_percent
				THEN FALSE
				ELSE alert_subscriptions.condition_met
			END,
			baseline_price = COALESCE(EXCLUDED.baseline_price, alert_subscriptions.baseline_price),
			is_active = TRUE,
			updated_at = NOW()
		RETURNING id, is_active, condition_met, last_triggered_at, last_observed_price,
			baseline_price, created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		sub.OwnerID, sub.Kind, sub.Crop, sub.Location, sub.TargetPrice, sub.ChangePercent,
		sub.Channel, sub.Phone, sub.Email, sub.Timezone, sub.BaselinePrice,
	).Scan(
		&sub.ID, &sub.IsActive, &sub.ConditionMet, &sub.LastTriggeredAt, &sub.LastObservedPrice,
		&sub.BaselinePrice, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// GetByID returns a subscription by ID
func (r *subscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.GetContext(ctx, &sub, `SELECT * FROM alert_subscriptions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// ListByOwner returns all subscriptions of an owner, active or not.
func (r *subscriptionRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.Subscription, error) {
	subs := []model.Subscription{}
	err := r.db.SelectContext(ctx, &subs, `
		SELECT * FROM alert_subscriptions WHERE owner_id = $1 ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// ListActive returns every active subscription
func (r *subscriptionRepository) ListActive(ctx context.Context) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := r.db.SelectContext(ctx, &subs, `
		SELECT * FROM alert_subscriptions WHERE is_active ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return subs, nil
}

// FindByKey returns the owner's subscriptions of a kind. Empty crop or
// location matches any value.
func (r *subscriptionRepository) FindByKey(ctx context.Context, ownerID uuid.UUID, kind model.AlertKind, crop, location string) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := r.db.SelectContext(ctx, &subs, `
		SELECT * FROM alert_subscriptions
		WHERE owner_id = $1 AND kind = $2
			AND ($3 = '' OR lower(crop) = lower($3))
			AND ($4 = '' OR lower(location) = lower($4))
		ORDER BY created_at
	`, ownerID, kind, crop, location)
	if err != nil {
		return nil, fmt.Errorf("find subscriptions: %w", err)
	}
	return subs, nil
}

// Deactivate marks a subscription inactive. It reports whether the row changed.
func (r *subscriptionRepository) Deactivate(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE alert_subscriptions SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND is_active
	`, id)
	if err != nil {
		return false, fmt.Errorf("deactivate subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate subscription: %w", err)
	}
	return rows > 0, nil
}

// RecordTrigger stores a successful dispatch. The write only applies if
// last_triggered_at still equals prevTriggeredAt and the subscription is
// active; it reports whether it applied. last_triggered_at never moves back.
func (r *subscriptionRepository) RecordTrigger(ctx context.Context, id uuid.UUID, prevTriggeredAt *time.Time, triggeredAt time.Time, observed decimal.Decimal) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE alert_subscriptions SET
			last_triggered_at = GREATEST(COALESCE(last_triggered_at, $3), $3),
			condition_met = TRUE,
			last_observed_price = $4,
			baseline_price = $4,
			updated_at = NOW()
		WHERE id = $1 AND last_triggered_at IS NOT DISTINCT FROM $2 AND is_active
	`, id, prevTriggeredAt, triggeredAt, observed)
	if err != nil {
		return false, fmt.Errorf("record trigger: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record trigger: %w", err)
	}
	return rows > 0, nil
}

// loadedRow matches a subscription only while it is active and still holds
// the parameters and edge state the caller loaded. $1 to $4 come from
// loadedArgs. An unsubscribe or re-subscribe in between makes the write miss.
const loadedRow = `id = $1 AND is_active
	AND target_price IS NOT DISTINCT FROM $2
	AND change_percent IS NOT DISTINCT FROM $3
	AND condition_met = $4`

func loadedArgs(sub *model.Subscription, extra ...any) []any {
	return append([]any{sub.ID, sub.TargetPrice, sub.ChangePercent, sub.ConditionMet}, extra...)
}

func (r *subscriptionRepository) execLoaded(ctx context.Context, op, set string, sub *model.Subscription, extra ...any) (bool, error) {
	query := "UPDATE alert_subscriptions SET " + set + ", updated_at = NOW() WHERE " + loadedRow
	result, err := r.db.ExecContext(ctx, query, loadedArgs(sub, extra...)...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return rows > 0, nil
}

// RecordEvaluation stores the edge state of a non-triggering evaluation of
// sub as loaded. It reports whether the write applied.
func (r *subscriptionRepository) RecordEvaluation(ctx context.Context, sub *model.Subscription, observed decimal.Decimal, conditionMet bool) (bool, error) {
	return r.execLoaded(ctx, "record evaluation",
		"last_observed_price = $5, condition_met = $6", sub, observed, conditionMet)
}

// RecordObservation stores only the observed price, leaving edge state
// untouched so a failed dispatch is retried on the next run.
func (r *subscriptionRepository) RecordObservation(ctx context.Context, sub *model.Subscription, observed decimal.Decimal) (bool, error) {
	return r.execLoaded(ctx, "record observation", "last_observed_price = $5", sub, observed)
}

// SeedBaseline sets the percent-change baseline if none is stored yet.
func (r *subscriptionRepository) SeedBaseline(ctx context.Context, sub *model.Subscription, baseline decimal.Decimal) (bool, error) {
	return r.execLoaded(ctx, "seed baseline",
		"baseline_price = COALESCE(baseline_price, $5)", sub, baseline)
}

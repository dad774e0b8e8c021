package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cropalert/backend/internal/model"
)

// PriceRepository reads and records market price observations.
type PriceRepository interface {
	// LatestAt returns the most recent verified price at or before at, or
	// nil when the feed has none. Location "All" matches any location.
	LatestAt(ctx context.Context, crop, location string, at time.Time) (*model.PricePoint, error)
	Insert(ctx context.Context, p *model.PricePoint) error
	ListRecent(ctx context.Context, crop, location string, limit int) ([]model.PricePoint, error)
}

type priceRepository struct {
	db *sqlx.DB
}

// NewPriceRepository creates a new price repository
func NewPriceRepository(db *sqlx.DB) PriceRepository {
	return &priceRepository{db: db}
}

func anyLocation(location string) bool {
	location = strings.TrimSpace(location)
	return location == "" || strings.EqualFold(location, model.LocationAll)
}

func (r *priceRepository) LatestAt(ctx context.Context, crop, location string, at time.Time) (*model.PricePoint, error) {
	var (
		p   model.PricePoint
		err error
	)

	if anyLocation(location) {
		err = r.db.GetContext(ctx, &p, `
			SELECT * FROM market_prices
			WHERE lower(crop) = lower($1) AND verified AND observed_at <= $2
			ORDER BY observed_at DESC, id DESC
			LIMIT 1
		`, strings.TrimSpace(crop), at)
	} else {
		err = r.db.GetContext(ctx, &p, `
			SELECT * FROM market_prices
			WHERE lower(crop) = lower($1) AND lower(location) = lower($2)
				AND verified AND observed_at <= $3
			ORDER BY observed_at DESC, id DESC
			LIMIT 1
		`, strings.TrimSpace(crop), strings.TrimSpace(location), at)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest price: %w", err)
	}
	return &p, nil
}

// Insert records a new price observation
func (r *priceRepository) Insert(ctx context.Context, p *model.PricePoint) error {
	query := `
		INSERT INTO market_prices (crop, location, market, price, currency, unit, observed_at, verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		p.Crop, p.Location, p.Market, p.Price, p.Currency, p.Unit, p.ObservedAt, p.Verified,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert price: %w", err)
	}
	return nil
}

// ListRecent returns the newest observations for a crop, newest first.
func (r *priceRepository) ListRecent(ctx context.Context, crop, location string, limit int) ([]model.PricePoint, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	prices := []model.PricePoint{}
	var err error
	if anyLocation(location) {
		err = r.db.SelectContext(ctx, &prices, `
			SELECT * FROM market_prices
			WHERE lower(crop) = lower($1)
			ORDER BY observed_at DESC, id DESC
			LIMIT $2
		`, strings.TrimSpace(crop), limit)
	} else {
		err = r.db.SelectContext(ctx, &prices, `
			SELECT * FROM market_prices
			WHERE lower(crop) = lower($1) AND lower(location) = lower($2)
			ORDER BY observed_at DESC, id DESC
			LIMIT $3
		`, strings.TrimSpace(crop), strings.TrimSpace(location), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	return prices, nil
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is one verified observation from the market price feed.
type PricePoint struct {
	ID         int64           `db:"id" json:"id"`
	Crop       string          `db:"crop" json:"crop"`
	Location   string          `db:"location" json:"location"`
	Market     string          `db:"market" json:"market,omitempty"`
	Price      decimal.Decimal `db:"price" json:"price"`
	Currency   string          `db:"currency" json:"currency"`
	Unit       string          `db:"unit" json:"unit"`
	ObservedAt time.Time       `db:"observed_at" json:"observedAt"`
	Verified   bool            `db:"verified" json:"verified"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
}

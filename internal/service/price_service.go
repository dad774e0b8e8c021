package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/cropalert/backend/internal/apperror"
	"github.com/cropalert/backend/internal/model"
	"github.com/cropalert/backend/internal/repository"
	"github.com/cropalert/backend/pkg/currency"
)

const defaultUnit = "kg"

// PriceInput is a market price observation submitted to the feed.
type PriceInput struct {
	Crop       string          `json:"crop" validate:"required,max=100"`
	Location   string          `json:"location" validate:"required,max=100"`
	Market     string          `json:"market" validate:"max=100"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency" validate:"omitempty,len=3"`
	Unit       string          `json:"unit" validate:"max=20"`
	ObservedAt *time.Time      `json:"observedAt"`
	Verified   *bool           `json:"verified"`
}

// PriceService records and serves market prices.
type PriceService struct {
	repo            repository.PriceRepository
	defaultCurrency string
	validate        *validator.Validate
	now             func() time.Time
}

// NewPriceService creates a new price service
func NewPriceService(repo repository.PriceRepository, defaultCurrency string) *PriceService {
	if defaultCurrency == "" {
		defaultCurrency = string(currency.DefaultCurrency)
	}
	return &PriceService{
		repo:            repo,
		defaultCurrency: strings.ToUpper(defaultCurrency),
		validate:        newValidator(),
		now:             time.Now,
	}
}

// Record validates and stores a price point. Points are verified unless the
// caller says otherwise.
func (s *PriceService) Record(ctx context.Context, input PriceInput) (*model.PricePoint, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, toValidationError(err)
	}
	if !input.Price.IsPositive() {
		return nil, apperror.ValidationError("price", "price must be greater than zero")
	}
	if !fitsNumeric(input.Price, priceDigits, priceScale) {
		return nil, apperror.ValidationError("price", "price allows at most 2 decimal places and 12 integer digits")
	}
	if strings.EqualFold(strings.TrimSpace(input.Location), model.LocationAll) {
		return nil, apperror.ValidationError("location", "a concrete location is required")
	}

	code := strings.ToUpper(strings.TrimSpace(input.Currency))
	if code == "" {
		code = s.defaultCurrency
	}
	if !currency.IsValid(code) {
		return nil, apperror.ValidationError("currency", "currency must be one of "+currency.SupportedList())
	}

	p := &model.PricePoint{
		Crop:       strings.TrimSpace(input.Crop),
		Location:   strings.TrimSpace(input.Location),
		Market:     strings.TrimSpace(input.Market),
		Price:      input.Price,
		Currency:   code,
		Unit:       strings.TrimSpace(input.Unit),
		ObservedAt: s.now().UTC(),
		Verified:   true,
	}
	if p.Unit == "" {
		p.Unit = defaultUnit
	}
	if input.ObservedAt != nil {
		if input.ObservedAt.After(s.now().Add(5 * time.Minute)) {
			return nil, apperror.ValidationError("observedAt", "observedAt is in the future")
		}
		p.ObservedAt = input.ObservedAt.UTC()
	}
	if input.Verified != nil {
		p.Verified = *input.Verified
	}

	if err := s.repo.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("record price: %w", err)
	}
	return p, nil
}

// Latest returns the most recent verified price for the pair.
func (s *PriceService) Latest(ctx context.Context, crop, location string) (*model.PricePoint, error) {
	if strings.TrimSpace(crop) == "" {
		return nil, apperror.ValidationError("crop", "crop is required")
	}
	p, err := s.repo.LatestAt(ctx, crop, location, s.now())
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperror.NotFound("price")
	}
	return p, nil
}

// Recent lists the latest observations for the pair, newest first.
func (s *PriceService) Recent(ctx context.Context, crop, location string, limit int) ([]model.PricePoint, error) {
	if strings.TrimSpace(crop) == "" {
		return nil, apperror.ValidationError("crop", "crop is required")
	}
	return s.repo.ListRecent(ctx, crop, location, limit)
}

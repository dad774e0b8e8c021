package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cropalert/backend/internal/apperror"
	"github.com/cropalert/backend/internal/model"
	"github.com/cropalert/backend/internal/repository"
	"github.com/cropalert/backend/pkg/datetime"
)

const maxAttemptHistory = 100

// SubscribeInput is the request to create or reactivate subscriptions.
// Crop and Crops are merged; one subscription is stored per distinct crop.
type SubscribeInput struct {
	Kind          string           `json:"kind" validate:"required"`
	Crop          string           `json:"crop" validate:"max=100"`
	Crops         []string         `json:"crops" validate:"omitempty,max=20,dive,max=100"`
	Location      string           `json:"location" validate:"max=100"`
	TargetPrice   *decimal.Decimal `json:"targetPrice"`
	ChangePercent *decimal.Decimal `json:"changePercent"`
	Channel       string           `json:"channel" validate:"required"`
	Phone         string           `json:"phone" validate:"omitempty,e164"`
	Email         string           `json:"email" validate:"omitempty,email"`
	Timezone      string           `json:"timezone" validate:"omitempty,max=64"`
}

// UnsubscribeInput identifies the subscription to deactivate. Crop and
// Location are only needed when several active subscriptions match.
type UnsubscribeInput struct {
	Kind     string `json:"kind" validate:"required"`
	Crop     string `json:"crop" validate:"max=100"`
	Location string `json:"location" validate:"max=100"`
}

// SubscriptionService manages the subscription lifecycle.
type SubscriptionService struct {
	subRepo      repository.SubscriptionRepository
	dispatchRepo repository.DispatchRepository
	feed         PriceFeed
	validate     *validator.Validate
	now          func() time.Time
}

// NewSubscriptionService creates a new subscription service
func NewSubscriptionService(
	subRepo repository.SubscriptionRepository,
	dispatchRepo repository.DispatchRepository,
	feed PriceFeed,
) *SubscriptionService {
	return &SubscriptionService{
		subRepo:      subRepo,
		dispatchRepo: dispatchRepo,
		feed:         feed,
		validate:     newValidator(),
		now:          time.Now,
	}
}

// Subscribe validates the input and upserts one subscription per crop.
// Percent-change subscriptions take the current feed price as baseline.
func (s *SubscriptionService) Subscribe(ctx context.Context, ownerID uuid.UUID, input SubscribeInput) ([]model.Subscription, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, toValidationError(err)
	}

	kind := model.AlertKind(strings.TrimSpace(input.Kind))
	if !kind.IsValid() {
		return nil, apperror.ValidationError("kind", "must be one of threshold-above, threshold-below, percent-change, daily-digest")
	}
	channel := model.Channel(strings.TrimSpace(input.Channel))
	if !channel.IsValid() {
		return nil, apperror.ValidationError("channel", "must be one of sms, email, both")
	}

	crops := normalizeCrops(input.Crop, input.Crops)
	if len(crops) == 0 {
		return nil, apperror.ValidationError("crops", "at least one crop is required")
	}

	if err := validateParams(kind, input.TargetPrice, input.ChangePercent); err != nil {
		return nil, err
	}

	phone := strings.TrimSpace(input.Phone)
	email := strings.TrimSpace(input.Email)
	if channel.WantsSMS() && phone == "" {
		return nil, apperror.ValidationError("phone", "phone is required for sms alerts")
	}
	if channel.WantsEmail() && email == "" {
		return nil, apperror.ValidationError("email", "email is required for email alerts")
	}

	tz := strings.TrimSpace(input.Timezone)
	if tz != "" && !datetime.IsValidLocation(tz) {
		return nil, apperror.ValidationError("timezone", "unknown IANA timezone")
	}

	location := normalizeLocation(input.Location)

	subs := make([]model.Subscription, 0, len(crops))
	for _, crop := range crops {
		sub := model.Subscription{
			OwnerID:  ownerID,
			Kind:     kind,
			Crop:     crop,
			Location: location,
			Channel:  channel,
			Phone:    optional(phone),
			Email:    optional(email),
			Timezone: optional(tz),
		}
		if input.TargetPrice != nil && kind.IsThreshold() {
			sub.TargetPrice = decimal.NewNullDecimal(*input.TargetPrice)
		}
		if kind == model.KindPercentChange {
			sub.ChangePercent = decimal.NewNullDecimal(*input.ChangePercent)

			point, err := s.feed.LatestAt(ctx, crop, location, s.now())
			if err != nil {
				return nil, fmt.Errorf("get baseline price: %w", err)
			}
			if point != nil {
				sub.BaselinePrice = decimal.NewNullDecimal(point.Price)
			}
		}
		subs = append(subs, sub)
	}

	// Nothing is written until every crop has its baseline.
	for i := range subs {
		if err := s.subRepo.Upsert(ctx, &subs[i]); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", subs[i].Crop, err)
		}
	}

	return subs, nil
}

// Unsubscribe deactivates the owner's matching subscription. Deactivating an
// inactive subscription is a no-op. It returns the matched subscription.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, ownerID uuid.UUID, input UnsubscribeInput) (*model.Subscription, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, toValidationError(err)
	}
	kind := model.AlertKind(strings.TrimSpace(input.Kind))
	if !kind.IsValid() {
		return nil, apperror.ValidationError("kind", "must be one of threshold-above, threshold-below, percent-change, daily-digest")
	}

	location := strings.TrimSpace(input.Location)
	if location != "" {
		location = normalizeLocation(location)
	}

	matches, err := s.subRepo.FindByKey(ctx, ownerID, kind, strings.TrimSpace(input.Crop), location)
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	if len(matches) == 0 {
		return nil, apperror.NotFound("subscription")
	}

	var active []model.Subscription
	for _, m := range matches {
		if m.IsActive {
			active = append(active, m)
		}
	}

	switch len(active) {
	case 0:
		return &matches[0], nil
	case 1:
	default:
		return nil, apperror.BadRequest("several subscriptions match; specify crop and location")
	}

	sub := active[0]
	if _, err := s.subRepo.Deactivate(ctx, sub.ID); err != nil {
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}
	sub.IsActive = false
	return &sub, nil
}

// List returns every subscription of the owner, active or not.
func (s *SubscriptionService) List(ctx context.Context, ownerID uuid.UUID) ([]model.Subscription, error) {
	return s.subRepo.ListByOwner(ctx, ownerID)
}

// Get returns a subscription if ownerID owns it. Admins pass uuid.Nil.
func (s *SubscriptionService) Get(ctx context.Context, ownerID, id uuid.UUID) (*model.Subscription, error) {
	sub, err := s.subRepo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrSubscriptionNotFound) {
		return nil, apperror.NotFound("subscription")
	}
	if err != nil {
		return nil, err
	}
	if ownerID != uuid.Nil && sub.OwnerID != ownerID {
		return nil, apperror.NotFound("subscription")
	}
	return sub, nil
}

// ListAttempts returns the most recent notification attempts of an owned subscription.
func (s *SubscriptionService) ListAttempts(ctx context.Context, ownerID, id uuid.UUID) ([]model.NotificationAttempt, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.dispatchRepo.ListAttempts(ctx, id, maxAttemptHistory)
}

func validateParams(kind model.AlertKind, target, percent *decimal.Decimal) error {
	switch kind {
	case model.KindThresholdAbove, model.KindThresholdBelow:
		if target == nil {
			return apperror.ValidationError("targetPrice", "targetPrice is required for threshold alerts")
		}
		if target.IsNegative() {
			return apperror.ValidationError("targetPrice", "targetPrice must not be negative")
		}
		if !fitsNumeric(*target, priceDigits, priceScale) {
			return apperror.ValidationError("targetPrice", "targetPrice allows at most 2 decimal places and 12 integer digits")
		}
		if percent != nil {
			return apperror.ValidationError("changePercent", "changePercent is not allowed for threshold alerts")
		}
	case model.KindPercentChange:
		if percent == nil || percent.IsZero() {
			return apperror.ValidationError("changePercent", "a non-zero changePercent is required")
		}
		if !fitsNumeric(*percent, percentDigits, percentScale) {
			return apperror.ValidationError("changePercent", "changePercent allows at most 3 decimal places and 6 integer digits")
		}
		if target != nil {
			return apperror.ValidationError("targetPrice", "targetPrice is not allowed for percent-change alerts")
		}
	case model.KindDailyDigest:
		if target != nil {
			return apperror.ValidationError("targetPrice", "targetPrice is not allowed for daily-digest alerts")
		}
		if percent != nil {
			return apperror.ValidationError("changePercent", "changePercent is not allowed for daily-digest alerts")
		}
	}
	return nil
}

// normalizeCrops merges crop and crops, trimming and dropping
// case-insensitive duplicates.
func normalizeCrops(crop string, crops []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range append([]string{crop}, crops...) {
		c = strings.TrimSpace(c)
		if c == "" || seen[strings.ToLower(c)] {
			continue
		}
		seen[strings.ToLower(c)] = true
		out = append(out, c)
	}
	return out
}

func normalizeLocation(location string) string {
	location = strings.TrimSpace(location)
	if location == "" || strings.EqualFold(location, model.LocationAll) {
		return model.LocationAll
	}
	return location
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

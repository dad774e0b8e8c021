package handler

import (
	"context"

	"github.com/google/uuid"

	"github.com/cropalert/backend/internal/model"
	"github.com/cropalert/backend/internal/scheduler"
	"github.com/cropalert/backend/internal/service"
)

// SubscriptionServiceInterface for handler testing
type SubscriptionServiceInterface interface {
	Subscribe(ctx context.Context, ownerID uuid.UUID, input service.SubscribeInput) ([]model.Subscription, error)
	Unsubscribe(ctx context.Context, ownerID uuid.UUID, input service.UnsubscribeInput) (*model.Subscription, error)
	List(ctx context.Context, ownerID uuid.UUID) ([]model.Subscription, error)
	Get(ctx context.Context, ownerID, id uuid.UUID) (*model.Subscription, error)
	ListAttempts(ctx context.Context, ownerID, id uuid.UUID) ([]model.NotificationAttempt, error)
}

// AlertRunnerInterface for handler testing
type AlertRunnerInterface interface {
	TestSend(ctx context.Context, id uuid.UUID, real bool) (*service.SubscriptionOutcome, error)
	Status() service.RunnerStatus
}

// RunTrigger starts an on-demand run and reports scheduled run health.
// Implemented by *scheduler.Scheduler.
type RunTrigger interface {
	RunNow(ctx context.Context) (*service.RunReport, error)
	Health() scheduler.HealthStatus
}

// PriceServiceInterface for handler testing
type PriceServiceInterface interface {
	Record(ctx context.Context, input service.PriceInput) (*model.PricePoint, error)
	Latest(ctx context.Context, crop, location string) (*model.PricePoint, error)
	Recent(ctx context.Context, crop, location string, limit int) ([]model.PricePoint, error)
}

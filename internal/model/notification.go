package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AttemptResult is the outcome of one channel send.
type AttemptResult string

const (
	ResultSent    AttemptResult = "sent"
	ResultFailed  AttemptResult = "failed"
	ResultSkipped AttemptResult = "skipped"
)

// NotificationAttempt records a single send on a single channel.
type NotificationAttempt struct {
	ID              int64         `db:"id" json:"id"`
	SubscriptionID  uuid.UUID     `db:"subscription_id" json:"subscriptionId"`
	DispatchID      *int64        `db:"dispatch_id" json:"dispatchId,omitempty"`
	Channel         Channel       `db:"channel" json:"channel"`
	RenderedMessage string        `db:"rendered_message" json:"renderedMessage"`
	Result          AttemptResult `db:"result" json:"result"`
	Error           *string       `db:"error" json:"error,omitempty"`
	Retryable       bool          `db:"retryable" json:"retryable"`
	Test            bool          `db:"test" json:"test"`
	AttemptedAt     time.Time     `db:"attempted_at" json:"attemptedAt"`
}

// DispatchStatus tracks a dispatch from intent to confirmation.
type DispatchStatus string

const (
	DispatchPending DispatchStatus = "pending"
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
)

// InitialEpoch is the epoch key of a subscription that has never triggered.
const InitialEpoch = "initial"

// Dispatch is the intent/confirmation record written around a notification send.
// EpochKey identifies the trigger it belongs to: the subscription's
// lastTriggeredAt at the time the trigger was evaluated.
type Dispatch struct {
	ID             int64           `db:"id" json:"id"`
	SubscriptionID uuid.UUID       `db:"subscription_id" json:"subscriptionId"`
	EpochKey       string          `db:"epoch_key" json:"epochKey"`
	Status         DispatchStatus  `db:"status" json:"status"`
	ObservedPrice  decimal.Decimal `db:"observed_price" json:"observedPrice"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
}

// EpochKey renders a lastTriggeredAt value as a dispatch epoch key.
func EpochKey(lastTriggeredAt *time.Time) string {
	if lastTriggeredAt == nil {
		return InitialEpoch
	}
	return lastTriggeredAt.UTC().Format(time.RFC3339Nano)
}

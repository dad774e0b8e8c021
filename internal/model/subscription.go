package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cropalert/backend/pkg/datetime"
)

// AlertKind is the condition family a subscription watches for.
type AlertKind string

const (
	KindThresholdAbove AlertKind = "threshold-above"
	KindThresholdBelow AlertKind = "threshold-below"
	KindPercentChange  AlertKind = "percent-change"
	KindDailyDigest    AlertKind = "daily-digest"
)

// AlertKinds lists every supported kind.
func AlertKinds() []AlertKind {
	return []AlertKind{KindThresholdAbove, KindThresholdBelow, KindPercentChange, KindDailyDigest}
}

// IsValid reports whether k is a known kind.
func (k AlertKind) IsValid() bool {
	switch k {
	case KindThresholdAbove, KindThresholdBelow, KindPercentChange, KindDailyDigest:
		return true
	}
	return false
}

// IsThreshold reports whether k compares against a target price.
func (k AlertKind) IsThreshold() bool {
	return k == KindThresholdAbove || k == KindThresholdBelow
}

// Channel is the delivery preference of a subscription.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelBoth  Channel = "both"
)

// IsValid reports whether c is a known channel preference.
func (c Channel) IsValid() bool {
	return c == ChannelSMS || c == ChannelEmail || c == ChannelBoth
}

// Targets expands a preference into the concrete channels to send on.
func (c Channel) Targets() []Channel {
	switch c {
	case ChannelSMS:
		return []Channel{ChannelSMS}
	case ChannelEmail:
		return []Channel{ChannelEmail}
	case ChannelBoth:
		return []Channel{ChannelSMS, ChannelEmail}
	}
	return nil
}

// WantsSMS reports whether SMS is among the selected channels.
func (c Channel) WantsSMS() bool { return c == ChannelSMS || c == ChannelBoth }

// WantsEmail reports whether email is among the selected channels.
func (c Channel) WantsEmail() bool { return c == ChannelEmail || c == ChannelBoth }

// LocationAll matches any location in the price feed.
const LocationAll = "All"

// Subscription is a user's standing request to be notified about a crop price.
type Subscription struct {
	ID              uuid.UUID           `db:"id" json:"id"`
	OwnerID         uuid.UUID           `db:"owner_id" json:"ownerId"`
	Kind            AlertKind           `db:"kind" json:"kind"`
	Crop            string              `db:"crop" json:"crop"`
	Location        string              `db:"location" json:"location"`
	TargetPrice     decimal.NullDecimal `db:"target_price" json:"targetPrice"`
	ChangePercent   decimal.NullDecimal `db:"change_percent" json:"changePercent"`
	Channel         Channel             `db:"channel" json:"channel"`
	Phone           *string             `db:"phone" json:"phone,omitempty"`
	Email           *string             `db:"email" json:"email,omitempty"`
	Timezone        *string             `db:"timezone" json:"timezone,omitempty"`
	IsActive        bool                `db:"is_active" json:"isActive"`
	LastTriggeredAt *time.Time          `db:"last_triggered_at" json:"lastTriggeredAt,omitempty"`

	// Edge state from the last recorded evaluation.
	ConditionMet      bool                `db:"condition_met" json:"conditionMet"`
	LastObservedPrice decimal.NullDecimal `db:"last_observed_price" json:"lastObservedPrice"`
	BaselinePrice     decimal.NullDecimal `db:"baseline_price" json:"baselinePrice"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// MatchesAnyLocation reports whether the subscription uses the "All" wildcard.
func (s *Subscription) MatchesAnyLocation() bool {
	return strings.EqualFold(strings.TrimSpace(s.Location), LocationAll)
}

// PhoneNumber returns the phone number or an empty string.
func (s *Subscription) PhoneNumber() string {
	if s.Phone == nil {
		return ""
	}
	return *s.Phone
}

// EmailAddress returns the email address or an empty string.
func (s *Subscription) EmailAddress() string {
	if s.Email == nil {
		return ""
	}
	return *s.Email
}

// Loc returns the subscription timezone, falling back to UTC when unset or unknown.
func (s *Subscription) Loc() *time.Location {
	if s.Timezone == nil {
		return time.UTC
	}
	return datetime.LoadLocation(*s.Timezone)
}

// GroupKey is the (crop, location) pair used to share one price lookup.
type GroupKey struct {
	Crop     string
	Location string
}

// Key returns the case-insensitive lookup key for the subscription.
func (s *Subscription) Key() GroupKey {
	loc := strings.ToLower(strings.TrimSpace(s.Location))
	if s.MatchesAnyLocation() {
		loc = strings.ToLower(LocationAll)
	}
	return GroupKey{
		Crop:     strings.ToLower(strings.TrimSpace(s.Crop)),
		Location: loc,
	}
}

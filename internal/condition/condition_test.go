package condition

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropalert/backend/internal/model"
)

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func thresholdSub(kind model.AlertKind, target string) *model.Subscription {
	return &model.Subscription{
		ID:          uuid.New(),
		Kind:        kind,
		Crop:        "Rice",
		Location:    "Colombo",
		TargetPrice: decimal.NewNullDecimal(decimal.RequireFromString(target)),
		Channel:     model.ChannelSMS,
		IsActive:    true,
	}
}

func percentSub(pct string) *model.Subscription {
	return &model.Subscription{
		ID:            uuid.New(),
		Kind:          model.KindPercentChange,
		Crop:          "Rice",
		Location:      "Colombo",
		ChangePercent: decimal.NewNullDecimal(decimal.RequireFromString(pct)),
		Channel:       model.ChannelEmail,
		IsActive:      true,
	}
}

// applyTrigger mimics what the runner persists after a successful dispatch.
func applyTrigger(sub *model.Subscription, d Decision, now time.Time) {
	if d.ShouldTrigger {
		sub.LastTriggeredAt = &now
	}
	sub.ConditionMet = d.ConditionMet
}

func TestThresholdAbove_Scenario(t *testing.T) {
	sub := thresholdSub(model.KindThresholdAbove, "100")
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	prices := []string{"95", "98", "105", "110"}
	want := []bool{false, false, true, false}

	for i, p := range prices {
		now = now.Add(5 * time.Minute)
		d := Evaluate(sub, Input{Current: price(p), Now: now})
		assert.Equal(t, want[i], d.ShouldTrigger, "price %s", p)
		applyTrigger(sub, d, now)
	}
	assert.NotNil(t, sub.LastTriggeredAt)
}

func TestThresholdAbove_FiresAgainAfterReset(t *testing.T) {
	sub := thresholdSub(model.KindThresholdAbove, "100")
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	d := Evaluate(sub, Input{Current: price("101"), Now: now})
	require.True(t, d.ShouldTrigger)
	applyTrigger(sub, d, now)

	d = Evaluate(sub, Input{Current: price("102"), Now: now.Add(time.Hour)})
	assert.False(t, d.ShouldTrigger)
	assert.Equal(t, ReasonAlreadyBeyond, d.Reason)
	applyTrigger(sub, d, now)

	d = Evaluate(sub, Input{Current: price("100"), Now: now.Add(2 * time.Hour)})
	assert.False(t, d.ShouldTrigger, "equal to target is not above")
	assert.False(t, d.ConditionMet)
	applyTrigger(sub, d, now)

	d = Evaluate(sub, Input{Current: price("100.01"), Now: now.Add(3 * time.Hour)})
	assert.True(t, d.ShouldTrigger)
	assert.Equal(t, ReasonCrossedAbove, d.Reason)
}

func TestThresholdBelow_Symmetric(t *testing.T) {
	sub := thresholdSub(model.KindThresholdBelow, "100")
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	prices := []string{"105", "102", "95", "90", "101", "99"}
	want := []bool{false, false, true, false, false, true}

	for i, p := range prices {
		now = now.Add(5 * time.Minute)
		d := Evaluate(sub, Input{Current: price(p), Now: now})
		assert.Equal(t, want[i], d.ShouldTrigger, "price %s", p)
		applyTrigger(sub, d, now)
	}
}

func TestThreshold_NeverTriggeredFiresWhenAlreadyBeyond(t *testing.T) {
	sub := thresholdSub(model.KindThresholdAbove, "100")
	sub.ConditionMet = true // evaluated before but dispatch never succeeded

	d := Evaluate(sub, Input{Current: price("120"), Now: time.Now()})
	assert.True(t, d.ShouldTrigger)
}

func TestPercentChange(t *testing.T) {
	tests := []struct {
		name     string
		pct      string
		previous *decimal.Decimal
		current  string
		want     bool
		reason   Reason
	}{
		{"rise reaches threshold", "10", price("100"), "112", true, ReasonChangeReached},
		{"rise below threshold", "10", price("100"), "105", false, ReasonNotMet},
		{"exact threshold", "10", price("100"), "110", true, ReasonChangeReached},
		{"drop does not satisfy rise", "10", price("100"), "80", false, ReasonNotMet},
		{"drop reaches negative threshold", "-5", price("100"), "94", true, ReasonChangeReached},
		{"rise does not satisfy drop", "-5", price("100"), "120", false, ReasonNotMet},
		{"no movement", "5", price("100"), "100", false, ReasonNotMet},
		{"zero baseline never triggers", "10", price("0"), "50", false, ReasonZeroBaseline},
		{"missing baseline", "10", nil, "50", false, ReasonNoBaseline},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sub := percentSub(tt.pct)
			d := Evaluate(sub, Input{Current: price(tt.current), Previous: tt.previous, Now: time.Now()})
			assert.Equal(t, tt.want, d.ShouldTrigger)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestPercentChange_ReportsComputedChange(t *testing.T) {
	d := Evaluate(percentSub("10"), Input{Current: price("112"), Previous: price("100"), Now: time.Now()})
	require.NotNil(t, d.ChangePercent)
	assert.True(t, d.ChangePercent.Equal(decimal.NewFromInt(12)))
}

func TestDailyDigest(t *testing.T) {
	colombo := "Asia/Colombo"
	yesterday := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	lateSameUTCDay := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC) // 01:30 May 2 in Colombo

	tests := []struct {
		name    string
		last    *time.Time
		tz      *string
		now     time.Time
		want    bool
		wantWhy Reason
	}{
		{"never triggered", nil, nil, yesterday, true, ReasonNewDay},
		{"same UTC day", &yesterday, nil, lateSameUTCDay, false, ReasonAlreadySentToday},
		{"next day in owner zone", &yesterday, &colombo, lateSameUTCDay, true, ReasonNewDay},
		{"next UTC day", &yesterday, nil, yesterday.Add(24 * time.Hour), true, ReasonNewDay},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sub := &model.Subscription{
				Kind:            model.KindDailyDigest,
				Crop:            "Onion",
				Location:        model.LocationAll,
				Timezone:        tt.tz,
				LastTriggeredAt: tt.last,
			}
			d := Evaluate(sub, Input{Current: price("300"), Now: tt.now})
			assert.Equal(t, tt.want, d.ShouldTrigger)
			assert.Equal(t, tt.wantWhy, d.Reason)
		})
	}
}

func TestEvaluate_NoData(t *testing.T) {
	subs := []*model.Subscription{
		thresholdSub(model.KindThresholdAbove, "100"),
		thresholdSub(model.KindThresholdBelow, "100"),
		percentSub("5"),
		{Kind: model.KindDailyDigest},
	}

	for _, sub := range subs {
		d := Evaluate(sub, Input{Current: nil, Previous: price("100"), Now: time.Now()})
		assert.False(t, d.ShouldTrigger, string(sub.Kind))
		assert.True(t, d.NoData(), string(sub.Kind))
	}
}

func TestForSubscription(t *testing.T) {
	t.Run("threshold without target", func(t *testing.T) {
		_, err := ForSubscription(&model.Subscription{Kind: model.KindThresholdAbove})
		assert.ErrorIs(t, err, ErrInvalidCondition)
	})

	t.Run("percent with zero change", func(t *testing.T) {
		sub := percentSub("0")
		_, err := ForSubscription(sub)
		assert.ErrorIs(t, err, ErrInvalidCondition)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := ForSubscription(&model.Subscription{Kind: "weekly"})
		assert.ErrorIs(t, err, ErrInvalidCondition)

		d := Evaluate(&model.Subscription{Kind: "weekly"}, Input{Current: price("1")})
		assert.Equal(t, ReasonInvalid, d.Reason)
	})

	t.Run("variants", func(t *testing.T) {
		for _, kind := range model.AlertKinds() {
			sub := &model.Subscription{
				Kind:          kind,
				TargetPrice:   decimal.NewNullDecimal(decimal.NewFromInt(1)),
				ChangePercent: decimal.NewNullDecimal(decimal.NewFromInt(1)),
			}
			cond, err := ForSubscription(sub)
			require.NoError(t, err)
			assert.Equal(t, kind, cond.Kind())
		}
	})
}

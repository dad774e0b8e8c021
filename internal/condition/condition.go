// Package condition decides whether a subscription should fire for an
// observed price. Evaluation is pure: no I/O and no clock reads.
package condition

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cropalert/backend/internal/model"
	"github.com/cropalert/backend/pkg/datetime"
)

var hundred = decimal.NewFromInt(100)

// ErrInvalidCondition is returned when a stored subscription lacks the
// parameters its kind requires.
var ErrInvalidCondition = errors.New("invalid condition")

// Reason explains a Decision.
type Reason string

const (
	ReasonCrossedAbove     Reason = "crossed-above"
	ReasonCrossedBelow     Reason = "crossed-below"
	ReasonAlreadyBeyond    Reason = "already-beyond"
	ReasonNotMet           Reason = "not-met"
	ReasonChangeReached    Reason = "change-reached"
	ReasonZeroBaseline     Reason = "zero-baseline"
	ReasonNewDay           Reason = "new-day"
	ReasonAlreadySentToday Reason = "already-sent-today"
	ReasonNoData           Reason = "no-data"
	ReasonNoBaseline       Reason = "no-baseline"
	ReasonInvalid          Reason = "invalid"
)

// State is the persisted edge state of a subscription.
type State struct {
	ConditionMet    bool
	LastTriggeredAt *time.Time
}

// Input carries the prices and clock for one evaluation.
// Current is nil when the feed has no price for the pair.
// Previous is the percent-change baseline and may be nil.
type Input struct {
	Current  *decimal.Decimal
	Previous *decimal.Decimal
	Now      time.Time
}

// Decision is the outcome of evaluating a condition.
type Decision struct {
	ShouldTrigger bool   `json:"shouldTrigger"`
	Reason        Reason `json:"reason"`
	// ConditionMet is the raw condition for the current price, ignoring edge state.
	ConditionMet bool `json:"conditionMet"`
	// ChangePercent is set for percent-change evaluations with a usable baseline.
	ChangePercent *decimal.Decimal `json:"changePercent,omitempty"`
}

// NoData reports whether the decision was made without a current price.
func (d Decision) NoData() bool {
	return d.Reason == ReasonNoData
}

// Condition is one variant of the closed set of alert conditions.
type Condition interface {
	Kind() model.AlertKind
	evaluate(state State, in Input) Decision
}

// ThresholdAbove fires when the price rises above Target.
type ThresholdAbove struct {
	Target decimal.Decimal
}

// ThresholdBelow fires when the price falls below Target.
type ThresholdBelow struct {
	Target decimal.Decimal
}

// PercentChange fires when the move from the baseline reaches Percent in
// the same direction. Negative Percent watches for drops.
type PercentChange struct {
	Percent decimal.Decimal
}

// DailyDigest fires at most once per calendar day in Location.
type DailyDigest struct {
	Location *time.Location
}

func (ThresholdAbove) Kind() model.AlertKind { return model.KindThresholdAbove }
func (ThresholdBelow) Kind() model.AlertKind { return model.KindThresholdBelow }
func (PercentChange) Kind() model.AlertKind  { return model.KindPercentChange }
func (DailyDigest) Kind() model.AlertKind    { return model.KindDailyDigest }

// ForSubscription maps a stored subscription onto its condition variant.
func ForSubscription(sub *model.Subscription) (Condition, error) {
	switch sub.Kind {
	case model.KindThresholdAbove:
		if !sub.TargetPrice.Valid {
			return nil, fmt.Errorf("%w: %s requires targetPrice", ErrInvalidCondition, sub.Kind)
		}
		return ThresholdAbove{Target: sub.TargetPrice.Decimal}, nil
	case model.KindThresholdBelow:
		if !sub.TargetPrice.Valid {
			return nil, fmt.Errorf("%w: %s requires targetPrice", ErrInvalidCondition, sub.Kind)
		}
		return ThresholdBelow{Target: sub.TargetPrice.Decimal}, nil
	case model.KindPercentChange:
		if !sub.ChangePercent.Valid || sub.ChangePercent.Decimal.IsZero() {
			return nil, fmt.Errorf("%w: %s requires non-zero changePercent", ErrInvalidCondition, sub.Kind)
		}
		return PercentChange{Percent: sub.ChangePercent.Decimal}, nil
	case model.KindDailyDigest:
		return DailyDigest{Location: sub.Loc()}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidCondition, sub.Kind)
	}
}

// StateOf extracts the edge state from a subscription.
func StateOf(sub *model.Subscription) State {
	return State{
		ConditionMet:    sub.ConditionMet,
		LastTriggeredAt: sub.LastTriggeredAt,
	}
}

// Evaluate decides whether sub should trigger for the given input.
func Evaluate(sub *model.Subscription, in Input) Decision {
	cond, err := ForSubscription(sub)
	if err != nil {
		return Decision{Reason: ReasonInvalid}
	}
	return EvaluateCondition(cond, StateOf(sub), in)
}

// EvaluateCondition evaluates an already-resolved condition.
func EvaluateCondition(cond Condition, state State, in Input) Decision {
	if in.Current == nil {
		return Decision{Reason: ReasonNoData}
	}
	return cond.evaluate(state, in)
}

func (c ThresholdAbove) evaluate(state State, in Input) Decision {
	met := in.Current.GreaterThan(c.Target)
	return edge(met, state, ReasonCrossedAbove)
}

func (c ThresholdBelow) evaluate(state State, in Input) Decision {
	met := in.Current.LessThan(c.Target)
	return edge(met, state, ReasonCrossedBelow)
}

// edge fires only on a false to true transition of the condition.
func edge(met bool, state State, crossed Reason) Decision {
	switch {
	case !met:
		return Decision{Reason: ReasonNotMet}
	case state.ConditionMet && state.LastTriggeredAt != nil:
		return Decision{Reason: ReasonAlreadyBeyond, ConditionMet: true}
	default:
		return Decision{ShouldTrigger: true, Reason: crossed, ConditionMet: true}
	}
}

func (c PercentChange) evaluate(_ State, in Input) Decision {
	if in.Previous == nil {
		return Decision{Reason: ReasonNoBaseline}
	}
	if in.Previous.IsZero() {
		return Decision{Reason: ReasonZeroBaseline}
	}

	pct := in.Current.Sub(*in.Previous).Div(*in.Previous).Mul(hundred)
	d := Decision{Reason: ReasonNotMet, ChangePercent: &pct}

	if pct.Sign() == c.Percent.Sign() && pct.Abs().GreaterThanOrEqual(c.Percent.Abs()) {
		d.ShouldTrigger = true
		d.ConditionMet = true
		d.Reason = ReasonChangeReached
	}
	return d
}

func (c DailyDigest) evaluate(state State, in Input) Decision {
	if state.LastTriggeredAt != nil && datetime.SameDay(*state.LastTriggeredAt, in.Now, c.Location) {
		return Decision{Reason: ReasonAlreadySentToday}
	}
	return Decision{ShouldTrigger: true, Reason: ReasonNewDay, ConditionMet: true}
}

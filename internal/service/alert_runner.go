package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/cropalert/backend/internal/apperror"
	"github.com/cropalert/backend/internal/condition"
	"github.com/cropalert/backend/internal/logger"
	"github.com/cropalert/backend/internal/model"
	"github.com/cropalert/backend/internal/notify"
)

var (
	// ErrRunInProgress is returned when Run is called while another run holds the lock.
	ErrRunInProgress = errors.New("alert run already in progress")
	// ErrLoadSubscriptions aborts a run before anything is evaluated or written.
	ErrLoadSubscriptions = errors.New("load active subscriptions")
	// ErrNoPriceData is returned by a test send when the feed has no price to render.
	ErrNoPriceData = errors.New("no price data")
)

// DefaultWorkerConcurrency caps the number of subscriptions processed at once.
const DefaultWorkerConcurrency = 20

// PriceFeed supplies verified market prices.
type PriceFeed interface {
	LatestAt(ctx context.Context, crop, location string, at time.Time) (*model.PricePoint, error)
}

// SubscriptionStore is the subscription state the runner reads and writes.
type SubscriptionStore interface {
	ListActive(ctx context.Context) ([]model.Subscription, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	RecordTrigger(ctx context.Context, id uuid.UUID, prevTriggeredAt *time.Time, triggeredAt time.Time, observed decimal.Decimal) (bool, error)
	RecordEvaluation(ctx context.Context, sub *model.Subscription, observed decimal.Decimal, conditionMet bool) (bool, error)
	RecordObservation(ctx context.Context, sub *model.Subscription, observed decimal.Decimal) (bool, error)
	SeedBaseline(ctx context.Context, sub *model.Subscription, baseline decimal.Decimal) (bool, error)
}

// DispatchStore records dispatch intent, confirmation and channel attempts.
type DispatchStore interface {
	FindDispatch(ctx context.Context, subscriptionID uuid.UUID, epochKey string) (*model.Dispatch, error)
	BeginDispatch(ctx context.Context, d *model.Dispatch) error
	CompleteDispatch(ctx context.Context, d *model.Dispatch) error
	LogAttempt(ctx context.Context, a *model.NotificationAttempt) error
}

// MessageRenderer turns an alert payload into channel messages.
type MessageRenderer interface {
	Render(p notify.Payload) (notify.Message, error)
}

// Notifier sends a rendered message on the subscription's channels.
type Notifier interface {
	Dispatch(ctx context.Context, sub *model.Subscription, msg notify.Message) notify.DispatchResult
}

// Phase is the runner's position in a run.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseLoading     Phase = "loading"
	PhaseEvaluating  Phase = "evaluating"
	PhaseDispatching Phase = "dispatching"
	PhasePersisting  Phase = "persisting"
)

// OutcomeStatus summarizes what happened to one subscription in a run.
type OutcomeStatus string

const (
	OutcomeSent      OutcomeStatus = "sent"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeNotFired  OutcomeStatus = "not-triggered"
	OutcomeNoData    OutcomeStatus = "no-data"
	OutcomeRecovered OutcomeStatus = "recovered"
	OutcomeStale     OutcomeStatus = "stale"
	OutcomeError     OutcomeStatus = "error"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// SubscriptionOutcome is the per-subscription entry of a RunReport.
type SubscriptionOutcome struct {
	SubscriptionID uuid.UUID              `json:"subscriptionId"`
	Kind           model.AlertKind        `json:"kind"`
	Status         OutcomeStatus          `json:"status"`
	Reason         condition.Reason       `json:"reason,omitempty"`
	Price          *decimal.Decimal       `json:"price,omitempty"`
	ChangePercent  *decimal.Decimal       `json:"changePercent,omitempty"`
	Channels       []notify.ChannelResult `json:"channels,omitempty"`
	Test           bool                   `json:"test,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// RunReport summarizes one run of the alert engine.
type RunReport struct {
	RunID         string                `json:"runId"`
	StartedAt     time.Time             `json:"startedAt"`
	FinishedAt    time.Time             `json:"finishedAt"`
	Subscriptions int                   `json:"subscriptions"`
	Groups        int                   `json:"groups"`
	Counts        map[OutcomeStatus]int `json:"counts"`
	Outcomes      []SubscriptionOutcome `json:"outcomes"`
}

// Count returns the number of subscriptions that ended in status.
func (r *RunReport) Count(status OutcomeStatus) int {
	return r.Counts[status]
}

// Duration is the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunnerStatus is a snapshot of the runner for health endpoints.
type RunnerStatus struct {
	Phase      Phase      `json:"phase"`
	Running    bool       `json:"running"`
	RunID      string     `json:"runId,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	LastReport *RunReport `json:"lastReport,omitempty"`
}

// RunnerConfig tunes an AlertRunner.
type RunnerConfig struct {
	Concurrency int
	Now         func() time.Time
}

// AlertRunner evaluates every active subscription against the latest prices
// and dispatches notifications for the ones that trigger.
type AlertRunner struct {
	subs       SubscriptionStore
	dispatches DispatchStore
	feed       PriceFeed
	renderer   MessageRenderer
	notifier   Notifier

	concurrency int
	now         func() time.Time

	runMu sync.Mutex

	stateMu    sync.RWMutex
	phase      Phase
	runID      string
	startedAt  time.Time
	lastReport *RunReport
}

// NewAlertRunner creates a new alert runner
func NewAlertRunner(
	subs SubscriptionStore,
	dispatches DispatchStore,
	feed PriceFeed,
	renderer MessageRenderer,
	notifier Notifier,
	cfg RunnerConfig,
) *AlertRunner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultWorkerConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &AlertRunner{
		subs:        subs,
		dispatches:  dispatches,
		feed:        feed,
		renderer:    renderer,
		notifier:    notifier,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		phase:       PhaseIdle,
	}
}

// Status returns the current phase and the report of the last finished run.
func (r *AlertRunner) Status() RunnerStatus {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	st := RunnerStatus{
		Phase:      r.phase,
		Running:    r.phase != PhaseIdle,
		LastReport: r.lastReport,
	}
	if st.Running {
		st.RunID = r.runID
		started := r.startedAt
		st.StartedAt = &started
	}
	return st
}

func (r *AlertRunner) setPhase(p Phase) {
	r.stateMu.Lock()
	r.phase = p
	r.stateMu.Unlock()
}

// Run executes one cycle. It never waits for a concurrent run: if one is in
// progress it returns ErrRunInProgress immediately.
func (r *AlertRunner) Run(ctx context.Context) (*RunReport, error) {
	if !r.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.runMu.Unlock()

	report := &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: r.now(),
		Counts:    make(map[OutcomeStatus]int),
	}
	ctx = logger.WithRunID(ctx, report.RunID)
	log := logger.FromContext(ctx)

	r.stateMu.Lock()
	r.runID = report.RunID
	r.startedAt = report.StartedAt
	r.phase = PhaseLoading
	r.stateMu.Unlock()
	defer r.setPhase(PhaseIdle)

	subs, err := r.subs.ListActive(ctx)
	if err != nil {
		log.Error("alert run aborted", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrLoadSubscriptions, err)
	}
	report.Subscriptions = len(subs)

	now := r.now()

	r.setPhase(PhaseEvaluating)
	groups, order := groupByKey(subs)
	report.Groups = len(order)
	prices := r.fetchPrices(ctx, groups, order, now)

	r.setPhase(PhaseDispatching)
	report.Outcomes = make([]SubscriptionOutcome, len(subs))

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for i := range subs {
		sub := &subs[i]
		if ctx.Err() != nil {
			report.Outcomes[i] = cancelled(sub)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				report.Outcomes[i] = cancelled(sub)
				return nil
			}
			lookup := prices[sub.Key()]
			if lookup.err != nil {
				report.Outcomes[i] = errorOutcome(sub, lookup.err)
				return nil
			}
			sctx := logger.WithSubscriptionID(ctx, sub.ID.String())
			report.Outcomes[i] = r.process(sctx, sub, lookup.point, now)
			return nil
		})
	}
	_ = g.Wait()

	r.setPhase(PhasePersisting)
	for _, o := range report.Outcomes {
		report.Counts[o.Status]++
	}
	report.FinishedAt = r.now()

	r.stateMu.Lock()
	r.lastReport = report
	r.stateMu.Unlock()

	log.Info("alert run finished",
		slog.Int("subscriptions", report.Subscriptions),
		slog.Int("groups", report.Groups),
		slog.Int("sent", report.Count(OutcomeSent)),
		slog.Int("failed", report.Count(OutcomeFailed)),
		slog.Int("errors", report.Count(OutcomeError)),
		slog.Duration("duration", report.Duration()),
	)

	return report, nil
}

type priceLookup struct {
	point *model.PricePoint
	err   error
}

// groupByKey buckets subscriptions by lookup key, keeping first-seen order.
func groupByKey(subs []model.Subscription) (map[model.GroupKey]*model.Subscription, []model.GroupKey) {
	groups := make(map[model.GroupKey]*model.Subscription)
	var order []model.GroupKey
	for i := range subs {
		key := subs[i].Key()
		if _, ok := groups[key]; !ok {
			groups[key] = &subs[i]
			order = append(order, key)
		}
	}
	return groups, order
}

// fetchPrices performs one feed lookup per group.
func (r *AlertRunner) fetchPrices(ctx context.Context, groups map[model.GroupKey]*model.Subscription, order []model.GroupKey, at time.Time) map[model.GroupKey]priceLookup {
	var mu sync.Mutex
	out := make(map[model.GroupKey]priceLookup, len(order))

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for _, key := range order {
		rep := groups[key]
		g.Go(func() error {
			point, err := r.feed.LatestAt(ctx, rep.Crop, rep.Location, at)
			if err != nil {
				err = fmt.Errorf("price lookup %s/%s: %w", key.Crop, key.Location, err)
				logger.FromContext(ctx).Warn("price lookup failed", slog.String("error", err.Error()))
			}
			mu.Lock()
			out[key] = priceLookup{point: point, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// process runs the pipeline for one subscription: recover a confirmed
// dispatch, resolve the baseline, evaluate, and then either dispatch and
// record the trigger or persist the evaluation state.
func (r *AlertRunner) process(ctx context.Context, sub *model.Subscription, point *model.PricePoint, now time.Time) SubscriptionOutcome {
	log := logger.FromContext(ctx)
	out := SubscriptionOutcome{SubscriptionID: sub.ID, Kind: sub.Kind}

	recovered, err := r.recover(ctx, sub)
	if err != nil {
		log.Error("dispatch recovery failed", slog.String("error", err.Error()))
		return withError(out, err)
	}

	if point == nil {
		out.Status = OutcomeNoData
		out.Reason = condition.ReasonNoData
		log.Debug("no price data", slog.String("crop", sub.Crop), slog.String("location", sub.Location))
		return markRecovered(out, recovered)
	}

	current := point.Price
	out.Price = &current

	var previous *decimal.Decimal
	if sub.Kind == model.KindPercentChange {
		if !sub.BaselinePrice.Valid {
			applied, err := r.subs.SeedBaseline(ctx, sub, current)
			if err != nil {
				log.Error("seed baseline failed", slog.String("error", err.Error()))
				return withError(out, err)
			}
			if !applied {
				return stale(ctx, out, "seed baseline")
			}
			out.Status = OutcomeNotFired
			out.Reason = condition.ReasonNoBaseline
			log.Debug("baseline seeded", slog.String("baseline", current.String()))
			return markRecovered(out, recovered)
		}
		baseline := sub.BaselinePrice.Decimal
		previous = &baseline
	}

	decision := condition.Evaluate(sub, condition.Input{Current: &current, Previous: previous, Now: now})
	out.Reason = decision.Reason
	out.ChangePercent = decision.ChangePercent

	if decision.Reason == condition.ReasonInvalid {
		return withError(out, condition.ErrInvalidCondition)
	}

	if !decision.ShouldTrigger {
		applied, err := r.subs.RecordEvaluation(ctx, sub, current, decision.ConditionMet)
		if err != nil {
			log.Error("record evaluation failed", slog.String("error", err.Error()))
			return withError(out, err)
		}
		if !applied {
			return stale(ctx, out, "record evaluation")
		}
		out.Status = OutcomeNotFired
		return markRecovered(out, recovered)
	}

	return r.deliver(ctx, sub, point, previous, decision, out)
}

// recover applies a confirmed dispatch whose trigger write never landed, so
// the alert is not sent twice. It updates sub in place when it applies.
func (r *AlertRunner) recover(ctx context.Context, sub *model.Subscription) (bool, error) {
	d, err := r.dispatches.FindDispatch(ctx, sub.ID, model.EpochKey(sub.LastTriggeredAt))
	if err != nil {
		return false, err
	}
	if d == nil || d.Status != model.DispatchSent || d.CompletedAt == nil {
		return false, nil
	}

	applied, err := r.subs.RecordTrigger(ctx, sub.ID, sub.LastTriggeredAt, *d.CompletedAt, d.ObservedPrice)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	at := *d.CompletedAt
	sub.LastTriggeredAt = &at
	sub.ConditionMet = true
	sub.LastObservedPrice = decimal.NewNullDecimal(d.ObservedPrice)
	sub.BaselinePrice = decimal.NewNullDecimal(d.ObservedPrice)

	logger.FromContext(ctx).Info("recovered confirmed dispatch",
		slog.Int64("dispatch_id", d.ID),
		slog.Time("triggered_at", at),
	)
	return true, nil
}

func (r *AlertRunner) deliver(
	ctx context.Context,
	sub *model.Subscription,
	point *model.PricePoint,
	previous *decimal.Decimal,
	decision condition.Decision,
	out SubscriptionOutcome,
) SubscriptionOutcome {
	log := logger.FromContext(ctx)
	current := point.Price

	msg, err := r.renderer.Render(notify.NewPayload(sub, point, previous, decision.ChangePercent))
	if err != nil {
		log.Error("render failed", slog.String("error", err.Error()))
		return withError(out, err)
	}

	d := &model.Dispatch{
		SubscriptionID: sub.ID,
		EpochKey:       model.EpochKey(sub.LastTriggeredAt),
		Status:         model.DispatchPending,
		ObservedPrice:  current,
	}
	if err := r.dispatches.BeginDispatch(ctx, d); err != nil {
		log.Error("begin dispatch failed", slog.String("error", err.Error()))
		return withError(out, err)
	}

	result := r.notifier.Dispatch(ctx, sub, msg)
	out.Channels = result.Channels()
	r.logAttempts(ctx, sub, &d.ID, msg, result, false)

	d.Status = model.DispatchFailed
	if result.Delivered() {
		d.Status = model.DispatchSent
	}
	if err := r.dispatches.CompleteDispatch(ctx, d); err != nil {
		log.Error("complete dispatch failed", slog.String("error", err.Error()))
	}

	if !result.Delivered() {
		out.Status = OutcomeFailed
		applied, err := r.subs.RecordObservation(ctx, sub, current)
		if err != nil {
			log.Error("record observation failed", slog.String("error", err.Error()))
			return withError(out, err)
		}
		if !applied {
			log.Warn("subscription changed during run, observation dropped")
		}
		return out
	}

	triggeredAt := r.now()
	if d.CompletedAt != nil {
		triggeredAt = *d.CompletedAt
	}
	applied, err := r.subs.RecordTrigger(ctx, sub.ID, sub.LastTriggeredAt, triggeredAt, current)
	if err != nil {
		log.Error("record trigger failed", slog.String("error", err.Error()))
		return withError(out, err)
	}
	if !applied {
		return stale(ctx, out, "record trigger")
	}

	out.Status = OutcomeSent
	return out
}

func (r *AlertRunner) logAttempts(ctx context.Context, sub *model.Subscription, dispatchID *int64, msg notify.Message, result notify.DispatchResult, test bool) {
	for _, res := range result.Channels() {
		a := &model.NotificationAttempt{
			SubscriptionID:  sub.ID,
			DispatchID:      dispatchID,
			Channel:         res.Channel,
			RenderedMessage: msg.ForChannel(res.Channel),
			Result:          res.Result,
			Retryable:       res.Retryable,
			Test:            test,
			AttemptedAt:     r.now(),
		}
		if res.Error != "" {
			errMsg := res.Error
			a.Error = &errMsg
		}
		if err := r.dispatches.LogAttempt(ctx, a); err != nil {
			logger.FromContext(ctx).Error("log attempt failed",
				slog.String("channel", string(res.Channel)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// TestSend fires a single subscription on demand. With real set it runs the
// normal pipeline, state writes included. Otherwise it evaluates for
// diagnostics, sends a marked test message regardless of the decision and
// leaves the subscription untouched.
func (r *AlertRunner) TestSend(ctx context.Context, id uuid.UUID, real bool) (*SubscriptionOutcome, error) {
	sub, err := r.subs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithSubscriptionID(ctx, sub.ID.String())

	now := r.now()
	point, err := r.feed.LatestAt(ctx, sub.Crop, sub.Location, now)
	if err != nil {
		return nil, fmt.Errorf("price lookup: %w", err)
	}

	if real {
		if !sub.IsActive {
			return nil, apperror.Conflict("subscription is inactive")
		}
		if !r.runMu.TryLock() {
			return nil, ErrRunInProgress
		}
		defer r.runMu.Unlock()

		out := r.process(ctx, sub, point, now)
		return &out, nil
	}

	if point == nil {
		return nil, apperror.Unprocessable(ErrNoPriceData, "no verified price for this crop and location")
	}

	current := point.Price
	var previous *decimal.Decimal
	if sub.BaselinePrice.Valid {
		b := sub.BaselinePrice.Decimal
		previous = &b
	}
	decision := condition.Evaluate(sub, condition.Input{Current: &current, Previous: previous, Now: now})

	out := SubscriptionOutcome{
		SubscriptionID: sub.ID,
		Kind:           sub.Kind,
		Reason:         decision.Reason,
		Price:          &current,
		ChangePercent:  decision.ChangePercent,
		Test:           true,
	}

	payload := notify.NewPayload(sub, point, previous, decision.ChangePercent)
	payload.Test = true
	msg, err := r.renderer.Render(payload)
	if err != nil {
		return nil, fmt.Errorf("render test message: %w", err)
	}

	result := r.notifier.Dispatch(ctx, sub, msg)
	out.Channels = result.Channels()
	r.logAttempts(ctx, sub, nil, msg, result, true)

	out.Status = OutcomeFailed
	if result.Delivered() {
		out.Status = OutcomeSent
	}
	return &out, nil
}

// stale reports a write that missed because the subscription was edited,
// deactivated or triggered elsewhere after the run loaded it. The next run
// evaluates the current row.
func stale(ctx context.Context, out SubscriptionOutcome, op string) SubscriptionOutcome {
	logger.FromContext(ctx).Warn("subscription changed during run", slog.String("write", op))
	out.Status = OutcomeStale
	out.Error = op + ": subscription changed during run"
	return out
}

func cancelled(sub *model.Subscription) SubscriptionOutcome {
	return SubscriptionOutcome{SubscriptionID: sub.ID, Kind: sub.Kind, Status: OutcomeCancelled}
}

func errorOutcome(sub *model.Subscription, err error) SubscriptionOutcome {
	return withError(SubscriptionOutcome{SubscriptionID: sub.ID, Kind: sub.Kind}, err)
}

func withError(out SubscriptionOutcome, err error) SubscriptionOutcome {
	out.Status = OutcomeError
	out.Error = err.Error()
	return out
}

// markRecovered reports a recovered trigger when nothing else happened.
func markRecovered(out SubscriptionOutcome, recovered bool) SubscriptionOutcome {
	if recovered {
		out.Status = OutcomeRecovered
	}
	return out
}

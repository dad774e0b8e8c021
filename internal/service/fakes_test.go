package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/cropalert/backend/internal/model"
	"github.com/cropalert/backend/internal/notify"
	"github.com/cropalert/backend/internal/repository"
)

// memStore is an in-memory subscription and dispatch store with the same
// compare-and-set and upsert semantics as the SQL repositories.
type memStore struct {
	mu         sync.Mutex
	subs       map[uuid.UUID]*model.Subscription
	order      []uuid.UUID
	dispatches map[string]*model.Dispatch
	attempts   []model.NotificationAttempt
	nextID     int64
	listErr    error
	clock      func() time.Time
}

var (
	_ repository.SubscriptionRepository = (*memStore)(nil)
	_ repository.DispatchRepository     = (*memStore)(nil)
)

func newMemStore(clock func() time.Time) *memStore {
	return &memStore{
		subs:       make(map[uuid.UUID]*model.Subscription),
		dispatches: make(map[string]*model.Dispatch),
		clock:      clock,
	}
}

func (s *memStore) add(sub model.Subscription) *model.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.IsActive = true
	s.subs[sub.ID] = &sub
	s.order = append(s.order, sub.ID)
	return &sub
}

func (s *memStore) get(id uuid.UUID) model.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.subs[id]
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *memStore) attemptLog() []model.NotificationAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.NotificationAttempt(nil), s.attempts...)
}

func sameKey(a, b *model.Subscription) bool {
	return a.OwnerID == b.OwnerID && a.Kind == b.Kind &&
		strings.EqualFold(a.Crop, b.Crop) && strings.EqualFold(a.Location, b.Location)
}

func (s *memStore) Upsert(_ context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		existing := s.subs[id]
		if !sameKey(existing, sub) {
			continue
		}
		paramsChanged := !nullEqual(existing.TargetPrice, sub.TargetPrice) || !nullEqual(existing.ChangePercent, sub.ChangePercent)
		if !existing.IsActive || paramsChanged {
			existing.ConditionMet = false
		}
		existing.TargetPrice = sub.TargetPrice
		existing.ChangePercent = sub.ChangePercent
		existing.Channel = sub.Channel
		existing.Phone = sub.Phone
		existing.Email = sub.Email
		existing.Timezone = sub.Timezone
		if sub.BaselinePrice.Valid {
			existing.BaselinePrice = sub.BaselinePrice
		}
		existing.IsActive = true
		existing.UpdatedAt = s.clock()
		*sub = *existing
		return nil
	}

	sub.ID = uuid.New()
	sub.IsActive = true
	sub.CreatedAt = s.clock()
	sub.UpdatedAt = sub.CreatedAt
	stored := *sub
	s.subs[sub.ID] = &stored
	s.order = append(s.order, sub.ID)
	return nil
}

func nullEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, repository.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *memStore) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Subscription
	for _, id := range s.order {
		if s.subs[id].OwnerID == ownerID {
			out = append(out, *s.subs[id])
		}
	}
	return out, nil
}

func (s *memStore) ListActive(_ context.Context) ([]model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []model.Subscription
	for _, id := range s.order {
		if s.subs[id].IsActive {
			out = append(out, *s.subs[id])
		}
	}
	return out, nil
}

func (s *memStore) FindByKey(_ context.Context, ownerID uuid.UUID, kind model.AlertKind, crop, location string) ([]model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Subscription
	for _, id := range s.order {
		sub := s.subs[id]
		if sub.OwnerID != ownerID || sub.Kind != kind {
			continue
		}
		if crop != "" && !strings.EqualFold(sub.Crop, crop) {
			continue
		}
		if location != "" && !strings.EqualFold(sub.Location, location) {
			continue
		}
		out = append(out, *sub)
	}
	return out, nil
}

func (s *memStore) Deactivate(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok || !sub.IsActive {
		return false, nil
	}
	sub.IsActive = false
	return true, nil
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (s *memStore) RecordTrigger(_ context.Context, id uuid.UUID, prev *time.Time, at time.Time, observed decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok || !sub.IsActive || !timesEqual(sub.LastTriggeredAt, prev) {
		return false, nil
	}
	if sub.LastTriggeredAt == nil || at.After(*sub.LastTriggeredAt) {
		t := at
		sub.LastTriggeredAt = &t
	}
	sub.ConditionMet = true
	sub.LastObservedPrice = decimal.NewNullDecimal(observed)
	sub.BaselinePrice = decimal.NewNullDecimal(observed)
	return true, nil
}

// loaded returns the stored row while it still matches what the caller
// loaded, mirroring the repository's guarded writes.
func (s *memStore) loaded(sub *model.Subscription) (*model.Subscription, bool) {
	cur, ok := s.subs[sub.ID]
	if !ok || !cur.IsActive || cur.ConditionMet != sub.ConditionMet ||
		!nullEqual(cur.TargetPrice, sub.TargetPrice) || !nullEqual(cur.ChangePercent, sub.ChangePercent) {
		return nil, false
	}
	return cur, true
}

func (s *memStore) RecordEvaluation(_ context.Context, sub *model.Subscription, observed decimal.Decimal, conditionMet bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.loaded(sub)
	if ok {
		cur.LastObservedPrice = decimal.NewNullDecimal(observed)
		cur.ConditionMet = conditionMet
	}
	return ok, nil
}

func (s *memStore) RecordObservation(_ context.Context, sub *model.Subscription, observed decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.loaded(sub)
	if ok {
		cur.LastObservedPrice = decimal.NewNullDecimal(observed)
	}
	return ok, nil
}

func (s *memStore) SeedBaseline(_ context.Context, sub *model.Subscription, baseline decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.loaded(sub)
	if ok && !cur.BaselinePrice.Valid {
		cur.BaselinePrice = decimal.NewNullDecimal(baseline)
	}
	return ok, nil
}

func dispatchKey(id uuid.UUID, epoch string) string {
	return id.String() + "/" + epoch
}

func (s *memStore) FindDispatch(_ context.Context, id uuid.UUID, epoch string) (*model.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatches[dispatchKey(id, epoch)]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *memStore) BeginDispatch(_ context.Context, d *model.Dispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dispatchKey(d.SubscriptionID, d.EpochKey)
	if existing, ok := s.dispatches[key]; ok {
		existing.Status = model.DispatchPending
		existing.ObservedPrice = d.ObservedPrice
		existing.CompletedAt = nil
		d.ID = existing.ID
		d.CreatedAt = existing.CreatedAt
		return nil
	}
	s.nextID++
	d.ID = s.nextID
	d.CreatedAt = s.clock()
	stored := *d
	s.dispatches[key] = &stored
	return nil
}

func (s *memStore) CompleteDispatch(_ context.Context, d *model.Dispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.clock()
	d.CompletedAt = &at
	if existing, ok := s.dispatches[dispatchKey(d.SubscriptionID, d.EpochKey)]; ok {
		existing.Status = d.Status
		existing.CompletedAt = &at
	}
	return nil
}

func (s *memStore) LogAttempt(_ context.Context, a *model.NotificationAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a.ID = s.nextID
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *memStore) ListAttempts(_ context.Context, id uuid.UUID, limit int) ([]model.NotificationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.NotificationAttempt
	for i := len(s.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		if s.attempts[i].SubscriptionID == id {
			out = append(out, s.attempts[i])
		}
	}
	return out, nil
}

// memFeed serves one price per (crop, location) and counts lookups.
type memFeed struct {
	mu     sync.Mutex
	prices map[model.GroupKey]model.PricePoint
	calls  atomic.Int32
	err    error
	// beforeLookup runs on every lookup, after the run has loaded subscriptions.
	beforeLookup func()
}

func newMemFeed() *memFeed {
	return &memFeed{prices: make(map[model.GroupKey]model.PricePoint)}
}

func (f *memFeed) set(crop, location, price string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := model.GroupKey{Crop: strings.ToLower(crop), Location: strings.ToLower(location)}
	f.prices[key] = model.PricePoint{
		Crop:       crop,
		Location:   location,
		Market:     "Central",
		Price:      decimal.RequireFromString(price),
		Currency:   "LKR",
		Unit:       "kg",
		ObservedAt: at,
		Verified:   true,
	}
}

func (f *memFeed) LatestAt(_ context.Context, crop, location string, _ time.Time) (*model.PricePoint, error) {
	f.calls.Add(1)
	if f.beforeLookup != nil {
		f.beforeLookup()
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	crop = strings.ToLower(crop)
	if strings.EqualFold(location, model.LocationAll) {
		var best *model.PricePoint
		for key, p := range f.prices {
			if key.Crop == crop && (best == nil || p.ObservedAt.After(best.ObservedAt)) {
				p := p
				best = &p
			}
		}
		return best, nil
	}

	p, ok := f.prices[model.GroupKey{Crop: crop, Location: strings.ToLower(location)}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

type mockSMSSender struct {
	mock.Mock
}

func (m *mockSMSSender) SendSMS(ctx context.Context, to, body string) error {
	args := m.Called(ctx, to, body)
	return args.Error(0)
}

type mockEmailSender struct {
	mock.Mock
}

func (m *mockEmailSender) SendEmail(ctx context.Context, msg notify.EmailMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

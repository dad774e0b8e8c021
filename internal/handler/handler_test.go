package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/cropalert/backend/internal/model"
	"github.com/cropalert/backend/internal/scheduler"
	"github.com/cropalert/backend/internal/service"
)

// MockSubscriptionService implements SubscriptionServiceInterface for testing
type MockSubscriptionService struct {
	mock.Mock
}

func (m *MockSubscriptionService) Subscribe(ctx context.Context, ownerID uuid.UUID, input service.SubscribeInput) ([]model.Subscription, error) {
	args := m.Called(ctx, ownerID, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Subscription), args.Error(1)
}

func (m *MockSubscriptionService) Unsubscribe(ctx context.Context, ownerID uuid.UUID, input service.UnsubscribeInput) (*model.Subscription, error) {
	args := m.Called(ctx, ownerID, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Subscription), args.Error(1)
}

func (m *MockSubscriptionService) List(ctx context.Context, ownerID uuid.UUID) ([]model.Subscription, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Subscription), args.Error(1)
}

func (m *MockSubscriptionService) Get(ctx context.Context, ownerID, id uuid.UUID) (*model.Subscription, error) {
	args := m.Called(ctx, ownerID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Subscription), args.Error(1)
}

func (m *MockSubscriptionService) ListAttempts(ctx context.Context, ownerID, id uuid.UUID) ([]model.NotificationAttempt, error) {
	args := m.Called(ctx, ownerID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.NotificationAttempt), args.Error(1)
}

// MockAlertRunner implements AlertRunnerInterface for testing
type MockAlertRunner struct {
	mock.Mock
}

func (m *MockAlertRunner) TestSend(ctx context.Context, id uuid.UUID, real bool) (*service.SubscriptionOutcome, error) {
	args := m.Called(ctx, id, real)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SubscriptionOutcome), args.Error(1)
}

func (m *MockAlertRunner) Status() service.RunnerStatus {
	args := m.Called()
	return args.Get(0).(service.RunnerStatus)
}

// MockRunTrigger implements RunTrigger for testing
type MockRunTrigger struct {
	mock.Mock
}

func (m *MockRunTrigger) RunNow(ctx context.Context) (*service.RunReport, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.RunReport), args.Error(1)
}

func (m *MockRunTrigger) Health() scheduler.HealthStatus {
	args := m.Called()
	return args.Get(0).(scheduler.HealthStatus)
}

// MockPriceService implements PriceServiceInterface for testing
type MockPriceService struct {
	mock.Mock
}

func (m *MockPriceService) Record(ctx context.Context, input service.PriceInput) (*model.PricePoint, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PricePoint), args.Error(1)
}

func (m *MockPriceService) Latest(ctx context.Context, crop, location string) (*model.PricePoint, error) {
	args := m.Called(ctx, crop, location)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PricePoint), args.Error(1)
}

func (m *MockPriceService) Recent(ctx context.Context, crop, location string, limit int) ([]model.PricePoint, error) {
	args := m.Called(ctx, crop, location, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PricePoint), args.Error(1)
}

// withIdentity stands in for AuthMiddleware in handler tests.
func withIdentity(userID uuid.UUID, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			ctx = context.WithValue(ctx, RoleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newAlertRouter(h *AlertHandler, userID uuid.UUID, role string) http.Handler {
	r := chi.NewRouter()
	r.Use(withIdentity(userID, role))
	r.Route("/api/alerts", h.Routes)
	return r
}

func newPriceRouter(h *PriceHandler, userID uuid.UUID, role string) http.Handler {
	r := chi.NewRouter()
	r.Use(withIdentity(userID, role))
	r.Route("/api/prices", h.Routes)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cropalert/backend/internal/app"
	"github.com/cropalert/backend/internal/config"
	"github.com/cropalert/backend/internal/database"
	"github.com/cropalert/backend/internal/handler"
	"github.com/cropalert/backend/internal/model"
	"github.com/cropalert/backend/internal/repository"
	"github.com/cropalert/backend/internal/service"
)

// smsGateway records every message the SMS sender posts.
type smsGateway struct {
	mu       sync.Mutex
	messages []string
}

func (g *smsGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	g.mu.Lock()
	g.messages = append(g.messages, req.Message)
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"sent","message_id":"m-1"}`))
}

func (g *smsGateway) Messages() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.messages...)
}

// TestEnv holds the test environment
type TestEnv struct {
	DB         *sqlx.DB
	Container  testcontainers.Container
	Server     *httptest.Server
	Gateway    *smsGateway
	gatewaySrv *httptest.Server

	UserID     uuid.UUID
	UserToken  string
	AdminToken string
}

// SetupTestEnv creates a test environment with a real PostgreSQL database
func SetupTestEnv(t *testing.T) *TestEnv {
	ctx := context.Background()
	t.Setenv("JWT_SECRET", "integration-secret")

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, database.Migrate(connStr, logger))

	db, err := database.Connect(ctx, database.Config{URL: connStr, ConnectAttempts: 5}, logger)
	require.NoError(t, err)

	gateway := &smsGateway{}
	gatewaySrv := httptest.NewServer(gateway)

	cfg := &config.Config{
		DefaultCurrency: "LKR",
		Alerts: config.AlertConfig{
			Enabled:           true,
			Schedule:          "@every 1h",
			RunTimeout:        time.Minute,
			WorkerConcurrency: 4,
		},
		SMS: config.SMSConfig{
			Enabled:       true,
			GatewayURL:    gatewaySrv.URL,
			SenderID:      "CropAlert",
			MaxLength:     160,
			RatePerSecond: 100,
			Timeout:       5 * time.Second,
		},
	}

	a, err := app.Build(db, cfg, logger)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(handler.AuthMiddleware)
		r.Route("/api/alerts", handler.NewAlertHandler(a.Subscriptions, a.Runner, a.Scheduler).Routes)
		r.Route("/api/prices", handler.NewPriceHandler(a.Prices).Routes)
	})

	userID := uuid.New()
	userToken, err := service.GenerateToken(userID, service.RoleUser, time.Hour)
	require.NoError(t, err)
	adminToken, err := service.GenerateToken(uuid.New(), service.RoleAdmin, time.Hour)
	require.NoError(t, err)

	return &TestEnv{
		DB:         db,
		Container:  pgContainer,
		Server:     httptest.NewServer(r),
		Gateway:    gateway,
		gatewaySrv: gatewaySrv,
		UserID:     userID,
		UserToken:  userToken,
		AdminToken: adminToken,
	}
}

// Cleanup tears down the test environment
func (e *TestEnv) Cleanup(t *testing.T) {
	e.Server.Close()
	e.gatewaySrv.Close()
	_ = e.DB.Close()
	if err := e.Container.Terminate(context.Background()); err != nil {
		t.Logf("Failed to terminate container: %v", err)
	}
}

// Request makes an authenticated JSON request.
func (e *TestEnv) Request(t *testing.T, token, method, path string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, e.Server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *TestEnv) recordPrice(t *testing.T, price string, observedAt time.Time) {
	t.Helper()
	resp := e.Request(t, e.AdminToken, http.MethodPost, "/api/prices", map[string]interface{}{
		"crop":       "Rice",
		"location":   "Colombo",
		"price":      price,
		"observedAt": observedAt,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func (e *TestEnv) run(t *testing.T) service.RunReport {
	t.Helper()
	resp := e.Request(t, e.AdminToken, http.MethodPost, "/api/alerts/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[service.RunReport](t, resp)
}

func TestThresholdAlertLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := SetupTestEnv(t)
	defer env.Cleanup(t)

	base := time.Now().Add(-4 * time.Hour).UTC()

	// Subscribe
	resp := env.Request(t, env.UserToken, http.MethodPost, "/api/alerts/subscriptions", map[string]interface{}{
		"kind":        "threshold-above",
		"crop":        "Rice",
		"location":    "Colombo",
		"targetPrice": "100",
		"channel":     "sms",
		"phone":       "+94771234567",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	subs := decode[[]model.Subscription](t, resp)
	require.Len(t, subs, 1)
	subID := subs[0].ID

	// 95 then 98: below target, nothing sent
	env.recordPrice(t, "95", base)
	report := env.run(t)
	assert.Equal(t, 1, report.Counts[service.OutcomeNotFired])

	env.recordPrice(t, "98", base.Add(time.Hour))
	env.run(t)
	assert.Empty(t, env.Gateway.Messages())

	// 105 crosses the target
	env.recordPrice(t, "105", base.Add(2*time.Hour))
	report = env.run(t)
	assert.Equal(t, 1, report.Counts[service.OutcomeSent])
	require.Len(t, env.Gateway.Messages(), 1)
	assert.Contains(t, env.Gateway.Messages()[0], "Rice")

	// Same price again: no repeat
	report = env.run(t)
	assert.Equal(t, 0, report.Counts[service.OutcomeSent])

	// 110 stays above: still no repeat
	env.recordPrice(t, "110", base.Add(3*time.Hour))
	env.run(t)
	assert.Len(t, env.Gateway.Messages(), 1)

	var lastTriggered *time.Time
	require.NoError(t, env.DB.Get(&lastTriggered,
		`SELECT last_triggered_at FROM alert_subscriptions WHERE id = $1`, subID))
	require.NotNil(t, lastTriggered)

	// Dry-run test send: marked message, no state change
	resp = env.Request(t, env.UserToken, http.MethodPost, fmt.Sprintf("/api/alerts/subscriptions/%s/test", subID), map[string]bool{"real": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	messages := env.Gateway.Messages()
	require.Len(t, messages, 2)
	assert.True(t, strings.HasPrefix(messages[1], "[TEST]"))

	var afterTest *time.Time
	require.NoError(t, env.DB.Get(&afterTest,
		`SELECT last_triggered_at FROM alert_subscriptions WHERE id = $1`, subID))
	require.NotNil(t, afterTest)
	assert.True(t, lastTriggered.Equal(*afterTest))

	// Attempts include the real send and the test send
	resp = env.Request(t, env.UserToken, http.MethodGet, fmt.Sprintf("/api/alerts/subscriptions/%s/attempts", subID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	attempts := decode[[]model.NotificationAttempt](t, resp)
	require.Len(t, attempts, 2)
	tests := 0
	for _, a := range attempts {
		if a.Test {
			tests++
		}
		assert.Equal(t, model.ResultSent, a.Result)
	}
	assert.Equal(t, 1, tests)

	// One confirmed dispatch for the single real trigger
	var dispatches int
	require.NoError(t, env.DB.Get(&dispatches,
		`SELECT COUNT(*) FROM alert_dispatches WHERE subscription_id = $1 AND status = 'sent'`, subID))
	assert.Equal(t, 1, dispatches)
}

func TestUnsubscribeThenResubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := SetupTestEnv(t)
	defer env.Cleanup(t)

	subscribe := map[string]interface{}{
		"kind":          "percent-change",
		"crop":          "Rice",
		"location":      "All",
		"changePercent": "10",
		"channel":       "sms",
		"phone":         "+94771234567",
	}

	resp := env.Request(t, env.UserToken, http.MethodPost, "/api/alerts/subscriptions", subscribe)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[[]model.Subscription](t, resp)

	resp = env.Request(t, env.UserToken, http.MethodDelete, "/api/alerts/subscriptions", map[string]string{"kind": "percent-change"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	removed := decode[model.Subscription](t, resp)
	assert.False(t, removed.IsActive)

	// Deactivating again is a no-op
	resp = env.Request(t, env.UserToken, http.MethodDelete, "/api/alerts/subscriptions", map[string]string{"kind": "percent-change"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	subscribe["crop"] = "rice"
	resp = env.Request(t, env.UserToken, http.MethodPost, "/api/alerts/subscriptions", subscribe)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decode[[]model.Subscription](t, resp)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.True(t, second[0].IsActive)

	resp = env.Request(t, env.UserToken, http.MethodGet, "/api/alerts/subscriptions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[[]model.Subscription](t, resp)
	assert.Len(t, listed, 1)

	var rows int
	require.NoError(t, env.DB.Get(&rows, `SELECT COUNT(*) FROM alert_subscriptions WHERE owner_id = $1`, env.UserID))
	assert.Equal(t, 1, rows)
}

func TestRecordTriggerCompareAndSet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := SetupTestEnv(t)
	defer env.Cleanup(t)

	ctx := context.Background()
	resp := env.Request(t, env.UserToken, http.MethodPost, "/api/alerts/subscriptions", map[string]interface{}{
		"kind":        "threshold-below",
		"crop":        "Onion",
		"location":    "Kandy",
		"targetPrice": "50",
		"channel":     "sms",
		"phone":       "+94771234567",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[[]model.Subscription](t, resp)[0].ID

	repo := repository.NewSubscriptionRepository(env.DB)
	sub, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.Nil(t, sub.LastTriggeredAt)

	// Concurrent writers racing on the same epoch: exactly one wins.
	now := time.Now().UTC()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.RecordTrigger(ctx, id, nil, now, decimal.NewFromInt(45))
			if err == nil && ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)

	// A deactivated subscription rejects the write.
	updated, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	ok, err := repo.Deactivate(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.RecordTrigger(ctx, id, updated.LastTriggeredAt, now.Add(time.Minute), decimal.NewFromInt(40))
	require.NoError(t, err)
	assert.False(t, ok)
}

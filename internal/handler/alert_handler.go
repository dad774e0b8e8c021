package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cropalert/backend/internal/apperror"
	"github.com/cropalert/backend/internal/model"
	"github.com/cropalert/backend/internal/scheduler"
	"github.com/cropalert/backend/internal/service"
)

// TestSendRequest is the body of a manual trigger.
type TestSendRequest struct {
	Real bool `json:"real"`
}

// AlertStatusResponse combines the live runner state with scheduled run health.
type AlertStatusResponse struct {
	Runner    service.RunnerStatus    `json:"runner"`
	Scheduler *scheduler.HealthStatus `json:"scheduler,omitempty"`
}

type AlertHandler struct {
	subscriptions SubscriptionServiceInterface
	runner        AlertRunnerInterface
	trigger       RunTrigger
}

// NewAlertHandler wires the alert endpoints. trigger may be nil when the
// scheduler is disabled; on-demand runs then answer 503.
func NewAlertHandler(subscriptions SubscriptionServiceInterface, runner AlertRunnerInterface, trigger RunTrigger) *AlertHandler {
	return &AlertHandler{subscriptions: subscriptions, runner: runner, trigger: trigger}
}

// Routes mounts the handler under /api/alerts. Callers must apply
// AuthMiddleware first.
func (h *AlertHandler) Routes(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", h.Subscribe)
		r.Get("/", h.List)
		r.Delete("/", h.Unsubscribe)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/attempts", h.Attempts)
		r.Post("/{id}/test", h.TestSend)
	})
	r.Get("/status", h.Status)
	r.With(AdminOnly).Post("/run", h.Run)
}

// Subscribe creates or reactivates one subscription per requested crop.
func (h *AlertHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var input service.SubscribeInput
	if err := decodeJSON(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	subs, err := h.subscriptions.Subscribe(r.Context(), GetUserID(r.Context()), input)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, subs)
}

// List returns the caller's subscriptions. ?crop=Rice,Onion narrows the list.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subscriptions.List(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondErr(w, r, err)
		return
	}

	if crops := splitAndTrim(r.URL.Query().Get("crop"), ","); len(crops) > 0 {
		subs = filterByCrop(subs, crops)
	}
	if subs == nil {
		subs = []model.Subscription{}
	}

	respondJSON(w, http.StatusOK, subs)
}

func (h *AlertHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var input service.UnsubscribeInput
	if err := decodeJSON(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.subscriptions.Unsubscribe(r.Context(), GetUserID(r.Context()), input)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (h *AlertHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	sub, err := h.subscriptions.Get(r.Context(), h.scope(r), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

// Attempts returns the delivery audit for a subscription, newest first.
func (h *AlertHandler) Attempts(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	attempts, err := h.subscriptions.ListAttempts(r.Context(), h.scope(r), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []model.NotificationAttempt{}
	}

	respondJSON(w, http.StatusOK, attempts)
}

// TestSend runs a manual trigger. With real=false nothing on the
// subscription changes; with real=true the normal pipeline runs.
func (h *AlertHandler) TestSend(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req TestSendRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := h.subscriptions.Get(r.Context(), h.scope(r), id); err != nil {
		respondErr(w, r, err)
		return
	}

	outcome, err := h.runner.TestSend(r.Context(), id, req.Real)
	if err != nil {
		if errors.Is(err, service.ErrRunInProgress) {
			respondError(w, http.StatusConflict, "an alert run is in progress")
			return
		}
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, outcome)
}

// Run executes one alert cycle synchronously and returns its report.
func (h *AlertHandler) Run(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		respondErr(w, r, apperror.Unavailable(nil, "alert scheduling is disabled"))
		return
	}

	report, err := h.trigger.RunNow(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrRunInProgress) {
			respondError(w, http.StatusConflict, "an alert run is in progress")
			return
		}
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

func (h *AlertHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := AlertStatusResponse{Runner: h.runner.Status()}
	if h.trigger != nil {
		health := h.trigger.Health()
		resp.Scheduler = &health
	}

	status := http.StatusOK
	if resp.Scheduler != nil && !resp.Scheduler.Healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// parseID reads the {id} path segment, answering 400 when it is not a UUID.
func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// scope is the owner filter for lookups by id; admins see every subscription.
func (h *AlertHandler) scope(r *http.Request) uuid.UUID {
	if IsAdmin(r.Context()) {
		return uuid.Nil
	}
	return GetUserID(r.Context())
}

func filterByCrop(subs []model.Subscription, crops []string) []model.Subscription {
	out := make([]model.Subscription, 0, len(subs))
	for _, s := range subs {
		for _, c := range crops {
			if strings.EqualFold(s.Crop, c) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

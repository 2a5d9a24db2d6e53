package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/digest-scheduler/internal/application"
	"github.com/example/digest-scheduler/internal/recurrence"
)

type subscriptionService interface {
	CreateSubscription(ctx context.Context, input application.SubscriptionInput) (application.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, input application.SubscriptionInput) (application.Subscription, error)
	GetSubscription(ctx context.Context, id string) (application.Subscription, error)
	ListSubscriptions(ctx context.Context, params application.ListSubscriptionsParams) ([]application.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	PreviewOccurrences(ctx context.Context, params application.PreviewParams) (application.Preview, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]application.Delivery, error)
}

// SubscriptionHandler serves the subscription, preview, and delivery endpoints.
type SubscriptionHandler struct {
	service   subscriptionService
	responder responder
	logger    *slog.Logger
}

func NewSubscriptionHandler(service subscriptionService, logger *slog.Logger) *SubscriptionHandler {
	base := defaultLogger(logger)
	return &SubscriptionHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *SubscriptionHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "SubscriptionHandler", operation, attrs...)
}

func (h *SubscriptionHandler) ready(w http.ResponseWriter) bool {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return false
	}
	return true
}

func (h *SubscriptionHandler) subscriptionID(w http.ResponseWriter, r *http.Request, operation string) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		h.log(r.Context(), operation, "error_kind", "bad_request").WarnContext(r.Context(), "missing subscription id")
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidSubscriptionID)
		return "", false
	}
	return id, true
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	query := r.URL.Query()
	params := application.ListSubscriptionsParams{SubjectID: query.Get("subject_id")}
	if raw := query.Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil || !enabled {
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, fmt.Errorf("%w: enabled only accepts true", errInvalidQuery))
			return
		}
		params.EnabledOnly = true
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, err)
		return
	}
	params.Limit = limit

	subs, err := h.service.ListSubscriptions(r.Context(), params)
	if err != nil {
		h.log(r.Context(), "List").ErrorContext(r.Context(), "subscription listing failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	dtos := make([]subscriptionDTO, 0, len(subs))
	for _, sub := range subs {
		dtos = append(dtos, toSubscriptionDTO(sub))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, subscriptionListResponse{Subscriptions: dtos})
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Create", "error_kind", "bad_request").WarnContext(r.Context(), "failed to decode subscription request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Create", "subject_id", req.SubjectID)

	sub, err := h.service.CreateSubscription(r.Context(), req.toInput())
	if err != nil {
		logger.ErrorContext(r.Context(), "subscription creation failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("subscription_id", sub.ID).InfoContext(r.Context(), "subscription created")
	w.Header().Set("Location", "/subscriptions/"+sub.ID)
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, subscriptionResponse{Subscription: toSubscriptionDTO(sub)})
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := h.subscriptionID(w, r, "Get")
	if !ok {
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), id)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, subscriptionResponse{Subscription: toSubscriptionDTO(sub)})
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := h.subscriptionID(w, r, "Update")
	if !ok {
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Update", "subscription_id", id, "error_kind", "bad_request").WarnContext(r.Context(), "failed to decode subscription update", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Update", "subscription_id", id)

	sub, err := h.service.UpdateSubscription(r.Context(), id, req.toInput())
	if err != nil {
		logger.ErrorContext(r.Context(), "subscription update failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "subscription updated")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, subscriptionResponse{Subscription: toSubscriptionDTO(sub)})
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := h.subscriptionID(w, r, "Delete")
	if !ok {
		return
	}

	logger := h.log(r.Context(), "Delete", "subscription_id", id)
	if err := h.service.DeleteSubscription(r.Context(), id); err != nil {
		logger.ErrorContext(r.Context(), "subscription deletion failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "subscription deleted")
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

func (h *SubscriptionHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := h.subscriptionID(w, r, "Deliveries")
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, err)
		return
	}

	deliveries, err := h.service.ListDeliveries(r.Context(), id, limit)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	dtos := make([]deliveryDTO, 0, len(deliveries))
	for _, delivery := range deliveries {
		dtos = append(dtos, toDeliveryDTO(delivery))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, deliveryListResponse{Deliveries: dtos})
}

// Preview computes upcoming occurrences for a rule that is not stored.
func (h *SubscriptionHandler) Preview(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Preview", "error_kind", "bad_request").WarnContext(r.Context(), "failed to decode preview request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	params := application.PreviewParams{Input: req.toInput(), Count: req.Count}
	if req.From != nil {
		params.From = *req.From
	}

	preview, err := h.service.PreviewOccurrences(r.Context(), params)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toPreviewResponse(preview))
}

func intQuery(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errInvalidQuery, name)
	}
	return value, nil
}

type subscriptionRequest struct {
	SubjectID    string `json:"subject_id"`
	Preset       string `json:"preset"`
	IntervalDays *int   `json:"interval_days"`
	Occurrences  *int   `json:"occurrences"`
	DaysMask     *int   `json:"days_mask"`
	TimeOfDay    string `json:"time_of_day"`
	Timezone     string `json:"timezone"`
	Enabled      *bool  `json:"enabled"`
}

func (r subscriptionRequest) toInput() application.SubscriptionInput {
	return application.SubscriptionInput{
		SubjectID:    r.SubjectID,
		Preset:       r.Preset,
		IntervalDays: r.IntervalDays,
		Occurrences:  r.Occurrences,
		DaysMask:     r.DaysMask,
		TimeOfDay:    r.TimeOfDay,
		Timezone:     r.Timezone,
		Enabled:      r.Enabled,
	}
}

type previewRequest struct {
	subscriptionRequest
	From  *time.Time `json:"from"`
	Count int        `json:"count"`
}

type ruleDTO struct {
	IntervalDays int      `json:"interval_days"`
	Occurrences  int      `json:"occurrences"`
	DaysMask     *int     `json:"days_mask,omitempty"`
	Days         []string `json:"days"`
	TimeOfDay    string   `json:"time_of_day"`
}

func toRuleDTO(rule recurrence.Rule) ruleDTO {
	rule = rule.Normalize()
	days := recurrence.AllDays
	dto := ruleDTO{
		IntervalDays: rule.IntervalDays,
		Occurrences:  rule.Occurrences,
		TimeOfDay:    rule.TimeOfDay.String(),
	}
	if rule.DaysOfWeek != nil {
		days = *rule.DaysOfWeek
		mask := days.Mask()
		dto.DaysMask = &mask
	}
	dto.Days = make([]string, 0, days.Len())
	for _, day := range days.Days() {
		dto.Days = append(dto.Days, strings.ToLower(day.String()))
	}
	return dto
}

type subscriptionDTO struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	ruleDTO
	Timezone         string     `json:"timezone"`
	Enabled          bool       `json:"enabled"`
	LastOccurrenceAt *time.Time `json:"last_occurrence_at,omitempty"`
	NextOccurrenceAt time.Time  `json:"next_occurrence_at"`
	FailedAttempts   int        `json:"failed_attempts,omitempty"`
	RetryAt          *time.Time `json:"retry_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func toSubscriptionDTO(sub application.Subscription) subscriptionDTO {
	return subscriptionDTO{
		ID:               sub.ID,
		SubjectID:        sub.SubjectID,
		ruleDTO:          toRuleDTO(sub.Rule),
		Timezone:         sub.Timezone,
		Enabled:          sub.Enabled,
		LastOccurrenceAt: sub.LastOccurrenceAt,
		NextOccurrenceAt: sub.NextOccurrenceAt,
		FailedAttempts:   sub.FailedAttempts,
		RetryAt:          sub.RetryAt,
		CreatedAt:        sub.CreatedAt,
		UpdatedAt:        sub.UpdatedAt,
	}
}

type subscriptionResponse struct {
	Subscription subscriptionDTO `json:"subscription"`
}

type subscriptionListResponse struct {
	Subscriptions []subscriptionDTO `json:"subscriptions"`
}

type deliveryDTO struct {
	ID           string    `json:"id"`
	ScheduledFor time.Time `json:"scheduled_for"`
	DeliveredAt  time.Time `json:"delivered_at"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
}

func toDeliveryDTO(delivery application.Delivery) deliveryDTO {
	return deliveryDTO{
		ID:           delivery.ID,
		ScheduledFor: delivery.ScheduledFor,
		DeliveredAt:  delivery.DeliveredAt,
		Status:       string(delivery.Status),
		Error:        delivery.Error,
	}
}

type deliveryListResponse struct {
	Deliveries []deliveryDTO `json:"deliveries"`
}

type previewResponse struct {
	Rule        ruleDTO     `json:"rule"`
	Timezone    string      `json:"timezone"`
	From        time.Time   `json:"from"`
	Occurrences []time.Time `json:"occurrences"`
}

func toPreviewResponse(preview application.Preview) previewResponse {
	occurrences := preview.Occurrences
	if occurrences == nil {
		occurrences = []time.Time{}
	}
	return previewResponse{
		Rule:        toRuleDTO(preview.Rule),
		Timezone:    preview.Timezone,
		From:        preview.From,
		Occurrences: occurrences,
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/tripwire/internal/domain"
	"github.com/opensource-finance/tripwire/internal/ingest"
	"github.com/opensource-finance/tripwire/internal/reactor"
)

// maxWebhookBody bounds the size of a single webhook delivery.
const maxWebhookBody = 1 << 20

// Ingester buffers signed webhook deliveries.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte, signature string, accountHint string) (*ingest.Result, error)
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	ingester Ingester
	invoker  reactor.Invoker
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, ingester Ingester, invoker reactor.Invoker, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		ingester: ingester,
		invoker:  invoker,
		version:  version,
	}
}

// FeedbackRequest is the request body for POST /alerts/{id}/feedback.
type FeedbackRequest struct {
	Reviewer string         `json:"reviewer"`
	Verdict  domain.Verdict `json:"verdict"`
	Comment  string         `json:"comment,omitempty"`
}

// FeedbackResponse aggregates the verdicts recorded for an alert.
type FeedbackResponse struct {
	AlertID        string `json:"alertId"`
	Total          int    `json:"total"`
	FalsePositives int    `json:"falsePositives"`
	Legit          int    `json:"legit"`
}

// Webhook handles POST /webhooks/events.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	ctx := r.Context()
	hint := r.Header.Get(ingest.AccountHeader)
	annotate(ctx, "account_hint", hint)

	res, err := h.ingester.Ingest(ctx, raw, r.Header.Get(ingest.SignatureHeader), hint)
	if err != nil {
		if ingest.IsRejection(err) {
			annotate(ctx, "rejection", err.Error())
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to buffer webhook", "error", err, "trace_id", GetTraceID(ctx))
		writeError(w, http.StatusInternalServerError, "failed to buffer event")
		return
	}

	annotate(ctx, "account_id", res.AccountID)
	annotate(ctx, "event_id", res.EventID)
	annotate(ctx, "event_type", string(res.Type))
	if res.Duplicate {
		annotate(ctx, "duplicate", "true")
	}
	writeJSON(w, http.StatusOK, res)
}

// InvokeReactor handles POST /internal/reactor/{eventId}.
func (h *Handler) InvokeReactor(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	annotate(r.Context(), "event_id", eventID)

	start := time.Now()
	res, err := h.invoker.Invoke(r.Context(), eventID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found")
		return
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("reactor invocation failed", "event_id", eventID, "error", err)
		writeError(w, http.StatusInternalServerError, "reactor failed")
		return
	}

	slog.Debug("reactor invoked",
		"event_id", eventID,
		"skipped", res.Skipped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, res)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the datastore is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListAlerts handles GET /alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := GetTenantID(ctx)

	filter := domain.AlertFilter{
		Limit:          queryInt(r, "limit", 100),
		UnresolvedOnly: r.URL.Query().Get("unresolved") == "true",
	}

	alerts, err := h.repo.ListAlerts(ctx, accountID, filter)
	if err != nil {
		slog.Error("failed to list alerts", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*domain.Alert{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, ok := h.loadAlert(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// ResolveAlert handles POST /alerts/{id}/resolve.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	err := h.repo.ResolveAlert(ctx, accountID, alertID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		slog.Error("failed to resolve alert", "alert_id", alertID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve alert")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       alertID,
		"resolved": true,
	})
}

// SubmitFeedback handles POST /alerts/{id}/feedback. A reviewer's later
// verdict replaces their earlier one.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Reviewer == "" {
		writeError(w, http.StatusBadRequest, "reviewer is required")
		return
	}
	if req.Verdict != domain.VerdictFalsePositive && req.Verdict != domain.VerdictLegit {
		writeError(w, http.StatusBadRequest, "verdict must be false_positive or legit")
		return
	}

	alert, ok := h.loadAlert(w, r)
	if !ok {
		return
	}

	fb := &domain.Feedback{
		AlertID:   alert.ID,
		AccountID: alert.AccountID,
		AlertType: alert.Type,
		Reviewer:  req.Reviewer,
		Verdict:   req.Verdict,
		Comment:   req.Comment,
	}
	if err := h.repo.UpsertFeedback(r.Context(), fb); err != nil {
		slog.Error("failed to save feedback", "alert_id", alert.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save feedback")
		return
	}

	writeJSON(w, http.StatusOK, fb)
}

// GetFeedback handles GET /alerts/{id}/feedback.
func (h *Handler) GetFeedback(w http.ResponseWriter, r *http.Request) {
	alert, ok := h.loadAlert(w, r)
	if !ok {
		return
	}

	stats, err := h.repo.AlertFeedbackStats(r.Context(), alert.ID)
	if err != nil {
		slog.Error("failed to load feedback", "alert_id", alert.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load feedback")
		return
	}

	writeJSON(w, http.StatusOK, FeedbackResponse{
		AlertID:        alert.ID,
		Total:          stats.Total,
		FalsePositives: stats.FalsePositives,
		Legit:          stats.Legit(),
	})
}

// ListDeadLetters handles GET /dead-letters. Frozen entries are included.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	recs, err := h.repo.ListFailedDispatches(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		slog.Error("failed to list dead letters", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if recs == nil {
		recs = []*domain.FailedDispatch{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deadLetters": recs,
		"count":       len(recs),
	})
}

func (h *Handler) loadAlert(w http.ResponseWriter, r *http.Request) (*domain.Alert, bool) {
	ctx := r.Context()
	alertID := chi.URLParam(r, "id")

	alert, err := h.repo.GetAlert(ctx, GetTenantID(ctx), alertID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return nil, false
	}
	if err != nil {
		slog.Error("failed to get alert", "alert_id", alertID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get alert")
		return nil, false
	}
	return alert, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

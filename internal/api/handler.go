package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/output"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Dependencies are the collaborators of the API. Only Detector is required.
type Dependencies struct {
	Detector  *detector.Detector
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	History   *history.Service
	ResultTTL time.Duration
	Version   string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	detector  *detector.Detector
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	history   *history.Service
	runs      *output.Repository
	alerts    *output.Bus
	resultTTL time.Duration
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	h := &Handler{
		detector:  deps.Detector,
		repo:      deps.Repo,
		cache:     deps.Cache,
		bus:       deps.Bus,
		history:   deps.History,
		resultTTL: deps.ResultTTL,
		version:   deps.Version,
	}
	if h.resultTTL <= 0 {
		h.resultTTL = 24 * time.Hour
	}
	if h.repo != nil {
		h.runs = output.NewRepository(h.repo)
		if h.history == nil {
			h.history = history.NewService(h.repo, h.cache, 0)
		}
	}
	if h.bus != nil {
		h.alerts = output.NewBus(h.bus)
	}
	return h
}

// DetectRequest is the request body for POST /detect and POST /transactions.
type DetectRequest struct {
	Transactions []domain.TransactionRequest `json:"transactions"`
	Source       string                      `json:"source,omitempty"`

	// Async hands the batch to the worker through the event bus.
	Async bool `json:"async,omitempty"`

	// IncludeErrors returns every transaction's reconstruction error.
	IncludeErrors bool `json:"includeErrors,omitempty"`
}

// DetectResponse is the response for POST /detect.
type DetectResponse struct {
	RunID            string         `json:"runId"`
	TransactionCount int            `json:"transactionCount"`
	ClientCount      int            `json:"clientCount"`
	AlertCount       int            `json:"alertCount"`
	Threshold        float64        `json:"threshold"`
	DurationMs       int64          `json:"durationMs"`
	Summary          alert.Summary  `json:"summary"`
	Alerts           []domain.Alert `json:"alerts"`

	Errors   []domain.ErrorPoint `json:"errors,omitempty"`
	Metadata struct {
		TraceID string `json:"traceId"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Detect handles POST /detect requests.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	txs, err := toTransactions(req.Transactions)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Async {
		h.submit(w, r, req)
		return
	}

	result, err := h.detector.Detect(ctx, txs)
	if err != nil {
		slog.Error("detection failed", "error", err, "transaction_count", len(txs))
		writeError(w, err)
		return
	}

	source := req.Source
	if source == "" {
		source = "api"
	}
	run := &domain.DetectionRun{
		ID:               uuid.New().String(),
		Source:           source,
		StartedAt:        start.UTC(),
		TransactionCount: result.TransactionCount,
		AlertCount:       len(result.Alerts),
		Threshold:        result.Threshold,
		DurationMs:       time.Since(start).Milliseconds(),
		Alerts:           result.Alerts,
	}

	if h.runs != nil {
		if err := h.runs.SaveRun(ctx, run); err != nil {
			slog.Error("failed to save run", "run_id", run.ID, "error", err)
		}
	}
	if h.alerts != nil {
		if err := h.alerts.Output(ctx, result.Alerts, domain.TopicAlert); err != nil {
			slog.Error("failed to publish alerts", "run_id", run.ID, "error", err)
		}
	}

	resp := DetectResponse{
		RunID:            run.ID,
		TransactionCount: result.TransactionCount,
		ClientCount:      result.ClientCount,
		AlertCount:       len(result.Alerts),
		Threshold:        result.Threshold,
		DurationMs:       time.Since(start).Milliseconds(),
		Summary:          alert.Summarize(result.Alerts),
		Alerts:           result.Alerts,
	}
	if req.IncludeErrors {
		resp.Errors = result.Errors
	}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// submit publishes the batch for the worker and responds 202.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, req DetectRequest) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	msg := domain.BatchMessage{
		BatchID:      uuid.New().String(),
		Source:       req.Source,
		Transactions: req.Transactions,
	}
	payload, _ := json.Marshal(msg)
	if err := h.bus.Publish(r.Context(), domain.TopicBatchSubmitted, payload); err != nil {
		slog.Error("failed to submit batch", "batch_id", msg.BatchID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to submit batch",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"batchId": msg.BatchID,
		"count":   len(msg.Transactions),
	})
}

// DetectTransaction handles POST /detect/transaction: the transaction is
// checked against its client's stored history and the verdict is cached.
func (h *Handler) DetectTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	current, err := req.ToTransaction()
	if err != nil {
		writeError(w, err)
		return
	}

	var past []domain.Transaction
	if h.history != nil {
		past, err = h.history.Before(ctx, current)
		if err != nil {
			slog.Error("failed to load client history", "client_id", current.ClientID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to load client history",
			})
			return
		}
	}

	result, err := h.detector.DetectTransaction(ctx, past, current)
	if err != nil {
		slog.Error("detection failed", "client_id", current.ClientID, "error", err)
		writeError(w, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.SetResult(ctx, result.TransactionID, result, h.resultTTL); err != nil {
			slog.Error("failed to cache result", "transaction_id", result.TransactionID, "error", err)
		}
	}

	if result.IsFraud && h.alerts != nil {
		a := domain.Alert{
			ClientID:            current.ClientID,
			Datetime:            current.Timestamp,
			Amount:              current.Amount,
			City:                current.City,
			Reason:              result.Reason,
			ReconstructionError: *result.ReconstructionError,
			ErrorThreshold:      *result.ErrorThreshold,
		}
		if err := h.alerts.Output(ctx, []domain.Alert{a}, domain.TopicAlert); err != nil {
			slog.Error("failed to publish alert", "transaction_id", result.TransactionID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, result)
}

// GetResult handles GET /results/{id}.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	result, ok := h.cachedResult(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ErrorSeriesResponse is the response for GET /results/{id}/errors.
type ErrorSeriesResponse struct {
	TransactionID  string              `json:"transactionId"`
	ErrorThreshold *float64            `json:"errorThreshold"`
	Series         []domain.ErrorPoint `json:"series"`
}

// GetResultErrors handles GET /results/{id}/errors: the client's
// reconstruction errors recorded with the cached verdict.
func (h *Handler) GetResultErrors(w http.ResponseWriter, r *http.Request) {
	result, ok := h.cachedResult(w, r)
	if !ok {
		return
	}

	series := result.ErrorSeries
	if series == nil {
		series = []domain.ErrorPoint{}
	}
	writeJSON(w, http.StatusOK, ErrorSeriesResponse{
		TransactionID:  result.TransactionID,
		ErrorThreshold: result.ErrorThreshold,
		Series:         series,
	})
}

// cachedResult looks up the verdict named by the id URL parameter and
// writes the error response itself when there is none.
func (h *Handler) cachedResult(w http.ResponseWriter, r *http.Request) (*domain.TransactionResult, bool) {
	txID := chi.URLParam(r, "id")

	if h.cache == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "cache not available",
		})
		return nil, false
	}

	result, err := h.cache.GetResult(r.Context(), txID)
	if err != nil {
		metrics.CacheLookupsTotal.WithLabelValues("result", "error").Inc()
		slog.Error("failed to get result", "transaction_id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get result",
		})
		return nil, false
	}
	if result == nil {
		metrics.CacheLookupsTotal.WithLabelValues("result", "miss").Inc()
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "result not found",
		})
		return nil, false
	}

	metrics.CacheLookupsTotal.WithLabelValues("result", "hit").Inc()
	return result, true
}

// IngestTransactions handles POST /transactions.
func (h *Handler) IngestTransactions(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var req DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	txs, err := toTransactions(req.Transactions)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.history.Record(r.Context(), txs); err != nil {
		slog.Error("failed to save transactions", "count", len(txs), "error", err)
		if errors.Is(err, repository.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save transactions",
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"count": len(txs),
	})
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	run, err := h.repo.GetRun(r.Context(), runID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "run not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get run", "run_id", runID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get run",
		})
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// ListRuns handles GET /runs?limit=N.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	runs, err := h.repo.ListRuns(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list runs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list runs",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check bus health
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

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the evaluated rules in priority order and every
// configured custom rule, enabled or not.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	pol := h.detector.Policy()
	active := pol.Rules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":      active,
		"count":      len(active),
		"custom":     pol.CustomRules(),
		"percentile": pol.Percentile(),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	pol := h.detector.Policy()
	for _, rule := range append(pol.Rules(), pol.CustomRules()...) {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Expression  string `json:"expression"`
	Reason      string `json:"reason"`
	Priority    int    `json:"priority,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule validates a custom rule and saves it to the database.
// After saving, call POST /rules/reload to hot-reload into the policy.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Name == "" {
		req.Name = req.ID
	}
	if req.Version == "" {
		req.Version = "1.0.0"
	}
	if req.Priority == 0 {
		req.Priority = domain.CustomRulePriorityMin
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Expression:  req.Expression,
		Reason:      req.Reason,
		Priority:    req.Priority,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression by compiling it
	if err := h.detector.Policy().ValidateRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveRuleConfig(ctx, ruleConfig); err != nil {
		slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// DeleteRule disables a custom rule and reloads the policy.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	if err := h.repo.DeleteRuleConfig(r.Context(), ruleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
		slog.Error("failed to delete rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete rule",
		})
		return
	}

	// Auto-reload after delete
	count, err := h.reload(r)
	if err != nil {
		slog.Error("failed to reload rules after delete", "error", err)
	} else {
		slog.Info("rules auto-reloaded after delete", "count", count)
	}

	slog.Info("rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Rule disabled and policy reloaded.",
	})
}

// ReloadRules reloads all custom rules from the database into the policy.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	count, err := h.reload(r)
	if err != nil {
		slog.Error("failed to reload rules", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, policy.ErrInvalidRule) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", count)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

func (h *Handler) reload(r *http.Request) (int, error) {
	dbRules, err := h.repo.ListRuleConfigs(r.Context())
	if err != nil {
		return 0, err
	}
	if err := h.detector.Policy().ReloadRules(dbRules); err != nil {
		return 0, err
	}
	return len(dbRules), nil
}

func toTransactions(reqs []domain.TransactionRequest) ([]domain.Transaction, error) {
	txs := make([]domain.Transaction, 0, len(reqs))
	for i := range reqs {
		t, err := reqs[i].ToTransaction()
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, nil
}

// writeError maps pipeline failures to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrParse), errors.Is(err, domain.ErrData):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrModel):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

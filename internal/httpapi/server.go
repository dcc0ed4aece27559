package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaystatus/internal/schedule"
	"github.com/agentworkforce/relaystatus/internal/store"
	"github.com/agentworkforce/relaystatus/internal/syncer"
	"github.com/agentworkforce/relaystatus/internal/teardown"
	"github.com/agentworkforce/relaystatus/internal/usage"
	"github.com/google/uuid"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
}

type Logger interface {
	Printf(format string, args ...any)
}

// Dependencies are the services the routes drive. Limits is read per
// request so a config reload applies immediately.
type Dependencies struct {
	Store     *store.Store
	Sync      *syncer.Service
	Teardown  *teardown.Coordinator
	Ledger    *usage.Ledger
	Schedules *schedule.Service
	Limits    func() usage.Limits
	Logger    Logger
}

type Server struct {
	deps               Dependencies
	cfg                ServerConfig
	logger             Logger
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
	background         sync.WaitGroup
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		deps:               deps,
		cfg:                cfg,
		logger:             logger,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

// Wait blocks until syncs and teardowns started by requests have returned.
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/internal/usage-credits" && r.Method == http.MethodPost {
		s.handleUsageCredits(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "orgs" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	organizationID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 6 && parts[3] == "integrations" && parts[5] == "sync" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "sync"
	case len(parts) == 5 && parts[3] == "integrations" && r.Method == http.MethodGet:
		requiredScope = "integrations:read"
		route = "integration"
	case len(parts) == 5 && parts[3] == "integrations" && r.Method == http.MethodDelete:
		requiredScope = "integrations:delete"
		route = "delete_integration"
	case len(parts) == 4 && parts[3] == "usage" && r.Method == http.MethodGet:
		requiredScope = "usage:read"
		route = "usage"
	case len(parts) == 4 && parts[3] == "schedules" && r.Method == http.MethodPost:
		requiredScope = "schedules:write"
		route = "create_schedule"
	case len(parts) == 4 && parts[3] == "schedules" && r.Method == http.MethodGet:
		requiredScope = "schedules:read"
		route = "list_schedules"
	case len(parts) == 5 && parts[3] == "schedules" && r.Method == http.MethodPatch:
		requiredScope = "schedules:write"
		route = "update_schedule"
	case len(parts) == 6 && parts[3] == "schedules" && parts[5] == "runs" && r.Method == http.MethodGet:
		requiredScope = "schedules:read"
		route = "schedule_runs"
	case len(parts) == 4 && parts[3] == "summaries" && r.Method == http.MethodGet:
		requiredScope = "schedules:read"
		route = "summaries"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, organizationID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		key := organizationID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "sync":
		s.handleTriggerSync(w, r, organizationID, parts[4], correlationID)
	case "integration":
		s.handleIntegration(w, r, organizationID, parts[4], correlationID)
	case "delete_integration":
		s.handleDeleteIntegration(w, r, organizationID, parts[4], correlationID)
	case "usage":
		s.handleUsage(w, r, organizationID, correlationID)
	case "create_schedule":
		s.handleCreateSchedule(w, r, organizationID, claims, correlationID)
	case "list_schedules":
		s.handleListSchedules(w, r, organizationID, correlationID)
	case "update_schedule":
		s.handleUpdateSchedule(w, r, organizationID, parts[4], correlationID)
	case "schedule_runs":
		s.handleScheduleRuns(w, r, organizationID, parts[4], correlationID)
	case "summaries":
		s.handleSummaries(w, r, organizationID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// integrationFor loads the integration and hides ones that belong to another
// organization.
func (s *Server) integrationFor(w http.ResponseWriter, r *http.Request, organizationID, integrationID, correlationID string) (store.Integration, bool) {
	integration, err := s.deps.Store.GetIntegration(r.Context(), integrationID)
	if err == nil && integration.OrganizationID != organizationID {
		err = store.ErrNotFound
	}
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return store.Integration{}, false
	}
	return integration, true
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request, organizationID, integrationID, correlationID string) {
	integration, ok := s.integrationFor(w, r, organizationID, integrationID, correlationID)
	if !ok {
		return
	}
	if integration.DeleteID != nil {
		writeError(w, http.StatusConflict, "delete_in_progress", "integration is being deleted", correlationID)
		return
	}
	workflowID := syncer.NewWorkflowID(integration.ID)
	s.goBackground(r.Context(), func(ctx context.Context) {
		if _, err := s.deps.Sync.Run(ctx, integration.ID, workflowID); err != nil {
			s.logger.Printf("sync: integration %s workflow %s correlation %s failed: %v", integration.ID, workflowID, correlationID, err)
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflowId":    workflowID,
		"correlationId": correlationID,
	})
}

func (s *Server) handleIntegration(w http.ResponseWriter, r *http.Request, organizationID, integrationID, correlationID string) {
	integration, ok := s.integrationFor(w, r, organizationID, integrationID, correlationID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, integration)
}

func (s *Server) handleDeleteIntegration(w http.ResponseWriter, r *http.Request, organizationID, integrationID, correlationID string) {
	integration, ok := s.integrationFor(w, r, organizationID, integrationID, correlationID)
	if !ok {
		return
	}
	// A failed delete may be retried; one still running may not.
	if integration.DeleteID != nil && integration.DeleteError == nil {
		writeError(w, http.StatusConflict, "delete_in_progress", "integration delete already in progress", correlationID)
		return
	}
	holder, busy, err := s.deps.Store.ActiveLeaseHolder(r.Context(), store.IntegrationLease(integration.ID), time.Now())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if busy && !strings.HasPrefix(holder, "delete:") {
		writeError(w, http.StatusConflict, "sync_in_progress", "integration sync in progress, retry once it finishes", correlationID)
		return
	}
	s.goBackground(r.Context(), func(ctx context.Context) {
		if _, err := s.deps.Teardown.Run(ctx, integration.ID); err != nil {
			s.logger.Printf("teardown: integration %s correlation %s failed: %v", integration.ID, correlationID, err)
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflowId":    teardown.WorkflowID(integration.ID),
		"correlationId": correlationID,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, organizationID, correlationID string) {
	org, err := s.deps.Store.GetOrganization(r.Context(), organizationID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	plan, err := usage.ParsePlan(org.Plan)
	if err != nil {
		s.logger.Printf("usage: organization %s has %v, using basic", organizationID, err)
		plan = usage.PlanBasic
	}
	stats, err := s.deps.Ledger.Stats(r.Context(), organizationID, plan, s.deps.Limits())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request, organizationID string, claims tokenClaims, correlationID string) {
	var req schedule.CreateRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	req.OrganizationID = organizationID
	if req.CreatedByMemberID == nil {
		subject := claims.Subject
		req.CreatedByMemberID = &subject
	}
	created, firstRun, err := s.deps.Schedules.Create(r.Context(), req)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"schedule": created,
		"firstRun": firstRun,
	})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request, organizationID, correlationID string) {
	schedules, err := s.deps.Store.ListSchedules(r.Context(), organizationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": schedules})
}

func (s *Server) scheduleFor(w http.ResponseWriter, r *http.Request, organizationID, scheduleID, correlationID string) (store.Schedule, bool) {
	found, err := s.deps.Store.GetSchedule(r.Context(), scheduleID)
	if err == nil && found.OrganizationID != organizationID {
		err = store.ErrNotFound
	}
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return store.Schedule{}, false
	}
	return found, true
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request, organizationID, scheduleID, correlationID string) {
	if _, ok := s.scheduleFor(w, r, organizationID, scheduleID, correlationID); !ok {
		return
	}
	var req struct {
		IsActive *bool `json:"isActive"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.IsActive == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "isActive is required", correlationID)
		return
	}
	run, err := s.deps.Schedules.SetActive(r.Context(), scheduleID, *req.IsActive)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isActive": *req.IsActive,
		"nextRun":  run,
	})
}

func (s *Server) handleScheduleRuns(w http.ResponseWriter, r *http.Request, organizationID, scheduleID, correlationID string) {
	if _, ok := s.scheduleFor(w, r, organizationID, scheduleID, correlationID); !ok {
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 20, 1, 200)
	runs, err := s.deps.Store.ListScheduleRuns(r.Context(), scheduleID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request, organizationID, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 20, 1, 200)
	summaries, err := s.deps.Store.ListSummaries(r.Context(), organizationID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": summaries})
}

type usageCreditsRequest struct {
	OrganizationID string `json:"organizationId"`
	Quantity       int    `json:"quantity"`
}

// handleUsageCredits is the billing callback that grants add-on
// generations after a purchase.
func (s *Server) handleUsageCredits(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Relay-Timestamp"),
		r.Header.Get("X-Relay-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Relay-Timestamp"), r.Header.Get("X-Relay-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	var req usageCreditsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "organizationId is required", correlationID)
		return
	}
	record, err := s.deps.Ledger.AddCredits(r.Context(), req.OrganizationID, req.Quantity)
	if err != nil {
		if errors.Is(err, usage.ErrInvalidQuantity) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// goBackground runs fn detached from the request so a client disconnect
// does not cancel a workflow halfway.
func (s *Server) goBackground(parent context.Context, fn func(ctx context.Context)) {
	ctx := context.WithoutCancel(parent)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn(ctx)
	}()
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, schedule.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/astromods/modstats/internal/model"
	"github.com/astromods/modstats/internal/service"
)

// TrackerHandler handles HTTP requests for the usage tracking engine
type TrackerHandler struct {
	tracker *service.TrackerService
	logger  *zap.Logger
}

func NewTrackerHandler(tracker *service.TrackerService, logger *zap.Logger) *TrackerHandler {
	return &TrackerHandler{
		tracker: tracker,
		logger:  logger,
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type topModsResponse struct {
	Mods []model.ModUsageRecord `json:"mods"`
}

// modLookupResponse keeps null counters for mods that were never
// reported, so callers can tell "never seen" from "seen with zero".
type modLookupResponse struct {
	Mod          string `json:"mod"`
	TotalCount   *int64 `json:"totalCount"`
	EnabledCount *int64 `json:"enabledCount"`
}

// RegisterRoutes registers the tracking routes
func (h *TrackerHandler) RegisterRoutes(router chi.Router) {
	router.Post("/track-mods", h.TrackMods)
	router.Get("/top-mods", h.TopMods)
	router.Get("/mod/{mod}", h.ModLookup)
	router.Get("/healthz", h.Health)
}

// TrackMods ingests one usage report
func (h *TrackerHandler) TrackMods(w http.ResponseWriter, r *http.Request) {
	var batch model.IngestionBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	identity := clientIdentity(r)
	if err := h.tracker.TrackUsage(r.Context(), identity, batch); err != nil {
		h.writeTrackError(w, identity, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "mods tracked"})
}

func (h *TrackerHandler) writeTrackError(w http.ResponseWriter, identity string, err error) {
	var rateErr *service.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		retryAfter := int(rateErr.RetryAfter.Seconds())
		if retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		}
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
	case errors.Is(err, service.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("Failed to track mods",
			zap.String("identity", identity),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "unable to track mods"})
	}
}

// TopMods serves one ranked leaderboard page
func (h *TrackerHandler) TopMods(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit, ok := parsePageParam(query.Get("n"), 0)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid or missing parameter: n"})
		return
	}
	offset, ok := parsePageParam(query.Get("offset"), 0)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid or missing parameter: offset"})
		return
	}

	mods, err := h.tracker.TopMods(r.Context(), query.Get("sort"), limit, offset)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidSortKey), errors.Is(err, service.ErrInvalidPagination):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		default:
			h.logger.Error("Failed to retrieve top mods", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "unable to retrieve top mods"})
		}
		return
	}

	writeJSON(w, http.StatusOK, topModsResponse{Mods: mods})
}

// ModLookup serves a single mod's counters
func (h *TrackerHandler) ModLookup(w http.ResponseWriter, r *http.Request) {
	modID := chi.URLParam(r, "mod")

	record, err := h.tracker.ModUsage(r.Context(), modID)
	if err != nil {
		h.logger.Error("Failed to retrieve mod usage",
			zap.String("mod", modID),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "unable to retrieve mod count"})
		return
	}

	response := modLookupResponse{Mod: modID}
	if record != nil {
		response.TotalCount = &record.TotalCount
		response.EnabledCount = &record.EnabledCount
	}
	writeJSON(w, http.StatusOK, response)
}

// Health is the liveness probe
func (h *TrackerHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, messageResponse{Message: "OK"})
}

// parsePageParam parses a non-negative integer query parameter, falling
// back to a default when absent. Negative values are rejected here so the
// caller returns 400 without touching the store.
func parsePageParam(raw string, defaultValue int) (int, bool) {
	if raw == "" {
		return defaultValue, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}

// clientIdentity extracts the rate-limit identity from the request.
// RealIP middleware has already folded forwarding headers into
// RemoteAddr, which may or may not carry a port.
func clientIdentity(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

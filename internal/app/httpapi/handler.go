package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/smoothfeed/internal/app/domain/round"
	"github.com/R3E-Network/smoothfeed/internal/app/metrics"
	"github.com/R3E-Network/smoothfeed/internal/app/services/smoothfeed"
	"github.com/R3E-Network/smoothfeed/internal/app/smoothing"
	"github.com/R3E-Network/smoothfeed/pkg/logger"
)

// Error codes carried in the "code" field of error bodies.
const (
	codeInvalidParameter = "invalid_parameter"
	codeInvalidPeriod    = "invalid_period"
	codeFeedNotFound     = "feed_not_found"
	codeRoundNotFound    = "round_not_found"
	codeOverflow         = "arithmetic_overflow"
	codeTraversalLimit   = "traversal_limit"
	codeUnauthorized     = "unauthorized"
	codeRateLimited      = "rate_limited"
	codeInternal         = "internal"
)

// Config tunes the HTTP surface.
type Config struct {
	// AuthTokens enables bearer authentication for /feeds when non-empty.
	AuthTokens        []string
	RequestsPerSecond float64
	Burst             int
	// StreamInterval is the default push interval of smoothed streams.
	StreamInterval time.Duration
}

// handler bundles HTTP endpoints for the smoothed feed service.
type handler struct {
	svc            *smoothfeed.Service
	log            *logger.Logger
	streamInterval time.Duration
}

// NewHandler returns a router exposing the feed API, health and metrics.
func NewHandler(svc *smoothfeed.Service, cfg Config, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{svc: svc, log: log, streamInterval: cfg.StreamInterval}
	if h.streamInterval <= 0 {
		h.streamInterval = time.Second
	}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware(log))
	r.Use(newRateLimiter(cfg.RequestsPerSecond, cfg.Burst, log).Handler)
	r.Use(authMiddleware(cfg.AuthTokens))

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/feeds", h.listFeeds).Methods(http.MethodGet)
	r.HandleFunc("/feeds/{feed}/smoothed", h.smoothed).Methods(http.MethodGet)
	r.HandleFunc("/feeds/{feed}/smoothed/stream", h.stream).Methods(http.MethodGet)
	r.HandleFunc("/feeds/{feed}/rounds/latest", h.latestRound).Methods(http.MethodGet)
	r.HandleFunc("/feeds/{feed}/rounds/{id}", h.round).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type feedResponse struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Decimals    int    `json:"decimals"`
	Period      string `json:"period"`
}

func (h *handler) listFeeds(w http.ResponseWriter, r *http.Request) {
	feeds := h.svc.Feeds()
	out := make([]feedResponse, 0, len(feeds))
	for _, feed := range feeds {
		out = append(out, feedResponse{
			ID:          feed.ID,
			Description: feed.Description,
			Decimals:    feed.Decimals,
			Period:      feed.Period.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type smoothedResponse struct {
	FeedID      string `json:"feed_id"`
	Answer      string `json:"answer"`
	Period      string `json:"period"`
	At          string `json:"at"`
	LatestRound uint64 `json:"latest_round"`
	RoundsRead  int    `json:"rounds_read"`
	Settled     bool   `json:"settled"`
}

func newSmoothedResponse(ans smoothfeed.Answer) smoothedResponse {
	return smoothedResponse{
		FeedID:      ans.FeedID,
		Answer:      ans.Answer.String(),
		Period:      ans.Period.String(),
		At:          ans.At.UTC().Format(time.RFC3339Nano),
		LatestRound: ans.LatestRound,
		RoundsRead:  ans.RoundsRead,
		Settled:     ans.Settled,
	}
}

func (h *handler) smoothed(w http.ResponseWriter, r *http.Request) {
	feedID := mux.Vars(r)["feed"]
	period, err := parsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParameter, err)
		return
	}
	at, err := parseTime(r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParameter, err)
		return
	}

	ans, err := h.svc.SmoothedAnswer(r.Context(), feedID, period, at)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSmoothedResponse(ans))
}

type roundResponse struct {
	FeedID    string `json:"feed_id"`
	RoundID   uint64 `json:"round_id"`
	Answer    string `json:"answer"`
	UpdatedAt string `json:"updated_at"`
}

func newRoundResponse(feedID string, rd round.Round) roundResponse {
	return roundResponse{
		FeedID:    feedID,
		RoundID:   rd.ID,
		Answer:    rd.Answer.String(),
		UpdatedAt: rd.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (h *handler) latestRound(w http.ResponseWriter, r *http.Request) {
	feedID := mux.Vars(r)["feed"]
	rd, err := h.svc.Latest(r.Context(), feedID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoundResponse(feedID, rd))
}

func (h *handler) round(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParameter, fmt.Errorf("invalid round id %q", vars["id"]))
		return
	}
	rd, err := h.svc.Round(r.Context(), vars["feed"], id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoundResponse(vars["feed"], rd))
}

// maxPeriodSeconds is the largest whole-second period a time.Duration holds.
const maxPeriodSeconds = math.MaxInt64 / int64(time.Second)

// parsePeriod accepts a Go duration ("90s", "1m") or whole seconds ("90").
// Empty means the feed default.
func parsePeriod(raw string) (*time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs > maxPeriodSeconds || secs < -maxPeriodSeconds {
			return nil, fmt.Errorf("invalid period %q: out of range", raw)
		}
		d := time.Duration(secs) * time.Second
		return &d, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid period %q", raw)
	}
	return &d, nil
}

// parseTime accepts unix seconds or RFC3339. Empty means now.
func parseTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q", raw)
	}
	return &t, nil
}

// classify maps service errors onto an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, smoothing.ErrInvalidPeriod):
		return http.StatusBadRequest, codeInvalidPeriod
	case errors.Is(err, smoothfeed.ErrFeedIDRequired):
		return http.StatusBadRequest, codeInvalidParameter
	case errors.Is(err, round.ErrFeedNotFound):
		return http.StatusNotFound, codeFeedNotFound
	case errors.Is(err, round.ErrRoundNotFound):
		return http.StatusNotFound, codeRoundNotFound
	case errors.Is(err, smoothing.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity, codeOverflow
	case errors.Is(err, smoothing.ErrTraversalLimit):
		return http.StatusUnprocessableEntity, codeTraversalLimit
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func (h *handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).
			WithField("request_id", RequestID(r.Context())).
			WithField("path", r.URL.Path).
			Error("request failed")
	}
	writeError(w, status, code, err)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

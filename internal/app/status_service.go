package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/daylightd/internal/config"
	"github.com/dokzlo13/daylightd/internal/controller"
	"github.com/dokzlo13/daylightd/internal/geo"
	"github.com/dokzlo13/daylightd/internal/ledger"
	"github.com/dokzlo13/daylightd/internal/lights"
)

// History query bounds
const (
	defaultHistoryLimit  = 100
	maxHistoryLimit      = 1000
	defaultHistoryWindow = 24 * time.Hour
)

// ControlView is what the status API needs from the controller.
type ControlView interface {
	Snapshot() controller.Status
	Ready() bool
	Resume(ctx context.Context, lightID string) error
}

// AstroSource provides the day's sun times.
type AstroSource interface {
	Times(ctx context.Context, date time.Time) (*geo.AstroTimes, error)
}

// HealthChecker reports whether a backing store is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HistorySource reads the control ledger.
type HistorySource interface {
	GetByLight(lightID string, limit int) ([]*ledger.Entry, error)
	GetByType(eventType ledger.EventType, limit int) ([]*ledger.Entry, error)
	GetByTimeRange(start, end time.Time, limit int) ([]*ledger.Entry, error)
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	controller.Status
	Astro *geo.AstroTimes `json:"astro,omitempty"`
}

// apiError is the body of every non-2xx response.
type apiError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// StatusService provides the HTTP status API.
type StatusService struct {
	cfg     *config.Config
	control ControlView
	astro   AstroSource
	store   HealthChecker
	history HistorySource
	server  *http.Server
}

// NewStatusService creates a new StatusService. astro, store and history may be nil.
func NewStatusService(cfg *config.Config, control ControlView, astro AstroSource, store HealthChecker, history HistorySource) *StatusService {
	return &StatusService{
		cfg:     cfg,
		control: control,
		astro:   astro,
		store:   store,
		history: history,
	}
}

// Start begins the status server if enabled.
func (s *StatusService) Start(ctx context.Context) {
	if !s.cfg.Status.Enabled {
		log.Debug().Msg("Status server disabled")
		return
	}

	go s.run(ctx)
}

// Handler returns the API router.
func (s *StatusService) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Get("/ready", s.handleReady)
	r.Get("/status", s.handleStatus)
	r.Post("/lights/{id}/resume", s.handleResume)
	r.Get("/lights/{id}/history", s.handleLightHistory)
	r.Get("/history", s.handleHistory)

	return r
}

func (s *StatusService) run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Status.Host, s.cfg.Status.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("Starting status server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Status server error")
	}
}

func (s *StatusService) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.control.Ready() {
		writeError(w, http.StatusServiceUnavailable, "no successful tick yet")
		return
	}
	if s.store != nil {
		if err := s.store.HealthCheck(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *StatusService) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: s.control.Snapshot()}

	if s.astro != nil {
		times, err := s.astro.Times(r.Context(), time.Now())
		if err != nil {
			log.Debug().Err(err).Msg("Astro times unavailable")
		} else {
			resp.Astro = times
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *StatusService) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.control.Resume(r.Context(), id)
	switch {
	case err == nil:
		log.Info().Str("light", id).Msg("Light resumed via API")
		writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "light": id})
	case errors.Is(err, lights.ErrLightNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("light %s not found", id))
	case errors.Is(err, controller.ErrStopped), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "controller is not running")
	default:
		log.Warn().Err(err).Str("light", id).Msg("Resume failed")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// handleLightHistory returns the ledger entries of one light, newest first.
func (s *StatusService) handleLightHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "ledger is disabled")
		return
	}
	limit, err := historyLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	entries, err := s.history.GetByLight(id, limit)
	if err != nil {
		log.Error().Err(err).Str("light", id).Msg("Failed to read light history")
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, historyResponse(entries))
}

// handleHistory returns ledger entries filtered by ?type= or by a
// ?since=&until= window (RFC 3339, default the last 24 hours).
func (s *StatusService) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "ledger is disabled")
		return
	}
	limit, err := historyLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	var entries []*ledger.Entry
	if t := q.Get("type"); t != "" {
		entries, err = s.history.GetByType(ledger.EventType(t), limit)
	} else {
		until := time.Now()
		since := until.Add(-defaultHistoryWindow)
		if v := q.Get("since"); v != "" {
			if since, err = time.Parse(time.RFC3339, v); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
				return
			}
		}
		if v := q.Get("until"); v != "" {
			if until, err = time.Parse(time.RFC3339, v); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid until: %v", err))
				return
			}
		}
		if until.Before(since) {
			writeError(w, http.StatusBadRequest, "until is before since")
			return
		}
		entries, err = s.history.GetByTimeRange(since, until, limit)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to read history")
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, historyResponse(entries))
}

func historyLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return min(n, maxHistoryLimit), nil
}

// historyResponse keeps an empty result a JSON array.
func historyResponse(entries []*ledger.Entry) []*ledger.Entry {
	if entries == nil {
		return []*ledger.Entry{}
	}
	return entries
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Status: status, Message: message})
}

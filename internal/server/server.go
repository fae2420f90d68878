// Package server exposes the admin interface: manual ingest triggers,
// health and version.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/coordinator"
	"github.com/nilemarkets/sahm/internal/interfaces"
	"github.com/nilemarkets/sahm/internal/models"
)

// upstreams reported by the health endpoint.
var upstreams = []string{"mubasher", "argaam", "egx_web", "fund_data", "yahoo_edge"}

// Server is the admin HTTP surface. Triggers run synchronously; callers
// that want fire-and-forget put a client timeout on their side.
type Server struct {
	config      *common.Config
	logger      *common.Logger
	coordinator interfaces.Coordinator
	broker      interfaces.SessionBroker
	sink        interfaces.Sink

	http *http.Server
}

func New(config *common.Config, logger *common.Logger, coord interfaces.Coordinator, broker interfaces.SessionBroker, sink interfaces.Sink) *Server {
	s := &Server{
		config:      config,
		logger:      logger,
		coordinator: coord,
		broker:      broker,
		sink:        sink,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/ingest/{source}", s.handleTrigger)
	mux.HandleFunc("GET /admin/sources", s.handleSources)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("admin server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")

	var params models.RunParams
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid parameters: %v", err))
			return
		}
	}

	s.logger.Info().Str("source", source).Bool("dry_run", params.DryRun).Msg("manual trigger")

	report, err := s.coordinator.Trigger(r.Context(), source, params)
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrRunInProgress):
			s.writeError(w, http.StatusConflict, err.Error())
		case strings.Contains(err.Error(), "unknown source"):
			s.writeError(w, http.StatusNotFound, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": s.coordinator.Sources()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := make(map[string]string, len(upstreams))
	degraded := false
	for _, name := range upstreams {
		health := s.broker.Health(name)
		sessions[name] = health
		if health == interfaces.SessionBlocked {
			degraded = true
		}
	}

	database := "ok"
	status := http.StatusOK
	if err := s.sink.Ping(r.Context()); err != nil {
		database = err.Error()
		status = http.StatusServiceUnavailable
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "unavailable"
	} else if degraded {
		overall = "degraded"
	}

	s.writeJSON(w, status, map[string]any{
		"status":   overall,
		"database": database,
		"sessions": sessions,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response write failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

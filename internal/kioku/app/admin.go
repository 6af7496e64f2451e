package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/kioku/common/version"
	"github.com/bdobrica/kioku/internal/kioku/engine"
	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// adminServer exposes the operational HTTP surface:
//
//   - GET    /health       liveness probe
//   - GET    /status       uptime, counters, correspondent count
//   - GET    /stats/cache  artifact cache counters
//   - GET    /events       recent audit trail rows (?limit=N)
//   - GET    /memory/<id>  a correspondent's memory snapshot
//   - DELETE /memory/<id>  export, persist and evict the correspondent
//   - POST   /message      run one inbound message through the pipeline
//
// It is optional; kioku runs headless when the listen address is empty.
type adminServer struct {
	addr   string
	app    *App
	logger *slog.Logger
	mux    *http.ServeMux
	server *http.Server
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status         string          `json:"status"`
	Version        string          `json:"version"`
	Commit         string          `json:"commit"`
	BuildTime      string          `json:"build_time"`
	StartedAt      time.Time       `json:"started_at"`
	UptimeSecs     float64         `json:"uptime_seconds"`
	Correspondents int             `json:"correspondents"`
	ArtifactsBusy  int             `json:"artifacts_in_flight"`
	Counters       CounterSnapshot `json:"counters"`
}

// messageRequest is the body of POST /message.
type messageRequest struct {
	CorrespondentID string `json:"correspondent_id"`
	Text            string `json:"text"`
}

func newAdminServer(addr string, a *App, logger *slog.Logger) *adminServer {
	mux := http.NewServeMux()
	s := &adminServer{
		addr:   addr,
		app:    a,
		logger: logger.With("component", "admin"),
		mux:    mux,
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stats/cache", s.handleCacheStats)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/memory/", s.handleMemory)
	mux.HandleFunc("/message", s.handleMessage)
	return s
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (s *adminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// run listens until ctx is cancelled. Binding happens before the goroutine
// starts so a bad address fails Run immediately.
func (s *adminServer) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "addr", ln.Addr().String())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("admin server shutdown", "error", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin: serve: %w", err)
		}
		return nil
	}
}

func (s *adminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (s *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:         "ok",
		Version:        version.Version,
		Commit:         version.GitCommit,
		BuildTime:      version.BuildTime,
		StartedAt:      s.app.startedAt,
		UptimeSecs:     time.Since(s.app.startedAt).Seconds(),
		Correspondents: len(s.app.memory.Correspondents()),
		ArtifactsBusy:  s.app.engine.ArtifactsInFlight(),
		Counters:       s.app.Counters(),
	})
}

func (s *adminServer) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.app.CacheStats())
}

func (s *adminServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := s.app.store.RecentEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("event query failed", "error", err)
		http.Error(w, "event query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleMemory dispatches GET and DELETE for /memory/<correspondent id>.
func (s *adminServer) handleMemory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/memory/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.app.MemorySnapshot(id))
	case http.MethodDelete:
		rec, err := s.app.EvictMemory(id)
		if err != nil {
			if errors.Is(err, memory.ErrNoRecord) {
				http.NotFound(w, r)
				return
			}
			s.logger.Error("memory evict failed", "correspondent", id, "error", err)
			http.Error(w, "evict failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *adminServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.CorrespondentID == "" || req.Text == "" {
		http.Error(w, "correspondent_id and text are required", http.StatusBadRequest)
		return
	}

	out := s.app.HandleMessage(r.Context(), req.CorrespondentID, req.Text)
	code := http.StatusOK
	if out.Status == engine.StatusRejected {
		code = http.StatusTooManyRequests
		if out.Reason == engine.ReasonGenerationFailed || out.Reason == engine.ReasonTimeout {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, out)
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("admin: failed to encode JSON response", "err", err)
	}
}

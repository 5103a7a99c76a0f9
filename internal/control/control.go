// Package control implements the minimal HTTP control surface described
// in §4.9's "control surface (minimum for the core)" list:
// set_current_service, get_current_service, set_current_multiplex,
// get_current_multiplex, lock_current_service, unlock_current_service,
// writeback, and subscribe/unsubscribe listeners by name.
//
// Grounded on the teacher's internal/tuner/server.go, which wires a
// plain net/http.ServeMux rather than a third-party router and wraps
// every handler in a logging middleware; this package follows the same
// shape, retargeted at the tuning controller and cache instead of the
// teacher's HDHomeRun/XMLTV/M3U endpoints.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/snapetech/tsengine/internal/cache"
	"github.com/snapetech/tsengine/internal/eventbus"
	"github.com/snapetech/tsengine/internal/model"
	"github.com/snapetech/tsengine/internal/store"
	"github.com/snapetech/tsengine/internal/tuner"
)

// Controller is the subset of *tuner.Controller this surface drives.
// Declared as an interface so tests can substitute a fake without
// constructing a full tuning stack.
type Controller interface {
	CurrentMultiplex() *model.Multiplex
	CurrentService() *model.Service
	SetCurrentService(ctx context.Context, mux *model.Multiplex, serviceID uint16) error
	SetCurrentMultiplex(ctx context.Context, mux *model.Multiplex) error
	LockService()
	UnlockService()
}

var _ Controller = (*tuner.Controller)(nil)

// Server exposes Controller, the cache, and the store over HTTP.
type Server struct {
	ctrl Controller
	cch  *cache.Cache
	st   store.Store
	bus  *eventbus.Bus
	log  *slog.Logger
}

// New builds a Server. bus is used only for the subscribe/unsubscribe
// endpoints; it may be nil if those are not needed.
func New(ctrl Controller, cch *cache.Cache, st store.Store, bus *eventbus.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{ctrl: ctrl, cch: cch, st: st, bus: bus, log: log}
}

// Handler returns the http.Handler serving every control endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/service/current", s.handleCurrentService)
	mux.HandleFunc("/service/lock", s.handleLockService)
	mux.HandleFunc("/service/unlock", s.handleUnlockService)
	mux.HandleFunc("/multiplex/current", s.handleCurrentMultiplex)
	mux.HandleFunc("/writeback", s.handleWriteback)
	mux.HandleFunc("/events", s.handleSubscribe)
	return s.logRequests(mux)
}

// ListenAndServe serves the control surface on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("control: shutdown", "error", err)
		}
		<-errCh
		return nil
	}
}

type serviceView struct {
	ServiceID uint16 `json:"service_id"`
	Name      string `json:"name"`
	FQID      string `json:"fqid,omitempty"`
}

type multiplexView struct {
	UID               int64  `json:"uid"`
	NetworkID         uint16 `json:"network_id,omitempty"`
	TransportStreamID uint16 `json:"transport_stream_id,omitempty"`
}

// handleCurrentService implements get_current_service (GET) and
// set_current_service (POST, body {"service":"name_or_fqid"}).
func (s *Server) handleCurrentService(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		mux := s.ctrl.CurrentMultiplex()
		svc := s.ctrl.CurrentService()
		if svc == nil {
			writeJSON(w, http.StatusOK, serviceView{})
			return
		}
		view := serviceView{ServiceID: svc.ServiceID, Name: svc.Name}
		if fqid, ok := model.FQID(mux, svc); ok {
			view.FQID = fqid
		}
		writeJSON(w, http.StatusOK, view)

	case http.MethodPost:
		var req struct {
			Service string `json:"service"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Service == "" {
			req.Service = r.URL.Query().Get("service")
		}
		if req.Service == "" {
			http.Error(w, "missing service", http.StatusBadRequest)
			return
		}
		if err := s.setCurrentService(r.Context(), req.Service); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// setCurrentService resolves name_or_fqid per §4.4's service_find_by_name
// contract: a "net.ts.svc" hex triple names a multiplex+service pair
// directly; a bare name is resolved against the currently loaded cache,
// which implies the currently tuned multiplex.
func (s *Server) setCurrentService(ctx context.Context, nameOrFQID string) error {
	if netID, tsID, svcID, ok := model.ParseFQID(nameOrFQID); ok {
		mux, err := s.st.FindMultiplexByIDs(ctx, netID, tsID)
		if err != nil {
			return fmt.Errorf("control: find multiplex %04x.%04x: %w", netID, tsID, err)
		}
		return s.ctrl.SetCurrentService(ctx, mux, svcID)
	}

	svc, err := s.cch.ServiceFind(nameOrFQID)
	if err != nil {
		return fmt.Errorf("control: find service %q: %w", nameOrFQID, err)
	}
	mux := s.ctrl.CurrentMultiplex()
	if mux == nil {
		return fmt.Errorf("control: no multiplex currently loaded")
	}
	return s.ctrl.SetCurrentService(ctx, mux, svc.ServiceID)
}

// handleCurrentMultiplex implements get_current_multiplex (GET) and
// set_current_multiplex (POST, body {"uid":N}).
func (s *Server) handleCurrentMultiplex(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		mux := s.ctrl.CurrentMultiplex()
		if mux == nil {
			writeJSON(w, http.StatusOK, multiplexView{})
			return
		}
		writeJSON(w, http.StatusOK, multiplexView{
			UID:               mux.UID,
			NetworkID:         mux.NetworkID,
			TransportStreamID: mux.TransportStreamID,
		})

	case http.MethodPost:
		var req struct {
			UID int64 `json:"uid"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UID == 0 {
			if v := r.URL.Query().Get("uid"); v != "" {
				parsed, perr := strconv.ParseInt(v, 10, 64)
				if perr == nil {
					req.UID = parsed
				}
			}
		}
		if req.UID == 0 {
			http.Error(w, "missing uid", http.StatusBadRequest)
			return
		}
		mux, err := s.st.FindMultiplexByUID(r.Context(), req.UID)
		if err != nil {
			writeError(w, fmt.Errorf("control: find multiplex %d: %w", req.UID, err))
			return
		}
		if err := s.ctrl.SetCurrentMultiplex(r.Context(), mux); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLockService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.ctrl.LockService()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnlockService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.ctrl.UnlockService()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWriteback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.cch.Writeback(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubscribe implements subscribe/unsubscribe listeners by name as
// a server-sent-events stream: GET /events?name=tuning.service_changed
// (or ?name=tuning for a whole source, or no name for every event)
// streams one JSON line per fired event until the client disconnects,
// at which point the listener is unregistered.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	msgs := make(chan []byte, 16)
	listener := func(name string, payload any) {
		body, err := json.Marshal(map[string]any{"event": name, "payload": payload})
		if err != nil {
			return
		}
		select {
		case msgs <- body:
		default:
			s.log.Warn("control: subscriber slow, dropping event", "event", name)
		}
	}

	name := r.URL.Query().Get("name")
	var handle eventbus.Handle
	switch {
	case name == "":
		handle = s.bus.RegisterGlobal(listener)
	case !containsDot(name):
		handle = s.bus.RegisterSource(name, listener)
	default:
		handle = s.bus.RegisterEvent(name, listener)
	}
	defer s.bus.Unregister(handle)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case body := <-msgs:
			if _, err := w.Write(append(append([]byte("data: "), body...), '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func containsDot(s string) bool {
	for _, c := range s {
		if c == '.' {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusConflict)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Debug("control: request", "method", r.Method, "path", r.URL.Path, "status", status, "dur", time.Since(start).Round(time.Millisecond))
	})
}

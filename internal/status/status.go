// Package status serves the bridge's last-known state over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chaz8081/hbutton-bridge/internal/ble"
	"github.com/chaz8081/hbutton-bridge/internal/controller"
)

// Source provides the state reported by the endpoints. Either field may be nil.
type Source struct {
	Snapshot func() controller.Snapshot
	Session  func() ble.SessionState
}

// Response is the body of GET /status.
type Response struct {
	Connected bool   `json:"connected"`
	DeviceID  string `json:"device_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Since     string `json:"since,omitempty"`

	Microphone      string `json:"microphone"`
	Volume          int64  `json:"volume"`
	EncoderPosition int32  `json:"encoder_position"`
	PressCount      uint32 `json:"mic_mute_button_press_count"`
	LedStatus       string `json:"led_status"`
	Updated         string `json:"updated,omitempty"`
}

// NewRouter builds the chi router for the status endpoints.
func NewRouter(src Source) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "hbutton-bridge",
		})
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		if src.Snapshot == nil && src.Session == nil {
			errorResponse(w, http.StatusServiceUnavailable, "no state source")
			return
		}
		jsonResponse(w, http.StatusOK, build(src))
	})

	return r
}

func build(src Source) Response {
	var resp Response
	if src.Session != nil {
		st := src.Session()
		resp.Connected = st.Connected
		resp.DeviceID = st.ID
		resp.Name = st.Name
		resp.Since = formatTime(st.Since)
	}
	snap := controller.Snapshot{}
	if src.Snapshot != nil {
		snap = src.Snapshot()
	}
	resp.Microphone = snap.Mic.String()
	resp.Volume = snap.Volume
	resp.EncoderPosition = snap.Status.EncoderPosition
	resp.PressCount = snap.Status.MicMuteButtonPressCount
	resp.LedStatus = snap.Status.LedStatus.String()
	resp.Updated = formatTime(snap.Updated)
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("[HTTP] request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start))
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}

// Server runs the status endpoints on a listen address.
type Server struct {
	srv *http.Server
}

// NewServer creates a Server for addr (host:port).
func NewServer(addr string, src Source) *Server {
	return &Server{srv: &http.Server{
		Addr:         addr,
		Handler:      NewRouter(src),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}}
}

// Run listens until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("status: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[HTTP] status endpoint listening", "addr", ln.Addr().String())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status: shutdown: %w", err)
	}
	return nil
}

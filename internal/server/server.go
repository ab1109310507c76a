package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/audiobridge/internal/audio"
	"github.com/audiolibrelab/audiobridge/internal/metrics"
	"github.com/audiolibrelab/audiobridge/internal/player"
	"github.com/audiolibrelab/audiobridge/internal/recorder"
	"github.com/audiolibrelab/audiobridge/internal/service"
)

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server is the HTTP and WebSocket bridge to the audio service
type Server struct {
	service service.Service
	metrics *metrics.Collector
	listen  string
	http    *http.Server
}

// New creates a bridge serving svc on listen
func New(svc service.Service, m *metrics.Collector, listen string) *Server {
	s := &Server{service: svc, metrics: m, listen: listen}
	s.http = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes of the bridge
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /recorder/start", s.handleRecorderStart)
	mux.HandleFunc("POST /recorder/pause", s.handleRecorderPause)
	mux.HandleFunc("POST /recorder/resume", s.handleRecorderResume)
	mux.HandleFunc("POST /recorder/stop", s.handleRecorderStop)
	mux.HandleFunc("GET /recorder/status", s.handleRecorderStatus)

	mux.HandleFunc("POST /player/start", s.handlePlayerStart)
	mux.HandleFunc("POST /player/pause", s.handlePlayerPause)
	mux.HandleFunc("POST /player/resume", s.handlePlayerResume)
	mux.HandleFunc("POST /player/stop", s.handlePlayerStop)
	mux.HandleFunc("POST /player/seek", s.handlePlayerSeek)
	mux.HandleFunc("POST /player/volume", s.handlePlayerVolume)
	mux.HandleFunc("POST /player/speed", s.handlePlayerSpeed)
	mux.HandleFunc("GET /player/status", s.handlePlayerStatus)

	mux.HandleFunc("POST /subscription", s.handleSubscription)
	mux.HandleFunc("POST /focus/claim", s.handleFocusClaim)
	mux.HandleFunc("POST /focus/abandon", s.handleFocusAbandon)
	mux.HandleFunc("GET /sources", s.handleSources)

	mux.HandleFunc("GET /events", s.handleEvents)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		s.sendJSON(w, map[string]interface{}{"success": true, "status": "ok"})
	})

	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}

	addr := ln.Addr().(*net.TCPAddr)
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		// reachable from the local network, show the LAN address
		host = getLocalIP()
	}
	slog.Info("Starting audiobridge server",
		"listen", addr.String(),
		"api_url", fmt.Sprintf("http://%s:%d", host, addr.Port),
		"events_url", fmt.Sprintf("ws://%s:%d/events", host, addr.Port))

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("Server stopped")
	return nil
}

func (s *Server) handleRecorderStart(w http.ResponseWriter, r *http.Request) {
	var req service.StartRecorderRequest
	if !s.decode(w, r, &req) {
		return
	}

	slog.Debug("Recorder start request received", "target", req.Target, "metering", req.Metering)
	location, err := s.service.StartRecorder(r.Context(), req)
	if err != nil {
		s.sendError(w, err, "operation", "start_recorder", "target", req.Target)
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true, "location": location})
}

func (s *Server) handleRecorderPause(w http.ResponseWriter, r *http.Request) {
	if err := s.service.PauseRecorder(r.Context()); err != nil {
		s.sendError(w, err, "operation", "pause_recorder")
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true})
}

func (s *Server) handleRecorderResume(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ResumeRecorder(r.Context()); err != nil {
		s.sendError(w, err, "operation", "resume_recorder")
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true})
}

func (s *Server) handleRecorderStop(w http.ResponseWriter, r *http.Request) {
	location, err := s.service.StopRecorder(r.Context())
	if err != nil {
		s.sendError(w, err, "operation", "stop_recorder")
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true, "location": location})
}

func (s *Server) handleRecorderStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.RecorderStatus(r.Context())
	if err != nil {
		s.sendError(w, err, "operation", "recorder_status")
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true, "status": st})
}

func (s *Server) handlePlayerStart(w http.ResponseWriter, r *http.Request) {
	var req service.StartPlayerRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.service.StartPlayer(r.Context(), req)
	if err != nil {
		s.sendError(w, err, "operation", "start_player", "source", req.Source)
		return
	}
	s.sendJSON(w, map[string]interface{}{
		"success":    true,
		"session_id": res.SessionID,
		"location":   res.Location,
		"resumed":    res.Resumed,
	})
}

func (s *Server) handlePlayerPause(w http.ResponseWriter, r *http.Request) {
	if err := s.service.PausePlayer(r.Context()); err != nil {
		s.sendError(w, err, "operation", "pause_player")
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true})
}

func (s *Server) handlePlayerResume(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ResumePlayer(r.Context()); err != nil {
		s.sendError(w, err, "operation", "resume_player")
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true})
}

func (s *Server) handlePlayerStop(w http.ResponseWriter, r *http.Request) {
	already, err := s.service.StopPlayer(r.Context())
	if err != nil {
		s.sendError(w, err, "operation", "stop_player")
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true, "already_stopped": already})
}

func (s *Server) handlePlayerSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PositionMillis int64 `json:"position_ms"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.SeekPlayer(r.Context(), req.PositionMillis); err != nil {
		s.sendError(w, err, "operation", "seek_player", "position_ms", req.PositionMillis)
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true})
}

func (s *Server) handlePlayerVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level float64 `json:"level"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.SetVolume(r.Context(), req.Level); err != nil {
		s.sendError(w, err, "operation", "set_volume", "level", req.Level)
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true})
}

func (s *Server) handlePlayerSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rate float64 `json:"rate"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.SetPlaybackSpeed(r.Context(), req.Rate); err != nil {
		s.sendError(w, err, "operation", "set_speed", "rate", req.Rate)
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true})
}

func (s *Server) handlePlayerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.PlayerStatus(r.Context())
	if err != nil {
		s.sendError(w, err, "operation", "player_status")
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true, "status": st})
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds float64 `json:"seconds"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.SetSubscriptionDuration(r.Context(), req.Seconds); err != nil {
		s.sendError(w, err, "operation", "set_subscription", "seconds", req.Seconds)
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true})
}

func (s *Server) handleFocusClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Client    string `json:"client"`
		Exclusive bool   `json:"exclusive"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.ClaimFocus(req.Client, req.Exclusive); err != nil {
		s.sendError(w, err, "operation", "claim_focus", "client", req.Client, "exclusive", req.Exclusive)
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true, "holder": s.service.FocusHolder()})
}

func (s *Server) handleFocusAbandon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Client string `json:"client"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.AbandonFocus(req.Client); err != nil {
		s.sendError(w, err, "operation", "abandon_focus", "client", req.Client)
		return
	}
	s.sendJSON(w, map[string]interface{}{"success": true, "holder": s.service.FocusHolder()})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, map[string]interface{}{"success": true, "sources": s.service.ListSources()})
}

// handleEvents streams controller events to a WebSocket client until it disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.service.Subscribe(eventBuffer)
	defer sub.Close()
	slog.Info("Event client connected", "remote", r.RemoteAddr)

	// the client never sends anything we use; reading detects the disconnect
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(env); err != nil {
				slog.Debug("Event client write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		case <-gone:
			slog.Info("Event client disconnected", "remote", r.RemoteAddr, "dropped", sub.Dropped())
			return
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid_argument",
			fmt.Sprintf("Failed to parse request body: %v", err), "path", r.URL.Path)
		return false
	}
	return true
}

func (s *Server) sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// sendError maps a service error to its status code and error code.
func (s *Server) sendError(w http.ResponseWriter, err error, logContext ...interface{}) {
	status, code := classify(err)
	s.sendErrorResponse(w, status, code, err.Error(), logContext...)
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, code, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "code", code, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Sending error response to client", logFields...)
	} else {
		slog.Debug("Sending error response to client", logFields...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"code":    code,
		"error":   errorMsg,
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, recorder.ErrAlreadyRecording):
		return http.StatusConflict, "already_recording"
	case errors.Is(err, player.ErrAlreadyPlaying):
		return http.StatusConflict, "already_playing"
	case errors.Is(err, recorder.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, recorder.ErrNoActiveSession), errors.Is(err, player.ErrNoActiveSession):
		return http.StatusConflict, "no_active_session"
	case errors.Is(err, recorder.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, recorder.ErrInvalidState), errors.Is(err, player.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, player.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, audio.ErrDeviceFailure):
		return http.StatusBadGateway, "device_failure"
	case errors.Is(err, recorder.ErrClosed), errors.Is(err, player.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

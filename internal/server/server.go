// Package server implements the per-agent HTTP server: loopback-bound,
// one memory store and one session cache per agent.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/tinycrab/internal/bus"
	"github.com/nextlevelbuilder/tinycrab/internal/memory"
	"github.com/nextlevelbuilder/tinycrab/internal/runtime"
	"github.com/nextlevelbuilder/tinycrab/internal/sessions"
	"github.com/nextlevelbuilder/tinycrab/internal/tools"
	"github.com/nextlevelbuilder/tinycrab/pkg/protocol"
)

// trustedSessionID matches ids the server hands out (or equivalent):
// anything ending in a dash and 16 lowercase hex chars.
var trustedSessionID = regexp.MustCompile(`^.+-[0-9a-f]{16}$`)

// Config describes one agent server instance.
type Config struct {
	ID          string
	Port        int
	Workspace   string
	SessionsDir string
	MemoryDir   string

	// ChatRatePerMinute limits /chat per session id. 0 disables limiting.
	ChatRatePerMinute int
}

// Server is the per-agent HTTP server.
type Server struct {
	cfg      Config
	sessions *sessions.Manager
	memory   *memory.Store
	router   bus.MessageRouter

	httpServer *http.Server
	listener   net.Listener

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// onStop requests process shutdown after /stop responds.
	onStop func()
}

// New wires a server over an existing session manager and memory store.
// onStop is invoked ~100ms after POST /stop responds.
func New(cfg Config, mgr *sessions.Manager, mem *memory.Store, router bus.MessageRouter, onStop func()) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: mgr,
		memory:   mem,
		router:   router,
		limiters: make(map[string]*rate.Limiter),
		onStop:   onStop,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.httpServer = &http.Server{Handler: mux}
	return s
}

// Start binds 127.0.0.1:<port> and serves until Shutdown. It returns once
// the listener is bound; serving continues in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()
	slog.Info("agent server listening", "agent", s.cfg.ID, "addr", addr)
	return nil
}

// Port returns the bound port (useful when cfg.Port was 0 in tests).
func (s *Server) Port() int {
	if s.listener == nil {
		return s.cfg.Port
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok", Agent: s.cfg.ID})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.InfoResponse{
		ID:             s.cfg.ID,
		Status:         "running",
		Port:           s.Port(),
		PID:            os.Getpid(),
		Workspace:      s.cfg.Workspace,
		SessionsDir:    s.cfg.SessionsDir,
		MemoryDir:      s.cfg.MemoryDir,
		ActiveSessions: s.sessions.Count(),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "message is required"})
		return
	}

	sessionID := resolveSessionID(req.SessionID)

	if s.cfg.ChatRatePerMinute > 0 && !s.limiter(sessionID).Allow() {
		writeJSON(w, http.StatusTooManyRequests, protocol.ErrorResponse{Error: "rate limit exceeded"})
		return
	}

	ctx, span := otel.Tracer("tinycrab/server").Start(r.Context(), "chat")
	span.SetAttributes(
		attribute.String("agent.id", s.cfg.ID),
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	key := sessions.BuildKey("http", sessionID, "")
	ctx = tools.WithSessionKey(ctx, key)

	var response string
	err := s.sessions.WithSessionKey(ctx, key, func(sess runtime.Session) error {
		if err := sess.Prompt(ctx, req.Message); err != nil {
			return err
		}
		text, ok := sess.LastAssistantText()
		if !ok {
			text = ""
		}
		response = text
		return nil
	})
	if err != nil {
		span.RecordError(err)
		slog.Error("chat turn failed", "session", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, protocol.ChatResponse{Response: response, SessionID: sessionID})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	keys := s.sessions.Keys()
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, protocol.SessionsResponse{Sessions: keys})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.StopResponse{Status: "stopping"})

	// Let the response flush before tearing the process down.
	go func() {
		time.Sleep(100 * time.Millisecond)
		if s.onStop != nil {
			s.onStop()
		}
	}()
}

func (s *Server) limiter(sessionID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[sessionID]
	if !ok {
		perSecond := rate.Limit(float64(s.cfg.ChatRatePerMinute) / 60)
		l = rate.NewLimiter(perSecond, s.cfg.ChatRatePerMinute)
		s.limiters[sessionID] = l
	}
	return l
}

// resolveSessionID applies the session id hardening rules: absent ids get
// a fresh random one, ids in the server's own format are trusted, anything
// else gets a random suffix so a chosen id cannot collide with another
// client's session.
func resolveSessionID(requested string) string {
	if requested == "" {
		return "session-" + randomHex16()
	}
	if trustedSessionID.MatchString(requested) {
		return requested
	}
	return requested + "-" + randomHex16()
}

func randomHex16() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform is broken; fall back to
		// a timestamp rather than crash mid-request.
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

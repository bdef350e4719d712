package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/familyshield/familyd/internal/domain"
	"github.com/familyshield/familyd/internal/engine"
)

// roleHeader carries the authenticated role claim. The bus-side
// authenticator sets it before the request reaches this socket; the core
// trusts it absolutely and performs no authentication of its own.
const roleHeader = "X-Familyd-Role"

// Server exposes the gateway over a unix-domain socket: one POST dispatch
// endpoint plus a websocket signal stream.
type Server struct {
	gateway    *Gateway
	hub        *Hub
	socketPath string
	logger     *zap.Logger

	httpServer *http.Server
}

// NewServer builds the HTTP surface.
func NewServer(g *Gateway, hub *Hub, socketPath string, logger *zap.Logger) *Server {
	s := &Server{
		gateway:    g,
		hub:        hub,
		socketPath: socketPath,
		logger:     logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/call", s.handleCall).Methods(http.MethodPost)
	router.HandleFunc("/v1/signals", s.handleSignals).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe binds the unix socket and serves until Shutdown. A stale
// socket from an unclean exit is removed first.
func (s *Server) ListenAndServe() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.socketPath, err)
	}
	// Monitors run with reduced privilege but still need to connect.
	if err := os.Chmod(s.socketPath, 0666); err != nil {
		listener.Close()
		return fmt.Errorf("failed to chmod socket: %w", err)
	}

	s.logger.Info("gateway listening", zap.String("socket", s.socketPath))
	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server and removes the socket.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
	return err
}

// callBody is the dispatch request less the role, which rides the header.
type callBody struct {
	Method       engine.Method  `json:"method"`
	SessionToken string         `json:"session_token,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	role, ok := roleFromHeader(r)
	if !ok {
		writeError(w, http.StatusForbidden, fmt.Errorf("missing or invalid role claim: %w", domain.ErrRoleDenied))
		return
	}

	var body callBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request body: %v", err))
		return
	}

	result, err := s.gateway.Dispatch(Envelope{
		Role:         role,
		Method:       body.Method,
		SessionToken: body.SessionToken,
		Args:         body.Args,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	role, ok := roleFromHeader(r)
	if !ok {
		writeError(w, http.StatusForbidden, fmt.Errorf("missing or invalid role claim: %w", domain.ErrRoleDenied))
		return
	}
	s.hub.ServeWS(role, w, r)
}

func roleFromHeader(r *http.Request) (domain.Role, bool) {
	role := domain.Role(r.Header.Get(roleHeader))
	switch role {
	case domain.RoleRoot, domain.RoleParent, domain.RoleFamily, domain.RoleMonitor:
		return role, true
	}
	return "", false
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRoleDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnknownProfile), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}

// Package ipc implements IpcServer: a one-message-per-connection,
// token-gated local control channel used to ask a running agent to
// restart itself (the --force CLI path). The transport is whatever
// platform.Ops.IPCListen/IPCDial provide — a named pipe on Windows, a
// Unix domain socket elsewhere — so this package only ever speaks
// net.Listener/net.Conn and JSON.
package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cmsagent/agent/internal/platform"
)

// placeholderToken is used to validate requests before the agent has
// completed its first authentication and been given a real session
// token. It is intentionally not a secret: pre-auth force-restart is
// not meant to be reachable by an untrusted caller, only to keep the
// validation codepath uniform before UpdateToken is called.
const placeholderToken = "123"

const maxRequestBytes = 4096

// RestartRequester is the capability the server calls into to satisfy a
// validated force_restart request.
type RestartRequester interface {
	// IsUpdating reports whether AgentCore is currently in any
	// UPDATING_* state; force_restart is refused while true.
	IsUpdating() bool
	// RequestRestart asynchronously begins a graceful shutdown intended
	// to be followed by a relaunch. Must not block.
	RequestRestart()
}

type request struct {
	Command string   `json:"command"`
	Token   string   `json:"token"`
	NewArgs []string `json:"new_args"`
}

type response struct {
	Status string `json:"status"`
}

// Server is IpcServer.
type Server struct {
	name     string
	admin    bool
	core     RestartRequester
	logger   *zap.Logger

	mu    sync.RWMutex
	token string

	ln       net.Listener
	stopOnce sync.Once
	stopped  chan struct{}
}

// New returns a Server for the deterministic endpoint name matching
// (admin, userSID); the caller resolves userSID via
// platform.Current.CurrentUserSID when admin is false.
func New(name string, admin bool, core RestartRequester, logger *zap.Logger) *Server {
	return &Server{
		name:    name,
		admin:   admin,
		core:    core,
		token:   placeholderToken,
		logger:  logger.Named("ipc"),
		stopped: make(chan struct{}),
	}
}

// UpdateToken replaces the token used to validate incoming requests.
// Called by AgentCore once authentication succeeds.
func (s *Server) UpdateToken(newToken string) {
	if newToken == "" {
		s.logger.Warn("ignoring empty token update")
		return
	}
	s.mu.Lock()
	s.token = newToken
	s.mu.Unlock()
}

func (s *Server) currentToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Start opens the platform IPC endpoint and begins accepting
// connections in a background goroutine. Returns once the endpoint is
// listening.
func (s *Server) Start() error {
	ln, err := platform.Current.IPCListen(s.name, s.admin)
	if err != nil {
		return fmt.Errorf("ipc: opening endpoint %s: %w", s.name, err)
	}
	s.ln = ln
	s.logger.Info("ipc server listening", zap.String("endpoint", s.name))

	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
				s.logger.Warn("ipc accept error", zap.Error(err))
				return
			}
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	raw := make([]byte, maxRequestBytes)
	n, err := conn.Read(raw)
	if err != nil && n == 0 {
		s.logger.Warn("ipc: failed to read request", zap.Error(err))
		return
	}

	var req request
	if err := json.Unmarshal(raw[:n], &req); err != nil {
		s.writeResponse(conn, response{Status: "error"})
		return
	}

	if req.Token == "" || req.Token != s.currentToken() {
		s.logger.Warn("ipc request with invalid or missing token")
		s.writeResponse(conn, response{Status: "invalid_token"})
		return
	}

	switch req.Command {
	case "force_restart":
		if s.core != nil && s.core.IsUpdating() {
			s.logger.Warn("rejecting force_restart: agent is currently updating")
			s.writeResponse(conn, response{Status: "busy_updating"})
			return
		}
		s.writeResponse(conn, response{Status: "acknowledged"})
		if s.core != nil {
			time.AfterFunc(100*time.Millisecond, s.core.RequestRestart)
		}
	default:
		s.writeResponse(conn, response{Status: "unknown_command"})
	}
}

func (s *Server) writeResponse(conn net.Conn, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(data); err != nil {
		s.logger.Warn("ipc: failed to write response", zap.Error(err))
	}
}

// Stop closes the listener and unblocks the accept loop with a
// self-connection in case Accept is parked on a transport that doesn't
// wake on Close alone. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.ln != nil {
			s.ln.Close()
		}
		conn, err := platform.Current.IPCDial(s.name, time.Second)
		if err == nil {
			conn.Close()
		}
	})
}

// SendForceCommand is the client side: it connects to the named
// endpoint with a short timeout, sends a force_restart request, and
// reads one reply. Returns "agent_not_running" if the endpoint does not
// exist or cannot be reached in time.
func SendForceCommand(name string, newArgs []string, token string) string {
	conn, err := platform.Current.IPCDial(name, 3*time.Second)
	if err != nil {
		return "agent_not_running"
	}
	defer conn.Close()

	req := request{Command: "force_restart", Token: token, NewArgs: newArgs}
	data, err := json.Marshal(req)
	if err != nil {
		return "error"
	}

	conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Write(data); err != nil {
		return "error"
	}

	raw := make([]byte, maxRequestBytes)
	n, err := conn.Read(raw)
	if err != nil && n == 0 {
		return "error"
	}

	var resp response
	if err := json.Unmarshal(raw[:n], &resp); err != nil {
		return "error"
	}
	return resp.Status
}

// Package pushclient maintains the agent's long-lived, bidirectional event
// channel to the server. It owns automatic reconnection with backoff, the
// transport-vs-authenticated state machine, and dispatch of the small,
// fixed set of named events the agent and server exchange.
//
// The wire shape is a JSON envelope per frame — {"event": "...", "data": ...}
// — carried over a single gorilla/websocket connection. This is a
// deliberate simplification of the originating Socket.IO protocol: the
// agent only ever needs a handful of named events, not
// Socket.IO's full namespace/ack/binary-attachment machinery, so a plain
// framed JSON message satisfies the same contract with one dependency
// instead of an engine.io stack.
package pushclient

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pushEndpointPath = "/ws/agent"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 32
)

// State is one of the three observable connection states.
type State int32

const (
	Disconnected State = iota
	TransportConnectedUnauthenticated
	Authenticated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case TransportConnectedUnauthenticated:
		return "transport_connected_unauthenticated"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// EventSink receives server-initiated events dispatched by the push client.
// Implementations must not block for long; do slow work in a goroutine.
type EventSink interface {
	// OnCommand is called for a command:execute event. commandID is never
	// empty (events missing it are dropped before this is called). command
	// is the raw command string, or "" if the server omitted it — callers
	// must emit a synthetic error result back for the empty case.
	OnCommand(commandID, commandType, command string)
	// OnNewVersion is called when the server announces a new stable version.
	OnNewVersion(newStableVersion string)
}

// Config holds the reconnect policy, mirroring the "websocket.*" schema keys.
type Config struct {
	ReconnectDelayInitial time.Duration
	ReconnectDelayMax     time.Duration
	// ReconnectAttemptsMax is nil for infinite attempts.
	ReconnectAttemptsMax *int
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client is the agent-side push channel. The zero value is not usable;
// construct with New.
type Client struct {
	wsURL  string
	cfg    Config
	sink   EventSink
	logger *zap.Logger

	state atomic.Int32

	mu       sync.Mutex
	conn     *websocket.Conn
	deviceID string
	token    string
	send     chan frame
	authCh   chan struct{}
	stopCh   chan struct{}
	stopped  bool
	runOnce  sync.Once
}

// New builds a Client for serverURL (the same base URL used by RequestClient).
// It does not connect; call ConnectAndAuthenticate to start the run loop.
func New(serverURL string, cfg Config, sink EventSink, logger *zap.Logger) (*Client, error) {
	wsURL, err := toWebSocketURL(serverURL)
	if err != nil {
		return nil, fmt.Errorf("pushclient: %w", err)
	}
	return &Client{
		wsURL:  wsURL,
		cfg:    cfg,
		sink:   sink,
		logger: logger.Named("pushclient"),
		stopCh: make(chan struct{}),
	}, nil
}

func toWebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "wss", "ws":
	default:
		return "", fmt.Errorf("unsupported server_url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + pushEndpointPath
	return u.String(), nil
}

// Status returns the current observable state.
func (c *Client) Status() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// ConnectAndAuthenticate initiates the transport with deviceID/token
// presented both as connection headers and as an in-band auth frame. It
// does not block; the run loop and its reconnector continue in the
// background until Close is called.
func (c *Client) ConnectAndAuthenticate(deviceID, token string) error {
	if deviceID == "" || token == "" {
		return fmt.Errorf("pushclient: device id and token are required")
	}

	c.mu.Lock()
	c.deviceID = deviceID
	c.token = token
	c.authCh = make(chan struct{})
	c.mu.Unlock()

	c.runOnce.Do(func() {
		go c.runLoop()
	})
	return nil
}

// WaitForAuthenticated blocks until the server confirms authentication or
// timeout elapses.
func (c *Client) WaitForAuthenticated(timeout time.Duration) bool {
	if c.Status() == Authenticated {
		return true
	}
	c.mu.Lock()
	ch := c.authCh
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return c.Status() == Authenticated
	case <-time.After(timeout):
		return false
	}
}

// Close stops the run loop and closes the underlying transport, if any.
// Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		conn.Close()
	}
}

// runLoop owns dial -> session -> backoff -> redial until Close is called.
func (c *Client) runLoop() {
	delay := c.cfg.ReconnectDelayInitial
	if delay <= 0 {
		delay = 5 * time.Second
	}
	attempts := 0

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if err := c.session(); err != nil {
			c.logger.Warn("push channel session ended", zap.Error(err))
		}
		c.setState(Disconnected)

		attempts++
		if c.cfg.ReconnectAttemptsMax != nil && attempts > *c.cfg.ReconnectAttemptsMax {
			c.logger.Error("push channel reconnect attempts exhausted, giving up")
			return
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(jitter(delay)):
		}
		delay = nextDelay(delay, c.cfg.ReconnectDelayMax)
	}
}

// session dials once, authenticates, and pumps frames until the connection
// drops or Close is called. Returns the dial error if the dial fails, and
// nil once a dialed session ends, whatever the cause.
func (c *Client) session() error {
	c.mu.Lock()
	deviceID, token := c.deviceID, c.token
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Agent-ID", deviceID)
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Client-Type", "agent")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.wsURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.send = make(chan frame, sendBufferSize)
	c.mu.Unlock()

	c.setState(TransportConnectedUnauthenticated)
	c.logger.Info("push channel transport connected")

	authPayload, _ := json.Marshal(map[string]string{"token": token, "agentId": deviceID})
	c.send <- frame{Event: "authenticate", Data: authPayload}

	done := make(chan struct{})
	go c.writePump(conn, done)
	c.readPump(conn)
	close(done)

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("push channel: malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) writePump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	c.mu.Lock()
	sendCh := c.send
	c.mu.Unlock()

	for {
		select {
		case f, ok := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(f)
			if err != nil {
				c.logger.Error("push channel: failed to marshal outgoing frame", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.stopCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) dispatch(f frame) {
	switch f.Event {
	case "auth_success":
		c.setState(Authenticated)
		c.mu.Lock()
		if c.authCh != nil {
			select {
			case <-c.authCh:
			default:
				close(c.authCh)
			}
		}
		c.mu.Unlock()
		c.logger.Info("push channel authenticated")

	case "auth_failed":
		c.logger.Warn("push channel authentication rejected by server")

	case "command:execute":
		var payload struct {
			CommandID   string `json:"commandId"`
			ID          string `json:"id"`
			Command     string `json:"command"`
			CommandType string `json:"commandType"`
		}
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			c.logger.Warn("push channel: malformed command:execute payload", zap.Error(err))
			return
		}
		id := payload.CommandID
		if id == "" {
			id = payload.ID
		}
		if id == "" {
			c.logger.Error("push channel: command:execute missing command id, dropping")
			return
		}
		if c.Status() != Authenticated {
			c.logger.Warn("push channel: ignoring command, not yet authenticated", zap.String("command_id", id))
			return
		}
		cmdType := payload.CommandType
		if cmdType == "" {
			cmdType = "console"
		}
		if c.sink != nil {
			c.sink.OnCommand(id, cmdType, payload.Command)
		}

	case "new_version_available", "agent:new_version_available":
		if c.Status() != Authenticated {
			return
		}
		var payload struct {
			NewStableVersion string `json:"new_stable_version"`
		}
		if err := json.Unmarshal(f.Data, &payload); err != nil || payload.NewStableVersion == "" {
			c.logger.Warn("push channel: malformed new_version_available payload")
			return
		}
		if c.sink != nil {
			c.sink.OnNewVersion(payload.NewStableVersion)
		}

	default:
		c.logger.Debug("push channel: unrecognized event", zap.String("event", f.Event))
	}
}

// EmitStatusUpdate sends an agent:status_update frame. Returns false without
// a transport error if the channel is not currently authenticated.
func (c *Client) EmitStatusUpdate(cpuUsage, ramUsage, diskUsage float64, agentID string) bool {
	return c.emit("agent:status_update", map[string]any{
		"cpuUsage": cpuUsage,
		"ramUsage": ramUsage,
		"diskUsage": diskUsage,
		"agentId":  agentID,
	})
}

// EmitCommandResult sends an agent:command_result frame.
func (c *Client) EmitCommandResult(commandID, agentID, cmdType string, success bool, result map[string]any) bool {
	return c.emit("agent:command_result", map[string]any{
		"commandId": commandID,
		"agentId":   agentID,
		"type":      cmdType,
		"success":   success,
		"result":    result,
	})
}

func (c *Client) emit(event string, data map[string]any) bool {
	if c.Status() != Authenticated {
		return false
	}
	payload, err := json.Marshal(data)
	if err != nil {
		c.logger.Error("push channel: failed to marshal emit payload", zap.Error(err), zap.String("event", event))
		return false
	}

	c.mu.Lock()
	sendCh := c.send
	c.mu.Unlock()
	if sendCh == nil {
		return false
	}

	select {
	case sendCh <- frame{Event: event, Data: payload}:
		return true
	default:
		c.logger.Warn("push channel: send buffer full, dropping emit", zap.String("event", event))
		return false
	}
}

func nextDelay(current, maxDelay time.Duration) time.Duration {
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	next := current * 2
	if next > maxDelay {
		return maxDelay
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.5
	offset := rand.Float64() * delta
	return d + time.Duration(offset)
}


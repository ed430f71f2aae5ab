package pushclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu        sync.Mutex
	commands  []string
	versions  []string
}

func (s *recordingSink) OnCommand(commandID, commandType, command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, commandID)
}

func (s *recordingSink) OnNewVersion(newStableVersion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = append(s.versions, newStableVersion)
}

// newAuthServer starts a websocket server that upgrades the connection,
// waits for the "authenticate" frame, then replies with auth_success.
// It returns the server and a channel of frames it received from the agent.
func newAuthServer(t *testing.T, received chan frame) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			received <- f
			if f.Event == "authenticate" {
				payload, _ := json.Marshal(map[string]string{"status": "ok"})
				conn.WriteMessage(websocket.TextMessage, mustFrame(t, "auth_success", payload))
			}
		}
	}))
}

func mustFrame(t *testing.T, event string, data json.RawMessage) []byte {
	t.Helper()
	b, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

func TestConnectAndAuthenticateReachesAuthenticated(t *testing.T) {
	received := make(chan frame, 8)
	srv := newAuthServer(t, received)
	defer srv.Close()

	httpURL := "http" + srv.URL[len("http"):]
	c, err := New(httpURL, Config{ReconnectDelayInitial: time.Second, ReconnectDelayMax: 5 * time.Second}, &recordingSink{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.ConnectAndAuthenticate("device-1", "token-1"); err != nil {
		t.Fatalf("ConnectAndAuthenticate: %v", err)
	}

	if !c.WaitForAuthenticated(2 * time.Second) {
		t.Fatalf("expected authentication within timeout, state=%s", c.Status())
	}

	select {
	case f := <-received:
		if f.Event != "authenticate" {
			t.Fatalf("expected authenticate frame first, got %q", f.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received authenticate frame")
	}
}

func TestConnectAndAuthenticateRejectsMissingCredentials(t *testing.T) {
	c, err := New("http://127.0.0.1:0", Config{}, &recordingSink{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.ConnectAndAuthenticate("", "token"); err == nil {
		t.Fatal("expected error for missing device id")
	}
	if err := c.ConnectAndAuthenticate("device", ""); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestEmitRequiresAuthenticated(t *testing.T) {
	c, err := New("http://127.0.0.1:0", Config{}, &recordingSink{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ok := c.EmitStatusUpdate(1, 2, 3, "device-1"); ok {
		t.Fatal("expected emit to fail before authentication")
	}
}

func TestToWebSocketURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://example.com", "wss://example.com/ws/agent"},
		{"http://example.com/", "ws://example.com/ws/agent"},
	}
	for _, c := range cases {
		got, err := toWebSocketURL(c.in)
		if err != nil {
			t.Fatalf("toWebSocketURL(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("toWebSocketURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDispatchDropsCommandWithoutID(t *testing.T) {
	sink := &recordingSink{}
	c := &Client{sink: sink, logger: zap.NewNop()}
	c.setState(Authenticated)

	data, _ := json.Marshal(map[string]string{"command": "echo hi"})
	c.dispatch(frame{Event: "command:execute", Data: data})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.commands) != 0 {
		t.Fatalf("expected no dispatched command, got %v", sink.commands)
	}
}

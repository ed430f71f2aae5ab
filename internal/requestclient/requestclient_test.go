package requestclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, time.Second, zap.NewNop())
	return c, srv
}

func TestIdentifyRegistered(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent/identify" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"registered","agentToken":"T1"}`))
	})

	outcome, err := c.Identify(context.Background(), "device-1", false, nil)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if outcome.Kind != OK {
		t.Fatalf("Kind = %v, want OK", outcome.Kind)
	}
	if outcome.Body["status"] != "registered" {
		t.Fatalf("body status = %v", outcome.Body["status"])
	}
}

func TestAuthNotConfiguredWithoutToken(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be contacted when no token is configured")
	})

	outcome, err := c.SendHardwareInfo(context.Background(), map[string]any{})
	if err == nil {
		t.Fatal("expected error")
	}
	if outcome.Kind != AuthNotConfigured {
		t.Fatalf("Kind = %v, want AuthNotConfigured", outcome.Kind)
	}
}

func TestServerErrorClassification(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"boom"}`))
	})
	c.SetToken("T1")
	c.SetIdentity("device-1")

	outcome, err := c.SendHardwareInfo(context.Background(), map[string]any{})
	if err == nil {
		t.Fatal("expected error")
	}
	if outcome.Kind != ServerError || outcome.StatusCode != 500 {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestRequestsArePrefixedWithAPIAgentBasePath(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})
	c.SetToken("T1")
	c.SetIdentity("device-1")

	if _, err := c.CheckForUpdate(context.Background(), "1.0.0"); err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}
	if gotPath != "/api/agent/check-update" {
		t.Fatalf("path = %q, want /api/agent/check-update", gotPath)
	}
}

func TestBaseURLNormalizesTrailingSlash(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL+"/", time.Second, zap.NewNop())
	c.SetToken("T1")
	c.SetIdentity("device-1")
	if _, err := c.CheckForUpdate(context.Background(), "1.0.0"); err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}
	if gotPath != "/api/agent/check-update" {
		t.Fatalf("path = %q, want /api/agent/check-update (no double slash)", gotPath)
	}
}

func TestCheckForUpdateNoContent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c.SetToken("T1")
	c.SetIdentity("device-1")

	outcome, err := c.CheckForUpdate(context.Background(), "1.0.0")
	if err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}
	if outcome.Kind != OK || outcome.Body != nil {
		t.Fatalf("outcome = %+v, want OK with nil body", outcome)
	}
}

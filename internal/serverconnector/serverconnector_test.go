package serverconnector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cmsagent/agent/internal/requestclient"
	"github.com/cmsagent/agent/internal/state"
	"github.com/cmsagent/agent/internal/sysinspect"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := state.New(dir, "agent_state.json", zap.NewNop())
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	return s
}

func TestReportErrorSpoolsOnDeliveryFailure(t *testing.T) {
	store := newTestStore(t)
	rc := requestclient.New("http://127.0.0.1:0", 50*time.Millisecond, zap.NewNop())
	rc.SetIdentity("device-1")
	rc.SetToken("token-1")

	c := &Connector{
		rc:      rc,
		store:   store,
		logger:  zap.NewNop(),
		inspect: sysinspect.New(""),
		version: "1.0.0-test",
	}

	c.ReportError(context.Background(), "HandlerError", "boom", nil, "")

	entries, err := os.ReadDir(store.ErrorSpoolDir())
	if err != nil {
		t.Fatalf("reading spool dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 spooled report, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".json" {
		t.Fatalf("expected .json spool file, got %q", entries[0].Name())
	}
}

func TestDrainErrorSpoolEmptyIsNoOp(t *testing.T) {
	store := newTestStore(t)
	rc := requestclient.New("http://127.0.0.1:0", 50*time.Millisecond, zap.NewNop())

	c := &Connector{rc: rc, store: store, logger: zap.NewNop()}
	sent, total := c.DrainErrorSpool(context.Background(), 3)
	if sent != 0 || total != 0 {
		t.Fatalf("expected (0,0) for empty spool, got (%d,%d)", sent, total)
	}
}

package agentcore

import (
	"testing"

	"go.uber.org/zap"
)

func TestLegalTransitions(t *testing.T) {
	cases := []struct {
		from, to AgentState
		want     bool
	}{
		{Starting, Idle, true},
		{Idle, UpdatingStarting, true},
		{UpdatingStarting, Idle, true},
		{UpdatingDownloading, Idle, false},
		{UpdatingVerifying, Idle, false},
		{UpdatingStarting, UpdatingDownloading, true},
		{Idle, ForceRestarting, true},
		{ForceRestarting, Idle, false},
		{UpdatingPreparingShutdown, ShuttingDown, true},
		{Idle, Stopped, true},
		{Stopped, Idle, false},
	}
	for _, c := range cases {
		if got := legal(c.from, c.to); got != c.want {
			t.Errorf("legal(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStateMachineRejectsIllegalTransition(t *testing.T) {
	sm := NewStateMachine(zap.NewNop())
	if !sm.SetState(Idle) {
		t.Fatal("Starting -> Idle should be legal")
	}
	if !sm.SetState(UpdatingStarting) {
		t.Fatal("Idle -> UpdatingStarting should be legal")
	}
	if !sm.SetState(UpdatingDownloading) {
		t.Fatal("UpdatingStarting -> UpdatingDownloading should be legal")
	}
	if sm.SetState(Idle) {
		t.Fatal("UpdatingDownloading -> Idle must be rejected")
	}
	if sm.Get() != UpdatingDownloading {
		t.Fatalf("state = %s, want UPDATING_DOWNLOADING (rejected transition must not mutate state)", sm.Get())
	}
}

func TestStateMachineIsUpdating(t *testing.T) {
	sm := NewStateMachine(zap.NewNop())
	sm.SetState(Idle)
	if sm.IsUpdating() {
		t.Fatal("IDLE must not report IsUpdating")
	}
	sm.SetState(UpdatingStarting)
	if !sm.IsUpdating() {
		t.Fatal("UPDATING_STARTING must report IsUpdating")
	}
}

func TestShutdownAlwaysLegal(t *testing.T) {
	for s := Starting; s <= Stopped; s++ {
		if !legal(s, ShuttingDown) {
			t.Errorf("%s -> SHUTTING_DOWN must always be legal", s)
		}
	}
}

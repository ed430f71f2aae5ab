// Package agentcore implements AgentCore: the top-level state machine
// and supervisor that wires StateStore, SingletonGuard, RequestClient,
// PushClient, ServerConnector, CommandExecutor, IpcServer, and
// UpdateEngine into one running agent.
package agentcore

import (
	"sync"

	"go.uber.org/zap"
)

// AgentState is the finite enumeration of lifecycle states. Only
// StateMachine.SetState may mutate it.
type AgentState int

const (
	Starting AgentState = iota
	Idle
	ForceRestarting
	UpdatingStarting
	UpdatingDownloading
	UpdatingVerifying
	UpdatingExtracting
	UpdatingReplacingUpdater
	UpdatingPreparingShutdown
	ShuttingDown
	Stopped
)

func (s AgentState) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Idle:
		return "IDLE"
	case ForceRestarting:
		return "FORCE_RESTARTING"
	case UpdatingStarting:
		return "UPDATING_STARTING"
	case UpdatingDownloading:
		return "UPDATING_DOWNLOADING"
	case UpdatingVerifying:
		return "UPDATING_VERIFYING"
	case UpdatingExtracting:
		return "UPDATING_EXTRACTING"
	case UpdatingReplacingUpdater:
		return "UPDATING_REPLACING_UPDATER"
	case UpdatingPreparingShutdown:
		return "UPDATING_PREPARING_SHUTDOWN"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// IsUpdating reports whether s is one of the UPDATING_* states.
func (s AgentState) IsUpdating() bool {
	switch s {
	case UpdatingStarting, UpdatingDownloading, UpdatingVerifying, UpdatingExtracting,
		UpdatingReplacingUpdater, UpdatingPreparingShutdown:
		return true
	default:
		return false
	}
}

// legal reports whether the transition from -> to is allowed by the
// legality matrix in spec.md §4.9.
func legal(from, to AgentState) bool {
	if to == ShuttingDown || to == Stopped {
		return true
	}
	if from == Idle && to == UpdatingStarting {
		return true
	}
	if from == UpdatingStarting && to == Idle {
		return true
	}
	if from.IsUpdating() && to == Idle {
		// Only UPDATING_STARTING -> IDLE (pre-commit rollback) is legal;
		// every other UPDATING_* -> IDLE transition is rejected.
		return false
	}
	if from == Idle && to == ForceRestarting {
		return true
	}
	if from == Starting && to == Idle {
		return true
	}
	if from.IsUpdating() && to.IsUpdating() {
		// Forward progress through the update sequence itself.
		return true
	}
	return false
}

// StateMachine guards AgentState behind a single mutex, gating every
// mutation through the legality matrix.
type StateMachine struct {
	mu     sync.Mutex
	state  AgentState
	logger *zap.Logger
}

// NewStateMachine returns a StateMachine starting in Starting.
func NewStateMachine(logger *zap.Logger) *StateMachine {
	return &StateMachine{state: Starting, logger: logger.Named("agentcore.state")}
}

// Get returns a snapshot of the current state.
func (m *StateMachine) Get() AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsUpdating reports whether the current state is any UPDATING_* state.
func (m *StateMachine) IsUpdating() bool {
	return m.Get().IsUpdating()
}

// SetState attempts the transition to next, returning whether it was
// legal and applied. Illegal transitions are logged and rejected
// without mutating state.
func (m *StateMachine) SetState(next AgentState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !legal(m.state, next) {
		m.logger.Warn("rejected illegal state transition",
			zap.String("from", m.state.String()),
			zap.String("to", next.String()),
		)
		return false
	}

	m.logger.Info("state transition",
		zap.String("from", m.state.String()),
		zap.String("to", next.String()),
	)
	m.state = next
	return true
}

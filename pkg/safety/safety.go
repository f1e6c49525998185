// Package safety holds the shutdown state of the print host. A shutdown
// disables the head, stops the reactor watchdog and keeps the head off
// until the shutdown is cleared.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hp45-host/pkg/log"
)

// ShutdownState represents the host's shutdown state.
type ShutdownState int

const (
	// StateRunning indicates normal operation.
	StateRunning ShutdownState = iota

	// StateShuttingDown indicates shutdown is in progress.
	StateShuttingDown

	// StateShutdown indicates the host is shut down.
	StateShutdown

	// StateError indicates an error-triggered shutdown.
	StateError
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ShutdownReason describes why the host was shut down.
type ShutdownReason string

const (
	ReasonNone            ShutdownReason = ""
	ReasonEmergencyStop   ShutdownReason = "emergency_stop"
	ReasonWatchdogTimeout ShutdownReason = "watchdog_timeout"
	ReasonUserRequest     ShutdownReason = "user_request"
	ReasonCommunication   ShutdownReason = "communication_error"
)

// ErrShutdown is returned while the host is shut down.
var ErrShutdown = errors.New("safety: host is shut down")

// HeadDisabler can switch a head off. *printer.Engine satisfies it.
type HeadDisabler interface {
	SetEnabled(enabled bool)
}

// Manager tracks shutdown state and the reactor watchdog.
type Manager struct {
	mu sync.RWMutex

	state          ShutdownState
	shutdownReason ShutdownReason
	shutdownMsg    string
	shutdownTime   time.Time

	heads []HeadDisabler

	watchdogCancel  context.CancelFunc
	watchdogTimeout time.Duration
	watchdogArmed   bool
	lastHeartbeat   time.Time
	watchdogMu      sync.Mutex

	onShutdown    []func(reason ShutdownReason, msg string)
	onStateChange []func(oldState, newState ShutdownState)

	logger *log.Logger
}

// New creates a new safety Manager.
func New() *Manager {
	return &Manager{
		state:           StateRunning,
		watchdogTimeout: 5 * time.Second,
		logger:          log.GetLogger("safety"),
	}
}

// Config holds configuration for the safety manager.
type Config struct {
	WatchdogTimeout time.Duration
}

// Configure applies configuration to the manager.
func (m *Manager) Configure(cfg Config) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if cfg.WatchdogTimeout > 0 {
		m.watchdogTimeout = cfg.WatchdogTimeout
	}
}

// RegisterHead registers a head to switch off on shutdown.
func (m *Manager) RegisterHead(h HeadDisabler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads = append(m.heads, h)
}

// OnShutdown registers a callback for when shutdown occurs.
func (m *Manager) OnShutdown(fn func(reason ShutdownReason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// OnStateChange registers a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState ShutdownState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

// State returns the current shutdown state.
func (m *Manager) State() ShutdownState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsShutdown reports whether the host is shut down.
func (m *Manager) IsShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateShutdown || m.state == StateError
}

// CheckOperational returns ErrShutdown, with the reason, unless running.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateRunning {
		return fmt.Errorf("%w: %s - %s", ErrShutdown, m.shutdownReason, m.shutdownMsg)
	}
	return nil
}

// EmergencyStop switches every head off at once.
func (m *Manager) EmergencyStop(msg string) error {
	return m.invokeShutdown(ReasonEmergencyStop, msg)
}

// WatchdogTimeout shuts down after the reactor stopped beating.
func (m *Manager) WatchdogTimeout() error {
	return m.invokeShutdown(ReasonWatchdogTimeout, "reactor heartbeat timeout")
}

// CommunicationError shuts down after the link to the port driver failed.
func (m *Manager) CommunicationError(component, errMsg string) error {
	return m.invokeShutdown(ReasonCommunication, fmt.Sprintf("%s: %s", component, errMsg))
}

// RequestShutdown shuts down by user request.
func (m *Manager) RequestShutdown(msg string) error {
	return m.invokeShutdown(ReasonUserRequest, msg)
}

func (m *Manager) invokeShutdown(reason ShutdownReason, msg string) error {
	m.mu.Lock()
	if m.state == StateShutdown || m.state == StateError || m.state == StateShuttingDown {
		m.mu.Unlock()
		return nil
	}

	oldState := m.state
	m.state = StateShuttingDown
	m.shutdownReason = reason
	m.shutdownMsg = msg
	m.shutdownTime = time.Now()
	heads := make([]HeadDisabler, len(m.heads))
	copy(heads, m.heads)
	m.mu.Unlock()

	m.stopWatchdog(false)
	for _, h := range heads {
		h.SetEnabled(false)
	}

	m.mu.Lock()
	finalState := StateShutdown
	if reason == ReasonEmergencyStop || reason == ReasonCommunication {
		finalState = StateError
	}
	m.state = finalState
	onShutdown := make([]func(ShutdownReason, string), len(m.onShutdown))
	copy(onShutdown, m.onShutdown)
	onStateChange := make([]func(ShutdownState, ShutdownState), len(m.onStateChange))
	copy(onStateChange, m.onStateChange)
	m.mu.Unlock()

	m.logger.WithFields(log.Fields{
		"reason": string(reason),
		"state":  finalState.String(),
	}).Error(msg)

	for _, fn := range onStateChange {
		fn(oldState, finalState)
	}
	for _, fn := range onShutdown {
		fn(reason, msg)
	}
	return nil
}

// StartWatchdog shuts the host down when Heartbeat is not called for
// longer than the watchdog timeout. It stays armed across Reset.
func (m *Manager) StartWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	m.watchdogArmed = true
	m.startWatchdogLocked()
}

func (m *Manager) startWatchdogLocked() {
	if m.watchdogCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watchdogCancel = cancel
	m.lastHeartbeat = time.Now()
	go m.watchdogLoop(ctx)
}

// StopWatchdog disarms the watchdog.
func (m *Manager) StopWatchdog() {
	m.stopWatchdog(true)
}

func (m *Manager) stopWatchdog(disarm bool) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if disarm {
		m.watchdogArmed = false
	}
	if m.watchdogCancel != nil {
		m.watchdogCancel()
		m.watchdogCancel = nil
	}
}

// Heartbeat feeds the watchdog.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	m.lastHeartbeat = time.Now()
}

func (m *Manager) watchdogLoop(ctx context.Context) {
	m.watchdogMu.Lock()
	tick := m.watchdogTimeout / 10
	m.watchdogMu.Unlock()
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			elapsed := time.Since(m.lastHeartbeat)
			timeout := m.watchdogTimeout
			m.watchdogMu.Unlock()

			if elapsed > timeout {
				m.WatchdogTimeout()
				return
			}
		}
	}
}

// Reset clears a shutdown. Heads stay off until enabled again.
func (m *Manager) Reset() error {
	m.mu.Lock()
	if m.state == StateRunning || m.state == StateShuttingDown {
		m.mu.Unlock()
		return errors.New("safety: cannot reset while running or shutting down")
	}
	m.state = StateRunning
	m.shutdownReason = ReasonNone
	m.shutdownMsg = ""
	m.shutdownTime = time.Time{}
	m.mu.Unlock()

	m.watchdogMu.Lock()
	if m.watchdogArmed {
		m.startWatchdogLocked()
	}
	m.watchdogMu.Unlock()
	m.logger.Info("shutdown cleared")
	return nil
}

// Status is the reportable shutdown state.
type Status struct {
	State          string    `json:"state"`
	ShutdownReason string    `json:"shutdown_reason,omitempty"`
	ShutdownMsg    string    `json:"shutdown_msg,omitempty"`
	ShutdownTime   time.Time `json:"shutdown_time"`
	IsOperational  bool      `json:"is_operational"`
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Status{
		State:          m.state.String(),
		ShutdownReason: string(m.shutdownReason),
		ShutdownMsg:    m.shutdownMsg,
		ShutdownTime:   m.shutdownTime,
		IsOperational:  m.state == StateRunning,
	}
}

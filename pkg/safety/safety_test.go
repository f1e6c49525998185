package safety

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type mockHead struct {
	enabled atomic.Bool
}

func (h *mockHead) SetEnabled(enabled bool) {
	h.enabled.Store(enabled)
}

func TestShutdownStateString(t *testing.T) {
	tests := []struct {
		state ShutdownState
		want  string
	}{
		{StateRunning, "running"},
		{StateShuttingDown, "shutting_down"},
		{StateShutdown, "shutdown"},
		{StateError, "error"},
		{ShutdownState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ShutdownState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestShutdownReasons(t *testing.T) {
	tests := []struct {
		name   string
		invoke func(*Manager) error
		reason ShutdownReason
		state  ShutdownState
	}{
		{"emergency stop", func(m *Manager) error { return m.EmergencyStop("estop") }, ReasonEmergencyStop, StateError},
		{"link", func(m *Manager) error { return m.CommunicationError("link", "ack timeout") }, ReasonCommunication, StateError},
		{"watchdog", (*Manager).WatchdogTimeout, ReasonWatchdogTimeout, StateShutdown},
		{"user", func(m *Manager) error { return m.RequestShutdown("bye") }, ReasonUserRequest, StateShutdown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			h := &mockHead{}
			h.enabled.Store(true)
			m.RegisterHead(h)

			if err := tt.invoke(m); err != nil {
				t.Fatalf("shutdown failed: %v", err)
			}
			if m.State() != tt.state {
				t.Errorf("State = %s, want %s", m.State(), tt.state)
			}
			if h.enabled.Load() {
				t.Error("expected head disabled")
			}
			st := m.Status()
			if st.ShutdownReason != string(tt.reason) {
				t.Errorf("ShutdownReason = %q, want %q", st.ShutdownReason, tt.reason)
			}
			if st.ShutdownTime.IsZero() {
				t.Error("expected shutdown time to be set")
			}
			if !m.IsShutdown() {
				t.Error("expected IsShutdown")
			}
		})
	}
}

func TestCheckOperational(t *testing.T) {
	m := New()
	if err := m.CheckOperational(); err != nil {
		t.Fatalf("expected operational, got: %v", err)
	}
	m.EmergencyStop("test")
	err := m.CheckOperational()
	if !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got: %v", err)
	}
}

func TestDoubleShutdown(t *testing.T) {
	m := New()
	calls := 0
	m.OnShutdown(func(ShutdownReason, string) { calls++ })

	m.EmergencyStop("first")
	m.RequestShutdown("second")

	if calls != 1 {
		t.Errorf("expected one shutdown callback, got: %d", calls)
	}
	if st := m.Status(); st.ShutdownMsg != "first" {
		t.Errorf("ShutdownMsg = %q, want %q", st.ShutdownMsg, "first")
	}
}

func TestOnStateChange(t *testing.T) {
	m := New()
	var from, to ShutdownState
	m.OnStateChange(func(o, n ShutdownState) { from, to = o, n })
	m.RequestShutdown("test")
	if from != StateRunning || to != StateShutdown {
		t.Errorf("state change = %s -> %s, want running -> shutdown", from, to)
	}
}

func TestWatchdog(t *testing.T) {
	m := New()
	m.Configure(Config{WatchdogTimeout: 100 * time.Millisecond})
	m.StartWatchdog()
	defer m.StopWatchdog()

	for i := 0; i < 5; i++ {
		m.Heartbeat()
		time.Sleep(30 * time.Millisecond)
	}
	if m.IsShutdown() {
		t.Error("expected running while heartbeats arrive")
	}
}

func TestWatchdogTrigger(t *testing.T) {
	m := New()
	m.Configure(Config{WatchdogTimeout: 50 * time.Millisecond})
	h := &mockHead{}
	h.enabled.Store(true)
	m.RegisterHead(h)
	m.StartWatchdog()
	defer m.StopWatchdog()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !m.IsShutdown() {
		time.Sleep(10 * time.Millisecond)
	}
	if !m.IsShutdown() {
		t.Fatal("expected watchdog timeout")
	}
	if st := m.Status(); st.ShutdownReason != string(ReasonWatchdogTimeout) {
		t.Errorf("ShutdownReason = %q, want %q", st.ShutdownReason, ReasonWatchdogTimeout)
	}
	if h.enabled.Load() {
		t.Error("expected head disabled")
	}
}

func TestResetRearmsWatchdog(t *testing.T) {
	m := New()
	m.Configure(Config{WatchdogTimeout: 50 * time.Millisecond})

	if err := m.Reset(); err == nil {
		t.Fatal("expected error resetting while running")
	}

	m.StartWatchdog()
	defer m.StopWatchdog()
	m.EmergencyStop("test")

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	st := m.Status()
	if !st.IsOperational || st.ShutdownReason != "" {
		t.Errorf("expected clean running status, got: %+v", st)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !m.IsShutdown() {
		time.Sleep(10 * time.Millisecond)
	}
	if st := m.Status(); st.ShutdownReason != string(ReasonWatchdogTimeout) {
		t.Errorf("expected rearmed watchdog to fire, got: %+v", st)
	}
}

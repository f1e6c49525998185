package dispatch

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

// fakeClock advances one microsecond per read.
type fakeClock struct {
	now uint32
}

func (c *fakeClock) Micros() uint32 {
	c.now++
	return c.now
}

// fakeHardware records every call. Its counter runs 0..period-1 and moves
// one count per read while the timer is running.
type fakeHardware struct {
	calls   []string
	count   uint32
	period  uint32
	cv      uint32
	running bool
	enabled [][]byte
	masked  bool
	resets  int
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{period: 60, cv: 23, running: true}
}

func (h *fakeHardware) ClearPendingEdges()   { h.calls = append(h.calls, "clear") }
func (h *fakeHardware) CompareValue() uint32 { return h.cv }
func (h *fakeHardware) ResetAddress()        { h.resets++ }

func (h *fakeHardware) StopTimer() {
	h.running = false
	h.calls = append(h.calls, "stop")
}

func (h *fakeHardware) ResetCounter() {
	h.count = 0
	h.calls = append(h.calls, "reset")
}

func (h *fakeHardware) StartTimer() {
	h.running = true
	h.calls = append(h.calls, "start")
}

func (h *fakeHardware) Counter() uint32 {
	if h.running {
		h.count = (h.count + 1) % h.period
	}
	return h.count
}

func (h *fakeHardware) Enable(c, d []byte) {
	if !h.masked {
		h.calls = append(h.calls, "enable-unmasked")
		return
	}
	h.enabled = append(h.enabled, append([]byte(nil), c...))
	h.calls = append(h.calls, "enable")
}

func (h *fakeHardware) DisableInterrupts() func() {
	h.masked = true
	h.calls = append(h.calls, "mask")
	return func() {
		h.masked = false
		h.calls = append(h.calls, "unmask")
	}
}

func newTestDispatcher(opts Options) (*Dispatcher, *fakeHardware, *fakeClock) {
	hw := newFakeHardware()
	clk := &fakeClock{now: 1000}
	if opts.RegionSize == 0 {
		opts.RegionSize = 8
	}
	return New(hw, clk, opts), hw, clk
}

func TestDispatchArmSequence(t *testing.T) {
	d, hw, _ := newTestDispatcher(Options{Settle: 50 * time.Microsecond, DoubleBuffered: true, CPU: -1})
	if d.IsBusy() {
		t.Fatal("expected a new dispatcher to be idle")
	}
	d.Staging().C[0] = 0xAB

	if err := d.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := []string{"mask", "stop", "reset", "clear", "enable", "start", "unmask"}
	if !reflect.DeepEqual(hw.calls, want) {
		t.Errorf("hardware calls = %v, want %v", hw.calls, want)
	}
	if len(hw.enabled) != 1 || hw.enabled[0][0] != 0xAB {
		t.Errorf("expected active region copied from staging, got: %v", hw.enabled)
	}
	if d.Active() == d.Staging() {
		t.Error("expected distinct staging and active regions")
	}
	if hw.resets != 1 {
		t.Errorf("expected address reset before arming, got: %d", hw.resets)
	}
	if !d.InFlight() || !d.IsBusy() {
		t.Error("expected dispatcher in flight after Dispatch")
	}
}

func TestDispatchWhileBusyLeavesHardwareAlone(t *testing.T) {
	d, hw, _ := newTestDispatcher(Options{Settle: 50 * time.Microsecond, CPU: -1})
	if err := d.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	before := append([]string(nil), hw.calls...)
	count := hw.count

	for i := 0; i < 3; i++ {
		if err := d.Dispatch(); !errors.Is(err, ErrInFlight) {
			t.Fatalf("expected ErrInFlight, got: %v", err)
		}
	}
	if !reflect.DeepEqual(hw.calls, before) || hw.count != count || hw.resets != 1 {
		t.Errorf("hardware touched by rejected dispatch: %v", hw.calls[len(before):])
	}
	if got := d.Stats().Rejected; got != 3 {
		t.Errorf("expected 3 rejected dispatches, got: %d", got)
	}
}

func TestBusyUntilSettleElapses(t *testing.T) {
	d, _, clk := newTestDispatcher(Options{Settle: 50 * time.Microsecond, CPU: -1})
	d.Dispatch()

	d.Complete()
	done := clk.now
	if d.InFlight() {
		t.Error("expected Complete to clear the in-flight flag")
	}
	// Each IsBusy reads the clock once, advancing it by one microsecond.
	for d.IsBusy() {
		if clk.now-done > 100 {
			t.Fatal("dispatcher never left the settle window")
		}
	}
	if elapsed := clk.now - done; elapsed < 50 {
		t.Errorf("busy cleared after %dus, want at least 50", elapsed)
	}
}

func TestDispatchWaitsOutSettle(t *testing.T) {
	d, hw, clk := newTestDispatcher(Options{Settle: 50 * time.Microsecond, CPU: -1})
	d.Dispatch()
	d.Complete()
	done := clk.now
	hw.calls = nil

	if err := d.Dispatch(); err != nil {
		t.Fatalf("Dispatch after completion: %v", err)
	}
	if clk.now-done < 50 {
		t.Errorf("armed %dus after completion, want >= 50", clk.now-done)
	}
	if d.Stats().LastSettleWait <= 0 {
		t.Error("expected a recorded settle wait")
	}
	if d.Stats().Dispatched != 2 || d.Stats().Completed != 1 {
		t.Errorf("unexpected stats: %+v", d.Stats())
	}
}

func TestSingleBufferedAliasesRegions(t *testing.T) {
	d, hw, _ := newTestDispatcher(Options{DoubleBuffered: false, CPU: -1})
	if d.Active() != d.Staging() {
		t.Fatal("expected aliased regions")
	}
	d.Staging().D[1] = 0x40
	d.Dispatch()
	if len(hw.enabled) != 1 {
		t.Fatalf("expected one transfer, got: %d", len(hw.enabled))
	}
}

func TestWaitIdle(t *testing.T) {
	d, _, _ := newTestDispatcher(Options{Settle: 20 * time.Microsecond, CPU: -1})
	d.Dispatch()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.WaitIdle(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled while in flight, got: %v", err)
	}

	d.Complete()
	if err := d.WaitIdle(context.Background()); err != nil {
		t.Errorf("WaitIdle: %v", err)
	}
	if d.IsBusy() {
		t.Error("expected idle after WaitIdle")
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if opts.Settle != DefaultSettle || opts.CPU != -1 || !opts.DoubleBuffered {
		t.Errorf("unexpected defaults: %+v", opts)
	}
	d := New(newFakeHardware(), &fakeClock{}, Options{Settle: -time.Second, CPU: -1})
	if d.Settle() != 0 {
		t.Errorf("expected negative settle clamped to 0, got: %v", d.Settle())
	}
	if d.Staging().Len() != opts.RegionSize {
		t.Errorf("expected default region size %d, got: %d", opts.RegionSize, d.Staging().Len())
	}
}

func TestDispatchNeverPins(t *testing.T) {
	d, _, _ := newTestDispatcher(Options{CPU: 0})
	if err := d.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if d.Pinned() {
		t.Error("Dispatch pinned the calling goroutine")
	}
}

func TestPinOnce(t *testing.T) {
	unpinned, _, _ := newTestDispatcher(Options{CPU: -1})
	if unpinned.Pin() || unpinned.Pinned() {
		t.Error("expected Pin to do nothing without a cpu")
	}

	d, _, _ := newTestDispatcher(Options{CPU: 0})
	results := make(chan [2]bool, 1)
	go func() {
		// The goroutine exits locked, which retires its thread.
		first := d.Pin()
		second := d.Pin()
		results <- [2]bool{first, second}
	}()
	got := <-results
	if !got[0] {
		t.Error("expected first Pin to lock the thread")
	}
	if got[1] {
		t.Error("expected second Pin to be a no-op")
	}
	if !d.Pinned() {
		t.Error("expected Pinned after Pin")
	}
	if d.Pin() {
		t.Error("expected Pin from another goroutine to be a no-op")
	}
}

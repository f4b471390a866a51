package interact

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeViewport struct {
	mu       sync.Mutex
	top      float64
	bottom   float64
	scrolled float64
	ticks    int
}

func (v *fakeViewport) Edges() (float64, float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.top, v.bottom
}

func (v *fakeViewport) ScrollBy(dy float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scrolled += dy
	v.ticks++
}

func (v *fakeViewport) snapshot() (float64, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scrolled, v.ticks
}

func TestImpulse(t *testing.T) {
	tests := []struct {
		name string
		y    float64
		want float64
	}{
		{"near top", 110, -ScrollStep},
		{"middle", 400, 0},
		{"near bottom", 780, ScrollStep},
		{"above viewport", 0, -ScrollStep},
		{"band edge", 136, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Impulse(tt.y, 100, 800); got != tt.want {
				t.Fatalf("Impulse(%g) = %g, want %g", tt.y, got, tt.want)
			}
		})
	}
}

func TestAutoScrollerScrollsUntilStopped(t *testing.T) {
	vp := &fakeViewport{top: 0, bottom: 600}
	s := NewAutoScroller(vp)
	s.interval = time.Millisecond

	s.Start(590)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ticks := vp.snapshot(); ticks >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scroller never ticked")
		}
		time.Sleep(time.Millisecond)
	}
	s.Stop()
	if s.Running() {
		t.Fatal("scroller still running after Stop")
	}

	scrolled, ticks := vp.snapshot()
	if scrolled <= 0 {
		t.Fatalf("expected downward scroll, got %g", scrolled)
	}
	time.Sleep(20 * time.Millisecond)
	if _, after := vp.snapshot(); after != ticks {
		t.Fatalf("scroller kept ticking after Stop: %d -> %d", ticks, after)
	}
}

// gatedViewport parks every ScrollBy until the test releases it.
type gatedViewport struct {
	fakeViewport
	entered chan struct{}
	release chan struct{}
}

func (v *gatedViewport) ScrollBy(dy float64) {
	select {
	case v.entered <- struct{}{}:
	default:
	}
	<-v.release
	v.fakeViewport.ScrollBy(dy)
}

func TestAutoScrollerStopWaitsForImpulseInFlight(t *testing.T) {
	vp := &gatedViewport{
		fakeViewport: fakeViewport{top: 0, bottom: 600},
		entered:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
	s := NewAutoScroller(vp)
	s.interval = time.Millisecond
	s.Start(590)

	select {
	case <-vp.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("scroller never ticked")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while an impulse was being applied")
	case <-time.After(20 * time.Millisecond):
	}

	close(vp.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned")
	}

	_, ticks := vp.snapshot()
	time.Sleep(20 * time.Millisecond)
	if _, after := vp.snapshot(); after != ticks {
		t.Fatalf("scrolled after Stop returned: %d -> %d", ticks, after)
	}
}

func TestAutoScrollerTrackMiddleIsIdle(t *testing.T) {
	vp := &fakeViewport{top: 0, bottom: 600}
	s := NewAutoScroller(vp)
	s.interval = time.Millisecond
	s.Start(300)
	defer s.Stop()

	time.Sleep(10 * time.Millisecond)
	if scrolled, _ := vp.snapshot(); scrolled != 0 {
		t.Fatalf("scrolled %g with pointer in the middle", scrolled)
	}
}

func TestMachineStopsScrollerOnTerminalTransition(t *testing.T) {
	vp := &fakeViewport{top: 0, bottom: 1000}
	scroller := NewAutoScroller(vp)
	m := NewMachine(Config{
		Page:     1,
		Surface:  page,
		Prompter: &fakePrompter{text: "n"},
		Scroller: scroller,
	})
	m.SetTool(ToolRect)

	m.Handle(context.Background(), down(1, 0.1, 0.1, ""))
	if !scroller.Running() {
		t.Fatal("scroller should run while drawing")
	}
	m.Handle(context.Background(), up(1, 0.3, 0.3, ""))
	if scroller.Running() {
		t.Fatal("scroller outlived the gesture")
	}

	m.SetTool(ToolPin)
	m.Handle(context.Background(), down(1, 0.1, 0.1, ""))
	if scroller.Running() {
		t.Fatal("pin click must not start the scroller")
	}
	m.Handle(context.Background(), Event{Kind: EventPointerCancel, PointerID: 1})
}

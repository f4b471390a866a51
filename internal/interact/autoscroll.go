package interact

import (
	"sync"
	"time"
)

const (
	// EdgeBand is the distance in pixels from a viewport edge that triggers
	// scrolling.
	EdgeBand = 36.0
	// ScrollStep is the scroll distance applied per tick.
	ScrollStep = 18.0
	// FrameInterval is the scroll tick cadence.
	FrameInterval = 16 * time.Millisecond
)

// Viewport is the scrollable ancestor of the page surfaces.
type Viewport interface {
	// Edges returns the top and bottom of the visible area in client
	// coordinates.
	Edges() (top, bottom float64)
	ScrollBy(dy float64)
}

// Impulse returns the scroll delta for a pointer at pointerY inside a
// viewport spanning [top, bottom].
func Impulse(pointerY, top, bottom float64) float64 {
	switch {
	case pointerY < top+EdgeBand:
		return -ScrollStep
	case pointerY > bottom-EdgeBand:
		return ScrollStep
	default:
		return 0
	}
}

// AutoScroller scrolls the viewport while a gesture holds the pointer near
// one of its edges. No scroll is applied once Stop has returned.
type AutoScroller struct {
	viewport Viewport
	interval time.Duration

	// tick is held for the whole of one impulse.
	tick     sync.Mutex
	mu       sync.Mutex
	pointerY float64
	done     chan struct{}
}

func NewAutoScroller(viewport Viewport) *AutoScroller {
	return &AutoScroller{viewport: viewport, interval: FrameInterval}
}

// Start engages scrolling for a gesture at pointerY. Calling Start while
// already engaged only updates the pointer.
func (s *AutoScroller) Start(pointerY float64) {
	if s == nil || s.viewport == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointerY = pointerY
	if s.done != nil {
		return
	}
	done := make(chan struct{})
	s.done = done
	go s.loop(done)
}

// Track records the latest pointer position.
func (s *AutoScroller) Track(pointerY float64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.pointerY = pointerY
	s.mu.Unlock()
}

// Stop disengages scrolling and waits out an impulse already being applied.
// It is safe to call when not running.
func (s *AutoScroller) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.mu.Unlock()

	s.tick.Lock()
	s.tick.Unlock()
}

func (s *AutoScroller) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

func (s *AutoScroller) loop(done chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !s.step(done) {
				return
			}
		}
	}
}

// step applies one impulse. It reports false once the gesture that owns done
// is no longer the engaged one.
func (s *AutoScroller) step(done chan struct{}) bool {
	s.tick.Lock()
	defer s.tick.Unlock()

	s.mu.Lock()
	if s.done != done {
		s.mu.Unlock()
		return false
	}
	y := s.pointerY
	s.mu.Unlock()

	top, bottom := s.viewport.Edges()
	if dy := Impulse(y, top, bottom); dy != 0 {
		s.viewport.ScrollBy(dy)
	}
	return true
}

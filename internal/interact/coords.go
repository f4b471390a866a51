// Package interact turns raw pointer events on a page surface into
// annotation mutation intents.
package interact

import "proofmark/api/internal/annotation"

// Bounds is the on-screen rectangle of an annotation surface.
type Bounds struct {
	Left   float64
	Top    float64
	Width  float64
	Height float64
}

// Surface reports its current bounds. It is queried on every event so
// reflow and scrolling never leave a stale rectangle behind.
type Surface interface {
	Bounds() Bounds
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func() Bounds

func (f SurfaceFunc) Bounds() Bounds { return f() }

// Normalize maps client coordinates to page fractions clamped to [0,1].
func Normalize(b Bounds, clientX, clientY float64) annotation.Point {
	var x, y float64
	if b.Width > 0 {
		x = (clientX - b.Left) / b.Width
	}
	if b.Height > 0 {
		y = (clientY - b.Top) / b.Height
	}
	return annotation.Point{
		X: annotation.Clamp(x, 0, 1),
		Y: annotation.Clamp(y, 0, 1),
	}
}

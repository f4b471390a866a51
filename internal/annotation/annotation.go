// Package annotation holds the markup model shared by the interaction layer,
// the client cache and the server repository.
package annotation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Type identifies the shape of an annotation.
type Type string

const (
	TypePin  Type = "pin"
	TypeRect Type = "rect"
)

// ErrInvalid is wrapped by every validation failure returned from Validate.
var ErrInvalid = errors.New("invalid annotation")

// tolerance absorbs float rounding when a rect is derived from two corners.
const tolerance = 1e-9

// Annotation is a pin or rectangle in page-fraction coordinates. Identity and
// CreatedAt are fixed once created; position, size and text may change.
type Annotation struct {
	ID        string  `json:"id"`
	Type      Type    `json:"type"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	W         float64 `json:"w,omitempty"`
	H         float64 `json:"h,omitempty"`
	Text      string  `json:"text"`
	CreatedAt int64   `json:"createdAt"`
}

// Patch carries the mutable fields of an update. Nil fields are left alone.
type Patch struct {
	X    *float64 `json:"x,omitempty"`
	Y    *float64 `json:"y,omitempty"`
	W    *float64 `json:"w,omitempty"`
	H    *float64 `json:"h,omitempty"`
	Text *string  `json:"text,omitempty"`
}

// Point is a normalized page position.
type Point struct {
	X float64
	Y float64
}

// New builds an annotation with a fresh time-sortable id.
func New(kind Type, x, y, w, h float64, text string, now time.Time) Annotation {
	a := Annotation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      kind,
		X:         x,
		Y:         y,
		Text:      text,
		CreatedAt: now.UnixMilli(),
	}
	if kind == TypeRect {
		a.W = w
		a.H = h
	}
	return a
}

// Apply returns a copy of a with the patch applied.
func Apply(a Annotation, p Patch) Annotation {
	if p.X != nil {
		a.X = *p.X
	}
	if p.Y != nil {
		a.Y = *p.Y
	}
	if p.W != nil && a.Type == TypeRect {
		a.W = *p.W
	}
	if p.H != nil && a.Type == TypeRect {
		a.H = *p.H
	}
	if p.Text != nil {
		a.Text = *p.Text
	}
	return a
}

// PositionPatch is a patch that moves an annotation to (x, y).
func PositionPatch(x, y float64) Patch {
	return Patch{X: &x, Y: &y}
}

// TextPatch is a patch that replaces an annotation's text.
func TextPatch(text string) Patch {
	return Patch{Text: &text}
}

// Validate checks identity, type and the unit-square bounds. Zero-area
// rectangles are accepted.
func Validate(a Annotation) error {
	if a.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if a.Type != TypePin && a.Type != TypeRect {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, a.Type)
	}
	if !inUnit(a.X) || !inUnit(a.Y) {
		return fmt.Errorf("%w: %s position (%g, %g) outside the page", ErrInvalid, a.ID, a.X, a.Y)
	}
	if a.Type == TypePin {
		return nil
	}
	if !inUnit(a.W) || !inUnit(a.H) {
		return fmt.Errorf("%w: %s size (%g, %g) outside the page", ErrInvalid, a.ID, a.W, a.H)
	}
	if a.X+a.W > 1+tolerance || a.Y+a.H > 1+tolerance {
		return fmt.Errorf("%w: %s extends past the page edge", ErrInvalid, a.ID)
	}
	return nil
}

// ValidateList validates every entry and rejects duplicate ids.
func ValidateList(list []Annotation) error {
	seen := make(map[string]struct{}, len(list))
	for _, a := range list {
		if err := Validate(a); err != nil {
			return err
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalid, a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return nil
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= -tolerance && v <= 1+tolerance
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// RectFromCorners normalizes two opposite corners into top-left and size.
func RectFromCorners(x0, y0, x1, y1 float64) (x, y, w, h float64) {
	return math.Min(x0, x1), math.Min(y0, y1), math.Abs(x1 - x0), math.Abs(y1 - y0)
}

// ClampPosition keeps the whole shape on the page when its anchor moves to
// (x, y): a pin stays in the unit square, a rect's top-left stays within
// [0, 1-w] x [0, 1-h].
func ClampPosition(a Annotation, x, y float64) Point {
	if a.Type == TypeRect {
		return Point{
			X: Clamp(x, 0, math.Max(0, 1-a.W)),
			Y: Clamp(y, 0, math.Max(0, 1-a.H)),
		}
	}
	return Point{X: Clamp(x, 0, 1), Y: Clamp(y, 0, 1)}
}

// Clone copies a list so callers can hand it to another goroutine.
func Clone(list []Annotation) []Annotation {
	out := make([]Annotation, len(list))
	copy(out, list)
	return out
}

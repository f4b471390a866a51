package interact

import (
	"math"

	"proofmark/api/internal/annotation"
)

// DefaultMoveThreshold is the per-axis movement, as a fraction of the
// surface, beyond which a gesture can no longer be a click.
const DefaultMoveThreshold = 0.004

// Outcome is the single terminal action of a gesture.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeClickCreate
	OutcomeDragCommit
	OutcomeDrawCommit
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClickCreate:
		return "click-create"
	case OutcomeDragCommit:
		return "drag-commit"
	case OutcomeDrawCommit:
		return "draw-commit"
	default:
		return "no-op"
	}
}

// UpContext describes the machine at pointer-up time.
type UpContext struct {
	Tool         Tool
	OnBackground bool
	Dragging     bool
	Drawing      bool
	ReadOnly     bool
}

// Classifier tracks one gesture from pointer-down to pointer-up and decides
// whether it was a click, a drag or a draw.
type Classifier struct {
	threshold float64
	active    bool
	pointerID int
	down      annotation.Point
	moved     bool
}

func NewClassifier(threshold float64) *Classifier {
	if threshold <= 0 {
		threshold = DefaultMoveThreshold
	}
	return &Classifier{threshold: threshold}
}

// Down starts tracking a gesture for pointerID at p.
func (c *Classifier) Down(pointerID int, p annotation.Point) {
	c.active = true
	c.pointerID = pointerID
	c.down = p
	c.moved = false
}

// Move records a pointer move. Once the threshold is exceeded on either
// axis the gesture stays marked as moved until Up.
func (c *Classifier) Move(pointerID int, p annotation.Point) {
	if !c.active || pointerID != c.pointerID || c.moved {
		return
	}
	if math.Abs(p.X-c.down.X) > c.threshold || math.Abs(p.Y-c.down.Y) > c.threshold {
		c.moved = true
	}
}

// MarkMoved flags the gesture as moved without a move event. Grabbing an
// existing shape uses it so the same gesture can never also create a pin.
func (c *Classifier) MarkMoved() {
	if c.active {
		c.moved = true
	}
}

func (c *Classifier) Moved() bool { return c.moved }

func (c *Classifier) Active() bool { return c.active }

// DownPoint is where the current gesture started.
func (c *Classifier) DownPoint() annotation.Point { return c.down }

// Up ends the gesture and returns its outcome.
func (c *Classifier) Up(pointerID int, in UpContext) Outcome {
	if !c.active || pointerID != c.pointerID {
		return OutcomeNone
	}
	moved := c.moved
	c.Reset()

	switch {
	case !moved && !in.ReadOnly && in.Tool == ToolPin && in.OnBackground:
		return OutcomeClickCreate
	case in.Dragging:
		return OutcomeDragCommit
	case in.Drawing:
		return OutcomeDrawCommit
	default:
		return OutcomeNone
	}
}

// Reset drops the current gesture.
func (c *Classifier) Reset() {
	c.active = false
	c.moved = false
	c.down = annotation.Point{}
}

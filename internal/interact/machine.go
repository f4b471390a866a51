package interact

import (
	"context"
	"log"
	"time"

	"proofmark/api/internal/annotation"
)

// Tool is the active annotation tool.
type Tool string

const (
	ToolSelect Tool = "select"
	ToolPin    Tool = "pin"
	ToolRect   Tool = "rect"
)

// ParseTool maps a tool name to a Tool, defaulting to select.
func ParseTool(value string) Tool {
	switch Tool(value) {
	case ToolPin, ToolRect:
		return Tool(value)
	default:
		return ToolSelect
	}
}

// State is the gesture state of a page surface.
type State int

const (
	StateIdle State = iota
	StateDrawing
	StateDragging
)

func (s State) String() string {
	switch s {
	case StateDrawing:
		return "drawing"
	case StateDragging:
		return "dragging"
	default:
		return "idle"
	}
}

type EventKind int

const (
	EventPointerDown EventKind = iota
	EventPointerMove
	EventPointerUp
	EventPointerCancel
	EventDoubleActivate
	EventSecondaryActivate
)

// Event is one input to the machine. Target is the id of the annotation under
// the pointer, or empty for the page background.
type Event struct {
	Kind      EventKind
	PointerID int
	ClientX   float64
	ClientY   float64
	Target    string
}

type IntentKind int

const (
	IntentCreate IntentKind = iota
	IntentUpdate
	IntentRemove
)

func (k IntentKind) String() string {
	switch k {
	case IntentCreate:
		return "create"
	case IntentUpdate:
		return "update"
	case IntentRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Intent is a committed mutation for the annotation store. Annotation is set
// for creates; ID (and Patch for updates) otherwise.
type Intent struct {
	Kind       IntentKind
	Page       int
	Annotation annotation.Annotation
	ID         string
	Patch      annotation.Patch
}

// Lookup resolves the current state of an annotation on a page.
type Lookup interface {
	Get(page int, id string) (annotation.Annotation, bool)
}

// TextPrompter asks the user for a note. ok is false when the user cancelled.
type TextPrompter interface {
	PromptText(ctx context.Context, label, initial string) (text string, ok bool, err error)
}

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, message string) (bool, error)
}

type Config struct {
	Page        int
	Surface     Surface
	Annotations Lookup
	Prompter    TextPrompter
	Confirmer   Confirmer
	Scroller    *AutoScroller
	Threshold   float64
	Now         func() time.Time
}

type drawState struct {
	x0, y0, x1, y1 float64
}

type dragState struct {
	origin  annotation.Annotation
	start   annotation.Point
	current annotation.Point
}

// ownerToken is held by the pointer that started the current gesture. Events
// from any other pointer are ignored until it is released.
type ownerToken struct {
	held      bool
	pointerID int
}

func (t *ownerToken) acquire(pointerID int) bool {
	if t.held {
		return false
	}
	t.held = true
	t.pointerID = pointerID
	return true
}

func (t *ownerToken) owns(pointerID int) bool {
	return t.held && t.pointerID == pointerID
}

func (t *ownerToken) release() {
	t.held = false
}

// Machine is the gesture state machine of one page surface. It is not safe
// for concurrent use; drive it from a single goroutine, or through Run.
type Machine struct {
	cfg        Config
	tool       Tool
	readOnly   bool
	state      State
	draw       drawState
	drag       dragState
	classifier *Classifier
	token      ownerToken
}

func NewMachine(cfg Config) *Machine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{
		cfg:        cfg,
		tool:       ToolSelect,
		classifier: NewClassifier(cfg.Threshold),
	}
}

func (m *Machine) SetTool(tool Tool) { m.tool = tool }

func (m *Machine) Tool() Tool { return m.tool }

// SetReadOnly disables every mutating transition. Viewing is unaffected.
func (m *Machine) SetReadOnly(readOnly bool) { m.readOnly = readOnly }

func (m *Machine) ReadOnly() bool { return m.readOnly }

func (m *Machine) State() State { return m.state }

func (m *Machine) Page() int { return m.cfg.Page }

// Ghost returns the live rectangle of an in-progress draw.
func (m *Machine) Ghost() (x, y, w, h float64, ok bool) {
	if m.state != StateDrawing {
		return 0, 0, 0, 0, false
	}
	x, y, w, h = annotation.RectFromCorners(m.draw.x0, m.draw.y0, m.draw.x1, m.draw.y1)
	return x, y, w, h, true
}

// DragPreview returns the clamped position of the shape being dragged.
func (m *Machine) DragPreview() (id string, p annotation.Point, ok bool) {
	if m.state != StateDragging {
		return "", annotation.Point{}, false
	}
	return m.drag.origin.ID, m.drag.current, true
}

// Handle feeds one event through the machine. It returns the committed intent
// of a finished gesture or activation, if any. Prompts and confirmations are
// awaited inline; the gesture has already returned to idle by then.
func (m *Machine) Handle(ctx context.Context, ev Event) (Intent, bool) {
	switch ev.Kind {
	case EventPointerDown:
		m.pointerDown(ev)
	case EventPointerMove:
		m.pointerMove(ev)
	case EventPointerUp:
		return m.pointerUp(ctx, ev)
	case EventPointerCancel:
		if m.token.owns(ev.PointerID) {
			m.reset()
		}
	case EventDoubleActivate:
		return m.editText(ctx, ev.Target)
	case EventSecondaryActivate:
		return m.confirmRemove(ctx, ev.Target)
	}
	return Intent{}, false
}

// Run consumes events until in is closed or ctx is done, forwarding intents
// to out.
func (m *Machine) Run(ctx context.Context, in <-chan Event, out chan<- Intent) error {
	defer m.reset()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			intent, ok := m.Handle(ctx, ev)
			if !ok {
				continue
			}
			select {
			case out <- intent:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (m *Machine) point(ev Event) annotation.Point {
	var b Bounds
	if m.cfg.Surface != nil {
		b = m.cfg.Surface.Bounds()
	}
	return Normalize(b, ev.ClientX, ev.ClientY)
}

func (m *Machine) pointerDown(ev Event) {
	if !m.token.acquire(ev.PointerID) {
		return
	}
	p := m.point(ev)
	m.classifier.Down(ev.PointerID, p)

	if ev.Target != "" {
		if m.readOnly || m.cfg.Annotations == nil {
			return
		}
		target, ok := m.cfg.Annotations.Get(m.cfg.Page, ev.Target)
		if !ok {
			return
		}
		m.state = StateDragging
		m.drag = dragState{
			origin:  target,
			start:   p,
			current: annotation.Point{X: target.X, Y: target.Y},
		}
		m.classifier.MarkMoved()
		m.startScroll(ev.ClientY)
		return
	}

	if !m.readOnly && m.tool == ToolRect {
		m.state = StateDrawing
		m.draw = drawState{x0: p.X, y0: p.Y, x1: p.X, y1: p.Y}
		m.startScroll(ev.ClientY)
	}
}

func (m *Machine) pointerMove(ev Event) {
	if !m.token.owns(ev.PointerID) {
		return
	}
	if m.cfg.Scroller != nil {
		m.cfg.Scroller.Track(ev.ClientY)
	}
	p := m.point(ev)
	m.classifier.Move(ev.PointerID, p)

	switch m.state {
	case StateDrawing:
		m.draw.x1, m.draw.y1 = p.X, p.Y
	case StateDragging:
		o := m.drag.origin
		m.drag.current = annotation.ClampPosition(o,
			o.X+(p.X-m.drag.start.X),
			o.Y+(p.Y-m.drag.start.Y),
		)
	}
}

func (m *Machine) pointerUp(ctx context.Context, ev Event) (Intent, bool) {
	if !m.token.owns(ev.PointerID) {
		return Intent{}, false
	}
	p := m.point(ev)
	outcome := m.classifier.Up(ev.PointerID, UpContext{
		Tool:         m.tool,
		OnBackground: ev.Target == "",
		Dragging:     m.state == StateDragging,
		Drawing:      m.state == StateDrawing,
		ReadOnly:     m.readOnly,
	})
	draw, drag := m.draw, m.drag
	m.reset()

	switch outcome {
	case OutcomeClickCreate:
		text, ok := m.prompt(ctx, "Comment", "")
		if !ok {
			return Intent{}, false
		}
		return Intent{
			Kind:       IntentCreate,
			Page:       m.cfg.Page,
			Annotation: annotation.New(annotation.TypePin, p.X, p.Y, 0, 0, text, m.cfg.Now()),
		}, true
	case OutcomeDrawCommit:
		x, y, w, h := annotation.RectFromCorners(draw.x0, draw.y0, draw.x1, draw.y1)
		text, ok := m.prompt(ctx, "Note", "")
		if !ok {
			return Intent{}, false
		}
		return Intent{
			Kind:       IntentCreate,
			Page:       m.cfg.Page,
			Annotation: annotation.New(annotation.TypeRect, x, y, w, h, text, m.cfg.Now()),
		}, true
	case OutcomeDragCommit:
		if drag.current == (annotation.Point{X: drag.origin.X, Y: drag.origin.Y}) {
			return Intent{}, false
		}
		return Intent{
			Kind:  IntentUpdate,
			Page:  m.cfg.Page,
			ID:    drag.origin.ID,
			Patch: annotation.PositionPatch(drag.current.X, drag.current.Y),
		}, true
	default:
		return Intent{}, false
	}
}

func (m *Machine) editText(ctx context.Context, id string) (Intent, bool) {
	if m.readOnly || m.token.held || id == "" || m.cfg.Annotations == nil {
		return Intent{}, false
	}
	current, ok := m.cfg.Annotations.Get(m.cfg.Page, id)
	if !ok {
		return Intent{}, false
	}
	text, ok := m.prompt(ctx, "Edit note", current.Text)
	if !ok {
		return Intent{}, false
	}
	return Intent{Kind: IntentUpdate, Page: m.cfg.Page, ID: id, Patch: annotation.TextPatch(text)}, true
}

func (m *Machine) confirmRemove(ctx context.Context, id string) (Intent, bool) {
	if m.readOnly || m.token.held || id == "" || m.cfg.Confirmer == nil {
		return Intent{}, false
	}
	if m.cfg.Annotations != nil {
		if _, ok := m.cfg.Annotations.Get(m.cfg.Page, id); !ok {
			return Intent{}, false
		}
	}
	yes, err := m.cfg.Confirmer.Confirm(ctx, "Delete this annotation?")
	if err != nil {
		log.Printf("interact: confirm failed on page %d: %v", m.cfg.Page, err)
		return Intent{}, false
	}
	if !yes {
		return Intent{}, false
	}
	return Intent{Kind: IntentRemove, Page: m.cfg.Page, ID: id}, true
}

func (m *Machine) prompt(ctx context.Context, label, initial string) (string, bool) {
	if m.cfg.Prompter == nil {
		return "", false
	}
	text, ok, err := m.cfg.Prompter.PromptText(ctx, label, initial)
	if err != nil {
		log.Printf("interact: prompt failed on page %d: %v", m.cfg.Page, err)
		return "", false
	}
	return text, ok
}

func (m *Machine) startScroll(clientY float64) {
	if m.cfg.Scroller != nil {
		m.cfg.Scroller.Start(clientY)
	}
}

// reset returns to idle and releases the gesture token and the scroller.
func (m *Machine) reset() {
	m.state = StateIdle
	m.draw = drawState{}
	m.drag = dragState{}
	m.classifier.Reset()
	m.token.release()
	if m.cfg.Scroller != nil {
		m.cfg.Scroller.Stop()
	}
}

// Package replay drives the interaction machine from a recorded pointer
// session and applies the resulting intents to an annotation cache.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"proofmark/api/internal/annostore"
	"proofmark/api/internal/interact"
)

// Script is a recorded session on one page surface.
type Script struct {
	Page     int             `json:"page"`
	Tool     string          `json:"tool"`
	ReadOnly bool            `json:"readOnly"`
	Surface  interact.Bounds `json:"surface"`
	Events   []Step          `json:"events"`
}

// Step is one input event. Text answers the prompt the event opens and
// Confirm answers a removal confirmation.
type Step struct {
	Kind    string  `json:"kind"`
	Pointer int     `json:"pointer"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Target  string  `json:"target,omitempty"`
	Text    *string `json:"text,omitempty"`
	Confirm bool    `json:"confirm,omitempty"`
}

var eventKinds = map[string]interact.EventKind{
	"down":      interact.EventPointerDown,
	"move":      interact.EventPointerMove,
	"up":        interact.EventPointerUp,
	"cancel":    interact.EventPointerCancel,
	"dblclick":  interact.EventDoubleActivate,
	"secondary": interact.EventSecondaryActivate,
}

// Decode reads a script and checks its event kinds.
func Decode(r io.Reader) (Script, error) {
	var script Script
	if err := json.NewDecoder(r).Decode(&script); err != nil {
		return Script{}, fmt.Errorf("decode script: %w", err)
	}
	if script.Page < 1 {
		script.Page = 1
	}
	for i, step := range script.Events {
		if _, ok := eventKinds[step.Kind]; !ok {
			return Script{}, fmt.Errorf("event %d: unknown kind %q", i, step.Kind)
		}
	}
	return script, nil
}

// Report summarizes a replay.
type Report struct {
	Intents []interact.Intent
	Failed  int
}

// answers feeds each step's scripted reply to the machine's prompts.
type answers struct {
	text    *string
	confirm bool
}

func (a *answers) PromptText(_ context.Context, _, initial string) (string, bool, error) {
	if a.text == nil {
		return initial, false, nil
	}
	return *a.text, true, nil
}

func (a *answers) Confirm(context.Context, string) (bool, error) {
	return a.confirm, nil
}

// Run replays script against cache. Intents the cache rejects are logged and
// counted; the replay carries on with the next event.
func Run(ctx context.Context, script Script, cache *annostore.Store) (Report, error) {
	reply := &answers{}
	bounds := script.Surface
	m := interact.NewMachine(interact.Config{
		Page:        script.Page,
		Surface:     interact.SurfaceFunc(func() interact.Bounds { return bounds }),
		Annotations: cache,
		Prompter:    reply,
		Confirmer:   reply,
	})
	m.SetTool(interact.ParseTool(script.Tool))
	m.SetReadOnly(script.ReadOnly)

	var report Report
	for _, step := range script.Events {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		reply.text, reply.confirm = step.Text, step.Confirm
		intent, ok := m.Handle(ctx, interact.Event{
			Kind:      eventKinds[step.Kind],
			PointerID: step.Pointer,
			ClientX:   step.X,
			ClientY:   step.Y,
			Target:    step.Target,
		})
		if !ok {
			continue
		}
		if err := cache.Apply(intent); err != nil {
			log.Printf("replay: %s on page %d rejected: %v", intent.Kind, intent.Page, err)
			report.Failed++
			continue
		}
		report.Intents = append(report.Intents, intent)
	}
	cache.Wait()
	return report, nil
}

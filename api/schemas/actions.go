package schemas

import (
	"fmt"
	"strings"
	"time"
)

// -- Action Grammar Types --

// ActionKind identifies the verb of an atomic agent action. The string values
// are the canonical grammar keywords and are persisted in step records, so
// they must not change.
type ActionKind string

const (
	ActionClick  ActionKind = "CLICK"
	ActionType   ActionKind = "TYPE"
	ActionScroll ActionKind = "SCROLL"
	ActionGoto   ActionKind = "GOTO"
	ActionWait   ActionKind = "WAIT"
	ActionPause  ActionKind = "PAUSE"
	ActionDone   ActionKind = "DONE"
)

// ScrollDirection is the argument of a SCROLL action.
type ScrollDirection string

const (
	ScrollUp   ScrollDirection = "UP"
	ScrollDown ScrollDirection = "DOWN"
)

// Action is one parsed atomic command. Exactly the fields relevant to Kind
// are populated; the rest stay zero.
type Action struct {
	Kind      ActionKind      `json:"kind"`
	TagID     string          `json:"tag_id,omitempty"`    // CLICK, TYPE: transient per-load element id
	Text      string          `json:"text,omitempty"`      // TYPE: literal to enter, may be empty
	Direction ScrollDirection `json:"direction,omitempty"` // SCROLL
	URL       string          `json:"url,omitempty"`       // GOTO
	Seconds   int             `json:"seconds,omitempty"`   // WAIT
}

// String renders the canonical single-line grammar form of the action.
// Parsing the returned string yields an identical Action.
func (a Action) String() string {
	switch a.Kind {
	case ActionClick:
		return fmt.Sprintf("CLICK [%s]", a.TagID)
	case ActionType:
		return fmt.Sprintf("TYPE [%s] %q", a.TagID, a.Text)
	case ActionScroll:
		return fmt.Sprintf("SCROLL %s", a.Direction)
	case ActionGoto:
		return fmt.Sprintf("GOTO %q", a.URL)
	case ActionWait:
		return fmt.Sprintf("WAIT %d", a.Seconds)
	case ActionPause:
		return "PAUSE"
	case ActionDone:
		return "DONE"
	default:
		return string(a.Kind)
	}
}

// IsTerminal reports whether the action ends the decision loop by itself.
func (a Action) IsTerminal() bool {
	return a.Kind == ActionDone || a.Kind == ActionPause
}

// TargetsElement reports whether the action references a tagged element and
// therefore needs signature resolution when recorded or replayed.
func (a Action) TargetsElement() bool {
	return a.Kind == ActionClick || a.Kind == ActionType
}

// -- Execution Results --

// ExecStatus is the normalized outcome classification of a single executed
// action, independent of the underlying browser error text.
type ExecStatus string

const (
	ExecOK           ExecStatus = "ok"
	ExecTimeout      ExecStatus = "timeout"
	ExecElementStale ExecStatus = "element-stale"
	ExecNavError     ExecStatus = "nav-error"
	ExecFailed       ExecStatus = "failed"
)

// ExecutionResult is returned by the action executor after delegating a verb
// to the browser. PostFingerprint is the page fingerprint observed after the
// action settled; the matcher uses it to verify replay correctness.
type ExecutionResult struct {
	Status          ExecStatus    `json:"status"`
	PostFingerprint string        `json:"post_fingerprint,omitempty"`
	Elapsed         time.Duration `json:"elapsed"`
}

// OK reports whether the action completed normally.
func (r ExecutionResult) OK() bool { return r.Status == ExecOK }

// NormalizeDirection maps free-case scroll argument text onto a
// ScrollDirection, reporting false for anything but up/down.
func NormalizeDirection(s string) (ScrollDirection, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UP":
		return ScrollUp, true
	case "DOWN":
		return ScrollDown, true
	default:
		return "", false
	}
}

// internal/action/errors.go
package action

import (
	"errors"
	"fmt"
)

// Typed errors for the action layer. The control loop classifies failures
// with errors.Is/As rather than string matching, so these are the only
// identities the rest of the system may rely on.

// ParseError reports that a piece of action text does not conform to the
// grammar. The loop treats it as "ask the planner again", never as fatal.
type ParseError struct {
	Input  string
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse action %q: %s", e.Input, e.Reason)
}

// IsParseError reports whether err carries a *ParseError anywhere in its chain.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// ErrElementNotFound indicates the referenced tag id is absent from the
// current observation. The page has likely changed; re-observe.
var ErrElementNotFound = errors.New("element not found in current observation")

// ErrElementStale indicates the element existed when observed but is no
// longer attached to the live document.
var ErrElementStale = errors.New("element is stale or detached from the document")

// ErrActionTimeout indicates the browser collaborator exceeded its deadline
// for a single action.
var ErrActionTimeout = errors.New("action deadline exceeded")

// NavigationError represents a failed or rejected navigation attempt.
type NavigationError struct {
	URL string
	Err error
}

// Error implements the error interface.
func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %q failed: %v", e.URL, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *NavigationError) Unwrap() error {
	return e.Err
}

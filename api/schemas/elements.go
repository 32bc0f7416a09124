// api/schemas/elements.go
package schemas

import (
	"fmt"
	"strings"
	"unicode"
)

// -- Tagged Element Types --

// ElementRole is the coarse interaction class of a tagged element.
type ElementRole string

const (
	RoleClickable  ElementRole = "clickable"
	RoleInput      ElementRole = "input"
	RoleScrollable ElementRole = "scrollable"
)

// BBox is the approximate bounding region of an element in viewport pixels.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// TaggedElement is one interactive element as reported by the tagging
// collaborator for a single page load. TagID is only stable for that load;
// Signature is the content-derived identifier that survives reloads.
type TaggedElement struct {
	TagID      string      `json:"tag_id"`
	Role       ElementRole `json:"role"`
	Label      string      `json:"label"`
	Href       string      `json:"href,omitempty"` // anchors only: raw link target, may be relative
	BBox       BBox        `json:"bbox"`
	Signature  string      `json:"signature"`
	ModalClose bool        `json:"modal_close,omitempty"` // heuristic: likely dismisses an overlay
}

const maxLabelRunes = 80

// NormalizeLabel canonicalizes visible element text for use inside durable
// signatures: lowercased, inner whitespace collapsed, surrounding punctuation
// stripped, truncated to a fixed rune budget.
func NormalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	runes := []rune(s)
	if len(runes) > maxLabelRunes {
		s = string(runes[:maxLabelRunes])
	}
	return s
}

// ElementSignature derives the durable identifier for an element. The role is
// embedded so a signature can never be shared across roles.
func ElementSignature(role ElementRole, label string) string {
	return string(role) + "/" + NormalizeLabel(label)
}

// AssignSignatures fills the Signature field of every element in place.
// When the same role+label occurs more than once on a page, later occurrences
// (in document order) get an ordinal suffix so each signature stays unique
// within the observation.
func AssignSignatures(els []TaggedElement) {
	seen := make(map[string]int, len(els))
	for i := range els {
		base := ElementSignature(els[i].Role, els[i].Label)
		seen[base]++
		if n := seen[base]; n > 1 {
			els[i].Signature = fmt.Sprintf("%s~%d", base, n)
		} else {
			els[i].Signature = base
		}
	}
}

// ToStored projects a tagged observation onto the persistent element form,
// dropping the per-load fields (tag id, geometry).
func ToStored(els []TaggedElement) []StoredElement {
	out := make([]StoredElement, 0, len(els))
	for i := range els {
		out = append(out, StoredElement{
			Signature: els[i].Signature,
			Role:      els[i].Role,
			Label:     els[i].Label,
		})
	}
	return out
}

// internal/explorer/classify.go
package explorer

import (
	"strconv"
	"strings"

	"github.com/okibara/wayfind/api/schemas"
)

// Affordance is the coarse capability a page control offers.
type Affordance string

const (
	AffordanceNav    Affordance = "nav"
	AffordanceCreate Affordance = "create"
	AffordanceRead   Affordance = "read"
	AffordanceUpdate Affordance = "update"
	AffordanceDelete Affordance = "delete"
)

// Priority orders affordances for reporting: navigation first, destructive
// controls last.
func (a Affordance) Priority() int {
	switch a {
	case AffordanceNav:
		return 10
	case AffordanceCreate:
		return 9
	case AffordanceRead, AffordanceUpdate:
		return 8
	case AffordanceDelete:
		return 7
	}
	return 0
}

var affordanceKeywords = map[Affordance][]string{
	AffordanceDelete: {"delete", "remove", "destroy", "trash", "discard"},
	AffordanceCreate: {"new", "create", "add", "compose", "register", "upload"},
	AffordanceUpdate: {"edit", "update", "modify", "rename", "change", "save"},
	AffordanceRead:   {"view", "open", "show", "details", "read", "download"},
}

// classifyAffordance maps a clickable control onto an affordance by its
// visible label. CRUD verbs win over plain navigation; an unlabelled link
// still counts as navigation when it carries a target.
func classifyAffordance(el schemas.TaggedElement) (Affordance, bool) {
	if el.Role != schemas.RoleClickable {
		return "", false
	}
	words := strings.Fields(schemas.NormalizeLabel(el.Label))
	for _, class := range []Affordance{AffordanceDelete, AffordanceCreate, AffordanceUpdate, AffordanceRead} {
		for _, kw := range affordanceKeywords[class] {
			for _, w := range words {
				if w == kw {
					return class, true
				}
			}
		}
	}
	if el.Href != "" {
		return AffordanceNav, true
	}
	return "", false
}

// ClassifyPage assigns a coarse page kind from the URL, title, and tagged
// elements. Purely heuristic; wrong guesses cost nothing beyond a less
// descriptive memory record.
func ClassifyPage(obs *schemas.Observation) schemas.PageKind {
	if obs == nil {
		return schemas.PageUnknown
	}
	path := strings.ToLower(schemas.NormalizePath(obs.URL))
	title := strings.ToLower(obs.Title)

	if strings.Contains(title, "not found") || strings.Contains(title, "404") ||
		strings.Contains(title, "error") {
		return schemas.PageError
	}
	if hasInputLabelled(obs, "password") ||
		containsAny(path, "/login", "/signin", "/sign-in", "/auth") {
		return schemas.PageLogin
	}
	if containsAny(path, "/search") || hasInputLabelled(obs, "search") {
		return schemas.PageSearch
	}
	if containsAny(path, "/settings", "/preferences", "/profile") ||
		containsAny(title, "settings", "preferences") {
		return schemas.PageSettings
	}
	if inputs := countRole(obs, schemas.RoleInput); inputs >= 2 && hasSubmitControl(obs) {
		return schemas.PageForm
	}
	if strings.Contains(path, "/:id") {
		return schemas.PageDetail
	}
	if looksLikeList(obs) {
		return schemas.PageList
	}
	if path == "/" || containsAny(path, "/home", "/dashboard") {
		return schemas.PageHome
	}
	return schemas.PageUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func countRole(obs *schemas.Observation, role schemas.ElementRole) int {
	n := 0
	for i := range obs.Elements {
		if obs.Elements[i].Role == role {
			n++
		}
	}
	return n
}

func hasInputLabelled(obs *schemas.Observation, word string) bool {
	for i := range obs.Elements {
		el := &obs.Elements[i]
		if el.Role != schemas.RoleInput {
			continue
		}
		if strings.Contains(schemas.NormalizeLabel(el.Label), word) {
			return true
		}
	}
	return false
}

func hasSubmitControl(obs *schemas.Observation) bool {
	for i := range obs.Elements {
		el := &obs.Elements[i]
		if el.Role != schemas.RoleClickable {
			continue
		}
		label := schemas.NormalizeLabel(el.Label)
		if containsAny(label, "save", "submit", "create", "sign", "continue", "confirm") {
			return true
		}
	}
	return false
}

// looksLikeList detects repeated identical controls, the signature of a
// collection page. AssignSignatures suffixes duplicates with "~n", so any
// ordinal of 4 or more means at least four lookalike rows.
func looksLikeList(obs *schemas.Observation) bool {
	for i := range obs.Elements {
		sig := obs.Elements[i].Signature
		idx := strings.LastIndex(sig, "~")
		if idx <= 0 {
			continue
		}
		if n, err := strconv.Atoi(sig[idx+1:]); err == nil && n >= 4 {
			return true
		}
	}
	return false
}

// internal/planner/prompt.go
package planner

import (
	"fmt"
	"strings"

	"github.com/okibara/wayfind/api/schemas"
)

// systemPrompt is the fixed contract shown to the model on every call. The
// reply must be a single action-grammar line; the control loop rejects
// anything else and retries.
const systemPrompt = `You are a web automation assistant driving a real browser.

Interactive elements on the current page are tagged with bracketed ids:
- [#ID]  text input
- [@ID]  link
- [$ID]  button or other clickable control
- [%ID]  scrollable region

Reply with exactly one command and nothing else:
- CLICK [ID]
- TYPE [ID] "text"
- SCROLL UP or SCROLL DOWN
- GOTO "url"
- WAIT seconds
- PAUSE
- DONE

Rules:
1. One command per reply. No explanations, no markdown.
2. Use PAUSE when only a human can continue: captcha, QR-code login, phone or email verification.
3. Use WAIT if the page is still loading.
4. If an overlay or cookie banner is in the way, first click the element marked "closes overlay".
5. Reply DONE once the task is complete.`

// promptHistoryLimit caps how many prior steps are spelled out; anything
// older collapses into an explicit count line so the cap is never silent.
const promptHistoryLimit = 12

// renderUserPrompt lays the observation out for the model: task, page
// identity, the tagged element inventory, and recent history.
func renderUserPrompt(req schemas.PlanRequest) string {
	var b strings.Builder

	b.WriteString("Task: ")
	b.WriteString(req.Task)
	b.WriteString("\n\nCurrent page:\n")
	fmt.Fprintf(&b, "- URL: %s\n", req.URL)
	if req.Title != "" {
		fmt.Fprintf(&b, "- Title: %s\n", req.Title)
	}

	b.WriteString("\nTagged elements:\n")
	if len(req.Elements) == 0 {
		b.WriteString("(none detected)\n")
	}
	for i := range req.Elements {
		b.WriteString(renderElement(&req.Elements[i]))
		b.WriteByte('\n')
	}

	if len(req.History) > 0 {
		b.WriteString("\nPrevious steps:\n")
		start := 0
		if len(req.History) > promptHistoryLimit {
			start = len(req.History) - promptHistoryLimit
			fmt.Fprintf(&b, "(%d earlier steps omitted)\n", start)
		}
		for i := start; i < len(req.History); i++ {
			h := req.History[i]
			fmt.Fprintf(&b, "%d. %s -> %s\n", i+1, h.Action, h.Result)
		}
	}

	b.WriteString("\nLook at the screenshot and the elements, then reply with the next command.")
	return b.String()
}

// renderElement formats one inventory line, e.g. `[#3] Password`.
func renderElement(el *schemas.TaggedElement) string {
	label := strings.TrimSpace(el.Label)
	if label == "" {
		label = "[" + string(el.Role) + "]"
	}
	line := fmt.Sprintf("[%c%s] %s", sigilFor(el), el.TagID, label)
	if el.ModalClose {
		line += ` (closes overlay)`
	}
	return line
}

// sigilFor picks the legend symbol for an element.
func sigilFor(el *schemas.TaggedElement) byte {
	switch {
	case el.Role == schemas.RoleInput:
		return '#'
	case el.Role == schemas.RoleClickable && el.Href != "":
		return '@'
	case el.Role == schemas.RoleClickable:
		return '$'
	default:
		return '%'
	}
}

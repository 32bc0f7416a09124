// internal/action/parser.go
package action

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/okibara/wayfind/api/schemas"
)

// DefaultWaitSeconds is used when WAIT is given without an argument.
const DefaultWaitSeconds = 2

// tagIDPattern matches the tag ids handed out by the tagging collaborator:
// an optional role sigil followed by digits.
var tagIDPattern = regexp.MustCompile(`^[#@$%]?[0-9]+$`)

// Sanitize reduces a raw planner reply to the single line the grammar
// expects: markdown fences and backticks stripped, first non-empty line
// kept. It never validates; Parse does.
func Sanitize(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.Trim(line, "`")
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		return line
	}
	return ""
}

// Parse converts one line of action text into an Action. The grammar is
// strict: unknown verbs, malformed ids, or broken quoting yield a
// *ParseError. Verbs are case-insensitive; everything else is literal.
func Parse(text string) (schemas.Action, error) {
	line := strings.TrimSpace(text)
	if line == "" {
		return schemas.Action{}, &ParseError{Input: text, Reason: "empty action text"}
	}

	verb := line
	rest := ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		verb, rest = line[:i], strings.TrimSpace(line[i+1:])
	}

	switch strings.ToUpper(verb) {
	case "CLICK":
		id, err := parseTagRef(line, rest)
		if err != nil {
			return schemas.Action{}, err
		}
		return schemas.Action{Kind: schemas.ActionClick, TagID: id}, nil

	case "TYPE":
		return parseType(line, rest)

	case "SCROLL":
		dir, ok := schemas.NormalizeDirection(rest)
		if !ok {
			return schemas.Action{}, &ParseError{Input: line, Reason: "SCROLL takes UP or DOWN"}
		}
		return schemas.Action{Kind: schemas.ActionScroll, Direction: dir}, nil

	case "GOTO":
		return parseGoto(line, rest)

	case "WAIT":
		return parseWait(line, rest)

	case "PAUSE":
		if rest != "" {
			return schemas.Action{}, &ParseError{Input: line, Reason: "PAUSE takes no arguments"}
		}
		return schemas.Action{Kind: schemas.ActionPause}, nil

	case "DONE":
		if rest != "" {
			return schemas.Action{}, &ParseError{Input: line, Reason: "DONE takes no arguments"}
		}
		return schemas.Action{Kind: schemas.ActionDone}, nil

	default:
		return schemas.Action{}, &ParseError{Input: line, Reason: "unknown verb " + strconv.Quote(verb)}
	}
}

// parseTagRef extracts and validates a bracketed element reference like
// "[#3]". The whole argument must be the reference, nothing more.
func parseTagRef(line, rest string) (string, error) {
	if !strings.HasPrefix(rest, "[") || !strings.HasSuffix(rest, "]") || len(rest) < 3 {
		return "", &ParseError{Input: line, Reason: "expected a bracketed element id like [#3]"}
	}
	id := rest[1 : len(rest)-1]
	if !tagIDPattern.MatchString(id) {
		return "", &ParseError{Input: line, Reason: "malformed element id " + strconv.Quote(id)}
	}
	return id, nil
}

func parseType(line, rest string) (schemas.Action, error) {
	end := strings.Index(rest, "]")
	if !strings.HasPrefix(rest, "[") || end < 0 {
		return schemas.Action{}, &ParseError{Input: line, Reason: "TYPE expects [<id>] \"<text>\""}
	}
	id := rest[1:end]
	if !tagIDPattern.MatchString(id) {
		return schemas.Action{}, &ParseError{Input: line, Reason: "malformed element id " + strconv.Quote(id)}
	}
	text, err := parseQuoted(line, strings.TrimSpace(rest[end+1:]))
	if err != nil {
		return schemas.Action{}, err
	}
	return schemas.Action{Kind: schemas.ActionType, TagID: id, Text: text}, nil
}

func parseGoto(line, rest string) (schemas.Action, error) {
	target, err := parseQuoted(line, rest)
	if err != nil {
		return schemas.Action{}, err
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return schemas.Action{}, &ParseError{Input: line, Reason: "GOTO needs a URL"}
	}
	// Bare host/path targets get the default scheme, matching how users and
	// models write addresses.
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return schemas.Action{}, &ParseError{Input: line, Reason: "GOTO needs an absolute http(s) URL"}
	}
	return schemas.Action{Kind: schemas.ActionGoto, URL: u.String()}, nil
}

func parseWait(line, rest string) (schemas.Action, error) {
	if rest == "" {
		return schemas.Action{Kind: schemas.ActionWait, Seconds: DefaultWaitSeconds}, nil
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return schemas.Action{}, &ParseError{Input: line, Reason: "WAIT takes a non-negative whole number of seconds"}
	}
	return schemas.Action{Kind: schemas.ActionWait, Seconds: n}, nil
}

// parseQuoted expects rest to be exactly one double-quoted Go-syntax string
// literal and returns its value.
func parseQuoted(line, rest string) (string, error) {
	if len(rest) < 2 || rest[0] != '"' {
		return "", &ParseError{Input: line, Reason: "expected a double-quoted string"}
	}
	end := -1
	for i := 1; i < len(rest); i++ {
		if rest[i] == '\\' {
			i++
			continue
		}
		if rest[i] == '"' {
			end = i
			break
		}
	}
	if end < 0 {
		return "", &ParseError{Input: line, Reason: "unterminated string literal"}
	}
	if strings.TrimSpace(rest[end+1:]) != "" {
		return "", &ParseError{Input: line, Reason: "unexpected trailing input after string literal"}
	}
	value, err := strconv.Unquote(rest[:end+1])
	if err != nil {
		return "", &ParseError{Input: line, Reason: "invalid string literal"}
	}
	return value, nil
}

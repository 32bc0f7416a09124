package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okibara/wayfind/api/schemas"
)

func TestParse_ValidActions(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected schemas.Action
	}{
		{"click plain id", "CLICK [3]", schemas.Action{Kind: schemas.ActionClick, TagID: "3"}},
		{"click input sigil", "CLICK [#12]", schemas.Action{Kind: schemas.ActionClick, TagID: "#12"}},
		{"click link sigil", "CLICK [@4]", schemas.Action{Kind: schemas.ActionClick, TagID: "@4"}},
		{"click button sigil", "CLICK [$7]", schemas.Action{Kind: schemas.ActionClick, TagID: "$7"}},
		{"click lowercase verb", "click [#3]", schemas.Action{Kind: schemas.ActionClick, TagID: "#3"}},
		{"type", `TYPE [#5] "user@example.com"`, schemas.Action{Kind: schemas.ActionType, TagID: "#5", Text: "user@example.com"}},
		{"type empty literal", `TYPE [#5] ""`, schemas.Action{Kind: schemas.ActionType, TagID: "#5"}},
		{"type escaped quote", `TYPE [#5] "say \"hi\""`, schemas.Action{Kind: schemas.ActionType, TagID: "#5", Text: `say "hi"`}},
		{"type escaped backslash", `TYPE [#5] "C:\\temp"`, schemas.Action{Kind: schemas.ActionType, TagID: "#5", Text: `C:\temp`}},
		{"scroll down", "SCROLL DOWN", schemas.Action{Kind: schemas.ActionScroll, Direction: schemas.ScrollDown}},
		{"scroll up mixed case", "scroll Up", schemas.Action{Kind: schemas.ActionScroll, Direction: schemas.ScrollUp}},
		{"goto absolute", `GOTO "https://example.com/login"`, schemas.Action{Kind: schemas.ActionGoto, URL: "https://example.com/login"}},
		{"goto schemeless", `GOTO "example.com/login"`, schemas.Action{Kind: schemas.ActionGoto, URL: "https://example.com/login"}},
		{"wait", "WAIT 5", schemas.Action{Kind: schemas.ActionWait, Seconds: 5}},
		{"wait zero", "WAIT 0", schemas.Action{Kind: schemas.ActionWait, Seconds: 0}},
		{"wait default", "WAIT", schemas.Action{Kind: schemas.ActionWait, Seconds: 2}},
		{"pause", "PAUSE", schemas.Action{Kind: schemas.ActionPause}},
		{"done", "DONE", schemas.Action{Kind: schemas.ActionDone}},
		{"surrounding whitespace", "  DONE  ", schemas.Action{Kind: schemas.ActionDone}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestParse_Rejections(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"whitespace only", "   \n  "},
		{"unknown verb", "HOVER [#3]"},
		{"click missing brackets", "CLICK #3"},
		{"click empty brackets", "CLICK []"},
		{"click non-numeric id", "CLICK [abc]"},
		{"click trailing garbage", "CLICK [#3] now"},
		{"type missing quotes", "TYPE [#3] hello"},
		{"type unterminated literal", `TYPE [#3] "hello`},
		{"type trailing garbage", `TYPE [#3] "hello" again`},
		{"type missing id", `TYPE "hello"`},
		{"scroll bad direction", "SCROLL LEFT"},
		{"scroll missing direction", "SCROLL"},
		{"goto unquoted", "GOTO https://example.com"},
		{"goto empty url", `GOTO ""`},
		{"goto spaces in url", `GOTO "not a url"`},
		{"goto bad scheme", `GOTO "ftp://example.com/f"`},
		{"wait negative", "WAIT -1"},
		{"wait non-numeric", "WAIT soon"},
		{"pause with argument", "PAUSE 5"},
		{"done with argument", "DONE now"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tc.input)
			require.Error(t, err)
			assert.True(t, IsParseError(err), "expected a *ParseError, got %T: %v", err, err)
		})
	}
}

// Every valid action must survive the serialize/parse round trip unchanged.
func TestParse_RoundTrip(t *testing.T) {
	t.Parallel()

	actions := []schemas.Action{
		{Kind: schemas.ActionClick, TagID: "#3"},
		{Kind: schemas.ActionClick, TagID: "42"},
		{Kind: schemas.ActionType, TagID: "@9", Text: "plain text"},
		{Kind: schemas.ActionType, TagID: "#1", Text: ""},
		{Kind: schemas.ActionType, TagID: "#1", Text: `quotes " and \ slashes`},
		{Kind: schemas.ActionType, TagID: "#1", Text: "tabs\tand\nnewlines"},
		{Kind: schemas.ActionScroll, Direction: schemas.ScrollUp},
		{Kind: schemas.ActionScroll, Direction: schemas.ScrollDown},
		{Kind: schemas.ActionGoto, URL: "https://example.com/a/b?q=1"},
		{Kind: schemas.ActionWait, Seconds: 0},
		{Kind: schemas.ActionWait, Seconds: 30},
		{Kind: schemas.ActionPause},
		{Kind: schemas.ActionDone},
	}

	for _, want := range actions {
		t.Run(want.String(), func(t *testing.T) {
			t.Parallel()
			got, err := Parse(want.String())
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		raw      string
		expected string
	}{
		{"plain line", "CLICK [#3]", "CLICK [#3]"},
		{"leading blank lines", "\n\n  CLICK [#3]\n", "CLICK [#3]"},
		{"markdown fence", "```\nCLICK [#3]\n```", "CLICK [#3]"},
		{"inline backticks", "`CLICK [#3]`", "CLICK [#3]"},
		{"first line wins", "CLICK [#3]\nDONE", "CLICK [#3]"},
		{"nothing usable", "```\n```", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, Sanitize(tc.raw))
		})
	}
}

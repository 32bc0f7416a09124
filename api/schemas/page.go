// api/schemas/page.go
package schemas

import (
	"hash"
	"hash/fnv"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// -- Observation --

// Observation is one capture of the live page: the tagged element set, the
// overlay screenshot, and the fingerprint derived from both URL and
// structure. It is valid only until the next navigation or DOM change.
type Observation struct {
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	Screenshot  []byte          `json:"-"`
	Elements    []TaggedElement `json:"elements"`
	Fingerprint string          `json:"fingerprint"`
	ObservedAt  time.Time       `json:"observed_at"`
}

// FindByTagID resolves a transient tag id against this observation. The
// lookup tolerates a leading role sigil on either side: planners often echo
// ids the way the prompt displays them ("#3"), while the tagging script
// assigns bare digits.
func (o *Observation) FindByTagID(tagID string) (*TaggedElement, bool) {
	want := CanonicalTagID(tagID)
	for i := range o.Elements {
		if CanonicalTagID(o.Elements[i].TagID) == want {
			return &o.Elements[i], true
		}
	}
	return nil, false
}

// CanonicalTagID strips a single leading role sigil ("#", "@", "$", "%") so
// "#3" and "3" name the same tag.
func CanonicalTagID(id string) string {
	if len(id) > 1 {
		switch id[0] {
		case '#', '@', '$', '%':
			return id[1:]
		}
	}
	return id
}

// FindBySignature resolves a durable element signature against this
// observation. This is the replay-time lookup: recorded steps carry
// signatures, never tag ids.
func (o *Observation) FindBySignature(sig string) (*TaggedElement, bool) {
	for i := range o.Elements {
		if o.Elements[i].Signature == sig {
			return &o.Elements[i], true
		}
	}
	return nil, false
}

// -- Page Identity --

// NormalizePath reduces a URL to the path form used for page identity:
// query dropped, volatile id-like segments collapsed to ":id", SPA route
// fragments ("#/...") retained, plain anchors dropped. Scheme and host are
// not part of the result; site identity carries those.
func NormalizePath(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "/"
	}
	p := normalizeSegments(u.Path)
	if frag := u.Fragment; strings.HasPrefix(frag, "/") {
		p += "#" + normalizeSegments(frag)
	}
	return p
}

func normalizeSegments(p string) string {
	if p == "" {
		return "/"
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if isVolatileSegment(s) {
			segs[i] = ":id"
		}
	}
	out := strings.Join(segs, "/")
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	if len(out) > 1 {
		out = strings.TrimSuffix(out, "/")
	}
	return out
}

// isVolatileSegment reports whether a path segment looks like a per-record
// identifier rather than a structural route component.
func isVolatileSegment(s string) bool {
	if s == "" {
		return false
	}
	digits := true
	hexish := true
	for _, r := range s {
		if r < '0' || r > '9' {
			digits = false
		}
		if !isHexRune(r) {
			hexish = false
		}
	}
	if digits {
		return true
	}
	if isUUIDSegment(s) {
		return true
	}
	// Long bare hex blobs (tokens, object ids).
	return hexish && len(s) >= 16
}

func isHexRune(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func isUUIDSegment(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !isHexRune(r) {
				return false
			}
		}
	}
	return true
}

var hasherPool = sync.Pool{
	New: func() interface{} { return fnv.New64a() },
}

// PageFingerprint derives the stable page identity: fnv64a over the
// normalized URL path plus the sorted multiset of element signatures.
// Element order on the page does not affect the result; two structurally
// identical pages reached through normalization-equal URLs fingerprint the
// same.
func PageFingerprint(rawURL string, els []TaggedElement) string {
	sigs := make([]string, 0, len(els))
	for i := range els {
		sigs = append(sigs, ElementSignature(els[i].Role, els[i].Label))
	}
	sort.Strings(sigs)

	h := hasherPool.Get().(hash.Hash64)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()

	_, _ = io.WriteString(h, NormalizePath(rawURL))
	for _, s := range sigs {
		_, _ = io.WriteString(h, "\n")
		_, _ = io.WriteString(h, s)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// NormalizeHost extracts the lowercased host (no port for the default
// scheme ports) used as a Site natural key. Inputs without a scheme are
// treated as https.
func NormalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	}
	return host
}

// -- Page Classification --

// PageKind is a coarse heuristic classification of a page's purpose,
// recorded with the page for exploration reporting and prompt context.
type PageKind string

const (
	PageLogin    PageKind = "login"
	PageHome     PageKind = "home"
	PageList     PageKind = "list"
	PageDetail   PageKind = "detail"
	PageForm     PageKind = "form"
	PageSearch   PageKind = "search"
	PageSettings PageKind = "settings"
	PageError    PageKind = "error"
	PageUnknown  PageKind = "unknown"
)

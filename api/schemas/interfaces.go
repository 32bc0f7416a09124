package schemas

import (
	"context"
	"errors"
)

// ErrNotFound is returned by store lookups when no record matches the key.
var ErrNotFound = errors.New("record not found")

// -- Browser Collaborator --

// Browser is the minimal driving surface the executor needs over one live
// browser session. Implementations resolve tag ids assigned by the tagging
// collaborator for the current load; ids from earlier loads are invalid.
// All calls are serialized per session by the control loop.
type Browser interface {
	// Navigate loads an absolute URL and waits for the page to settle.
	Navigate(ctx context.Context, url string) error
	// Click activates the element currently carrying the given tag id.
	Click(ctx context.Context, tagID string) error
	// Type focuses the element with the given tag id and enters the text,
	// replacing any existing value.
	Type(ctx context.Context, tagID string, text string) error
	// Scroll moves the viewport one step up or down.
	Scroll(ctx context.Context, direction ScrollDirection) error
	// Screenshot captures the current viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	// CurrentURL reports the address of the active document.
	CurrentURL(ctx context.Context) (string, error)
	// Title reports the active document title.
	Title(ctx context.Context) (string, error)
	// CurrentFingerprint recomputes the structural page fingerprint for the
	// live DOM without producing a screenshot.
	CurrentFingerprint(ctx context.Context) (string, error)
	// Close releases the session and its browser context.
	Close(ctx context.Context) error
}

// -- Tagging Collaborator --

// Tagger produces the per-load observation: interactive elements with fresh
// tag ids and durable signatures assigned, plus a screenshot with visible
// tag overlays for the vision planner.
type Tagger interface {
	Tag(ctx context.Context) (*Observation, error)
}

// -- Planner Collaborator --

// HistoryEntry is one prior step shown to the planner for context.
type HistoryEntry struct {
	Action string `json:"action"`
	Result string `json:"result"`
}

// PlanRequest carries everything the vision planner may use to choose the
// next action.
type PlanRequest struct {
	Task       string          `json:"task"`
	URL        string          `json:"url"`
	Title      string          `json:"title"`
	Screenshot []byte          `json:"-"`
	Elements   []TaggedElement `json:"elements"`
	History    []HistoryEntry  `json:"history,omitempty"`
}

// Planner is the vision-language collaborator. Decide returns exactly one
// action-grammar line; anything unparseable is the caller's retry problem.
type Planner interface {
	Decide(ctx context.Context, req PlanRequest) (string, error)
}

// Embedder turns text into a dense vector for similarity scoring. Optional:
// only the embedding scorer variant needs it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// -- Persistence Collaborator --

// MemoryStore is the durable knowledge base. All writes are append-or-update
// by natural key: Host for sites, Fingerprint for pages, (SiteID, Task,
// EntryFingerprint) for task paths. Writers to the same key are linearized;
// unrelated keys never block each other. Implementations maintain site
// aggregates (PagesSeen on new pages, TasksSucceeded on successful paths)
// internally.
type MemoryStore interface {
	// FindSite looks a site up by normalized host; ErrNotFound when absent.
	FindSite(ctx context.Context, host string) (*Site, error)
	// UpsertSite creates the site or refreshes its display name.
	UpsertSite(ctx context.Context, site *Site) error
	// UpsertPage records an observed page and its elements by fingerprint.
	UpsertPage(ctx context.Context, page *Page) error
	// GetPage fetches a page by fingerprint; ErrNotFound when absent.
	GetPage(ctx context.Context, fingerprint string) (*Page, error)
	// FindPaths returns every task path for the site with the given entry
	// fingerprint, stale ones included; matching layers filter.
	FindPaths(ctx context.Context, siteID, entryFingerprint string) ([]TaskPath, error)
	// FindPathsByTaskPrefix returns the site's paths whose task description
	// starts with the given prefix, most recently used first.
	FindPathsByTaskPrefix(ctx context.Context, siteID, prefix string) ([]TaskPath, error)
	// RecordPath creates or updates the path by natural key and applies the
	// outcome to its counters (see PathOutcome).
	RecordPath(ctx context.Context, path *TaskPath, outcome PathOutcome) error
	// MarkStale force-excludes a path from future matching.
	MarkStale(ctx context.Context, pathID string) error
	// CreateRun opens an audit run record.
	CreateRun(ctx context.Context, run *Run) error
	// FinishRun closes the run with its outcome and step count.
	FinishRun(ctx context.Context, runID string, outcome RunOutcome, steps int) error
	// AppendStep adds one audit row for an executed action.
	AppendStep(ctx context.Context, rec *StepRecord) error
	// Stats reports aggregate entity counts.
	Stats(ctx context.Context) (*MemoryStats, error)
}

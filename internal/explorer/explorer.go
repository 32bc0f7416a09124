// internal/explorer/explorer.go

// Package explorer maps a site breadth-first without consulting the
// planner: navigate, observe, classify, remember, enqueue. What it learns
// lands in the memory store as sites, pages, and elements, widening the
// ground later task runs can match against.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/okibara/wayfind/api/schemas"
)

const exploreTaskName = "explore"

// Options bound one traversal.
type Options struct {
	// MaxPages caps distinct page structures visited (fingerprint-deduped).
	MaxPages int
	// MaxDepth caps link-following distance from the seed. Depth 0 visits
	// only the seed page.
	MaxDepth int
	// IncludeSubdomains widens the scope from the seed host to its
	// registrable domain.
	IncludeSubdomains bool
	// PageTimeout is the navigation-plus-observation budget per page.
	PageTimeout time.Duration
}

const (
	defaultMaxPages    = 10
	defaultMaxDepth    = 2
	defaultPageTimeout = 25 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxPages <= 0 {
		o.MaxPages = defaultMaxPages
	}
	if o.MaxDepth < 0 {
		o.MaxDepth = defaultMaxDepth
	}
	if o.PageTimeout <= 0 {
		o.PageTimeout = defaultPageTimeout
	}
	return o
}

// Deps are the explorer's collaborators. Fetcher is optional; without it,
// sitemap seeding is skipped.
type Deps struct {
	Browser schemas.Browser
	Tagger  schemas.Tagger
	Store   schemas.MemoryStore
	Fetcher Fetcher
	Logger  *zap.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Browser == nil:
		return errors.New("explorer requires a browser")
	case d.Tagger == nil:
		return errors.New("explorer requires a tagger")
	case d.Store == nil:
		return errors.New("explorer requires a memory store")
	case d.Logger == nil:
		return errors.New("explorer requires a logger")
	}
	return nil
}

// Explorer drives one browser session over one site at a time.
type Explorer struct {
	browser  schemas.Browser
	tagger   schemas.Tagger
	store    schemas.MemoryStore
	fetcher  Fetcher
	log      *zap.Logger
	degraded atomic.Bool
}

// New wires an Explorer.
func New(deps Deps) (*Explorer, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Explorer{
		browser: deps.Browser,
		tagger:  deps.Tagger,
		store:   deps.Store,
		fetcher: deps.Fetcher,
		log:     deps.Logger.Named("explorer"),
	}, nil
}

// MemoryDegraded reports whether a store failure switched this explorer to
// observe-only mode.
func (e *Explorer) MemoryDegraded() bool {
	return e.degraded.Load()
}

// PageVisit is one row of the report.
type PageVisit struct {
	URL         string           `json:"url"`
	Fingerprint string           `json:"fingerprint"`
	Title       string           `json:"title"`
	Kind        schemas.PageKind `json:"kind"`
	Depth       int              `json:"depth"`
	Elements    int              `json:"elements"`
	NavTargets  int              `json:"nav_targets"`
}

// Report summarizes one traversal.
type Report struct {
	StartURL        string             `json:"start_url"`
	RunID           string             `json:"run_id"`
	Pages           []PageVisit        `json:"pages"`
	PagesVisited    int                `json:"pages_visited"`
	NewPages        int                `json:"new_pages"`
	ElementsSeen    int                `json:"elements_seen"`
	Affordances     map[Affordance]int `json:"affordances"`
	SkippedOffScope int                `json:"skipped_off_scope"`
	SkippedVisited  int                `json:"skipped_visited"`
	SkippedDepth    int                `json:"skipped_depth"`
	Errors          int                `json:"errors"`
	Duration        time.Duration      `json:"duration"`
}

type frontierItem struct {
	url   string
	depth int
}

// exploration is the per-call traversal state.
type exploration struct {
	e        *Explorer
	scope    *Scope
	opts     Options
	rep      *Report
	runID    string
	frontier []frontierItem
	enqueued map[string]struct{}
	visited  map[string]struct{} // page fingerprints
	sites    map[string]*schemas.Site
	stepIdx  int
}

// Explore walks the site breadth-first from startURL until the frontier
// drains or a bound is hit. A canceled context returns the partial report
// alongside the context error.
func (e *Explorer) Explore(ctx context.Context, startURL string, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	started := time.Now()

	seed, err := normalizeSeed(startURL)
	if err != nil {
		return nil, err
	}
	scope, err := NewScope(seed, opts.IncludeSubdomains)
	if err != nil {
		return nil, err
	}

	x := &exploration{
		e:        e,
		scope:    scope,
		opts:     opts,
		runID:    uuid.NewString(),
		frontier: []frontierItem{{url: seed, depth: 0}},
		enqueued: map[string]struct{}{seed: {}},
		visited:  make(map[string]struct{}),
		sites:    make(map[string]*schemas.Site),
		rep: &Report{
			StartURL:    seed,
			Affordances: make(map[Affordance]int),
		},
	}
	x.rep.RunID = x.runID

	e.log.Info("Exploration starting",
		zap.String("run_id", x.runID),
		zap.String("seed", seed),
		zap.Int("max_pages", opts.MaxPages),
		zap.Int("max_depth", opts.MaxDepth),
		zap.String("scope", scope.RootDomain()),
	)

	x.persist(ctx, "create_run", func() error {
		return e.store.CreateRun(ctx, &schemas.Run{ID: x.runID, Task: exploreTaskName, StartURL: seed})
	})

	// Sitemap entries join the frontier one hop below the seed, so they
	// only fit when the depth budget allows a second level at all.
	if e.fetcher != nil && opts.MaxDepth >= 1 {
		for _, loc := range sitemapSeeds(ctx, e.fetcher, scope, seed, opts.MaxPages, e.log) {
			if target, err := normalizeLink(loc, seed, scope); err == nil {
				x.enqueue(target, 1)
			}
		}
	}

	var cause error
	for len(x.frontier) > 0 {
		if err := ctx.Err(); err != nil {
			cause = err
			break
		}
		if len(x.visited) >= opts.MaxPages {
			break
		}
		item := x.frontier[0]
		x.frontier = x.frontier[1:]
		x.visit(ctx, item)
	}

	x.rep.Duration = time.Since(started)
	outcome := schemas.RunOutcomeSuccess
	if cause != nil {
		outcome = schemas.RunOutcomeCanceled
	}
	x.persist(ctx, "finish_run", func() error {
		return e.store.FinishRun(ctx, x.runID, outcome, x.rep.PagesVisited)
	})

	e.log.Info("Exploration finished",
		zap.String("run_id", x.runID),
		zap.Int("pages", x.rep.PagesVisited),
		zap.Int("new_pages", x.rep.NewPages),
		zap.Int("elements", x.rep.ElementsSeen),
		zap.Int("errors", x.rep.Errors),
		zap.Duration("duration", x.rep.Duration),
	)
	return x.rep, cause
}

// visit navigates to one frontier entry, observes it, and folds the result
// into the report, the store, and the frontier.
func (x *exploration) visit(ctx context.Context, item frontierItem) {
	e := x.e
	log := e.log.With(zap.String("url", item.url), zap.Int("depth", item.depth))

	pctx, cancel := context.WithTimeout(ctx, x.opts.PageTimeout)
	defer cancel()

	if err := e.browser.Navigate(pctx, item.url); err != nil {
		x.rep.Errors++
		log.Warn("Navigation failed, skipping page", zap.Error(err))
		return
	}
	obs, err := e.tagger.Tag(pctx)
	if err != nil {
		x.rep.Errors++
		log.Warn("Observation failed, skipping page", zap.Error(err))
		return
	}

	if _, seen := x.visited[obs.Fingerprint]; seen {
		// A different URL rendering an already-known structure.
		x.rep.SkippedVisited++
		log.Debug("Structure already visited", zap.String("fingerprint", obs.Fingerprint))
		return
	}
	x.visited[obs.Fingerprint] = struct{}{}

	kind := ClassifyPage(obs)
	targets := x.collectNavTargets(obs, item.url)

	for i := range obs.Elements {
		if class, ok := classifyAffordance(obs.Elements[i]); ok {
			x.rep.Affordances[class]++
		}
	}

	x.remember(ctx, obs, kind, targets)
	x.audit(ctx, item.url, obs.Fingerprint)

	x.rep.PagesVisited++
	x.rep.ElementsSeen += len(obs.Elements)
	x.rep.Pages = append(x.rep.Pages, PageVisit{
		URL:         obs.URL,
		Fingerprint: obs.Fingerprint,
		Title:       obs.Title,
		Kind:        kind,
		Depth:       item.depth,
		Elements:    len(obs.Elements),
		NavTargets:  len(targets),
	})
	log.Info("Page explored",
		zap.String("kind", string(kind)),
		zap.Int("elements", len(obs.Elements)),
		zap.Int("nav_targets", len(targets)),
	)

	next := item.depth + 1
	if next > x.opts.MaxDepth {
		x.rep.SkippedDepth += len(targets)
		return
	}
	for _, target := range targets {
		x.enqueue(target, next)
	}
}

func (x *exploration) enqueue(target string, depth int) {
	if _, dup := x.enqueued[target]; dup {
		return
	}
	x.enqueued[target] = struct{}{}
	x.frontier = append(x.frontier, frontierItem{url: target, depth: depth})
}

// collectNavTargets normalizes every element href on the page and keeps the
// in-scope, non-static ones.
func (x *exploration) collectNavTargets(obs *schemas.Observation, base string) []string {
	seen := make(map[string]struct{})
	var out []string
	for i := range obs.Elements {
		href := obs.Elements[i].Href
		if href == "" {
			continue
		}
		target, err := normalizeLink(href, base, x.scope)
		if err != nil {
			if errors.Is(err, errOffScope) {
				x.rep.SkippedOffScope++
			}
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// remember persists the site and page unless the store has already failed
// once this session.
func (x *exploration) remember(ctx context.Context, obs *schemas.Observation, kind schemas.PageKind, targets []string) {
	e := x.e
	if e.degraded.Load() {
		return
	}
	host := schemas.NormalizeHost(obs.URL)
	if host == "" {
		return
	}
	site, ok := x.sites[host]
	if !ok {
		site = &schemas.Site{Host: host}
		if !x.persist(ctx, "upsert_site", func() error { return e.store.UpsertSite(ctx, site) }) {
			return
		}
		x.sites[host] = site
	}

	if _, err := e.store.GetPage(ctx, obs.Fingerprint); errors.Is(err, schemas.ErrNotFound) {
		x.rep.NewPages++
	}

	page := &schemas.Page{
		Fingerprint:    obs.Fingerprint,
		SiteID:         site.ID,
		URL:            obs.URL,
		NormalizedPath: schemas.NormalizePath(obs.URL),
		Title:          obs.Title,
		Kind:           kind,
		NavTargets:     targets,
		Elements:       schemas.ToStored(obs.Elements),
	}
	x.persist(ctx, "upsert_page", func() error { return e.store.UpsertPage(ctx, page) })
}

func (x *exploration) audit(ctx context.Context, rawURL, fingerprint string) {
	act := schemas.Action{Kind: schemas.ActionGoto, URL: rawURL}
	rec := &schemas.StepRecord{
		RunID:       x.runID,
		Index:       x.stepIdx,
		ActionText:  act.String(),
		Source:      schemas.StepSourceExplore,
		Status:      schemas.ExecOK,
		Fingerprint: fingerprint,
	}
	x.stepIdx++
	x.persist(ctx, "append_step", func() error { return x.e.store.AppendStep(ctx, rec) })
}

func (x *exploration) persist(ctx context.Context, op string, fn func() error) bool {
	e := x.e
	if e.degraded.Load() {
		return false
	}
	if err := fn(); err != nil {
		if e.degraded.CompareAndSwap(false, true) {
			e.log.Warn("Memory store failed, continuing observe-only",
				zap.String("op", op),
				zap.Error(err),
			)
		}
		return false
	}
	return true
}

// -- URL handling --

var errOffScope = errors.New("target out of scope")

// ignoredExtensions lists asset suffixes that never lead to a taggable page.
var ignoredExtensions = map[string]struct{}{
	".css": {}, ".js": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {},
	".webp": {}, ".svg": {}, ".ico": {}, ".woff": {}, ".woff2": {}, ".ttf": {},
	".eot": {}, ".pdf": {}, ".zip": {}, ".gz": {}, ".tar": {}, ".mp4": {},
	".mp3": {}, ".avi": {}, ".mov": {}, ".exe": {}, ".dmg": {}, ".xml": {},
}

// normalizeSeed validates and canonicalizes the start URL, defaulting the
// scheme the same way the GOTO grammar does.
func normalizeSeed(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("start url must not be empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("start url %q is not an absolute http(s) url", raw)
	}
	return canonical(u), nil
}

// normalizeLink resolves a page href into an absolute, canonical,
// in-scope frontier URL.
func normalizeLink(rawURL, baseURL string, scope *Scope) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid link %q: %w", rawURL, err)
	}
	if !u.IsAbs() {
		base, err := url.Parse(baseURL)
		if err != nil {
			return "", fmt.Errorf("invalid base %q: %w", baseURL, err)
		}
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !scope.Allows(u) {
		return "", errOffScope
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if _, skip := ignoredExtensions[ext]; skip {
		return "", fmt.Errorf("static asset %q", ext)
	}
	return canonical(u), nil
}

// canonical renders a URL in frontier form: default ports stripped, query
// sorted, plain anchors dropped but SPA route fragments ("#/...") kept,
// empty path mapped to "/".
func canonical(u *url.URL) string {
	c := *u
	host := c.Host
	if (c.Scheme == "http" && strings.HasSuffix(host, ":80")) ||
		(c.Scheme == "https" && strings.HasSuffix(host, ":443")) {
		c.Host = c.Hostname()
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.RawQuery != "" {
		c.RawQuery = c.Query().Encode()
	}
	if !strings.HasPrefix(c.Fragment, "/") {
		c.Fragment = ""
	}
	return c.String()
}

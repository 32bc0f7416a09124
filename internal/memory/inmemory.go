// internal/memory/inmemory.go
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/okibara/wayfind/api/schemas"
)

// DefaultStaleAfter is the number of consecutive verification failures after
// which a task path stops being offered for replay.
const DefaultStaleAfter = 3

// Options tune store behavior shared by all implementations.
type Options struct {
	// StaleAfter is the consecutive-divergence count that marks a path
	// stale. Zero means DefaultStaleAfter.
	StaleAfter int

	// pingBackoff builds the retry policy for the postgres connection
	// probe; tests inject a non-waiting one.
	pingBackoff func() backoff.BackOff
}

func (o Options) staleAfter() int {
	if o.StaleAfter <= 0 {
		return DefaultStaleAfter
	}
	return o.StaleAfter
}

// InMemoryStore is a fast, ephemeral MemoryStore. It is the default when no
// database is configured and the workhorse of the test suite. A single
// RWMutex guards map structure; additionally every task-path natural key has
// its own mutex so read-modify-write cycles on the same path are linearized
// while unrelated keys proceed concurrently.
type InMemoryStore struct {
	mu         sync.RWMutex
	sites      map[string]schemas.Site // key: host
	siteHosts  map[string]string       // site id -> host
	pages      map[string]schemas.Page // key: fingerprint
	paths      map[string]schemas.TaskPath
	pathIDs    map[string]string // path id -> natural key
	runs       map[string]schemas.Run
	steps      map[string][]schemas.StepRecord // key: run id
	keyLocks   sync.Map                        // path natural key -> *sync.Mutex
	staleAfter int
	log        *zap.Logger
}

var _ schemas.MemoryStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(logger *zap.Logger, opts Options) *InMemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryStore{
		sites:      make(map[string]schemas.Site),
		siteHosts:  make(map[string]string),
		pages:      make(map[string]schemas.Page),
		paths:      make(map[string]schemas.TaskPath),
		pathIDs:    make(map[string]string),
		runs:       make(map[string]schemas.Run),
		steps:      make(map[string][]schemas.StepRecord),
		staleAfter: opts.staleAfter(),
		log:        logger.Named("memory.inmem"),
	}
}

func pathNaturalKey(siteID, task, entryFingerprint string) string {
	return siteID + "\x00" + strings.ToLower(strings.TrimSpace(task)) + "\x00" + entryFingerprint
}

func (s *InMemoryStore) keyLock(key string) *sync.Mutex {
	lock, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// FindSite looks a site up by its normalized host.
func (s *InMemoryStore) FindSite(ctx context.Context, host string) (*schemas.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	site, ok := s.sites[host]
	if !ok {
		return nil, schemas.ErrNotFound
	}
	out := site
	return &out, nil
}

// UpsertSite creates the site on first visit or refreshes its display name.
// Counters and creation time survive updates. The passed struct is updated
// with the stored identity.
func (s *InMemoryStore) UpsertSite(ctx context.Context, site *schemas.Site) error {
	if site == nil || site.Host == "" {
		return persistErr("upsert_site", errEmptyKey("site host"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sites[site.Host]
	if !ok {
		if site.ID == "" {
			site.ID = uuid.NewString()
		}
		if site.CreatedAt.IsZero() {
			site.CreatedAt = time.Now().UTC()
		}
		s.sites[site.Host] = *site
		s.siteHosts[site.ID] = site.Host
		s.log.Debug("Site created", zap.String("host", site.Host), zap.String("id", site.ID))
		return nil
	}

	if site.Name != "" {
		existing.Name = site.Name
	}
	s.sites[site.Host] = existing
	*site = existing
	return nil
}

// UpsertPage records an observed page by fingerprint, merging element
// sightings and bumping the owning site's pages-seen counter for new
// fingerprints.
func (s *InMemoryStore) UpsertPage(ctx context.Context, page *schemas.Page) error {
	if page == nil || page.Fingerprint == "" {
		return persistErr("upsert_page", errEmptyKey("page fingerprint"))
	}
	if page.SiteID == "" {
		return persistErr("upsert_page", errEmptyKey("page site id"))
	}

	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.pages[page.Fingerprint]
	if !ok {
		fresh := *page
		fresh.LastSeenAt = now
		fresh.Elements = mergeElements(nil, page.Elements, now)
		fresh.NavTargets = append([]string(nil), page.NavTargets...)
		s.pages[page.Fingerprint] = fresh

		if host, ok := s.siteHosts[page.SiteID]; ok {
			site := s.sites[host]
			site.PagesSeen++
			s.sites[host] = site
		}
		return nil
	}

	existing.URL = page.URL
	existing.NormalizedPath = page.NormalizedPath
	if page.Title != "" {
		existing.Title = page.Title
	}
	if page.Kind != "" && page.Kind != schemas.PageUnknown {
		existing.Kind = page.Kind
	}
	existing.LastSeenAt = now
	existing.Elements = mergeElements(existing.Elements, page.Elements, now)
	if len(page.NavTargets) > 0 {
		existing.NavTargets = append([]string(nil), page.NavTargets...)
	}
	s.pages[page.Fingerprint] = existing
	return nil
}

// mergeElements folds the latest observation into stored element records,
// keyed by durable signature.
func mergeElements(stored []schemas.StoredElement, seen []schemas.StoredElement, now time.Time) []schemas.StoredElement {
	bySig := make(map[string]schemas.StoredElement, len(stored))
	order := make([]string, 0, len(stored)+len(seen))
	for _, el := range stored {
		bySig[el.Signature] = el
		order = append(order, el.Signature)
	}
	for _, el := range seen {
		if prev, ok := bySig[el.Signature]; ok {
			prev.Label = el.Label
			prev.SeenCount++
			prev.LastSeenAt = now
			bySig[el.Signature] = prev
			continue
		}
		el.SeenCount = 1
		el.LastSeenAt = now
		bySig[el.Signature] = el
		order = append(order, el.Signature)
	}
	out := make([]schemas.StoredElement, 0, len(bySig))
	for _, sig := range order {
		out = append(out, bySig[sig])
	}
	return out
}

// GetPage fetches a page by fingerprint.
func (s *InMemoryStore) GetPage(ctx context.Context, fingerprint string) (*schemas.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, ok := s.pages[fingerprint]
	if !ok {
		return nil, schemas.ErrNotFound
	}
	out := page
	out.Elements = append([]schemas.StoredElement(nil), page.Elements...)
	out.NavTargets = append([]string(nil), page.NavTargets...)
	return &out, nil
}

// FindPaths returns every path for the site entered at the fingerprint,
// stale ones included.
func (s *InMemoryStore) FindPaths(ctx context.Context, siteID, entryFingerprint string) ([]schemas.TaskPath, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schemas.TaskPath
	for _, p := range s.paths {
		if p.SiteID == siteID && p.EntryFingerprint == entryFingerprint {
			out = append(out, clonePath(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

// FindPathsByTaskPrefix returns the site's paths whose task description
// starts with the prefix (case-insensitive), most recently used first.
func (s *InMemoryStore) FindPathsByTaskPrefix(ctx context.Context, siteID, prefix string) ([]schemas.TaskPath, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(prefix))
	var out []schemas.TaskPath
	for _, p := range s.paths {
		if p.SiteID != siteID {
			continue
		}
		if needle == "" || strings.HasPrefix(strings.ToLower(p.Task), needle) {
			out = append(out, clonePath(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

// RecordPath creates or updates a path by natural key. Passed steps replace
// the stored sequence when non-empty; nil steps touch counters only. The
// outcome drives counters: success resets the failure streak and clears
// staleness, divergence increments both failure counters and marks the path
// stale once the streak reaches the configured limit.
func (s *InMemoryStore) RecordPath(ctx context.Context, path *schemas.TaskPath, outcome schemas.PathOutcome) error {
	if path == nil || path.SiteID == "" || path.Task == "" || path.EntryFingerprint == "" {
		return persistErr("record_path", errEmptyKey("path natural key"))
	}

	key := pathNaturalKey(path.SiteID, path.Task, path.EntryFingerprint)
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	s.mu.RLock()
	existing, ok := s.paths[key]
	s.mu.RUnlock()

	if !ok {
		stored := clonePath(*path)
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.Successes, stored.Failures, stored.FailStreak, stored.Stale = 0, 0, 0, false
		stored.CreatedAt, stored.LastUsedAt = now, now
		applyOutcome(&stored, outcome, s.staleAfter)

		s.mu.Lock()
		s.paths[key] = stored
		s.pathIDs[stored.ID] = key
		if outcome == schemas.PathOutcomeSuccess {
			s.bumpTasksSucceededLocked(stored.SiteID)
		}
		s.mu.Unlock()

		*path = clonePath(stored)
		s.log.Debug("Task path recorded",
			zap.String("id", stored.ID),
			zap.String("task", stored.Task),
			zap.Int("steps", len(stored.Steps)),
		)
		return nil
	}

	if len(path.Steps) > 0 {
		existing.Steps = cloneSteps(path.Steps)
	}
	applyOutcome(&existing, outcome, s.staleAfter)
	existing.LastUsedAt = now

	s.mu.Lock()
	s.paths[key] = existing
	if outcome == schemas.PathOutcomeSuccess {
		s.bumpTasksSucceededLocked(existing.SiteID)
	}
	s.mu.Unlock()

	*path = clonePath(existing)
	return nil
}

// applyOutcome mutates counters per the staleness contract: a path goes
// stale at exactly staleAfter consecutive divergences, and a clean success
// re-validates it.
func applyOutcome(p *schemas.TaskPath, outcome schemas.PathOutcome, staleAfter int) {
	switch outcome {
	case schemas.PathOutcomeDiverged:
		p.Failures++
		p.FailStreak++
		if p.FailStreak >= staleAfter {
			p.Stale = true
		}
	default:
		p.Successes++
		p.FailStreak = 0
		p.Stale = false
	}
}

func (s *InMemoryStore) bumpTasksSucceededLocked(siteID string) {
	if host, ok := s.siteHosts[siteID]; ok {
		site := s.sites[host]
		site.TasksSucceeded++
		s.sites[host] = site
	}
}

// MarkStale force-excludes a path from matching.
func (s *InMemoryStore) MarkStale(ctx context.Context, pathID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.pathIDs[pathID]
	if !ok {
		return schemas.ErrNotFound
	}
	p := s.paths[key]
	p.Stale = true
	s.paths[key] = p
	return nil
}

// CreateRun opens an audit run.
func (s *InMemoryStore) CreateRun(ctx context.Context, run *schemas.Run) error {
	if run == nil {
		return persistErr("create_run", errEmptyKey("run"))
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

// FinishRun closes an audit run.
func (s *InMemoryStore) FinishRun(ctx context.Context, runID string, outcome schemas.RunOutcome, steps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return schemas.ErrNotFound
	}
	run.Outcome = outcome
	run.Steps = steps
	run.FinishedAt = time.Now().UTC()
	s.runs[runID] = run
	return nil
}

// AppendStep adds one audit row.
func (s *InMemoryStore) AppendStep(ctx context.Context, rec *schemas.StepRecord) error {
	if rec == nil || rec.RunID == "" {
		return persistErr("append_step", errEmptyKey("step run id"))
	}
	r := *rec
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[r.RunID] = append(s.steps[r.RunID], r)
	return nil
}

// Stats reports aggregate counts.
func (s *InMemoryStore) Stats(ctx context.Context) (*schemas.MemoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &schemas.MemoryStats{
		Sites:     len(s.sites),
		Pages:     len(s.pages),
		TaskPaths: len(s.paths),
		Runs:      len(s.runs),
	}
	for _, p := range s.pages {
		stats.Elements += len(p.Elements)
	}
	for _, p := range s.paths {
		if p.Stale {
			stats.StalePaths++
		}
	}
	return stats, nil
}

func clonePath(p schemas.TaskPath) schemas.TaskPath {
	out := p
	out.Steps = cloneSteps(p.Steps)
	return out
}

func cloneSteps(steps []schemas.PathStep) []schemas.PathStep {
	if steps == nil {
		return nil
	}
	return append([]schemas.PathStep(nil), steps...)
}

type errEmptyKey string

func (e errEmptyKey) Error() string { return "missing " + string(e) }

// internal/explorer/explorer_test.go
package explorer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/okibara/wayfind/api/schemas"
	"github.com/okibara/wayfind/internal/memory"
)

// -- Fakes --

// fakeSession plays both the browser and the tagger for a scripted site:
// a map from canonical URL to the observation that page produces.
type fakeSession struct {
	mu      sync.Mutex
	current string
	pages   map[string]*schemas.Observation
	navErr  map[string]error
	visits  []string
	tagHook func()
}

func (f *fakeSession) Navigate(ctx context.Context, rawURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits = append(f.visits, rawURL)
	if err, ok := f.navErr[rawURL]; ok {
		return err
	}
	f.current = rawURL
	return nil
}

func (f *fakeSession) Tag(ctx context.Context) (*schemas.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tagHook != nil {
		f.tagHook()
	}
	obs, ok := f.pages[f.current]
	if !ok {
		return nil, fmt.Errorf("no page scripted for %s", f.current)
	}
	return obs, nil
}

func (f *fakeSession) visited() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.visits...)
}

func (f *fakeSession) Click(ctx context.Context, tagID string) error          { return nil }
func (f *fakeSession) Type(ctx context.Context, tagID, text string) error     { return nil }
func (f *fakeSession) Scroll(ctx context.Context, d schemas.ScrollDirection) error { return nil }
func (f *fakeSession) Screenshot(ctx context.Context) ([]byte, error)         { return nil, nil }
func (f *fakeSession) CurrentURL(ctx context.Context) (string, error)         { return f.current, nil }
func (f *fakeSession) Title(ctx context.Context) (string, error)              { return "", nil }
func (f *fakeSession) CurrentFingerprint(ctx context.Context) (string, error) { return "", nil }
func (f *fakeSession) Close(ctx context.Context) error                        { return nil }

var (
	_ schemas.Browser = (*fakeSession)(nil)
	_ schemas.Tagger  = (*fakeSession)(nil)
)

type pageFailingStore struct {
	schemas.MemoryStore
	pageErr error
}

func (s *pageFailingStore) UpsertPage(ctx context.Context, page *schemas.Page) error {
	if s.pageErr != nil {
		return s.pageErr
	}
	return s.MemoryStore.UpsertPage(ctx, page)
}

// -- Fixture helpers --

func link(label, href string) schemas.TaggedElement {
	return schemas.TaggedElement{Role: schemas.RoleClickable, Label: label, Href: href}
}

func button(label string) schemas.TaggedElement {
	return schemas.TaggedElement{Role: schemas.RoleClickable, Label: label}
}

func inputBox(label string) schemas.TaggedElement {
	return schemas.TaggedElement{Role: schemas.RoleInput, Label: label}
}

func pageObs(rawURL, title string, els ...schemas.TaggedElement) *schemas.Observation {
	tagged := make([]schemas.TaggedElement, len(els))
	copy(tagged, els)
	for i := range tagged {
		tagged[i].TagID = fmt.Sprintf("%d", i+1)
	}
	schemas.AssignSignatures(tagged)
	return &schemas.Observation{
		URL:         rawURL,
		Title:       title,
		Elements:    tagged,
		Fingerprint: schemas.PageFingerprint(rawURL, tagged),
		ObservedAt:  time.Now(),
	}
}

func newExplorer(t *testing.T, session *fakeSession, store schemas.MemoryStore, fetcher Fetcher) *Explorer {
	t.Helper()
	log := zaptest.NewLogger(t)
	if store == nil {
		store = memory.NewInMemoryStore(log, memory.Options{})
	}
	e, err := New(Deps{
		Browser: session,
		Tagger:  session,
		Store:   store,
		Fetcher: fetcher,
		Logger:  log,
	})
	require.NoError(t, err)
	return e
}

// -- Scope --

func TestScope(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name              string
		seedURL           string
		includeSubdomains bool
		check             string
		want              bool
		wantErr           bool
	}{
		{name: "seed host in scope", seedURL: "https://app.example.com", check: "https://app.example.com/path", want: true},
		{name: "sibling host out without subdomains", seedURL: "https://app.example.com", check: "https://api.example.com", want: false},
		{name: "sibling host in with subdomains", seedURL: "https://app.example.com", includeSubdomains: true, check: "https://api.example.com", want: true},
		{name: "root domain in with subdomains", seedURL: "https://app.example.com", includeSubdomains: true, check: "https://example.com", want: true},
		{name: "different domain out", seedURL: "https://example.com", includeSubdomains: true, check: "https://another.com", want: false},
		{name: "partial match rejected", seedURL: "https://example.com", includeSubdomains: true, check: "https://not-example.com", want: false},
		{name: "complex tld", seedURL: "https://www.example.co.uk", includeSubdomains: true, check: "https://api.example.co.uk", want: true},
		{name: "bare host falls back to exact", seedURL: "http://localhost:3000", check: "http://localhost:3000/admin", want: true},
		{name: "no hostname", seedURL: "https://", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			scope, err := NewScope(tc.seedURL, tc.includeSubdomains)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			u, err := url.Parse(tc.check)
			require.NoError(t, err)
			assert.Equal(t, tc.want, scope.Allows(u))
		})
	}
}

// -- Link normalization --

func TestNormalizeLink(t *testing.T) {
	t.Parallel()
	scope, err := NewScope("https://example.com", true)
	require.NoError(t, err)

	testCases := []struct {
		name    string
		raw     string
		base    string
		want    string
		wantErr bool
	}{
		{name: "absolute in scope", raw: "https://example.com/path", base: "https://example.com/", want: "https://example.com/path"},
		{name: "relative resolves against base", raw: "/about", base: "https://example.com/home", want: "https://example.com/about"},
		{name: "out of scope", raw: "https://other.com/", base: "https://example.com/", wantErr: true},
		{name: "unsupported scheme", raw: "mailto:x@example.com", base: "https://example.com/", wantErr: true},
		{name: "plain anchor dropped", raw: "https://example.com/page#section", base: "https://example.com/", want: "https://example.com/page"},
		{name: "spa route fragment kept", raw: "https://example.com/app#/inbox", base: "https://example.com/", want: "https://example.com/app#/inbox"},
		{name: "empty path becomes root", raw: "https://example.com", base: "https://example.com/", want: "https://example.com/"},
		{name: "default port stripped", raw: "https://example.com:443/x", base: "https://example.com/", want: "https://example.com/x"},
		{name: "query sorted", raw: "https://example.com/s?b=2&a=1", base: "https://example.com/", want: "https://example.com/s?a=1&b=2"},
		{name: "static asset skipped", raw: "https://example.com/style.css", base: "https://example.com/", wantErr: true},
		{name: "document skipped", raw: "/manual.pdf", base: "https://example.com/", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := normalizeLink(tc.raw, tc.base, scope)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeSeed(t *testing.T) {
	t.Parallel()
	got, err := normalizeSeed("app.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/", got)

	_, err = normalizeSeed("ftp://app.example.com")
	require.Error(t, err)

	_, err = normalizeSeed("   ")
	require.Error(t, err)
}

// -- Classification --

func TestClassifyAffordance(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name  string
		el    schemas.TaggedElement
		want  Affordance
		found bool
	}{
		{name: "create control", el: button("New Item"), want: AffordanceCreate, found: true},
		{name: "delete control", el: button("Delete Account"), want: AffordanceDelete, found: true},
		{name: "update control", el: button("Edit Profile"), want: AffordanceUpdate, found: true},
		{name: "read control", el: button("View Details"), want: AffordanceRead, found: true},
		{name: "plain link is nav", el: link("Pricing", "/pricing"), want: AffordanceNav, found: true},
		{name: "crud verb wins over href", el: link("Add Widget", "/widgets/new"), want: AffordanceCreate, found: true},
		{name: "unlabelled button is nothing", el: button("OK"), found: false},
		{name: "input is never an affordance", el: inputBox("Search"), found: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := classifyAffordance(tc.el)
			require.Equal(t, tc.found, ok)
			if ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestAffordancePriority(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 10, AffordanceNav.Priority())
	assert.Equal(t, 9, AffordanceCreate.Priority())
	assert.Equal(t, 8, AffordanceRead.Priority())
	assert.Equal(t, 8, AffordanceUpdate.Priority())
	assert.Equal(t, 7, AffordanceDelete.Priority())
}

func TestClassifyPage(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		obs  *schemas.Observation
		want schemas.PageKind
	}{
		{
			name: "login by password input",
			obs:  pageObs("https://x.test/welcome", "Welcome", inputBox("Username"), inputBox("Password"), button("Sign In")),
			want: schemas.PageLogin,
		},
		{
			name: "login by path",
			obs:  pageObs("https://x.test/auth", "App", button("Continue")),
			want: schemas.PageLogin,
		},
		{
			name: "error by title",
			obs:  pageObs("https://x.test/missing", "404 Not Found"),
			want: schemas.PageError,
		},
		{
			name: "search page",
			obs:  pageObs("https://x.test/search", "Find things"),
			want: schemas.PageSearch,
		},
		{
			name: "settings page",
			obs:  pageObs("https://x.test/settings/profile", "Your profile"),
			want: schemas.PageSettings,
		},
		{
			name: "form page",
			obs:  pageObs("https://x.test/items/compose", "Compose", inputBox("Name"), inputBox("Description"), button("Save")),
			want: schemas.PageForm,
		},
		{
			name: "detail page by volatile segment",
			obs:  pageObs("https://x.test/items/42", "Item 42", button("Back")),
			want: schemas.PageDetail,
		},
		{
			name: "list page by repeated rows",
			obs: pageObs("https://x.test/items", "Items",
				button("Open"), button("Open"), button("Open"), button("Open"), button("Open")),
			want: schemas.PageList,
		},
		{
			name: "home page",
			obs:  pageObs("https://x.test/", "Acme"),
			want: schemas.PageHome,
		},
		{
			name: "unknown",
			obs:  pageObs("https://x.test/misc", "Misc"),
			want: schemas.PageUnknown,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ClassifyPage(tc.obs))
		})
	}
}

// -- Traversal --

func TestExplore_VisitsWithinBounds(t *testing.T) {
	t.Parallel()
	seed := "https://shop.example.com/"
	session := &fakeSession{
		pages: map[string]*schemas.Observation{
			seed: pageObs(seed, "Shop",
				link("Products", "/products"),
				link("About", "/about"),
				link("Partner", "https://evil.test/phish"),
				link("Logo", "/logo.png"),
			),
			"https://shop.example.com/products": pageObs("https://shop.example.com/products", "Products",
				link("First Product", "/products/1"),
				button("New Product"),
				button("Delete"),
			),
			"https://shop.example.com/about": pageObs("https://shop.example.com/about", "About us"),
		},
	}
	log := zaptest.NewLogger(t)
	store := memory.NewInMemoryStore(log, memory.Options{})
	e := newExplorer(t, session, store, nil)

	rep, err := e.Explore(context.Background(), seed, Options{MaxPages: 10, MaxDepth: 1, PageTimeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, 3, rep.PagesVisited)
	assert.Equal(t, 3, rep.NewPages)
	assert.Equal(t, 1, rep.SkippedOffScope)
	assert.Equal(t, 1, rep.SkippedDepth, "the depth-2 product page should be cut off")
	assert.Equal(t, 0, rep.Errors)
	assert.NotContains(t, session.visited(), "https://shop.example.com/products/1")

	require.Len(t, rep.Pages, 3)
	assert.Equal(t, 0, rep.Pages[0].Depth)
	assert.Equal(t, 1, rep.Pages[1].Depth)
	assert.Equal(t, 1, rep.Pages[2].Depth)

	assert.Equal(t, 1, rep.Affordances[AffordanceCreate])
	assert.Equal(t, 1, rep.Affordances[AffordanceDelete])
	assert.GreaterOrEqual(t, rep.Affordances[AffordanceNav], 2)

	// The store learned the site, its pages, and their nav targets.
	site, err := store.FindSite(context.Background(), "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, site.PagesSeen)

	home, err := store.GetPage(context.Background(), session.pages[seed].Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, schemas.PageHome, home.Kind)
	assert.Contains(t, home.NavTargets, "https://shop.example.com/products")

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Runs)
}

func TestExplore_MaxPagesStopsTraversal(t *testing.T) {
	t.Parallel()
	seed := "https://shop.example.com/"
	pages := map[string]*schemas.Observation{
		seed: pageObs(seed, "Shop",
			link("A", "/a"), link("B", "/b"), link("C", "/c")),
	}
	for _, p := range []string{"a", "b", "c"} {
		u := "https://shop.example.com/" + p
		pages[u] = pageObs(u, p)
	}
	session := &fakeSession{pages: pages}
	e := newExplorer(t, session, nil, nil)

	rep, err := e.Explore(context.Background(), seed, Options{MaxPages: 2, MaxDepth: 3, PageTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.PagesVisited)
	assert.LessOrEqual(t, len(session.visited()), 2)
}

func TestExplore_DeduplicatesByFingerprint(t *testing.T) {
	t.Parallel()
	seed := "https://shop.example.com/"
	// Two paginated URLs with identical structure produce one fingerprint:
	// the query is not part of page identity.
	p1 := pageObs("https://shop.example.com/items?page=1", "Items", button("Open"), button("Open"))
	p2 := pageObs("https://shop.example.com/items?page=2", "Items", button("Open"), button("Open"))
	require.Equal(t, p1.Fingerprint, p2.Fingerprint)

	session := &fakeSession{
		pages: map[string]*schemas.Observation{
			seed: pageObs(seed, "Shop",
				link("Page one", "/items?page=1"),
				link("Page two", "/items?page=2")),
			"https://shop.example.com/items?page=1": p1,
			"https://shop.example.com/items?page=2": p2,
		},
	}
	e := newExplorer(t, session, nil, nil)

	rep, err := e.Explore(context.Background(), seed, Options{MaxPages: 10, MaxDepth: 1, PageTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.PagesVisited, "seed plus one distinct structure")
	assert.Equal(t, 1, rep.SkippedVisited)
	assert.Len(t, session.visited(), 3, "both URLs navigated, second recognized after observation")
}

func TestExplore_NavigationFailureIsCounted(t *testing.T) {
	t.Parallel()
	seed := "https://shop.example.com/"
	session := &fakeSession{
		pages: map[string]*schemas.Observation{
			seed: pageObs(seed, "Shop", link("Broken", "/broken"), link("About", "/about")),
			"https://shop.example.com/about": pageObs("https://shop.example.com/about", "About"),
		},
		navErr: map[string]error{
			"https://shop.example.com/broken": errors.New("net::ERR_CONNECTION_REFUSED"),
		},
	}
	e := newExplorer(t, session, nil, nil)

	rep, err := e.Explore(context.Background(), seed, Options{MaxPages: 10, MaxDepth: 1, PageTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.PagesVisited)
	assert.Equal(t, 1, rep.Errors)
}

func TestExplore_SitemapSeedsFrontier(t *testing.T) {
	t.Parallel()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sitemap.xml" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, `<?xml version="1.0" encoding="UTF-8"?>`)
		fmt.Fprintln(w, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
		fmt.Fprintln(w, `<url><loc>`+server.URL+`/hidden</loc></url>`)
		fmt.Fprintln(w, `<url><loc>https://elsewhere.test/out</loc></url>`)
		fmt.Fprintln(w, `</urlset>`)
	}))
	defer server.Close()

	seed := server.URL + "/"
	session := &fakeSession{
		pages: map[string]*schemas.Observation{
			seed:                  pageObs(seed, "Home"),
			server.URL + "/hidden": pageObs(server.URL+"/hidden", "Hidden"),
		},
	}
	e := newExplorer(t, session, nil, HTTPFetcher{Client: server.Client()})

	rep, err := e.Explore(context.Background(), seed, Options{MaxPages: 10, MaxDepth: 1, PageTimeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, 2, rep.PagesVisited, "seed plus the sitemap-only page")
	assert.Contains(t, session.visited(), server.URL+"/hidden")
	assert.NotContains(t, session.visited(), "https://elsewhere.test/out")
}

func TestExplore_StoreFailureDegradesToObserveOnly(t *testing.T) {
	t.Parallel()
	seed := "https://shop.example.com/"
	session := &fakeSession{
		pages: map[string]*schemas.Observation{
			seed: pageObs(seed, "Shop", link("About", "/about")),
			"https://shop.example.com/about": pageObs("https://shop.example.com/about", "About"),
		},
	}
	log := zaptest.NewLogger(t)
	store := &pageFailingStore{
		MemoryStore: memory.NewInMemoryStore(log, memory.Options{}),
		pageErr:     errors.New("connection refused"),
	}
	e := newExplorer(t, session, store, nil)

	rep, err := e.Explore(context.Background(), seed, Options{MaxPages: 10, MaxDepth: 1, PageTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.PagesVisited, "traversal survives the dead store")
	assert.True(t, e.MemoryDegraded())
}

func TestExplore_CancellationReturnsPartialReport(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seed := "https://shop.example.com/"
	session := &fakeSession{
		pages: map[string]*schemas.Observation{
			seed: pageObs(seed, "Shop", link("A", "/a"), link("B", "/b")),
			"https://shop.example.com/a": pageObs("https://shop.example.com/a", "A"),
			"https://shop.example.com/b": pageObs("https://shop.example.com/b", "B"),
		},
	}
	session.tagHook = func() {
		cancel() // pull the plug after the first observation
	}
	e := newExplorer(t, session, nil, nil)

	rep, err := e.Explore(ctx, seed, Options{MaxPages: 10, MaxDepth: 2, PageTimeout: time.Second})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rep)
	assert.Equal(t, 1, rep.PagesVisited)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{})
	require.Error(t, err)

	session := &fakeSession{}
	_, err = New(Deps{Browser: session, Tagger: session, Logger: zaptest.NewLogger(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store")
}

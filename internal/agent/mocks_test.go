// internal/agent/mocks_test.go
package agent

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/okibara/wayfind/api/schemas"
)

// -- Browser Mock --

// MockBrowser mocks the schemas.Browser driving surface.
type MockBrowser struct {
	mock.Mock
}

var _ schemas.Browser = (*MockBrowser)(nil)

func (m *MockBrowser) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockBrowser) Click(ctx context.Context, tagID string) error {
	args := m.Called(ctx, tagID)
	return args.Error(0)
}

func (m *MockBrowser) Type(ctx context.Context, tagID string, text string) error {
	args := m.Called(ctx, tagID, text)
	return args.Error(0)
}

func (m *MockBrowser) Scroll(ctx context.Context, direction schemas.ScrollDirection) error {
	args := m.Called(ctx, direction)
	return args.Error(0)
}

func (m *MockBrowser) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBrowser) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowser) Title(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowser) CurrentFingerprint(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowser) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// -- Tagger Mock --

// MockTagger mocks the observation producer.
type MockTagger struct {
	mock.Mock
}

var _ schemas.Tagger = (*MockTagger)(nil)

func (m *MockTagger) Tag(ctx context.Context) (*schemas.Observation, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.Observation), args.Error(1)
}

// -- Planner Mock --

// MockPlanner mocks the vision planner.
type MockPlanner struct {
	mock.Mock
}

var _ schemas.Planner = (*MockPlanner)(nil)

func (m *MockPlanner) Decide(ctx context.Context, req schemas.PlanRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// -- Store failure injection --

// flakyStore wraps a real store and fails selected operations, for
// exercising memory degradation.
type flakyStore struct {
	schemas.MemoryStore
	upsertSiteErr error
	upsertPageErr error
}

func (f *flakyStore) UpsertSite(ctx context.Context, site *schemas.Site) error {
	if f.upsertSiteErr != nil {
		return f.upsertSiteErr
	}
	return f.MemoryStore.UpsertSite(ctx, site)
}

func (f *flakyStore) UpsertPage(ctx context.Context, page *schemas.Page) error {
	if f.upsertPageErr != nil {
		return f.upsertPageErr
	}
	return f.MemoryStore.UpsertPage(ctx, page)
}

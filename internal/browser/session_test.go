// internal/browser/session_test.go
package browser

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestTagSelector(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		tagID    string
		expected string
	}{
		{"bare id", "3", `[data-wayfind-id="3"]`},
		{"hash sigil stripped", "#3", `[data-wayfind-id="3"]`},
		{"dollar sigil stripped", "$12", `[data-wayfind-id="12"]`},
		{"at sigil stripped", "@7", `[data-wayfind-id="7"]`},
		{"percent sigil stripped", "%4", `[data-wayfind-id="4"]`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, tagSelector(tc.tagID))
		})
	}
}

type ctxKey string

func TestCombineContext_InheritsValuesFromTabContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	tabCtx := context.WithValue(context.Background(), ctxKey("target"), "tab-7")
	opCtx := context.Background()

	combined, cancel := combineContext(tabCtx, opCtx)
	defer cancel()

	assert.Equal(t, "tab-7", combined.Value(ctxKey("target")),
		"chromedp target values must flow through the combined context")
}

func TestCombineContext_OperationalCancelPropagates(t *testing.T) {
	defer goleak.VerifyNone(t)

	tabCtx := context.Background()
	opCtx, cancelOp := context.WithCancel(context.Background())

	combined, cancel := combineContext(tabCtx, opCtx)
	defer cancel()

	cancelOp()

	select {
	case <-combined.Done():
	case <-time.After(time.Second):
		t.Fatal("combined context did not observe the operational cancel")
	}
}

func TestCombineContext_TabCancelPropagates(t *testing.T) {
	defer goleak.VerifyNone(t)

	tabCtx, cancelTab := context.WithCancel(context.Background())
	opCtx := context.Background()

	combined, cancel := combineContext(tabCtx, opCtx)
	defer cancel()

	cancelTab()

	select {
	case <-combined.Done():
	case <-time.After(time.Second):
		t.Fatal("combined context did not observe the tab cancel")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	tabCtx, cancelTab := context.WithCancel(context.Background())
	s := newSession(tabCtx, cancelTab, Options{}.withDefaults(), zaptest.NewLogger(t))

	closeCalls := 0
	s.onClose = func() { closeCalls++ }

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()), "second close is a no-op")

	assert.Equal(t, 1, closeCalls, "onClose fires exactly once")
	assert.Error(t, tabCtx.Err(), "closing must cancel the tab context")
}

func TestSession_CloseWithExpiredCallerContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	tabCtx, cancelTab := context.WithCancel(context.Background())
	s := newSession(tabCtx, cancelTab, Options{}.withDefaults(), zaptest.NewLogger(t))

	expired, cancel := context.WithCancel(context.Background())
	cancel()

	// The tab context is canceled synchronously by Close, so even an
	// already-expired caller context cannot make this hang.
	require.NoError(t, s.Close(expired))
}

func TestSession_IDIsStable(t *testing.T) {
	t.Parallel()

	tabCtx, cancelTab := context.WithCancel(context.Background())
	defer cancelTab()
	s := newSession(tabCtx, cancelTab, Options{}.withDefaults(), zaptest.NewLogger(t))

	require.NotEmpty(t, s.ID())
	assert.Equal(t, s.ID(), s.ID())
}

func TestPageEvents_TracksMainDocumentOnly(t *testing.T) {
	t.Parallel()

	tabCtx, cancelTab := context.WithCancel(context.Background())
	defer cancelTab()
	s := newSession(tabCtx, cancelTab, Options{}.withDefaults(), zaptest.NewLogger(t))

	status, url := s.LastHTTPStatus()
	assert.Zero(t, status, "no status before the first document response")
	assert.Empty(t, url)

	// Subresource traffic must not overwrite the document status.
	s.events.handleResponse(&network.EventResponseReceived{
		Type:     network.ResourceTypeXHR,
		Response: &network.Response{Status: 500, URL: "https://shop.example/api/cart"},
	})
	status, _ = s.LastHTTPStatus()
	assert.Zero(t, status)

	s.events.handleResponse(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://shop.example/missing"},
	})
	status, url = s.LastHTTPStatus()
	assert.EqualValues(t, 404, status)
	assert.Equal(t, "https://shop.example/missing", url)

	// The next navigation replaces the previous document.
	s.events.handleResponse(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://shop.example/"},
	})
	status, url = s.LastHTTPStatus()
	assert.EqualValues(t, 200, status)
	assert.Equal(t, "https://shop.example/", url)

	// Malformed events are dropped rather than dereferenced.
	s.events.handleResponse(&network.EventResponseReceived{Type: network.ResourceTypeDocument})
	status, _ = s.LastHTTPStatus()
	assert.EqualValues(t, 200, status)
}

func TestSession_DismissesDialogs(t *testing.T) {
	defer goleak.VerifyNone(t)

	core, logs := observer.New(zap.DebugLevel)
	tabCtx, cancelTab := context.WithCancel(context.Background())
	defer cancelTab()
	s := newSession(tabCtx, cancelTab, Options{}.withDefaults(), zap.New(core))

	s.handleDialog(&page.EventJavascriptDialogOpening{
		Type:    page.DialogTypeAlert,
		Message: "Your session has expired",
	})

	require.Equal(t, 1, logs.FilterMessage("Dismissing JavaScript dialog.").Len())

	// Without a live CDP target the answer cannot be delivered; the handler
	// must report that instead of blocking or panicking.
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("Could not dismiss dialog.").Len() == 1
	}, time.Second, 10*time.Millisecond)
}

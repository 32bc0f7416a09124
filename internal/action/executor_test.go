package action

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/okibara/wayfind/api/schemas"
)

// fakeBrowser is a function-field stub; unset calls succeed silently.
type fakeBrowser struct {
	navigateFn    func(ctx context.Context, url string) error
	clickFn       func(ctx context.Context, tagID string) error
	typeFn        func(ctx context.Context, tagID, text string) error
	scrollFn      func(ctx context.Context, dir schemas.ScrollDirection) error
	fingerprintFn func(ctx context.Context) (string, error)
	clicks        atomic.Int32
}

func (f *fakeBrowser) Navigate(ctx context.Context, url string) error {
	if f.navigateFn != nil {
		return f.navigateFn(ctx, url)
	}
	return nil
}

func (f *fakeBrowser) Click(ctx context.Context, tagID string) error {
	f.clicks.Add(1)
	if f.clickFn != nil {
		return f.clickFn(ctx, tagID)
	}
	return nil
}

func (f *fakeBrowser) Type(ctx context.Context, tagID, text string) error {
	if f.typeFn != nil {
		return f.typeFn(ctx, tagID, text)
	}
	return nil
}

func (f *fakeBrowser) Scroll(ctx context.Context, dir schemas.ScrollDirection) error {
	if f.scrollFn != nil {
		return f.scrollFn(ctx, dir)
	}
	return nil
}

func (f *fakeBrowser) Screenshot(ctx context.Context) ([]byte, error) { return []byte{0x89}, nil }
func (f *fakeBrowser) CurrentURL(ctx context.Context) (string, error) {
	return "https://example.com/", nil
}
func (f *fakeBrowser) Title(ctx context.Context) (string, error) { return "Example", nil }
func (f *fakeBrowser) CurrentFingerprint(ctx context.Context) (string, error) {
	if f.fingerprintFn != nil {
		return f.fingerprintFn(ctx)
	}
	return "fp-after", nil
}
func (f *fakeBrowser) Close(ctx context.Context) error { return nil }

var _ schemas.Browser = (*fakeBrowser)(nil)

func testObservation() *schemas.Observation {
	obs := &schemas.Observation{
		URL:   "https://example.com/login",
		Title: "Login",
		Elements: []schemas.TaggedElement{
			{TagID: "#1", Role: schemas.RoleInput, Label: "Username"},
			{TagID: "$2", Role: schemas.RoleClickable, Label: "Login"},
		},
	}
	schemas.AssignSignatures(obs.Elements)
	obs.Fingerprint = schemas.PageFingerprint(obs.URL, obs.Elements)
	return obs
}

func newTestExecutor(t *testing.T, b schemas.Browser, opts ExecutorOptions) *Executor {
	t.Helper()
	return NewExecutor(b, zaptest.NewLogger(t), opts)
}

func TestExecute_ClickSuccess(t *testing.T) {
	t.Parallel()

	var clickedID string
	b := &fakeBrowser{
		clickFn: func(ctx context.Context, tagID string) error {
			clickedID = tagID
			return nil
		},
	}
	exec := newTestExecutor(t, b, ExecutorOptions{})

	res, err := exec.Execute(context.Background(), schemas.Action{Kind: schemas.ActionClick, TagID: "$2"}, testObservation())

	require.NoError(t, err)
	assert.Equal(t, schemas.ExecOK, res.Status)
	assert.Equal(t, "$2", clickedID)
	assert.Equal(t, "fp-after", res.PostFingerprint, "post-action fingerprint must be captured for replay verification")
}

func TestExecute_ClickUnknownTagID(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{}
	exec := newTestExecutor(t, b, ExecutorOptions{})

	res, err := exec.Execute(context.Background(), schemas.Action{Kind: schemas.ActionClick, TagID: "#99"}, testObservation())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrElementNotFound)
	assert.Equal(t, schemas.ExecElementStale, res.Status)
	assert.Zero(t, b.clicks.Load(), "the browser must not be called for an unresolvable id")
}

func TestExecute_TypePassesText(t *testing.T) {
	t.Parallel()

	var gotID, gotText string
	b := &fakeBrowser{
		typeFn: func(ctx context.Context, tagID, text string) error {
			gotID, gotText = tagID, text
			return nil
		},
	}
	exec := newTestExecutor(t, b, ExecutorOptions{})

	_, err := exec.Execute(context.Background(), schemas.Action{Kind: schemas.ActionType, TagID: "#1", Text: "alice"}, testObservation())

	require.NoError(t, err)
	assert.Equal(t, "#1", gotID)
	assert.Equal(t, "alice", gotText)
}

func TestExecute_TimeoutClassification(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{
		clickFn: func(ctx context.Context, tagID string) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	exec := newTestExecutor(t, b, ExecutorOptions{ActionTimeout: 30 * time.Millisecond})

	res, err := exec.Execute(context.Background(), schemas.Action{Kind: schemas.ActionClick, TagID: "$2"}, testObservation())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrActionTimeout)
	assert.Equal(t, schemas.ExecTimeout, res.Status)
}

func TestExecute_StaleElementClassification(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{
		clickFn: func(ctx context.Context, tagID string) error {
			return ErrElementStale
		},
	}
	exec := newTestExecutor(t, b, ExecutorOptions{})

	res, err := exec.Execute(context.Background(), schemas.Action{Kind: schemas.ActionClick, TagID: "$2"}, testObservation())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrElementStale)
	assert.Equal(t, schemas.ExecElementStale, res.Status)
}

func TestExecute_NavigationFailure(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{
		navigateFn: func(ctx context.Context, url string) error {
			return errors.New("net::ERR_NAME_NOT_RESOLVED")
		},
	}
	exec := newTestExecutor(t, b, ExecutorOptions{})

	res, err := exec.Execute(context.Background(), schemas.Action{Kind: schemas.ActionGoto, URL: "https://nope.invalid/"}, testObservation())

	require.Error(t, err)
	var navErr *NavigationError
	require.ErrorAs(t, err, &navErr)
	assert.Equal(t, "https://nope.invalid/", navErr.URL)
	assert.Equal(t, schemas.ExecNavError, res.Status)
}

func TestExecute_WaitSleepsAtLeastRequested(t *testing.T) {
	t.Parallel()

	exec := newTestExecutor(t, &fakeBrowser{}, ExecutorOptions{})

	start := time.Now()
	res, err := exec.Execute(context.Background(), schemas.Action{Kind: schemas.ActionWait, Seconds: 1}, nil)

	require.NoError(t, err)
	assert.Equal(t, schemas.ExecOK, res.Status)
	assert.GreaterOrEqual(t, time.Since(start), 1*time.Second)
}

func TestExecute_WaitCapped(t *testing.T) {
	t.Parallel()

	exec := newTestExecutor(t, &fakeBrowser{}, ExecutorOptions{MaxWait: 50 * time.Millisecond})

	start := time.Now()
	_, err := exec.Execute(context.Background(), schemas.Action{Kind: schemas.ActionWait, Seconds: 3600}, nil)

	require.NoError(t, err)
	assert.Less(t, time.Since(start), 1*time.Second, "WAIT must be capped at the configured maximum")
}

func TestExecute_WaitCancellable(t *testing.T) {
	t.Parallel()

	exec := newTestExecutor(t, &fakeBrowser{}, ExecutorOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	_, err := exec.Execute(ctx, schemas.Action{Kind: schemas.ActionWait, Seconds: 30}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecute_TerminalActionsSkipBrowser(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{
		fingerprintFn: func(ctx context.Context) (string, error) {
			t.Error("terminal actions must not touch the browser")
			return "", nil
		},
	}
	exec := newTestExecutor(t, b, ExecutorOptions{})

	for _, kind := range []schemas.ActionKind{schemas.ActionDone, schemas.ActionPause} {
		res, err := exec.Execute(context.Background(), schemas.Action{Kind: kind}, nil)
		require.NoError(t, err)
		assert.Equal(t, schemas.ExecOK, res.Status)
		assert.Empty(t, res.PostFingerprint)
	}
}

func TestExecute_FingerprintFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{
		fingerprintFn: func(ctx context.Context) (string, error) {
			return "", errors.New("page detached")
		},
	}
	exec := newTestExecutor(t, b, ExecutorOptions{})

	res, err := exec.Execute(context.Background(), schemas.Action{Kind: schemas.ActionScroll, Direction: schemas.ScrollDown}, nil)

	require.NoError(t, err)
	assert.Equal(t, schemas.ExecOK, res.Status)
	assert.Empty(t, res.PostFingerprint)
}

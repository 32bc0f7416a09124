// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/okibara/wayfind/api/schemas"
	"github.com/okibara/wayfind/internal/action"
)

const stabilizeTimeout = 30 * time.Second

// Session is one live browser tab. It implements both the driving surface
// and the tagging collaborator, so a single object carries a page through
// observe, decide, execute.
//
// Tag ids are resolved through the data attribute the tagging script
// assigns; ids from a previous load stop matching as soon as the DOM is
// re-tagged or replaced.
type Session struct {
	id     string
	ctx    context.Context // tab lifetime; carries the CDP target
	cancel context.CancelFunc
	log    *zap.Logger
	opts   Options
	events *pageEvents

	onClose func()

	mu       sync.Mutex
	isClosed bool
}

var (
	_ schemas.Browser = (*Session)(nil)
	_ schemas.Tagger  = (*Session)(nil)
)

func newSession(ctx context.Context, cancel context.CancelFunc, opts Options, log *zap.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		log:    log.With(zap.String("session_id", id[:8])),
		opts:   opts,
		events: &pageEvents{},
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// combineContext derives a context from the tab context (which carries the
// CDP target) that is additionally canceled when the operational context
// expires. chromedp needs the tab context's values; the caller needs its
// own deadline honored.
func combineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)
	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// run executes chromedp actions under both the session lifetime and the
// caller's context. The caller's own expiry is surfaced unwrapped so
// upstream timeout classification stays accurate.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if s.ctx.Err() != nil {
			return fmt.Errorf("session closed: %w", s.ctx.Err())
		}
		return err
	}
	return nil
}

// Navigate loads the URL and waits for the page to settle.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	s.log.Debug("Navigating", zap.String("url", rawURL))

	navCtx, cancel := context.WithTimeout(ctx, s.opts.NavigationTimeout)
	defer cancel()

	if err := s.run(navCtx, chromedp.Navigate(rawURL)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("navigation timed out after %s: %w", s.opts.NavigationTimeout, err)
		}
		return fmt.Errorf("navigation failed: %w", err)
	}

	if err := s.stabilize(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Debug("Page stabilization incomplete after navigation.", zap.Error(err))
	}

	if status, at := s.events.lastDocument(); status >= 400 {
		s.log.Warn("Server answered the navigation with an error status.",
			zap.Int64("status", status),
			zap.String("url", at),
		)
	}
	return nil
}

// stabilize waits for the document body and gives scripts a settle period
// before the page is observed or interacted with.
func (s *Session) stabilize(ctx context.Context) error {
	stabCtx, cancel := context.WithTimeout(ctx, stabilizeTimeout)
	defer cancel()

	return s.run(stabCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.opts.StabilizeWait),
	)
}

// Click activates the element carrying the given tag id.
func (s *Session) Click(ctx context.Context, tagID string) error {
	sel := tagSelector(tagID)
	s.log.Debug("Clicking element", zap.String("tag_id", tagID))

	if err := s.ensurePresent(ctx, tagID, sel); err != nil {
		return err
	}

	err := s.run(ctx,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Click(sel, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("click failed for tag %s: %w", tagID, err)
	}
	return nil
}

// Type focuses the element with the given tag id and replaces its value
// with the text.
func (s *Session) Type(ctx context.Context, tagID string, text string) error {
	sel := tagSelector(tagID)
	s.log.Debug("Typing into element", zap.String("tag_id", tagID), zap.Int("text_length", len(text)))

	if err := s.ensurePresent(ctx, tagID, sel); err != nil {
		return err
	}

	err := s.run(ctx,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("type failed for tag %s: %w", tagID, err)
	}
	return nil
}

// ensurePresent distinguishes a tag id that has left the DOM from a slow
// element: querySelector is instant, so a vanished node surfaces as a stale
// element instead of a deadline expiry.
func (s *Session) ensurePresent(ctx context.Context, tagID, sel string) error {
	var present bool
	probe := fmt.Sprintf(`document.querySelector(%q) !== null`, sel)
	if err := s.run(ctx, chromedp.Evaluate(probe, &present)); err != nil {
		return fmt.Errorf("element probe failed: %w", err)
	}
	if !present {
		return fmt.Errorf("%w: tag id %s is gone from the document", action.ErrElementStale, tagID)
	}
	return nil
}

// Scroll moves the viewport most of one screen height in the given
// direction.
func (s *Session) Scroll(ctx context.Context, direction schemas.ScrollDirection) error {
	var script string
	switch direction {
	case schemas.ScrollUp:
		script = `window.scrollBy({top: -window.innerHeight * 0.8, behavior: 'smooth'});`
	case schemas.ScrollDown:
		script = `window.scrollBy({top: window.innerHeight * 0.8, behavior: 'smooth'});`
	default:
		return fmt.Errorf("invalid scroll direction: %s", direction)
	}

	err := s.run(ctx,
		chromedp.Evaluate(script, nil),
		chromedp.Sleep(500*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("scroll failed: %w", err)
	}
	return nil
}

// Screenshot captures the current viewport as PNG bytes.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// CurrentURL reports the address of the active document.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("could not read location: %w", err)
	}
	return loc, nil
}

// Title reports the active document title.
func (s *Session) Title(ctx context.Context) (string, error) {
	var title string
	if err := s.run(ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("could not read title: %w", err)
	}
	return title, nil
}

// CurrentFingerprint recomputes the structural page fingerprint from the
// live DOM. The inspection pass reads element roles and labels without
// touching attributes or the overlay, so tag ids handed out by the last
// Tag call stay valid.
func (s *Session) CurrentFingerprint(ctx context.Context) (string, error) {
	var raw []rawElement
	var loc string
	err := s.run(ctx,
		chromedp.Evaluate(inspectScript(), &raw),
		chromedp.Location(&loc),
	)
	if err != nil {
		return "", fmt.Errorf("fingerprint inspection failed: %w", err)
	}
	return schemas.PageFingerprint(loc, decodeElements(raw)), nil
}

// Close terminates the tab. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.log.Debug("Closing browser session.")

	if s.cancel != nil {
		s.cancel()
	}

	if s.ctx != nil {
		waitCtx, cancelWait := context.WithTimeout(ctx, sessionCloseTimeout)
		defer cancelWait()
		select {
		case <-s.ctx.Done():
		case <-waitCtx.Done():
			s.log.Warn("Deadline exceeded waiting for tab to close.", zap.Error(waitCtx.Err()))
		}
	}

	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

// tagSelector builds the attribute selector for a tag id. Ids arrive in
// canonical form from the executor but a stray sigil is tolerated.
func tagSelector(tagID string) string {
	return fmt.Sprintf(`[%s=%q]`, tagAttribute, schemas.CanonicalTagID(tagID))
}

// internal/browser/manager.go

// Package browser drives a headless Chrome process over the DevTools
// protocol and adapts each tab to the session surface the rest of the
// system consumes: navigation and input verbs, page tagging with visible
// overlays, screenshots, and structural fingerprints.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	launchProbeTimeout  = 30 * time.Second
	sessionCloseTimeout = 10 * time.Second
	shutdownGracePeriod = 15 * time.Second

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
)

// Options configures the shared browser process and the sessions cut from
// it. Zero values fall back to the defaults in withDefaults.
type Options struct {
	// Headless runs Chrome without a visible window.
	Headless bool
	// IgnoreTLSErrors accepts invalid certificates, useful against local
	// and staging targets.
	IgnoreTLSErrors bool
	// UserAgent overrides the browser's user agent string.
	UserAgent string
	// WindowWidth and WindowHeight set the viewport dimensions.
	WindowWidth  int
	WindowHeight int
	// NavigationTimeout bounds a single page load. Callers usually carry a
	// tighter per-action deadline; this is the outer safety net.
	NavigationTimeout time.Duration
	// StabilizeWait is the settle period after a load before the page is
	// considered ready for tagging.
	StabilizeWait time.Duration
	// ExtraFlags are raw Chrome switches ("--foo" or "--foo=bar") appended
	// to the launch command.
	ExtraFlags []string
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.WindowWidth <= 0 {
		o.WindowWidth = 1440
	}
	if o.WindowHeight <= 0 {
		o.WindowHeight = 900
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 45 * time.Second
	}
	if o.StabilizeWait <= 0 {
		o.StabilizeWait = 1500 * time.Millisecond
	}
	return o
}

// Manager owns the browser process lifecycle and the registry of live
// sessions. The process is launched lazily on the first session request so
// constructing a Manager stays cheap for commands that never touch a page.
type Manager struct {
	log  *zap.Logger
	opts Options

	// allocatorCtx manages the browser process. Session tab contexts are
	// derived from it.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup

	initOnce sync.Once
	initErr  error
}

// NewManager creates a browser manager. The Chrome process is not started
// until the first NewSession call.
func NewManager(opts Options, log *zap.Logger) *Manager {
	m := &Manager{
		log:      log.Named("browser"),
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}
	m.log.Debug("Browser manager created, launch deferred until first session.")
	return m
}

// initialize launches the browser process and verifies it responds. Safe
// for concurrent callers; only the first does the work.
func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.log.Info("Launching browser process",
			zap.Bool("headless", m.opts.Headless),
			zap.Int("window_width", m.opts.WindowWidth),
			zap.Int("window_height", m.opts.WindowHeight),
		)

		// The allocator must outlive any one caller's context: its lifetime
		// is owned by Shutdown, not by whichever session triggered launch.
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(m.opts)...)
		m.allocatorCtx = allocCtx
		m.allocatorCancel = allocCancel

		// Probe with a throwaway tab so a broken Chrome install fails fast
		// here instead of inside the first real navigation.
		probeCtx, cancelProbe := context.WithTimeout(allocCtx, launchProbeTimeout)
		probeCtx, cancelTab := chromedp.NewContext(probeCtx)
		defer cancelTab()
		defer cancelProbe()

		if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
			allocCancel()
			if ctx.Err() != nil {
				m.initErr = ctx.Err()
				return
			}
			m.initErr = fmt.Errorf("browser failed to start or respond: %w", err)
			return
		}

		m.log.Info("Browser process launched and responsive.")
	})
	return m.initErr
}

// launchFlags computes the Chrome switches derived from Options. Split out
// from AllocatorOptions so the flag set stays testable without launching a
// browser. Boolean false values suppress a default flag entirely.
func launchFlags(opts Options) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":               opts.Headless,
		"disable-gpu":            opts.Headless,
		"enable-automation":      false,
		"disable-blink-features": "AutomationControlled",
		"window-size":            fmt.Sprintf("%d,%d", opts.WindowWidth, opts.WindowHeight),
		"user-agent":             opts.UserAgent,
	}

	if opts.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}

	// Chrome refuses to start sandboxed as root, which is the common case
	// in CI and Docker on Linux.
	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}

	for _, arg := range opts.ExtraFlags {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}

	return flags
}

// AllocatorOptions assembles the exec allocator options: chromedp's
// defaults with the automation giveaways disabled and our own flags
// layered on top. Later options win, so every flag here overrides its
// default counterpart.
func AllocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	opts = opts.withDefaults()

	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range launchFlags(opts) {
		out = append(out, chromedp.Flag(name, value))
	}
	return out
}

// NewSession opens a fresh tab and wraps it in a Session. The session
// outlives ctx; ctx only bounds the setup work.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.allocatorCtx)

	s := newSession(tabCtx, tabCancel, m.opts, m.log)
	s.listen()

	m.wg.Add(1)
	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.wg.Done()
		m.log.Debug("Session removed from manager.", zap.String("session_id", s.ID()))
	}

	// Materialize the tab and enable the network domain so document
	// responses reach the listener. A connection problem surfaces here
	// rather than on the first verb.
	setupCtx, cancelSetup := context.WithTimeout(tabCtx, launchProbeTimeout)
	defer cancelSetup()
	if err := chromedp.Run(setupCtx, network.Enable()); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
		defer cancel()
		_ = s.Close(cleanupCtx)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.log.Info("Browser session opened.", zap.String("session_id", s.ID()))
	return s, nil
}

// ActiveSessions reports the number of open sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes every live session and terminates the browser process,
// honoring ctx as the patience limit for the graceful phase.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.allocatorCtx == nil {
		m.log.Debug("Browser never launched, nothing to shut down.")
		return nil
	}

	m.log.Info("Shutting down browser manager.")

	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	for _, s := range open {
		go func(s *Session) {
			closeCtx, cancel := context.WithTimeout(ctx, sessionCloseTimeout)
			defer cancel()
			if err := s.Close(closeCtx); err != nil {
				m.log.Warn("Error closing session during shutdown.",
					zap.String("session_id", s.ID()),
					zap.Error(err),
				)
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("All sessions closed gracefully.")
	case <-ctx.Done():
		m.log.Warn("Timeout waiting for sessions to close, terminating browser.", zap.Error(ctx.Err()))
	}

	m.allocatorCancel()

	select {
	case <-m.allocatorCtx.Done():
	case <-time.After(shutdownGracePeriod):
		m.log.Warn("Browser process did not confirm termination in time.")
	}

	m.log.Info("Browser manager shutdown complete.")
	return nil
}

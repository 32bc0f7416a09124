// internal/browser/events.go
package browser

import (
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// pageEvents accumulates per-tab state fed by the CDP event stream. Only
// main-document responses are tracked; subresource traffic is ignored.
type pageEvents struct {
	mu             sync.Mutex
	documentStatus int64
	documentURL    string
}

func (p *pageEvents) handleResponse(e *network.EventResponseReceived) {
	if e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	p.mu.Lock()
	p.documentStatus = e.Response.Status
	p.documentURL = e.Response.URL
	p.mu.Unlock()
}

func (p *pageEvents) lastDocument() (int64, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.documentStatus, p.documentURL
}

// listen wires the CDP event stream into the session. Registered once per
// tab, before the target attaches; chromedp drops the handler when the tab
// context ends.
func (s *Session) listen() {
	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			s.events.handleResponse(e)
		case *page.EventJavascriptDialogOpening:
			s.handleDialog(e)
		}
	})
}

// handleDialog answers a JavaScript dialog so the tab does not stay frozen
// waiting for a user that is not there. Alerts and confirms are accepted;
// prompts get their default text. The CDP call must leave the event
// goroutine: answering from inside the listener would deadlock the
// target's event loop.
func (s *Session) handleDialog(e *page.EventJavascriptDialogOpening) {
	s.log.Info("Dismissing JavaScript dialog.",
		zap.String("dialog_type", string(e.Type)),
		zap.String("message", e.Message),
	)
	go func() {
		if err := chromedp.Run(s.ctx, page.HandleJavaScriptDialog(true)); err != nil && s.ctx.Err() == nil {
			s.log.Warn("Could not dismiss dialog.", zap.Error(err))
		}
	}()
}

// LastHTTPStatus reports the status code of the most recent main-document
// response and the URL it was served for. Zero until a navigation commits.
func (s *Session) LastHTTPStatus() (int64, string) {
	return s.events.lastDocument()
}

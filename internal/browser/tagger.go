// internal/browser/tagger.go
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/okibara/wayfind/api/schemas"
)

// tagAttribute is the DOM attribute the tagging script assigns. Click and
// Type resolve tag ids through it, so it must survive between a Tag call
// and the actions decided against that observation.
const tagAttribute = "data-wayfind-id"

// overlayContainerID names the badge container injected for the vision
// planner's screenshot. It is removed and rebuilt on every Tag call.
const overlayContainerID = "wayfind-tag-overlay"

// collectFn is the in-page worker shared by tagging and inspection. It
// walks the interactive elements in document order, derives a role and a
// stable label for each, and (when mutate is set) assigns sequential tag
// id attributes and draws numbered badges next to every element.
//
// Labels deliberately never read the current value of a text input: the
// label feeds the durable element signature, and a signature that changed
// every time the user typed would never match across loads.
const collectFn = `(mutate) => {
	const ATTR = 'data-wayfind-id';
	const OVERLAY_ID = 'wayfind-tag-overlay';
	const MAX_LABEL = 80;
	const SELECTORS = 'a[href], button, input, textarea, select, summary, ' +
		'[onclick], [role="button"], [role="link"], [type="submit"], [contenteditable="true"]';

	const isVisible = (el) => {
		const style = window.getComputedStyle(el);
		if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') return false;
		const rect = el.getBoundingClientRect();
		if (rect.width === 0 || rect.height === 0) return false;
		return true;
	};

	const isDisabled = (el) => {
		return el.disabled === true || el.getAttribute('aria-disabled') === 'true';
	};

	const buttonInputTypes = ['submit', 'button', 'reset', 'checkbox', 'radio', 'image'];

	const roleOf = (el) => {
		const tag = el.tagName.toLowerCase();
		if (tag === 'input') {
			const type = (el.getAttribute('type') || 'text').toLowerCase();
			if (type === 'hidden') return '';
			if (buttonInputTypes.indexOf(type) >= 0) return 'clickable';
			return 'input';
		}
		if (tag === 'textarea' || tag === 'select') return 'input';
		if (el.isContentEditable) return 'input';
		return 'clickable';
	};

	const labelOf = (el, role) => {
		const tag = el.tagName.toLowerCase();
		let text = '';
		if (tag === 'input') {
			const type = (el.getAttribute('type') || 'text').toLowerCase();
			if (buttonInputTypes.indexOf(type) >= 0) {
				text = el.value || '';
			} else {
				text = el.placeholder || el.getAttribute('aria-label') ||
					el.getAttribute('name') || el.title || '';
			}
		} else if (tag === 'textarea' || tag === 'select') {
			text = el.getAttribute('aria-label') || el.placeholder ||
				el.getAttribute('name') || el.title || '';
		} else {
			text = (el.textContent || '').trim() ||
				el.getAttribute('aria-label') || el.title ||
				el.getAttribute('alt') || '';
		}
		text = text.replace(/\s+/g, ' ').trim();
		if (text.length > MAX_LABEL) text = text.substring(0, MAX_LABEL);
		return text;
	};

	const looksModalClose = (el, label) => {
		const aria = (el.getAttribute('aria-label') || '').toLowerCase();
		if (aria.indexOf('close') >= 0 || aria.indexOf('dismiss') >= 0) return true;
		const cls = (typeof el.className === 'string' ? el.className : '').toLowerCase();
		if (cls.indexOf('close') >= 0 || cls.indexOf('dismiss') >= 0) return true;
		const txt = label.toLowerCase();
		return txt === 'x' || txt === '×' || txt === '✕' || txt === '✖';
	};

	let overlay = null;
	if (mutate) {
		const prev = document.getElementById(OVERLAY_ID);
		if (prev) prev.remove();
		document.querySelectorAll('[' + ATTR + ']').forEach((el) => el.removeAttribute(ATTR));

		overlay = document.createElement('div');
		overlay.id = OVERLAY_ID;
		overlay.style.cssText = 'position:absolute;top:0;left:0;width:0;height:0;' +
			'z-index:2147483646;pointer-events:none;';
		document.body.appendChild(overlay);
	}

	const out = [];
	let nextId = 1;

	document.querySelectorAll(SELECTORS).forEach((el) => {
		if (!isVisible(el) || isDisabled(el)) return;

		const role = roleOf(el);
		if (role === '') return;

		const label = labelOf(el, role);
		// An unlabeled control gives the planner nothing to reason about,
		// except inputs, which are identifiable by position and context.
		if (label === '' && role !== 'input') return;

		const rect = el.getBoundingClientRect();
		const id = nextId++;

		if (mutate) {
			el.setAttribute(ATTR, String(id));
			const badge = document.createElement('div');
			badge.textContent = String(id);
			const x = rect.left + window.scrollX;
			const y = Math.max(0, rect.top + window.scrollY - 14);
			badge.style.cssText = 'position:absolute;left:' + x + 'px;top:' + y + 'px;' +
				'background:' + (role === 'input' ? '#1565c0' : '#b71c1c') + ';' +
				'color:#fff;font:bold 11px/14px monospace;padding:0 3px;' +
				'border-radius:2px;pointer-events:none;z-index:2147483647;';
			overlay.appendChild(badge);
		}

		out.push({
			id: String(id),
			role: role,
			label: label,
			href: el.tagName.toLowerCase() === 'a' ? (el.getAttribute('href') || '') : '',
			bbox: { x: rect.x, y: rect.y, w: rect.width, h: rect.height },
			modalClose: role === 'clickable' && looksModalClose(el, label)
		});
	});

	return out;
}`

// tagScript assigns tag attributes and draws overlay badges.
func tagScript() string { return "(" + collectFn + ")(true)" }

// inspectScript reads the element structure without mutating the page.
func inspectScript() string { return "(" + collectFn + ")(false)" }

// rawElement mirrors the objects the collect script returns.
type rawElement struct {
	ID         string       `json:"id"`
	Role       string       `json:"role"`
	Label      string       `json:"label"`
	Href       string       `json:"href"`
	BBox       schemas.BBox `json:"bbox"`
	ModalClose bool         `json:"modalClose"`
}

// decodeElements converts the script payload into tagged elements and
// assigns durable signatures in document order.
func decodeElements(raw []rawElement) []schemas.TaggedElement {
	els := make([]schemas.TaggedElement, 0, len(raw))
	for _, r := range raw {
		role := schemas.ElementRole(r.Role)
		switch role {
		case schemas.RoleClickable, schemas.RoleInput, schemas.RoleScrollable:
		default:
			continue
		}
		els = append(els, schemas.TaggedElement{
			TagID:      r.ID,
			Role:       role,
			Label:      r.Label,
			Href:       r.Href,
			BBox:       r.BBox,
			ModalClose: r.ModalClose,
		})
	}
	schemas.AssignSignatures(els)
	return els
}

// Tag captures the current page: it assigns fresh tag ids, renders the
// numbered overlay, and returns the element set together with a screenshot
// that shows the badges. The returned observation is valid until the next
// navigation or DOM change.
func (s *Session) Tag(ctx context.Context) (*schemas.Observation, error) {
	start := time.Now()

	if err := s.stabilize(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Debug("Stabilization incomplete before tagging.", zap.Error(err))
	}

	var raw []rawElement
	var loc, title string
	var shot []byte

	err := s.run(ctx,
		chromedp.Evaluate(tagScript(), &raw),
		chromedp.Location(&loc),
		chromedp.Title(&title),
		chromedp.CaptureScreenshot(&shot),
	)
	if err != nil {
		return nil, fmt.Errorf("page tagging failed: %w", err)
	}

	els := decodeElements(raw)
	obs := &schemas.Observation{
		URL:         loc,
		Title:       title,
		Screenshot:  shot,
		Elements:    els,
		Fingerprint: schemas.PageFingerprint(loc, els),
		ObservedAt:  time.Now(),
	}

	s.log.Debug("Page tagged",
		zap.String("url", loc),
		zap.Int("elements", len(els)),
		zap.String("fingerprint", obs.Fingerprint),
		zap.Duration("elapsed", time.Since(start)),
	)
	return obs, nil
}

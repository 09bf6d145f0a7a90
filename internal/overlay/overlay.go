// Package overlay implements the Overlay Surface (C3 in SPEC_FULL.md §2):
// the cursor sprite, command-text overlay, time overlay, tracking-pixel
// corner, and target=_blank interceptor injected into every page/frame.
//
// The injection itself is a single idempotent init-script (installed via
// Page.AddInitScript so it reapplies on every navigation, per spec.md §4.4)
// plus a handful of Evaluate calls the Session Engine uses to drive state
// (show a command, paint the tracking pixel, move the cursor).
package overlay

import (
	"encoding/json"
	"fmt"
)

// Page is the minimal surface overlay.Surface needs from browser.Page,
// expressed as an interface so this package never imports playwright
// types directly.
type Page interface {
	AddInitScript(script string) error
	Evaluate(script string, arg any) (any, error)
}

// Surface owns the injected overlay for one page and the verb->color
// mapping persisted to color-patterns.json.
type Surface struct {
	page     Page
	patterns map[string][4]string
}

// New installs the overlay init-script (idempotent via a window-scope
// sentinel flag, per spec.md §4.4) and returns a Surface bound to page.
func New(page Page, interactive bool) (*Surface, error) {
	if err := page.AddInitScript(initScript(interactive)); err != nil {
		return nil, fmt.Errorf("install overlay: %w", err)
	}
	return &Surface{page: page, patterns: make(map[string][4]string)}, nil
}

// ColorFor returns (and lazily assigns) the deterministic 4-color
// tracking-pixel pattern for verb, per spec.md §3 color-patterns.json and
// §8's invariant that every verb gets a stable mapping.
func (s *Surface) ColorFor(verb string) [4]string {
	if c, ok := s.patterns[verb]; ok {
		return c
	}
	c := derivePattern(verb)
	s.patterns[verb] = c
	return c
}

// Patterns returns the full verb->color map for persistence as
// color-patterns.json.
func (s *Surface) Patterns() map[string][4]string {
	return s.patterns
}

// derivePattern deterministically hashes verb into a 2x2 grid of colors
// from a small fixed palette, so repeated runs of the same verb always
// produce the same pattern (spec.md §8 "stable 4-color mapping").
func derivePattern(verb string) [4]string {
	palette := []string{
		"#ff0000", "#00ff00", "#0000ff", "#ffff00",
		"#ff00ff", "#00ffff", "#ffffff", "#808080",
	}
	var h uint32 = 2166136261
	for _, c := range verb {
		h ^= uint32(c)
		h *= 16777619
	}
	var out [4]string
	for i := range out {
		out[i] = palette[(h>>(uint(i)*4))%uint32(len(palette))]
	}
	return out
}

// ShowCommand paints the bottom-right command-text overlay with cmd's JSON
// for ~2s, per spec.md §4.4.
func (s *Surface) ShowCommand(verb string, args []string) error {
	payload, _ := json.Marshal(map[string]any{"verb": verb, "args": args})
	_, err := s.page.Evaluate(`(json) => window.__rabbitizeOverlay && window.__rabbitizeOverlay.showCommand(json)`, string(payload))
	return err
}

// PaintCorner sets the tracking-pixel corner to one of: "red" (pre-command),
// a verb's 4-color pattern (during execution), or "black" (idle/post).
func (s *Surface) PaintCorner(colors [4]string) error {
	_, err := s.page.Evaluate(`(colors) => window.__rabbitizeOverlay && window.__rabbitizeOverlay.paintCorner(colors)`, colors)
	return err
}

func (s *Surface) PaintCornerRed() error {
	return s.PaintCorner([4]string{"#ff0000", "#ff0000", "#ff0000", "#ff0000"})
}

func (s *Surface) PaintCornerBlack() error {
	return s.PaintCorner([4]string{"#000000", "#000000", "#000000", "#000000"})
}

// SetClock updates the time-overlay text (interactive sessions only; a
// no-op if the init script's time element was never created).
func (s *Surface) SetClock(text string) error {
	_, err := s.page.Evaluate(`(text) => window.__rabbitizeOverlay && window.__rabbitizeOverlay.setClock(text)`, text)
	return err
}

// MoveCursor animates the cursor sprite to (x, y) over 300ms, per spec.md
// §4.7's pointer-math animation.
func (s *Surface) MoveCursor(x, y float64) error {
	_, err := s.page.Evaluate(`([x, y]) => window.__rabbitizeOverlay && window.__rabbitizeOverlay.moveCursor(x, y)`, []float64{x, y})
	return err
}

// CursorClickFeedback drives the scale-up/intensify/ripple animation for
// button in {"left","right","middle"}, per spec.md §4.7 "Click family".
func (s *Surface) CursorClickFeedback(button string, down bool) error {
	_, err := s.page.Evaluate(`([button, down]) => window.__rabbitizeOverlay && window.__rabbitizeOverlay.clickFeedback(button, down)`, []any{button, down})
	return err
}

// initScript is installed once per document and reinstalled (by the
// caller, on load/framenavigated) per spec.md §4.4's survival requirement.
// It is idempotent via the window.__rabbitizeOverlay sentinel.
func initScript(interactive bool) string {
	timeOverlay := "false"
	if interactive {
		timeOverlay = "true"
	}
	return `(() => {
  if (window.__rabbitizeOverlay) return;

  const showTimeOverlay = ` + timeOverlay + `;

  const cursor = document.createElement('div');
  cursor.style.cssText = 'position:fixed;z-index:2147483647;width:16px;height:16px;border-radius:50%;' +
    'background:red;pointer-events:none;transition:left 300ms, top 300ms, transform 300ms, background-color 150ms;' +
    'left:0;top:0;transform:translate(-50%,-50%);';
  document.documentElement.appendChild(cursor);

  const cmdOverlay = document.createElement('div');
  cmdOverlay.style.cssText = 'position:fixed;right:8px;bottom:8px;z-index:2147483647;' +
    'font:11px monospace;color:#0f0;background:rgba(0,0,0,0.6);padding:2px 6px;' +
    'pointer-events:none;opacity:0;transition:opacity 200ms;';
  document.documentElement.appendChild(cmdOverlay);

  let timeEl = null;
  if (showTimeOverlay) {
    timeEl = document.createElement('div');
    timeEl.style.cssText = 'position:fixed;left:8px;bottom:8px;z-index:2147483647;' +
      'font:11px monospace;color:#0ff;background:rgba(0,0,0,0.6);padding:2px 6px;pointer-events:none;';
    document.documentElement.appendChild(timeEl);
  }

  const corner = document.createElement('canvas');
  corner.width = 4; corner.height = 4;
  corner.style.cssText = 'position:fixed;right:0;bottom:0;z-index:2147483647;width:4px;height:4px;pointer-events:none;';
  document.documentElement.appendChild(corner);
  const cornerCtx = corner.getContext('2d');

  let cmdTimer = null;

  window.__rabbitizeOverlay = {
    moveCursor(x, y) {
      cursor.style.transform = 'translate(-50%,-50%)';
      cursor.style.left = x + 'px';
      cursor.style.top = y + 'px';
      const el = document.elementFromPoint(x, y);
      let color = '#ff0000';
      if (el) {
        const cs = getComputedStyle(el).cursor;
        if (cs === 'pointer') color = '#00ff00';
        else if (/grab|grabbing|move|resize|all-scroll/.test(cs)) color = '#0000ff';
      }
      cursor.style.background = color;
    },
    clickFeedback(button, down) {
      const colors = { left: '#ff3333', right: '#3333ff', middle: '#33ff33' };
      cursor.style.background = colors[button] || '#ff3333';
      cursor.style.transform = down ? 'translate(-50%,-50%) scale(1.6)' : 'translate(-50%,-50%) scale(1)';
      if (down) {
        const ripple = document.createElement('div');
        const rect = cursor.getBoundingClientRect();
        ripple.style.cssText = 'position:fixed;z-index:2147483646;width:4px;height:4px;border-radius:50%;' +
          'border:2px solid ' + (colors[button] || '#ff3333') + ';pointer-events:none;' +
          'left:' + (rect.left + rect.width / 2) + 'px;top:' + (rect.top + rect.height / 2) + 'px;' +
          'transform:translate(-50%,-50%);transition:width 600ms,height 600ms,opacity 600ms;opacity:1;';
        document.documentElement.appendChild(ripple);
        requestAnimationFrame(() => {
          ripple.style.width = '60px'; ripple.style.height = '60px'; ripple.style.opacity = '0';
        });
        setTimeout(() => ripple.remove(), 600);
      }
    },
    showCommand(json) {
      cmdOverlay.textContent = json;
      cmdOverlay.style.opacity = '1';
      if (cmdTimer) clearTimeout(cmdTimer);
      cmdTimer = setTimeout(() => { cmdOverlay.style.opacity = '0'; }, 2000);
    },
    paintCorner(colors) {
      cornerCtx.fillStyle = colors[0]; cornerCtx.fillRect(0, 0, 2, 2);
      cornerCtx.fillStyle = colors[1]; cornerCtx.fillRect(2, 0, 2, 2);
      cornerCtx.fillStyle = colors[2]; cornerCtx.fillRect(0, 2, 2, 2);
      cornerCtx.fillStyle = colors[3]; cornerCtx.fillRect(2, 2, 2, 2);
    },
    setClock(text) {
      if (timeEl) timeEl.textContent = text;
    },
  };

  // target=_blank / rel=noopener interceptor: only on user-trusted clicks,
  // never on programmatic ones (spec.md §4.4).
  document.addEventListener('click', (ev) => {
    if (!ev.isTrusted) return;
    let el = ev.target;
    while (el && el.tagName !== 'A') el = el.parentElement;
    if (!el) return;
    if (el.target === '_blank' || (el.rel || '').includes('noopener')) {
      ev.preventDefault();
      if (el.href) window.top.location.href = el.href;
    }
  }, true);
})();`
}

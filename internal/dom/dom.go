// Package dom implements the two read-only DOM introspection features the
// Command Executor exposes: curated-selector coordinate capture (for
// dom_coords artifacts, spec.md §4.10) and a walker-based Markdown-ish
// visible-text extraction used by :extract-page and the per-step DOM
// snapshot. :extract uses a single-element point lookup instead.
//
// Both are implemented as injected JS evaluated in-page rather than as a
// full accessibility-tree walk, pushing DOM work into page.Evaluate
// instead of driving it node-by-node over the protocol.
package dom

import (
	"encoding/json"
	"fmt"

	"github.com/rabbitize/engine/internal/browser"
)

// Extractor is the concrete internal/command.Extractor implementation.
type Extractor struct{}

func New() *Extractor { return &Extractor{} }

// ExtractPoint returns a short description of the element under (x, y):
// its visible text, tag, and any id/class, truncated to keep the
// commands.json record small.
func (e *Extractor) ExtractPoint(page *browser.Page, x, y float64) (string, error) {
	info, err := page.ElementAt(x, y)
	if err != nil {
		return "", fmt.Errorf("extract point: %w", err)
	}
	if info.Tag == "" {
		return "", nil
	}
	desc := fmt.Sprintf("<%s", info.Tag)
	if info.ID != "" {
		desc += fmt.Sprintf(" id=%q", info.ID)
	}
	if info.ClassName != "" {
		desc += fmt.Sprintf(" class=%q", info.ClassName)
	}
	desc += ">"
	if info.Text != "" {
		desc += " " + info.Text
	}
	return desc, nil
}

// ExtractPage walks the visible DOM and renders a Markdown-ish plain-text
// approximation: headings become "# "-prefixed lines, links become
// "[text](href)", and block elements start a new line. Hidden elements
// (display:none, visibility:hidden, opacity:0, zero-size) are skipped.
func (e *Extractor) ExtractPage(page *browser.Page) (string, error) {
	v, err := page.Evaluate(extractPageScript, nil)
	if err != nil {
		return "", fmt.Errorf("extract page: %w", err)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	default:
		b, _ := json.Marshal(v)
		return string(b), nil
	}
}

// CoordsForSelectors returns the bounding box center of every element
// matching any of selectors, for the curated dom_coords artifact
// (spec.md §4.10). Selectors are evaluated in document order; elements
// that don't exist or aren't visible are omitted.
func (e *Extractor) CoordsForSelectors(page *browser.Page, selectors []string) (map[string][][2]float64, error) {
	v, err := page.Evaluate(coordsScript, selectors)
	if err != nil {
		return nil, fmt.Errorf("extract coords: %w", err)
	}
	out := make(map[string][][2]float64)
	m, ok := v.(map[string]any)
	if !ok {
		return out, nil
	}
	for sel, raw := range m {
		list, ok := raw.([]any)
		if !ok {
			continue
		}
		pts := make([][2]float64, 0, len(list))
		for _, item := range list {
			pair, ok := item.([]any)
			if !ok || len(pair) != 2 {
				continue
			}
			x, _ := pair[0].(float64)
			y, _ := pair[1].(float64)
			pts = append(pts, [2]float64{x, y})
		}
		out[sel] = pts
	}
	return out, nil
}

// DefaultSelectors is the curated selector set used when a session does
// not request custom coordinates, covering the interactive surface most
// pages expose: links, buttons, form controls.
var DefaultSelectors = []string{
	"a[href]", "button", "input", "select", "textarea",
	"[role=button]", "[role=link]", "[onclick]",
}

const extractPageScript = `(() => {
  function visible(el) {
    const cs = getComputedStyle(el);
    if (cs.display === 'none' || cs.visibility === 'hidden' || cs.opacity === '0') return false;
    const r = el.getBoundingClientRect();
    return r.width > 0 && r.height > 0;
  }
  const HEADINGS = { H1: '# ', H2: '## ', H3: '### ', H4: '#### ', H5: '##### ', H6: '###### ' };
  const BLOCKS = new Set(['P','DIV','SECTION','ARTICLE','LI','UL','OL','TR','TABLE','HEADER','FOOTER','MAIN','BR']);
  const lines = [];
  let current = '';
  function flush() {
    const t = current.trim();
    if (t) lines.push(t);
    current = '';
  }
  function walk(node) {
    if (node.nodeType === Node.TEXT_NODE) {
      current += node.textContent.replace(/\s+/g, ' ');
      return;
    }
    if (node.nodeType !== Node.ELEMENT_NODE) return;
    if (['SCRIPT','STYLE','NOSCRIPT','TEMPLATE'].includes(node.tagName)) return;
    if (!visible(node)) return;
    if (node.tagName === 'A' && node.href) {
      flush();
      const text = (node.innerText || '').trim();
      lines.push('[' + text + '](' + node.href + ')');
      return;
    }
    if (HEADINGS[node.tagName]) {
      flush();
      lines.push(HEADINGS[node.tagName] + (node.innerText || '').trim());
      return;
    }
    const isBlock = BLOCKS.has(node.tagName);
    if (isBlock) flush();
    for (const child of node.childNodes) walk(child);
    if (isBlock) flush();
  }
  walk(document.body);
  flush();
  return lines.filter(Boolean).join('\n');
})()`

const coordsScript = `(selectors) => {
  const out = {};
  for (const sel of selectors) {
    const pts = [];
    let els = [];
    try { els = Array.from(document.querySelectorAll(sel)); } catch (e) { els = []; }
    for (const el of els) {
      const cs = getComputedStyle(el);
      if (cs.display === 'none' || cs.visibility === 'hidden') continue;
      const r = el.getBoundingClientRect();
      if (r.width === 0 || r.height === 0) continue;
      pts.push([r.left + r.width / 2, r.top + r.height / 2]);
    }
    out[sel] = pts;
  }
  return out;
}`

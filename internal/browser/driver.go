// Package browser is the thin capability wrapper over a headless Chromium
// engine (Playwright) specified as C2 in SPEC_FULL.md §2. It exposes only
// the operations the Command Executor and Session Engine actually need:
// mouse, keyboard, scroll, screenshot, PDF, navigation, video, keeping
// Playwright types from leaking past this package.
package browser

import (
	"fmt"
	"os"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Driver owns one Playwright instance and one Browser process. One Driver
// backs exactly one Session Engine (spec.md §5 "Exactly one browser per
// engine; no cross-engine shared state").
type Driver struct {
	pw      *playwright.Playwright
	browser playwright.Browser
}

// Launch starts Playwright and launches headless Chromium, honoring
// PLAYWRIGHT_PATH / a system chromium binary and HTTP(S)_PROXY from the
// environment.
func Launch(executablePath string) (*Driver, error) {
	pw, err := playwright.Run(&playwright.RunOptions{SkipInstallBrowsers: true})
	if err != nil {
		return nil, fmt.Errorf("could not start playwright: %w", err)
	}

	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--no-sandbox",
			"--disable-setuid-sandbox",
			"--disable-dev-shm-usage",
		},
	}

	if executablePath != "" {
		opts.ExecutablePath = playwright.String(executablePath)
	} else if _, statErr := os.Stat("/usr/bin/chromium"); statErr == nil {
		opts.ExecutablePath = playwright.String("/usr/bin/chromium")
	}

	if proxy := firstNonEmpty(os.Getenv("HTTPS_PROXY"), os.Getenv("HTTP_PROXY")); proxy != "" {
		opts.Proxy = &playwright.Proxy{Server: proxy}
	}

	b, err := pw.Chromium.Launch(opts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("could not launch browser: %w", err)
	}

	return &Driver{pw: pw, browser: b}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Close shuts down browser and playwright. Idempotent.
func (d *Driver) Close() {
	if d.browser != nil {
		d.browser.Close()
	}
	if d.pw != nil {
		d.pw.Stop()
	}
}

// PageOptions configures a new context+page pair.
type PageOptions struct {
	Width, Height  int
	VideoDir       string // non-empty enables context video recording
	StorageState   string // path to a prior storage-state snapshot, if any
	DownloadsPath  string
}

// Page wraps a Playwright context+page pair with the subset of operations
// the engine drives. Every method here maps 1:1 onto a C7 verb behavior.
type Page struct {
	ctx  playwright.BrowserContext
	page playwright.Page
}

// NewPage creates a context+page with the given options.
func (d *Driver) NewPage(opts PageOptions) (*Page, error) {
	cOpts := playwright.BrowserNewContextOptions{
		Viewport:          &playwright.Size{Width: opts.Width, Height: opts.Height},
		BypassCSP:         playwright.Bool(true),
		IgnoreHttpsErrors: playwright.Bool(true),
		AcceptDownloads:   playwright.Bool(true),
	}
	if opts.VideoDir != "" {
		cOpts.RecordVideo = &playwright.RecordVideo{
			Dir:  opts.VideoDir,
			Size: &playwright.Size{Width: 1920, Height: 1080},
		}
	}
	if opts.StorageState != "" {
		if _, err := os.Stat(opts.StorageState); err == nil {
			cOpts.StorageStatePath = playwright.String(opts.StorageState)
		}
	}

	ctx, err := d.browser.NewContext(cOpts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}

	page, err := ctx.NewPage()
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}

	return &Page{ctx: ctx, page: page}, nil
}

// Close tears down the context (and stops any active video recording).
func (p *Page) Close() error {
	return p.ctx.Close()
}

// SaveVideo copies the recorded video to path. Must be called after Close.
func (p *Page) SaveVideo(path string) error {
	v := p.page.Video()
	if v == nil {
		return fmt.Errorf("no video recorder attached to this page")
	}
	return v.SaveAs(path)
}

const navigationCeiling = 60 * time.Second

// Goto navigates with spec.md §4.7's 60s ceiling and domcontentloaded wait.
func (p *Page) Goto(url string) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(navigationCeiling.Milliseconds())),
	})
	return err
}

func (p *Page) Back() error {
	_, err := p.page.GoBack()
	return err
}

func (p *Page) Forward() error {
	_, err := p.page.GoForward()
	return err
}

// Screenshot captures a JPEG at the given quality (0-100).
func (p *Page) Screenshot(quality int) ([]byte, error) {
	return p.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypeJpeg,
		Quality: playwright.Int(quality),
	})
}

// ScreenshotPNG captures a lossless PNG frame. The Session Engine does not
// use it: its thumb/zoom/canonical JPEGs are derived from a quality-85
// Screenshot, since internal/imaging decodes JPEG input only.
func (p *Page) ScreenshotPNG() ([]byte, error) {
	return p.page.Screenshot(playwright.PageScreenshotOptions{Type: playwright.ScreenshotTypePng})
}

// MouseMove issues a single low-level mouse move.
func (p *Page) MouseMove(x, y float64) error {
	return p.page.Mouse().Move(x, y)
}

// MouseDown/Up/Click take the Playwright button name ("left","right","middle").
func (p *Page) MouseDown(button string) error {
	return p.page.Mouse().Down(playwright.MouseDownOptions{Button: playwright.MouseButton(button)})
}

func (p *Page) MouseUp(button string) error {
	return p.page.Mouse().Up(playwright.MouseUpOptions{Button: playwright.MouseButton(button)})
}

func (p *Page) MouseClick(x, y float64, button string) error {
	return p.page.Mouse().Click(x, y, playwright.MouseClickOptions{Button: playwright.MouseButton(button)})
}

func (p *Page) MouseWheel(deltaX, deltaY float64) error {
	return p.page.Mouse().Wheel(deltaX, deltaY)
}

func (p *Page) KeyPress(key string) error {
	return p.page.Keyboard().Press(key)
}

func (p *Page) KeyDown(key string) error {
	return p.page.Keyboard().Down(key)
}

func (p *Page) KeyUp(key string) error {
	return p.page.Keyboard().Up(key)
}

func (p *Page) TypeText(text string) error {
	return p.page.Keyboard().Type(text)
}

// SetViewportDelta adjusts the current viewport by a relative delta.
func (p *Page) SetViewportDelta(dw, dh int) error {
	size := p.page.ViewportSize()
	w, h := size.Width+dw, size.Height+dh
	if w < 50 {
		w = 50
	}
	if h < 50 {
		h = 50
	}
	return p.page.SetViewportSize(w, h)
}

// SetViewportWidth/SetViewportHeight set one axis absolutely, keeping the
// other as-is, for the :width/:height verbs (spec.md §4.7).
func (p *Page) SetViewportWidth(w int) error {
	size := p.page.ViewportSize()
	return p.page.SetViewportSize(w, size.Height)
}

func (p *Page) SetViewportHeight(h int) error {
	size := p.page.ViewportSize()
	return p.page.SetViewportSize(size.Width, h)
}

// PDFOptions mirrors spec.md §4.7 :print-pdf's auto mode.
type PDFOptions struct {
	Path        string
	Format      string // "A4" or "Letter"
	Landscape   bool
	MarginPx    int
}

// OpenPrintDialog triggers the page's print dialog via window.print(), for
// :print-pdf's MODE=dialog (spec.md §4.7). Nothing is written to disk here;
// saving is left to whoever is watching the session's live preview.
func (p *Page) OpenPrintDialog() error {
	_, err := p.page.Evaluate("window.print()", nil)
	return err
}

func (p *Page) PrintPDF(opts PDFOptions) error {
	margin := fmt.Sprintf("%dpx", opts.MarginPx)
	_, err := p.page.PDF(playwright.PagePdfOptions{
		Path:            playwright.String(opts.Path),
		Format:          playwright.String(opts.Format),
		Landscape:       playwright.Bool(opts.Landscape),
		PrintBackground: playwright.Bool(true),
		Margin: &playwright.Margin{
			Top: playwright.String(margin), Bottom: playwright.String(margin),
			Left: playwright.String(margin), Right: playwright.String(margin),
		},
	})
	return err
}

// Evaluate runs arbitrary JS in the page context and returns the result as
// Playwright decodes it (string, float64, bool, map[string]any, []any, nil).
func (p *Page) Evaluate(script string, arg any) (any, error) {
	return p.page.Evaluate(script, arg)
}

// AddInitScript installs a script that runs on every document (including
// after navigations), used by the Overlay Surface (C3) for idempotent
// injection.
func (p *Page) AddInitScript(script string) error {
	return p.page.AddInitScript(playwright.Script{Content: playwright.String(script)})
}

// AddStyleTag injects CSS, used for any per-session custom styling.
func (p *Page) AddStyleTag(css string) error {
	_, err := p.page.AddStyleTag(playwright.PageAddStyleTagOptions{Content: playwright.String(css)})
	return err
}

// OnLoad/OnFrameNavigated register the reinstall hooks the Overlay Surface
// needs to survive SPA route changes (spec.md §4.4). OnFrameNavigated fires
// for main-frame navigations only; child-frame navigations are ignored.
func (p *Page) OnLoad(fn func()) {
	p.page.On("load", func() { fn() })
}

func (p *Page) OnFrameNavigated(fn func()) {
	p.page.On("framenavigated", func(f playwright.Frame) {
		if f.ParentFrame() == nil {
			fn()
		}
	})
}

// StorageState persists cookies/localStorage for session resumption.
func (p *Page) StorageState(path string) error {
	_, err := p.ctx.StorageState(path)
	return err
}

// OnDownload exposes the browser's download event so :set-download-path
// can route files, and OnFileChooser exposes the file-chooser event so
// :set-upload-file can arm a single-shot handler.
func (p *Page) OnDownload(fn func(suggestedName string, save func(path string) error)) {
	p.page.On("download", func(d playwright.Download) {
		fn(d.SuggestedFilename(), func(path string) error { return d.SaveAs(path) })
	})
}

func (p *Page) OnFileChooser(fn func(setFiles func(paths []string) error)) {
	p.page.On("filechooser", func(fc playwright.FileChooser) {
		fn(func(paths []string) error { return fc.SetFiles(paths) })
	})
}

// CursorStyleAt evaluates the CSS cursor of the element under (x,y), used
// by the Overlay Surface's hover color logic (spec.md §4.7 Pointer math).
func (p *Page) CursorStyleAt(x, y float64) (string, error) {
	v, err := p.page.Evaluate(`([x, y]) => {
		const el = document.elementFromPoint(x, y);
		if (!el) return '';
		return getComputedStyle(el).cursor || '';
	}`, []float64{x, y})
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// ElementAt returns a coarse description of the element under (x,y), used
// by :extract with no coordinates.
type ElementInfo struct {
	Text, Tag, ID, ClassName string
}

func (p *Page) ElementAt(x, y float64) (ElementInfo, error) {
	v, err := p.page.Evaluate(`([x, y]) => {
		const el = document.elementFromPoint(x, y);
		if (!el) return null;
		return {
			text: (el.innerText || el.textContent || '').trim().slice(0, 500),
			tag: el.tagName.toLowerCase(),
			id: el.id || '',
			className: (el.className && el.className.baseVal) || el.className || '',
		};
	}`, []float64{x, y})
	if err != nil || v == nil {
		return ElementInfo{}, err
	}
	m, _ := v.(map[string]any)
	return ElementInfo{
		Text:      str(m["text"]),
		Tag:       str(m["tag"]),
		ID:        str(m["id"]),
		ClassName: str(m["className"]),
	}, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// ViewportSize returns the current viewport dimensions.
func (p *Page) ViewportSize() (int, int) {
	s := p.page.ViewportSize()
	return s.Width, s.Height
}

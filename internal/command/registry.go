package command

import (
	"context"
	"fmt"

	"github.com/rabbitize/engine/internal/browser"
	"github.com/rabbitize/engine/internal/overlay"
	"github.com/rabbitize/engine/internal/sessionerr"
)

// StepOutput is the per-command payload persisted into Record.Output and
// returned to the queue's callbacks (spec.md §4.8 step semantics).
type StepOutput struct {
	IsNavigationTimeout  bool           `json:"isNavigationTimeout,omitempty"`
	IsContextDestroyed   bool           `json:"isContextDestroyed,omitempty"`
	IsStabilityTimeout   bool           `json:"isStabilityTimeout,omitempty"`
	URL                  string         `json:"url,omitempty"`
	Title                string         `json:"title,omitempty"`
	Extracted            any            `json:"extracted,omitempty"`
	Extra                map[string]any `json:"extra,omitempty"`
}

// DragState tracks the button currently held down by a :start-drag, so
// :end-drag (or a release verb with no matching hold) can be validated
// per spec.md §4.7.
type DragState struct {
	Active bool
	Button string
	X, Y   float64
}

// LLMClient is the capability port for the :rabbit-eyes verb, implemented
// by internal/llm and wired in by the Session Engine. Kept as an interface
// here so command never imports llm (which depends on retry/HTTP
// concerns this package has no business knowing about).
type LLMClient interface {
	Ask(ctx context.Context, prompt string, screenshot []byte) (string, error)
}

// ExecContext is everything a handler needs to act on one command. A fresh
// ExecContext is built for every dispatch; the Session Engine carries
// CursorX/Y and Drag over from the previous command, and no other field.
type ExecContext struct {
	Ctx     context.Context
	Page    *browser.Page
	Overlay *overlay.Surface

	// Pointer state, carried across commands in a session (spec.md §4.7
	// "Pointer math": every click/move is relative to the last known
	// cursor position unless the verb supplies absolute coordinates).
	CursorX, CursorY float64
	Drag             DragState

	// Set by :set-download-path and :set-upload-file for the current
	// dispatch only. Nothing reads them: no download or file-chooser
	// handler is registered, so downloads are not routed and uploads are
	// not submitted.
	DownloadPath   string
	PendingUpload  []string

	// ArtifactDir is the session's artifact root, for handlers that write
	// their own files (e.g. :print-pdf).
	ArtifactDir string

	// CommandIndex is the 0-based index of this command in the session,
	// used by handlers that need to name per-command artifacts.
	CommandIndex int

	// LLM backs :rabbit-eyes. Nil is valid: the handler reports
	// ErrLlmAPIFailed if a call is attempted with no client configured.
	LLM LLMClient

	// Extract is the DOM text/coordinate extraction port (internal/dom),
	// kept as an interface for the same reason as LLM above.
	Extract Extractor
}

// Extractor is the capability port for :extract and :extract-page.
type Extractor interface {
	// ExtractPoint returns a short text description of the element under
	// (x, y), used by :extract at the given x y, or at the cursor when no
	// coordinates are given.
	ExtractPoint(page *browser.Page, x, y float64) (string, error)
	// ExtractPage returns the full-page Markdown-ish visible-text
	// rendering used by :extract-page.
	ExtractPage(page *browser.Page) (string, error)
}

// HandlerFunc executes one verb against ec with its parsed args, returning
// the StepOutput to be merged into the command's Record.
type HandlerFunc func(ec *ExecContext, args []string) (StepOutput, error)

// Registry maps verb to handler. It is built once at startup (see
// DefaultRegistry) and is read-only thereafter, so Dispatch needs no lock.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty registry; use Register to populate it.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds verb to fn. Panics on duplicate registration, since that
// can only be a programming error at startup.
func (r *Registry) Register(verb string, fn HandlerFunc) {
	if _, exists := r.handlers[verb]; exists {
		panic(fmt.Sprintf("command: duplicate handler registration for %s", verb))
	}
	r.handlers[verb] = fn
}

// Dispatch looks up verb and runs it. ErrUnknownCommand is returned for any
// verb not in the registry, including ones present in KnownVerbs but not
// yet wired (a startup bug, not a user error, but handled the same way).
func (r *Registry) Dispatch(ec *ExecContext, cmd Command) (StepOutput, error) {
	fn, ok := r.handlers[cmd.Verb]
	if !ok {
		return StepOutput{}, fmt.Errorf("%w: %s", sessionerr.ErrUnknownCommand, cmd.Verb)
	}
	return fn(ec, cmd.Args)
}

// Verbs returns the set of verbs this registry can currently dispatch,
// used at startup to cross-check against KnownVerbs.
func (r *Registry) Verbs() []string {
	out := make([]string, 0, len(r.handlers))
	for v := range r.handlers {
		out = append(out, v)
	}
	return out
}

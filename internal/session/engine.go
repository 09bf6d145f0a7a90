// Package session implements the Session Engine (C8): the orchestrator
// that owns one browser page for the lifetime of one session and drives
// every other component (Overlay Surface, Stability Detector, Metrics
// Sampler, Live Preview Pump, Artifact Store, Command Queue) through the
// per-command step loop and end-of-session teardown described in
// SPEC_FULL.md §4.8-4.9.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitize/engine/internal/artifact"
	"github.com/rabbitize/engine/internal/browser"
	"github.com/rabbitize/engine/internal/clock"
	"github.com/rabbitize/engine/internal/command"
	"github.com/rabbitize/engine/internal/config"
	"github.com/rabbitize/engine/internal/dom"
	"github.com/rabbitize/engine/internal/imaging"
	"github.com/rabbitize/engine/internal/metrics"
	"github.com/rabbitize/engine/internal/overlay"
	"github.com/rabbitize/engine/internal/preview"
	"github.com/rabbitize/engine/internal/queue"
	"github.com/rabbitize/engine/internal/sessionerr"
	"github.com/rabbitize/engine/internal/sink"
	"github.com/rabbitize/engine/internal/stability"
	"github.com/rabbitize/engine/internal/video"
)

// Phase is the session's lifecycle state (spec.md §4.9).
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseActive       Phase = "active"
	PhaseEnding       Phase = "ending"
	PhaseEnded        Phase = "ended"
)

// Identity is the (clientId, testId, sessionId) triple every artifact and
// sink row is keyed by.
type Identity struct {
	ClientID  string
	TestID    string
	SessionID string
}

// Deps bundles the optional collaborators an Engine may be wired with.
// LLM and Sink are both nil-safe: their absence degrades a feature
// (rabbit-eyes, observability) without affecting core command execution.
type Deps struct {
	Driver *browser.Driver
	LLM    command.LLMClient
	Sink   *sink.Sink
	Clock  *clock.Clock // only set for interactive sessions
	Video  video.Encoder
	Log    *slog.Logger
}

// Engine is the per-session orchestrator. One Engine owns exactly one
// browser page, per spec.md §5's "exactly one browser per engine" rule.
type Engine struct {
	id       Identity
	cfg      *config.Config
	deps     Deps
	interactive bool

	mu    sync.Mutex
	phase Phase

	page        *browser.Page
	overlay     *overlay.Surface
	detector    *stability.Detector
	sampler     *metrics.Sampler
	tree        *artifact.Tree
	extract     *dom.Extractor
	registry    *command.Registry
	queue       *queue.Queue
	previewTop  *preview.Topic
	previewPump *preview.Pump

	commandCounter int
	records        []command.Record

	lastCursorX, lastCursorY float64
	lastDrag                 command.DragState

	inactivityTimer *time.Timer
	cancelRun       context.CancelFunc
}

// New constructs an Engine in PhaseIdle. Call Initialize to stand up the
// browser page and begin accepting commands.
func New(id Identity, cfg *config.Config, interactive bool, deps Deps) *Engine {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Engine{
		id:          id,
		cfg:         cfg,
		deps:        deps,
		interactive: interactive,
		phase:       PhaseIdle,
		registry:    command.DefaultRegistry(),
		extract:     dom.New(),
		previewTop:  preview.NewTopic(),
	}
}

// Phase returns the engine's current lifecycle phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// PreviewTopic exposes the live-preview pub/sub topic for the façade's
// websocket handler to subscribe to.
func (e *Engine) PreviewTopic() *preview.Topic {
	return e.previewTop
}

// Initialize opens a page on the already-launched browser driver, installs
// the overlay, and starts the background samplers/pumps. It is the only place
// ErrInitializationFailed is returned (spec.md §7).
func (e *Engine) Initialize(ctx context.Context, width, height int) error {
	e.mu.Lock()
	if e.phase != PhaseIdle {
		e.mu.Unlock()
		return fmt.Errorf("%w: session already initialized", sessionerr.ErrInitializationFailed)
	}
	e.phase = PhaseInitializing
	e.mu.Unlock()

	tree, err := artifact.New(e.cfg.RunsRoot, e.id.ClientID, e.id.TestID, e.id.SessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", sessionerr.ErrInitializationFailed, err)
	}
	e.tree = tree

	page, err := e.deps.Driver.NewPage(browser.PageOptions{
		Width: width, Height: height,
		VideoDir: tree.Path("video"),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", sessionerr.ErrInitializationFailed, err)
	}
	e.page = page

	surf, err := overlay.New(page, e.interactive)
	if err != nil {
		return fmt.Errorf("%w: %v", sessionerr.ErrInitializationFailed, err)
	}
	e.overlay = surf
	page.OnLoad(func() { _, _ = overlay.New(page, e.interactive) })
	page.OnFrameNavigated(func() {
		e.mu.Lock()
		det := e.detector
		e.mu.Unlock()
		if det != nil {
			det.Reenable()
		}
	})

	if e.cfg.StabilityTimeoutMs > 0 {
		e.detector = stability.New(page, e.cfg.StabilityWaitSeconds, e.cfg.StabilitySensitivity,
			e.cfg.StabilityTimeoutMs, e.cfg.StabilityIntervalMs, e.cfg.StabilityTimeoutThresh)
	}

	e.sampler = metrics.New(time.Second)
	e.sampler.Start()

	e.previewPump = preview.NewPump(page, e.previewTop, "")
	e.previewPump.Start(preview.RefreshInterval(e.cfg.LivePreviewRefreshPeriod))

	if coords, err := e.extract.CoordsForSelectors(page, dom.DefaultSelectors); err == nil {
		_ = e.tree.WriteJSON(artifact.DOMCoordsInitialPath, coords)
	} else {
		e.deps.Log.Warn("initial dom_coords capture failed", "error", err)
	}

	if e.interactive && e.deps.Clock != nil {
		go e.runClockOverlay()
	}

	execFn := func(ctx context.Context, cmd command.Command) (command.StepOutput, error) {
		return e.executeStep(ctx, cmd)
	}
	e.queue = queue.New(execFn, queue.Callbacks{}, e.cfg.QueueRateLimitPerMin, e.cfg.QueueBurst)

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancelRun = cancel
	go e.queue.Run(runCtx)

	e.resetInactivityTimer()

	e.mu.Lock()
	e.phase = PhaseActive
	e.mu.Unlock()

	if e.deps.Sink != nil {
		e.deps.Sink.Write(ctx, sink.Record{
			ClientID: e.id.ClientID, TestID: e.id.TestID, SessionID: e.id.SessionID,
			Kind: sink.KindLifecycle, CommandIndex: -1,
			Payload: map[string]any{"event": "initialized"},
		})
	}

	return e.tree.WriteJSON(artifact.MetadataPath, map[string]any{
		"clientId": e.id.ClientID, "testId": e.id.TestID, "sessionId": e.id.SessionID,
		"interactive": e.interactive, "startedAt": time.Now().UTC(),
	})
}

// runClockOverlay refreshes the interactive time overlay every second
// until the session ends, using NTP-corrected time (spec.md §4.4).
func (e *Engine) runClockOverlay() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if e.Phase() != PhaseActive {
			return
		}
		_ = e.overlay.SetClock(e.deps.Clock.Now().Format("15:04:05 MST"))
	}
}

// resetInactivityTimer re-arms the 15-minute (configurable) auto-end timer
// on every command, per spec.md §4.9.
func (e *Engine) resetInactivityTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inactivityTimer != nil {
		e.inactivityTimer.Stop()
	}
	e.inactivityTimer = time.AfterFunc(time.Duration(e.cfg.InactivityTimeoutMinutes)*time.Minute, func() {
		_ = e.End(context.Background())
	})
}

// Submit enqueues cmd for clientID through the admission limiter,
// rejecting unknown verbs before the command ever reaches the queue.
func (e *Engine) Submit(clientID string, cmd command.Command) (*queue.Item, error) {
	if e.Phase() != PhaseActive {
		return nil, sessionerr.ErrSessionNotInitialized
	}
	if !command.KnownVerbs[cmd.Verb] {
		return nil, fmt.Errorf("%w: %s", sessionerr.ErrUnknownCommand, cmd.Verb)
	}
	e.mu.Lock()
	idx := e.commandCounter
	e.mu.Unlock()
	return e.queue.Enqueue(clientID, cmd, idx)
}

// Records returns a copy of all executed command records, newest last.
func (e *Engine) Records() []command.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]command.Record, len(e.records))
	copy(out, e.records)
	return out
}

// executeStep runs the full per-command flow (spec.md §4.8): paint-red ->
// show overlay -> pre-state screenshot -> paint verb color -> dispatch ->
// black -> stability wait -> post-state/thumb/zoom/dom capture -> append
// record -> sink write.
func (e *Engine) executeStep(ctx context.Context, cmd command.Command) (command.StepOutput, error) {
	e.mu.Lock()
	idx := e.commandCounter
	e.mu.Unlock()

	queuedAt := time.Now()
	if e.overlay != nil {
		_ = e.overlay.PaintCornerRed()
		_ = e.overlay.ShowCommand(cmd.Verb, cmd.Args)
	}

	if pre, err := e.page.Screenshot(35); err == nil {
		_ = e.tree.WriteBytes(artifact.PreScreenshotPath(idx, cmd.Verb), pre)
		_ = e.tree.WriteBytes(artifact.LatestJPGPath, pre)
	} else {
		e.deps.Log.Warn("pre-state screenshot failed", "error", err, "index", idx)
	}

	if e.overlay != nil {
		_ = e.overlay.PaintCorner(e.overlay.ColorFor(cmd.Verb))
	}

	ec := &command.ExecContext{
		Ctx: ctx, Page: e.page, Overlay: e.overlay,
		ArtifactDir: e.tree.Root, CommandIndex: idx,
		LLM: e.deps.LLM, Extract: e.extract,
	}
	e.mu.Lock()
	ec.CursorX, ec.CursorY = e.lastCursorX, e.lastCursorY
	ec.Drag = e.lastDrag
	e.mu.Unlock()

	startedAt := time.Now()
	output, err := e.registry.Dispatch(ec, cmd)
	endedAt := time.Now()

	if e.overlay != nil {
		_ = e.overlay.PaintCornerBlack()
	}

	e.mu.Lock()
	e.lastCursorX, e.lastCursorY = ec.CursorX, ec.CursorY
	e.lastDrag = ec.Drag
	e.mu.Unlock()

	if e.detector != nil {
		timedOut, werr := e.detector.Wait(ctx)
		if werr == nil && timedOut {
			output.IsStabilityTimeout = true
		}
	}

	e.captureArtifacts(idx, cmd.Verb, output)

	status := command.StatusDone
	if err != nil && !sessionerr.Soft(err) {
		status = command.StatusError
	}
	rec := command.Record{
		Index: idx, Verb: cmd.Verb, Args: cmd.Args,
		QueuedAt: queuedAt, StartedAt: startedAt, EndedAt: endedAt,
		Status: status, DurationMs: endedAt.Sub(startedAt).Milliseconds(),
		Output: stepOutputToMap(output),
	}
	e.mu.Lock()
	e.records = append(e.records, rec)
	if !errIsContextDestroyed(err) {
		e.commandCounter++
	}
	e.mu.Unlock()
	_ = e.tree.WriteJSON(artifact.CommandsPath, e.Records())

	if e.deps.Sink != nil {
		e.deps.Sink.Write(ctx, sink.Record{
			ClientID: e.id.ClientID, TestID: e.id.TestID, SessionID: e.id.SessionID,
			Kind: sink.KindCommand, CommandIndex: idx,
			Payload: map[string]any{"verb": cmd.Verb, "args": cmd.Args, "status": string(status)},
		})
	}

	e.resetInactivityTimer()
	return output, err
}

func errIsContextDestroyed(err error) bool {
	return err != nil && errors.Is(err, sessionerr.ErrContextDestroyed)
}

func stepOutputToMap(out command.StepOutput) map[string]any {
	m := map[string]any{}
	if out.IsNavigationTimeout {
		m["isNavigationTimeout"] = true
	}
	if out.IsContextDestroyed {
		m["isContextDestroyed"] = true
	}
	if out.IsStabilityTimeout {
		m["isStabilityTimeout"] = true
	}
	if out.URL != "" {
		m["url"] = out.URL
	}
	if out.Extracted != nil {
		m["extracted"] = out.Extracted
	}
	for k, v := range out.Extra {
		m[k] = v
	}
	return m
}

// captureArtifacts writes the post-state, canonical, thumb, and zoom
// screenshots, the dom_coords element table, and the visible-text DOM
// snapshot for command idx, mirroring each to its root-level latest.*
// counterpart (spec.md §4.8 steps 8-11). Every failure here is warn-only
// (sessionerr.ErrArtifactWriteFailed): artifact loss never aborts a step.
func (e *Engine) captureArtifacts(idx int, verb string, out command.StepOutput) {
	raw, err := e.page.Screenshot(85)
	if err != nil {
		e.deps.Log.Warn("screenshot capture failed", "error", err, "index", idx)
		return
	}
	if err := e.tree.WriteBytes(artifact.PostScreenshotPath(idx, verb), raw); err != nil {
		e.deps.Log.Warn("post-state screenshot write failed", "error", err)
	}

	canonical, thumbRel, zoomRel := artifact.ScreenshotPaths(idx)
	canonicalJPG, err := imaging.Requality(raw, 35)
	if err != nil {
		canonicalJPG = raw
	}
	if err := e.tree.WriteBytes(canonical, canonicalJPG); err != nil {
		e.deps.Log.Warn("screenshot write failed", "error", err)
	}
	_ = e.tree.WriteBytes(artifact.LatestJPGPath, canonicalJPG)

	if thumb, err := imaging.Thumbnail(raw, 500, 80); err == nil {
		_ = e.tree.WriteBytes(thumbRel, thumb)
	}
	cx, cy := int(e.lastCursorX), int(e.lastCursorY)
	if zoom, err := imaging.Zoom(raw, cx, cy, 200, 200, 20); err == nil {
		_ = e.tree.WriteBytes(zoomRel, zoom)
	}

	if coords, err := e.extract.CoordsForSelectors(e.page, dom.DefaultSelectors); err == nil {
		_ = e.tree.WriteJSON(artifact.DOMCoordsPath(idx), coords)
		_ = e.tree.WriteJSON(artifact.LatestJSONPath, coords)
	}

	if md, err := e.extract.ExtractPage(e.page); err == nil {
		_ = e.tree.WriteBytes(artifact.DOMPath(idx), []byte(md))
		_ = e.tree.WriteBytes(artifact.LatestMDPath, []byte(md))
	} else {
		e.deps.Log.Warn("dom snapshot extraction failed", "error", err, "index", idx)
	}
}

// End performs graceful end-of-session teardown: stop pumps/samplers,
// flush metrics, close the page, save video, write final status.json.
func (e *Engine) End(ctx context.Context) error {
	e.mu.Lock()
	if e.phase == PhaseEnded || e.phase == PhaseEnding {
		e.mu.Unlock()
		return nil
	}
	e.phase = PhaseEnding
	e.mu.Unlock()

	if e.cancelRun != nil {
		e.cancelRun()
	}
	if e.previewPump != nil {
		e.previewPump.Stop()
	}
	if e.sampler != nil {
		e.sampler.Stop()
		_ = e.sampler.Flush(e.tree.Path(artifact.MetricsPath))
	}
	e.mu.Lock()
	if e.inactivityTimer != nil {
		e.inactivityTimer.Stop()
	}
	e.mu.Unlock()

	webmPath := e.tree.Path("video", "recording.webm")
	if e.page != nil {
		if err := e.page.Close(); err != nil {
			e.deps.Log.Warn("page close failed", "error", err)
		}
		_ = e.page.SaveVideo(webmPath)
	}

	if e.cfg.ProcessVideo && e.deps.Video != nil {
		e.postProcessVideo(ctx, webmPath)
	}

	_ = e.tree.WriteJSON(artifact.StatusPath, map[string]any{
		"phase": PhaseEnded, "endedAt": time.Now().UTC(), "commandCount": e.commandCounter,
	})

	if e.deps.Sink != nil {
		e.deps.Sink.Write(ctx, sink.Record{
			ClientID: e.id.ClientID, TestID: e.id.TestID, SessionID: e.id.SessionID,
			Kind: sink.KindLifecycle, CommandIndex: -1,
			Payload: map[string]any{"event": "ended"},
		})
	}

	e.mu.Lock()
	e.phase = PhaseEnded
	e.mu.Unlock()
	return nil
}

// postProcessVideo converts the raw webm recording to mp4, generates a
// cover image, a 4x-speed scrub version, and (if requested) per-command
// clips cut at each step's recorded timestamp. Every failure here is
// warn-and-continue (sessionerr.ErrPostProcessingFailed): the session
// still completes with whatever artifacts were produced.
func (e *Engine) postProcessVideo(ctx context.Context, webmPath string) {
	mp4Path := e.tree.Path("video", "recording.mp4")
	if err := e.deps.Video.ToMP4(ctx, webmPath, mp4Path); err != nil {
		e.deps.Log.Warn("video transcode failed", "error", fmt.Errorf("%w: %v", sessionerr.ErrPostProcessingFailed, err))
		return
	}

	gifPath := e.tree.Path("video", "cover.gif")
	jpgPath := e.tree.Path("video", "cover.jpg")
	if err := e.deps.Video.Cover(ctx, mp4Path, gifPath, jpgPath); err != nil {
		e.deps.Log.Warn("cover generation failed", "error", err)
	}

	fastPath := e.tree.Path("video", "recording_4x.mp4")
	if err := e.deps.Video.SpeedUp(ctx, mp4Path, fastPath, 4.0); err != nil {
		e.deps.Log.Warn("4x speed render failed", "error", err)
	}

	if !e.cfg.ClipSegments {
		return
	}
	records := e.Records()
	if len(records) == 0 {
		return
	}
	sessionStart := records[0].QueuedAt
	cuts := make([]video.ClipCut, 0, len(records))
	for i, rec := range records {
		start := rec.StartedAt.Sub(sessionStart).Seconds()
		end := rec.EndedAt.Sub(sessionStart).Seconds()
		if i+1 < len(records) {
			end = records[i+1].StartedAt.Sub(sessionStart).Seconds()
		}
		cuts = append(cuts, video.ClipCut{CommandIndex: rec.Index, StartSeconds: start, EndSeconds: end})
	}
	if _, err := e.deps.Video.SplitClips(ctx, mp4Path, e.tree.Path("video", "clips"), cuts); err != nil {
		e.deps.Log.Warn("clip split failed", "error", err)
	}
}

// QuickEnd skips video post-processing and artifact finalization for an
// emergency shutdown path (e.g. process signal), per spec.md §4.9.
func (e *Engine) QuickEnd(ctx context.Context) error {
	e.mu.Lock()
	e.phase = PhaseEnded
	e.mu.Unlock()
	if e.cancelRun != nil {
		e.cancelRun()
	}
	if e.page != nil {
		_ = e.page.Close()
	}
	return nil
}

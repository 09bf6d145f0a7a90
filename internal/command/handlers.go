package command

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rabbitize/engine/internal/artifact"
	"github.com/rabbitize/engine/internal/browser"
	"github.com/rabbitize/engine/internal/sessionerr"
)

// DefaultRegistry wires every verb in KnownVerbs to its handler. Called
// once at startup by the Session Engine; panics (via Register) if a verb
// is registered twice, and the caller is expected to assert Verbs()
// against KnownVerbs in tests.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(":navigate", handleNavigate)
	r.Register(":url", handleURL)
	r.Register(":move-mouse", handleMoveMouse)

	r.Register(":click", clickHandler("left"))
	r.Register(":right-click", clickHandler("right"))
	r.Register(":middle-click", clickHandler("middle"))

	r.Register(":click-hold", holdHandler("left"))
	r.Register(":right-click-hold", holdHandler("right"))
	r.Register(":middle-click-hold", holdHandler("middle"))

	r.Register(":click-release", releaseHandler("left"))
	r.Register(":right-click-release", releaseHandler("right"))
	r.Register(":middle-click-release", releaseHandler("middle"))

	r.Register(":drag", handleDrag)
	r.Register(":start-drag", handleStartDrag)
	r.Register(":end-drag", handleEndDrag)

	r.Register(":scroll-wheel-up", scrollHandler(-1))
	r.Register(":scroll-wheel-down", scrollHandler(1))

	r.Register(":type", handleType)
	r.Register(":keypress", handleKeypress)
	r.Register(":wait", handleWait)

	r.Register(":back", handleBack)
	r.Register(":forward", handleForward)

	r.Register(":width", handleWidth)
	r.Register(":height", handleHeight)

	r.Register(":print-pdf", handlePrintPDF)
	r.Register(":set-download-path", handleSetDownloadPath)
	r.Register(":set-upload-file", handleSetUploadFile)

	r.Register(":extract", handleExtract)
	r.Register(":extract-page", handleExtractPage)

	r.Register(":rabbit-eyes", handleRabbitEyes)

	return r
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

// resolveXY reads x/y from the first two args if present, otherwise falls
// back to the context's last known cursor position (spec.md §4.7 "every
// click/move is relative to the last known cursor position unless the
// verb supplies absolute coordinates").
func resolveXY(ec *ExecContext, args []string) (float64, float64, error) {
	if len(args) >= 2 {
		x, err := parseFloat(args[0])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid x %q: %w", args[0], err)
		}
		y, err := parseFloat(args[1])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid y %q: %w", args[1], err)
		}
		return x, y, nil
	}
	return ec.CursorX, ec.CursorY, nil
}

func handleNavigate(ec *ExecContext, args []string) (StepOutput, error) {
	if len(args) < 1 {
		return StepOutput{}, fmt.Errorf("%w: :navigate requires a url", sessionerr.ErrCommandDispatchFailed)
	}
	url := args[0]
	if err := ec.Page.Goto(url); err != nil {
		return StepOutput{IsNavigationTimeout: true, URL: url}, fmt.Errorf("%w: %v", sessionerr.ErrNavigationTimeout, err)
	}
	return StepOutput{URL: url}, nil
}

func handleURL(ec *ExecContext, args []string) (StepOutput, error) {
	return StepOutput{}, nil
}

func handleMoveMouse(ec *ExecContext, args []string) (StepOutput, error) {
	x, y, err := resolveXY(ec, args)
	if err != nil {
		return StepOutput{}, err
	}
	if err := ec.Page.MouseMove(x, y); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
	}
	ec.CursorX, ec.CursorY = x, y
	if ec.Overlay != nil {
		_ = ec.Overlay.MoveCursor(x, y)
	}
	return StepOutput{}, nil
}

// clickHandler returns a handler that moves to (x, y) if given, then
// performs a full press-release click with button, updating cursor state
// and driving the overlay's click-feedback animation.
func clickHandler(button string) HandlerFunc {
	return func(ec *ExecContext, args []string) (StepOutput, error) {
		x, y, err := resolveXY(ec, args)
		if err != nil {
			return StepOutput{}, err
		}
		if ec.Overlay != nil {
			_ = ec.Overlay.MoveCursor(x, y)
			_ = ec.Overlay.CursorClickFeedback(button, true)
		}
		if err := ec.Page.MouseClick(x, y, button); err != nil {
			return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
		}
		ec.CursorX, ec.CursorY = x, y
		if ec.Overlay != nil {
			_ = ec.Overlay.CursorClickFeedback(button, false)
		}
		return StepOutput{}, nil
	}
}

// holdHandler presses button down at (x, y) without releasing, recording
// drag state so a matching release or :end-drag can validate itself.
func holdHandler(button string) HandlerFunc {
	return func(ec *ExecContext, args []string) (StepOutput, error) {
		x, y, err := resolveXY(ec, args)
		if err != nil {
			return StepOutput{}, err
		}
		if ec.Overlay != nil {
			_ = ec.Overlay.MoveCursor(x, y)
			_ = ec.Overlay.CursorClickFeedback(button, true)
		}
		if err := ec.Page.MouseMove(x, y); err != nil {
			return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
		}
		if err := ec.Page.MouseDown(button); err != nil {
			return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
		}
		ec.CursorX, ec.CursorY = x, y
		ec.Drag = DragState{Active: true, Button: button, X: x, Y: y}
		return StepOutput{}, nil
	}
}

// releaseHandler releases button. If there is no matching hold state it
// still issues the release (browsers tolerate a bare mouseup) but reports
// ErrHoldStateMismatch as a soft warning per spec.md §7.
func releaseHandler(button string) HandlerFunc {
	return func(ec *ExecContext, args []string) (StepOutput, error) {
		x, y, err := resolveXY(ec, args)
		if err != nil {
			return StepOutput{}, err
		}
		mismatch := !ec.Drag.Active || ec.Drag.Button != button
		if err := ec.Page.MouseUp(button); err != nil {
			return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
		}
		if ec.Overlay != nil {
			_ = ec.Overlay.CursorClickFeedback(button, false)
		}
		ec.CursorX, ec.CursorY = x, y
		ec.Drag = DragState{}
		if mismatch {
			return StepOutput{}, sessionerr.ErrHoldStateMismatch
		}
		return StepOutput{}, nil
	}
}

func handleDrag(ec *ExecContext, args []string) (StepOutput, error) {
	if len(args) < 4 {
		return StepOutput{}, fmt.Errorf("%w: :drag requires x1 y1 x2 y2", sessionerr.ErrCommandDispatchFailed)
	}
	x1, err := parseFloat(args[0])
	if err != nil {
		return StepOutput{}, err
	}
	y1, err := parseFloat(args[1])
	if err != nil {
		return StepOutput{}, err
	}
	x2, err := parseFloat(args[2])
	if err != nil {
		return StepOutput{}, err
	}
	y2, err := parseFloat(args[3])
	if err != nil {
		return StepOutput{}, err
	}

	if ec.Overlay != nil {
		_ = ec.Overlay.MoveCursor(x1, y1)
	}
	if err := ec.Page.MouseMove(x1, y1); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
	}
	if err := ec.Page.MouseDown("left"); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
	}
	if ec.Overlay != nil {
		_ = ec.Overlay.CursorClickFeedback("left", true)
		_ = ec.Overlay.MoveCursor(x2, y2)
	}
	if err := ec.Page.MouseMove(x2, y2); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
	}
	if err := ec.Page.MouseUp("left"); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
	}
	if ec.Overlay != nil {
		_ = ec.Overlay.CursorClickFeedback("left", false)
	}
	ec.CursorX, ec.CursorY = x2, y2
	return StepOutput{}, nil
}

func handleStartDrag(ec *ExecContext, args []string) (StepOutput, error) {
	button := "left"
	xyArgs := args
	if len(args) == 3 {
		button = args[2]
		xyArgs = args[:2]
	}
	x, y, err := resolveXY(ec, xyArgs)
	if err != nil {
		return StepOutput{}, err
	}
	if ec.Overlay != nil {
		_ = ec.Overlay.MoveCursor(x, y)
	}
	if err := ec.Page.MouseMove(x, y); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
	}
	if err := ec.Page.MouseDown(button); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
	}
	ec.CursorX, ec.CursorY = x, y
	ec.Drag = DragState{Active: true, Button: button, X: x, Y: y}
	if ec.Overlay != nil {
		_ = ec.Overlay.CursorClickFeedback(button, true)
	}
	return StepOutput{}, nil
}

func handleEndDrag(ec *ExecContext, args []string) (StepOutput, error) {
	if !ec.Drag.Active {
		// Still move, if coordinates were given, but issue no mouse-up;
		// the missing drag is reported as a soft warning.
		x, y, err := resolveXY(ec, args)
		if err == nil {
			_ = ec.Page.MouseMove(x, y)
		}
		return StepOutput{}, sessionerr.ErrNoActiveDrag
	}
	x, y, err := resolveXY(ec, args)
	if err != nil {
		return StepOutput{}, err
	}
	if ec.Overlay != nil {
		_ = ec.Overlay.MoveCursor(x, y)
	}
	if err := ec.Page.MouseMove(x, y); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
	}
	button := ec.Drag.Button
	if err := ec.Page.MouseUp(button); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
	}
	if ec.Overlay != nil {
		_ = ec.Overlay.CursorClickFeedback(button, false)
	}
	ec.CursorX, ec.CursorY = x, y
	ec.Drag = DragState{}
	return StepOutput{}, nil
}

func scrollHandler(sign float64) HandlerFunc {
	return func(ec *ExecContext, args []string) (StepOutput, error) {
		amount := 120.0
		if len(args) >= 1 {
			v, err := parseFloat(args[0])
			if err == nil {
				amount = v
			}
		}
		if err := ec.Page.MouseWheel(0, sign*amount); err != nil {
			return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
		}
		return StepOutput{}, nil
	}
}

func handleType(ec *ExecContext, args []string) (StepOutput, error) {
	if len(args) < 1 {
		return StepOutput{}, fmt.Errorf("%w: :type requires text", sessionerr.ErrCommandDispatchFailed)
	}
	if err := ec.Page.TypeText(args[0]); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
	}
	return StepOutput{}, nil
}

func handleKeypress(ec *ExecContext, args []string) (StepOutput, error) {
	if len(args) < 1 {
		return StepOutput{}, fmt.Errorf("%w: :keypress requires a key", sessionerr.ErrCommandDispatchFailed)
	}
	if err := ec.Page.KeyPress(args[0]); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
	}
	return StepOutput{}, nil
}

func handleWait(ec *ExecContext, args []string) (StepOutput, error) {
	seconds := 1.0
	if len(args) >= 1 {
		if v, err := parseFloat(args[0]); err == nil {
			seconds = v
		}
	}
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ec.Ctx.Done():
		return StepOutput{}, ec.Ctx.Err()
	case <-timer.C:
		return StepOutput{}, nil
	}
}

func handleBack(ec *ExecContext, args []string) (StepOutput, error) {
	if err := ec.Page.Back(); err != nil {
		return StepOutput{IsNavigationTimeout: true}, fmt.Errorf("%w: %v", sessionerr.ErrNavigationTimeout, err)
	}
	return StepOutput{}, nil
}

func handleForward(ec *ExecContext, args []string) (StepOutput, error) {
	if err := ec.Page.Forward(); err != nil {
		return StepOutput{IsNavigationTimeout: true}, fmt.Errorf("%w: %v", sessionerr.ErrNavigationTimeout, err)
	}
	return StepOutput{}, nil
}

func handleWidth(ec *ExecContext, args []string) (StepOutput, error) {
	if len(args) < 1 {
		return StepOutput{}, fmt.Errorf("%w: :width requires a pixel value", sessionerr.ErrCommandDispatchFailed)
	}
	w, err := strconv.Atoi(args[0])
	if err != nil {
		return StepOutput{}, fmt.Errorf("invalid width %q: %w", args[0], err)
	}
	if err := ec.Page.SetViewportWidth(w); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrArtifactWriteFailed, err)
	}
	return StepOutput{}, nil
}

func handleHeight(ec *ExecContext, args []string) (StepOutput, error) {
	if len(args) < 1 {
		return StepOutput{}, fmt.Errorf("%w: :height requires a pixel value", sessionerr.ErrCommandDispatchFailed)
	}
	h, err := strconv.Atoi(args[0])
	if err != nil {
		return StepOutput{}, fmt.Errorf("invalid height %q: %w", args[0], err)
	}
	if err := ec.Page.SetViewportHeight(h); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrArtifactWriteFailed, err)
	}
	return StepOutput{}, nil
}

// handlePrintPDF implements `:print-pdf MODE FORMAT ORIENTATION` (spec.md
// §4.7). MODE=dialog opens the browser's print dialog and leaves saving to
// the operator watching the live preview; this process never touches disk
// for that mode. MODE=auto renders straight to pdfs/rabbitize-<timestamp>.pdf
// with the given format and orientation, 20px margins, background printing
// enabled.
func handlePrintPDF(ec *ExecContext, args []string) (StepOutput, error) {
	mode := "auto"
	format := "A4"
	orientation := "portrait"
	if len(args) >= 1 {
		mode = args[0]
	}
	if len(args) >= 2 {
		format = args[1]
	}
	if len(args) >= 3 {
		orientation = args[2]
	}

	if mode == "dialog" {
		if err := ec.Page.OpenPrintDialog(); err != nil {
			return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrArtifactWriteFailed, err)
		}
		return StepOutput{Extra: map[string]any{"printMode": "dialog"}}, nil
	}

	timestamp := time.Now().UTC().Format("20060102T150405Z")
	relPath := artifact.PDFPath(timestamp)
	opts := browser.PDFOptions{
		Path:      ec.ArtifactDir + "/" + relPath,
		Format:    format,
		Landscape: orientation == "landscape",
		MarginPx:  20,
	}
	if err := ec.Page.PrintPDF(opts); err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrArtifactWriteFailed, err)
	}
	return StepOutput{Extra: map[string]any{"pdfPath": relPath}}, nil
}

func handleSetDownloadPath(ec *ExecContext, args []string) (StepOutput, error) {
	if len(args) < 1 {
		return StepOutput{}, fmt.Errorf("%w: :set-download-path requires a path", sessionerr.ErrCommandDispatchFailed)
	}
	ec.DownloadPath = args[0]
	return StepOutput{}, nil
}

func handleSetUploadFile(ec *ExecContext, args []string) (StepOutput, error) {
	if len(args) < 1 {
		return StepOutput{}, fmt.Errorf("%w: :set-upload-file requires at least one path", sessionerr.ErrCommandDispatchFailed)
	}
	ec.PendingUpload = args
	return StepOutput{}, nil
}

func handleExtract(ec *ExecContext, args []string) (StepOutput, error) {
	if ec.Extract == nil {
		return StepOutput{}, fmt.Errorf("%w: no extractor configured", sessionerr.ErrCommandDispatchFailed)
	}
	x, y, err := resolveXY(ec, args)
	if err != nil {
		return StepOutput{}, err
	}
	text, err := ec.Extract.ExtractPoint(ec.Page, x, y)
	if err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
	}
	return StepOutput{Extracted: text}, nil
}

func handleExtractPage(ec *ExecContext, args []string) (StepOutput, error) {
	if ec.Extract == nil {
		return StepOutput{}, fmt.Errorf("%w: no extractor configured", sessionerr.ErrCommandDispatchFailed)
	}
	text, err := ec.Extract.ExtractPage(ec.Page)
	if err != nil {
		return StepOutput{}, fmt.Errorf("%w: %v", sessionerr.ErrContextDestroyed, err)
	}
	return StepOutput{Extracted: text}, nil
}

func handleRabbitEyes(ec *ExecContext, args []string) (StepOutput, error) {
	if len(args) < 1 {
		return StepOutput{}, fmt.Errorf("%w: :rabbit-eyes requires a prompt", sessionerr.ErrCommandDispatchFailed)
	}
	if ec.LLM == nil {
		return StepOutput{}, fmt.Errorf("%w: no llm client configured", sessionerr.ErrLlmAPIFailed)
	}
	shot, err := ec.Page.Screenshot(80)
	if err != nil {
		shot = nil
	}
	answer, err := ec.LLM.Ask(ec.Ctx, args[0], shot)
	if err != nil {
		return StepOutput{}, err
	}
	return StepOutput{Extracted: answer}, nil
}

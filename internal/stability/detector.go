// Package stability implements the Stability Detector (C4): a cancelable
// frame-diff polling loop that waits for a page to stop visibly changing
// before a step is considered complete, as a standalone, restartable
// component per SPEC_FULL.md §4.
package stability

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/rabbitize/engine/internal/sessionerr"
)

// Screenshotter is the minimal capability the detector needs: a JPEG frame
// grab. Satisfied by browser.Page.Screenshot, which captures the full
// viewport; the detector does not downscale frames.
type Screenshotter interface {
	Screenshot(quality int) ([]byte, error)
}

// Detector polls Screenshotter for frame-to-frame pixel differences and
// reports when the page has gone quiet. It auto-disables itself after
// TimeoutThreshold consecutive timeouts, per spec.md §4 "Stability
// Detector", and re-arms on a main-frame navigation.
type Detector struct {
	mu sync.Mutex

	shot             Screenshotter
	waitSeconds      float64
	sensitivity      float64
	intervalMs       int
	timeoutMs        int
	timeoutThreshold int

	consecutiveTimeouts int
	disabled            bool
}

// New constructs a Detector. waitSeconds is the minimum settle time before
// a stability check is even attempted (spec.md default 1.0), sensitivity is
// the fraction of changed pixels tolerated between frames (default 0.05).
func New(shot Screenshotter, waitSeconds, sensitivity float64, timeoutMs, intervalMs, timeoutThreshold int) *Detector {
	return &Detector{
		shot:             shot,
		waitSeconds:      waitSeconds,
		sensitivity:      sensitivity,
		intervalMs:       intervalMs,
		timeoutMs:        timeoutMs,
		timeoutThreshold: timeoutThreshold,
	}
}

// Reenable clears the auto-disable state, called on main-frame navigation
// per spec.md §4 "re-enable on navigation".
func (d *Detector) Reenable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disabled = false
	d.consecutiveTimeouts = 0
}

// Enabled reports whether the detector will currently run a wait.
func (d *Detector) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.disabled
}

// Wait blocks until the page is visually stable, the timeout elapses, or
// ctx is canceled. It returns a non-nil error only when ctx is canceled or
// a frame capture/decode fails; a timeout is reported via the bool return
// (true = timed out) rather than an error, since ErrStabilityTimeout is a
// soft condition (spec.md §7).
func (d *Detector) Wait(ctx context.Context) (timedOut bool, err error) {
	d.mu.Lock()
	if d.disabled {
		d.mu.Unlock()
		return false, nil
	}
	d.mu.Unlock()

	select {
	case <-time.After(time.Duration(d.waitSeconds * float64(time.Second))):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	deadline := time.Now().Add(time.Duration(d.timeoutMs) * time.Millisecond)
	interval := time.Duration(d.intervalMs) * time.Millisecond

	prev, err := d.downscaledFrame()
	if err != nil {
		return false, err
	}

	for {
		if time.Now().After(deadline) {
			d.recordTimeout()
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}

		cur, err := d.downscaledFrame()
		if err != nil {
			return false, err
		}
		if framesStable(prev, cur, d.sensitivity) {
			d.recordSettled()
			return false, nil
		}
		prev = cur
	}
}

func (d *Detector) recordTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutiveTimeouts++
	if d.consecutiveTimeouts >= d.timeoutThreshold {
		d.disabled = true
	}
}

func (d *Detector) recordSettled() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutiveTimeouts = 0
}

func (d *Detector) downscaledFrame() (image.Image, error) {
	raw, err := d.shot.Screenshot(40)
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return img, nil
}

// framesStable reports whether the fraction of sampled pixels differing
// by more than a small luminance threshold stays under sensitivity. It
// samples every second pixel in each direction of the full-size frames;
// no downscaling is applied before the comparison.
func framesStable(a, b image.Image, sensitivity float64) bool {
	ab := a.Bounds()
	bb := b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return false
	}
	const step = 2
	var total, diff int
	for y := ab.Min.Y; y < ab.Max.Y; y += step {
		for x := ab.Min.X; x < ab.Max.X; x += step {
			total++
			ar, ag, abl, _ := a.At(x, y).RGBA()
			br, bg, bbl, _ := b.At(x, y).RGBA()
			if absDiff(ar, br)+absDiff(ag, bg)+absDiff(abl, bbl) > 9000 {
				diff++
			}
		}
	}
	if total == 0 {
		return true
	}
	return float64(diff)/float64(total) <= sensitivity
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// ErrTimeoutWrapped returns sessionerr.ErrStabilityTimeout itself, for
// callers that want a Go error rather than the (bool, error) return of Wait.
func ErrTimeoutWrapped() error {
	return sessionerr.ErrStabilityTimeout
}

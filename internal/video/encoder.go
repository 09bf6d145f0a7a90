// Package video implements the Video Pipeline (C10): converting the
// browser's recorded webm into mp4, generating a cover image/gif, and
// optionally splitting the recording into per-command clips at the cut
// times the caller passes in (the Session Engine uses each command's
// recorded start time).
//
// Encoder is kept as a small interface (SPEC_FULL.md §9 Design Notes) so
// the ffmpeg-backed implementation below can be swapped for a test double
// without any other package knowing ffmpeg exists.
package video

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// Encoder is the opaque post-processing port the Session Engine calls at
// end-of-session.
type Encoder interface {
	ToMP4(ctx context.Context, webmPath, mp4Path string) error
	Cover(ctx context.Context, mp4Path, coverGifPath, coverJpgFallback string) error
	SpeedUp(ctx context.Context, mp4Path, outPath string, factor float64) error
	SplitClips(ctx context.Context, mp4Path, clipsDir string, cuts []ClipCut) ([]ClipInfo, error)
}

// ClipCut is one requested scene split, expressed as [startSeconds, endSeconds).
type ClipCut struct {
	CommandIndex int
	StartSeconds float64
	EndSeconds   float64
}

// ClipInfo is the result of one split, written into clip_mapping.json.
type ClipInfo struct {
	CommandIndex int     `json:"commandIndex"`
	Path         string  `json:"path"`
	StartSeconds float64 `json:"startSeconds"`
	EndSeconds   float64 `json:"endSeconds"`
}

// FFmpeg is the concrete Encoder backed by a local ffmpeg binary.
type FFmpeg struct {
	BinPath string
}

func New(binPath string) *FFmpeg {
	if binPath == "" {
		binPath = "ffmpeg"
	}
	return &FFmpeg{BinPath: binPath}
}

// ToMP4 transcodes webm to a web-playable H.264 mp4 at a moderate CRF.
func (f *FFmpeg) ToMP4(ctx context.Context, webmPath, mp4Path string) error {
	return f.run(ctx,
		"-y", "-i", webmPath,
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-pix_fmt", "yuv420p",
		mp4Path,
	)
}

// Cover extracts a 3-second animated gif starting 1s in as the primary
// cover, falling back to a single still jpg if gif generation fails (e.g.
// the clip is shorter than 1s).
func (f *FFmpeg) Cover(ctx context.Context, mp4Path, coverGifPath, coverJpgFallback string) error {
	err := f.run(ctx,
		"-y", "-ss", "1", "-t", "3", "-i", mp4Path,
		"-vf", "fps=10,scale=480:-1:flags=lanczos",
		coverGifPath,
	)
	if err == nil {
		return nil
	}
	return f.run(ctx, "-y", "-ss", "0", "-i", mp4Path, "-frames:v", "1", coverJpgFallback)
}

// SpeedUp produces a 4x-speed version for quick scrubbing, per spec.md §3's
// "4x-speed version" artifact.
func (f *FFmpeg) SpeedUp(ctx context.Context, mp4Path, outPath string, factor float64) error {
	pts := fmt.Sprintf("%.4f*PTS", 1.0/factor)
	return f.run(ctx, "-y", "-i", mp4Path, "-filter:v", "setpts="+pts, "-an", outPath)
}

// SplitClips cuts mp4Path into per-command segments using stream copy
// (fast, no re-encode) and writes clip_mapping.json alongside clipsDir.
func (f *FFmpeg) SplitClips(ctx context.Context, mp4Path, clipsDir string, cuts []ClipCut) ([]ClipInfo, error) {
	if err := os.MkdirAll(clipsDir, 0755); err != nil {
		return nil, err
	}
	infos := make([]ClipInfo, 0, len(cuts))
	for _, cut := range cuts {
		name := fmt.Sprintf("%04d.mp4", cut.CommandIndex)
		out := filepath.Join(clipsDir, name)
		duration := cut.EndSeconds - cut.StartSeconds
		if duration <= 0 {
			continue
		}
		err := f.run(ctx,
			"-y", "-ss", fmt.Sprintf("%.3f", cut.StartSeconds),
			"-i", mp4Path,
			"-t", fmt.Sprintf("%.3f", duration),
			"-c", "copy",
			out,
		)
		if err != nil {
			continue
		}
		infos = append(infos, ClipInfo{CommandIndex: cut.CommandIndex, Path: out, StartSeconds: cut.StartSeconds, EndSeconds: cut.EndSeconds})
	}

	mapping, err := json.MarshalIndent(infos, "", "  ")
	if err == nil {
		_ = os.WriteFile(filepath.Join(filepath.Dir(clipsDir), "clip_mapping.json"), mapping, 0644)
	}
	return infos, nil
}

// run executes ffmpeg in its own process group so a canceled context kills
// the whole group, not just the shell ffmpeg was forked from, via a
// SIGTERM-then-SIGKILL cleanup.
func (f *FFmpeg) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, f.BinPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		killGroup(cmd.Process.Pid, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			killGroup(cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
		return ctx.Err()
	}
}

func killGroup(pid int, sig syscall.Signal) {
	_ = syscall.Kill(-pid, sig)
}

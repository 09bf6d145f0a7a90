// Package artifact implements the Artifact Store (C1): the deterministic
// on-disk session tree (SPEC_FULL.md §3) and atomic writers for every
// artifact kind the engine produces. Every write lands via a temp file
// plus rename so a reader never observes a partially written file.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Tree is the rooted directory layout for one session:
// <runsRoot>/<clientId>/<testId>/<sessionId>/...
type Tree struct {
	Root string
}

// New computes the session root and ensures every subdirectory the
// engine writes into exists, matching the SessionTree layout (spec.md
// §3): screenshots/, video/, dom_snapshots/, dom_coords/, pdfs/.
func New(runsRoot, clientID, testID, sessionID string) (*Tree, error) {
	root := filepath.Join(runsRoot, clientID, testID, sessionID)
	for _, sub := range []string{"", "screenshots", "video", "dom_snapshots", "dom_coords", "pdfs"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, fmt.Errorf("artifact tree: %w", err)
		}
	}
	return &Tree{Root: root}, nil
}

func (t *Tree) Path(parts ...string) string {
	return filepath.Join(append([]string{t.Root}, parts...)...)
}

// writeAtomic writes data to path via a sibling temp file + rename, so
// concurrent readers (the façade's status endpoint, the preview pump)
// never observe a truncated file.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteJSON marshals v and atomically writes it to relPath under the tree.
func (t *Tree) WriteJSON(relPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(t.Path(relPath), data, 0644)
}

// WriteBytes atomically writes raw bytes, used for screenshots/dom dumps.
func (t *Tree) WriteBytes(relPath string, data []byte) error {
	return writeAtomic(t.Path(relPath), data, 0644)
}

// ScreenshotPaths returns the canonical, thumb, and zoom relative paths
// for command index idx, per spec.md §3's naming convention.
func ScreenshotPaths(idx int) (canonical, thumb, zoom string) {
	return filepath.Join("screenshots", fmt.Sprintf("%d.jpg", idx)),
		filepath.Join("screenshots", fmt.Sprintf("%d_thumb.jpg", idx)),
		filepath.Join("screenshots", fmt.Sprintf("%d_zoom.jpg", idx))
}

// PreScreenshotPath and PostScreenshotPath return the pre-/post-dispatch
// screenshot paths for command index idx, named after its verb (spec.md
// §3 ArtifactBundle, §4.8 steps 3/8).
func PreScreenshotPath(idx int, verb string) string {
	return filepath.Join("screenshots", fmt.Sprintf("%d-pre-%s.jpg", idx, sanitizeVerb(verb)))
}

func PostScreenshotPath(idx int, verb string) string {
	return filepath.Join("screenshots", fmt.Sprintf("%d-post-%s.jpg", idx, sanitizeVerb(verb)))
}

func sanitizeVerb(verb string) string {
	return strings.TrimPrefix(verb, ":")
}

// DOMPath returns the relative path for a visible-text DOM snapshot at idx.
func DOMPath(idx int) string {
	return filepath.Join("dom_snapshots", fmt.Sprintf("dom_%d.md", idx))
}

// DOMCoordsPath returns the relative path for a dom_coords capture at idx.
func DOMCoordsPath(idx int) string {
	return filepath.Join("dom_coords", fmt.Sprintf("dom_coords_%d.json", idx))
}

// DOMCoordsInitialPath is the dom_coords snapshot captured at initialize,
// before any command executes (spec.md §4.1).
const DOMCoordsInitialPath = "dom_coords/dom_coords_initial.json"

// PDFPath returns the relative path for a :print-pdf MODE=auto capture,
// timestamped per spec.md §4.7.
func PDFPath(timestamp string) string {
	return filepath.Join("pdfs", fmt.Sprintf("rabbitize-%s.pdf", timestamp))
}

// StatusPath/CommandsPath/MetadataPath/MetricsPath/ColorPatternsPath are
// the fixed top-level artifact names spec.md §3 lists. LatestJPGPath,
// LatestMDPath, and LatestJSONPath mirror the most recent step's
// screenshot, DOM snapshot, and DOM coordinate table.
const (
	StatusPath        = "status.json"
	CommandsPath      = "commands.json"
	MetadataPath      = "session-metadata.json"
	MetricsPath       = "metrics.json"
	ColorPatternsPath = "color-patterns.json"
	ClipMappingPath   = "clip_mapping.json"
	TimestampMapPath  = "timestamp_mapping.json"
	LatestJPGPath     = "latest.jpg"
	LatestMDPath      = "latest.md"
	LatestJSONPath    = "latest.json"
)

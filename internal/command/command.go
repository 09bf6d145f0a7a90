// Package command models the verb+args command surface (spec.md §3) as a
// discriminated union and dispatches through a registry mapping verb to
// handler.
package command

import (
	"fmt"
	"time"
)

// Status mirrors the CommandRecord lifecycle in spec.md §3: it only ever
// moves forward, queued -> running -> {done, error}.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Command is one parsed instruction from the command surface in spec.md §3.
// Verb is always the leading-colon, lowercase, hyphenated token; Args holds
// whatever positional arguments followed it, already split but not yet
// type-checked (handlers validate their own arity/types).
type Command struct {
	Verb string
	Args []string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Verb, c.Args)
}

// Record is the persisted per-command log entry (commands.json).
type Record struct {
	Index      int            `json:"index"`
	Verb       string         `json:"command"`
	Args       []string       `json:"args"`
	QueuedAt   time.Time      `json:"queuedAt"`
	StartedAt  time.Time      `json:"timestamp"`
	EndedAt    time.Time      `json:"endTimestamp"`
	Status     Status         `json:"status"`
	DurationMs int64          `json:"duration"`
	Output     map[string]any `json:"output"`
}

// Known verbs, matched verbatim per spec.md §3 ("leading colon, lowercase,
// hyphenated"). Kept as a set for O(1) membership checks ahead of registry
// dispatch, so an unknown verb can be rejected before any handler lookup.
var KnownVerbs = map[string]bool{
	":navigate":             true,
	":url":                  true,
	":move-mouse":           true,
	":click":                true,
	":right-click":          true,
	":middle-click":         true,
	":click-hold":           true,
	":click-release":        true,
	":right-click-hold":     true,
	":right-click-release":  true,
	":middle-click-hold":    true,
	":middle-click-release": true,
	":drag":                 true,
	":start-drag":           true,
	":end-drag":             true,
	":scroll-wheel-up":      true,
	":scroll-wheel-down":    true,
	":type":                 true,
	":keypress":             true,
	":wait":                 true,
	":back":                 true,
	":forward":              true,
	":width":                true,
	":height":               true,
	":print-pdf":            true,
	":set-download-path":    true,
	":set-upload-file":      true,
	":extract":              true,
	":extract-page":         true,
	":rabbit-eyes":          true,
}

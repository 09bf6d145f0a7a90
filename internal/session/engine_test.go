package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rabbitize/engine/internal/command"
	"github.com/rabbitize/engine/internal/config"
)

func TestNewEngineStartsIdle(t *testing.T) {
	cfg := &config.Config{RunsRoot: t.TempDir()}
	e := New(Identity{ClientID: "c1", TestID: "t1", SessionID: "s1"}, cfg, false, Deps{})
	assert.Equal(t, PhaseIdle, e.Phase())
}

func TestSubmitBeforeInitializeFails(t *testing.T) {
	cfg := &config.Config{RunsRoot: t.TempDir()}
	e := New(Identity{ClientID: "c1", TestID: "t1", SessionID: "s1"}, cfg, false, Deps{})
	_, err := e.Submit("c1", command.Command{Verb: ":navigate", Args: []string{"https://example.com"}})
	assert.Error(t, err)
}

func TestSubmitRejectsUnknownVerb(t *testing.T) {
	cfg := &config.Config{RunsRoot: t.TempDir()}
	e := New(Identity{ClientID: "c1", TestID: "t1", SessionID: "s1"}, cfg, false, Deps{})
	e.phase = PhaseActive
	_, err := e.Submit("c1", command.Command{Verb: ":bogus-verb"})
	assert.Error(t, err)
}

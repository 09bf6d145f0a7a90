package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRegistryCoversKnownVerbs(t *testing.T) {
	r := DefaultRegistry()
	registered := make(map[string]bool)
	for _, v := range r.Verbs() {
		registered[v] = true
	}
	for verb := range KnownVerbs {
		assert.Truef(t, registered[verb], "verb %s has no handler registered", verb)
	}
}

func TestDispatchUnknownVerb(t *testing.T) {
	r := DefaultRegistry()
	_, err := r.Dispatch(&ExecContext{}, Command{Verb: ":does-not-exist"})
	assert.Error(t, err)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(":navigate", handleNavigate)
	assert.Panics(t, func() {
		r.Register(":navigate", handleNavigate)
	})
}

func TestResolveXYFallsBackToCursor(t *testing.T) {
	ec := &ExecContext{CursorX: 12, CursorY: 34}
	x, y, err := resolveXY(ec, nil)
	assert.NoError(t, err)
	assert.Equal(t, 12.0, x)
	assert.Equal(t, 34.0, y)
}

func TestResolveXYUsesArgs(t *testing.T) {
	ec := &ExecContext{CursorX: 0, CursorY: 0}
	x, y, err := resolveXY(ec, []string{"5", "7"})
	assert.NoError(t, err)
	assert.Equal(t, 5.0, x)
	assert.Equal(t, 7.0, y)
}

func TestResolveXYInvalidArgs(t *testing.T) {
	ec := &ExecContext{}
	_, _, err := resolveXY(ec, []string{"bad", "7"})
	assert.Error(t, err)
}

package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewInvalidServer(t *testing.T) {
	_, err := New("invalid.server.local", 0)
	assert.Error(t, err)
}

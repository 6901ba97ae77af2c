package promptstyle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplySystemIsIdempotent(t *testing.T) {
	once := ApplySystem("Write an outline.\nKeep it short.", "markdown")
	assert.True(t, strings.HasPrefix(once, marker))
	assert.Contains(t, once, "Task summary: Write an outline.")
	assert.Equal(t, once, ApplySystem(once, "markdown"))
	assert.Equal(t, "", ApplySystem("  ", "json"))
}

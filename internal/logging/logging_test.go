package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRespectsVerboseFlag(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, true)

	log.Debug("debug message")

	assert.Contains(t, buf.String(), "debug message")
}

func TestNewDefaultsToInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, false)

	log.Debug("should not appear")
	log.Info("should appear")

	assert.NotContains(t, buf.String(), "should not appear")
	assert.Contains(t, buf.String(), "should appear")
	assert.True(t, log.Enabled(nil, slog.LevelInfo))
}

package logx

import (
	"bytes"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureLog(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	fn()
	return buf.String()
}

// TestLoggerLevels verifies component and level tags on every line.
func TestLoggerLevels(t *testing.T) {
	l := New("registry")

	out := captureLog(t, func() {
		l.Infof("site %s opened", "MEC_A")
		l.Warnf("slow vote")
		l.Errorf("append failed: %v", "disk full")
	})

	assert.Contains(t, out, "[registry] [INFO] site MEC_A opened")
	assert.Contains(t, out, "[registry] [WARN] slow vote")
	assert.Contains(t, out, "[registry] [ERROR] append failed: disk full")
}

// TestDebugToggle verifies DEBUG lines are muted unless enabled.
func TestDebugToggle(t *testing.T) {
	l := New("engine")

	out := captureLog(t, func() { l.Debugf("hidden") })
	assert.NotContains(t, out, "hidden")

	EnableDebug(true)
	defer EnableDebug(false)
	out = captureLog(t, func() { l.Debugf("shown") })
	assert.Contains(t, out, "[engine] [DEBUG] shown")
}

package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	Logf("fused %d frames", 3)
	assert.Equal(t, []string{"fused 3 frames"}, lines)

	// nil installs a no-op, never panics
	SetLogger(nil)
	Logf("dropped")
	assert.Len(t, lines, 1)
}

func TestScopedPrefixesSubsystem(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})

	ingest := Scoped("ingest")
	ingest("source %s stale", "tof0")
	assert.Equal(t, "[ingest] source tof0 stale", got)
}

package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestJSONOutputWithPrefixAndLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "production", "info")
	SetPrefix("server")
	t.Cleanup(func() {
		SetPrefix("")
		InitWriter(os.Stdout, "dev", "info")
	})

	Infof("listening on %s", ":8080")
	Debugf("hidden %d", 1)
	Errorf("failed: %v", "boom")

	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, "listening on :8080", got[0]["msg"])
	assert.Equal(t, "server", got[0]["service"])
	assert.Equal(t, "ERROR", got[1]["level"])
}

func TestLogDuration(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "production", "info")
	t.Cleanup(func() { InitWriter(os.Stdout, "dev", "info") })

	DeferLogDuration("fast.Call", time.Now())()
	assert.Empty(t, buf.String())

	LogDuration("slow.Call", time.Now().Add(-150*time.Millisecond))
	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "slow call", got[0]["msg"])
	assert.Equal(t, "slow.Call", got[0]["fn"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("Trace").String())
	assert.Equal(t, "WARN", parseLevel("warning").String())
	assert.Equal(t, "INFO", parseLevel("nonsense").String())
}

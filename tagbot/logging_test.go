package tagbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func decodeLogLines(t testing.TB, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	handler := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logFunc := discordgoLoggerFunc(context.Background(), handler)

	logFunc(discordgo.LogDebug, 1, "heartbeat %d", 1)
	logFunc(discordgo.LogInformational, 1, "connected")
	logFunc(discordgo.LogWarning, 1, "reconnecting\nsoon")
	logFunc(discordgo.LogError, 1, "failed: %s", "boom")
	logFunc(99, 1, "unknown level")

	entries := decodeLogLines(t, buf)
	require.Len(t, entries, 5)

	expected := []struct {
		level string
		msg   string
	}{
		{"DEBUG", "heartbeat 1"},
		{"INFO", "connected"},
		{"WARN", "reconnectingsoon"},
		{"ERROR", "failed: boom"},
		{"INFO", "unknown level"},
	}
	for i, e := range expected {
		assert.Equal(t, e.level, entries[i]["level"])
		assert.Equal(t, e.msg, entries[i]["msg"])
	}
}

func TestGORMLogger_Trace(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	handler := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	gl := newGORMLogger(handler, 100*time.Millisecond)
	ctx := context.Background()

	gl.Trace(
		ctx, time.Now(), func() (string, int64) {
			return "SELECT 1", 1
		}, nil,
	)
	gl.Trace(
		ctx, time.Now().Add(-time.Second), func() (string, int64) {
			return "SELECT slow", -1
		}, errors.New("oops"),
	)

	entries := decodeLogLines(t, buf)
	require.Len(t, entries, 2)

	assert.Equal(t, "DEBUG", entries[0]["level"])
	assert.Equal(t, "sql completed", entries[0]["msg"])
	assert.Equal(t, "SELECT 1", entries[0]["sql"])
	assert.EqualValues(t, 1, entries[0]["rows"])
	assert.Equal(t, "gorm", entries[0][loggerNameKey])

	assert.Equal(t, "WARN", entries[1]["level"])
	assert.Equal(t, "slow sql", entries[1]["msg"])
	assert.Equal(t, "SELECT slow", entries[1]["sql"])
	assert.Equal(t, "-", entries[1]["rows"])
}

func TestGORMLogger_Levels(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	handler := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	gl := newGORMLogger(handler, 0).LogMode(logger.Silent)
	ctx := context.Background()

	gl.Info(ctx, "info %s", "a")
	gl.Warn(ctx, "warn %s", "b")
	gl.Error(ctx, "error %s", "c")
	gl.Trace(
		ctx, time.Now().Add(-time.Hour), func() (string, int64) {
			return "SELECT 1", 0
		}, nil,
	)

	entries := decodeLogLines(t, buf)
	require.Len(t, entries, 4)
	assert.Equal(t, "INFO", entries[0]["level"])
	assert.Equal(t, "info a", entries[0]["msg"])
	assert.Equal(t, "WARN", entries[1]["level"])
	assert.Equal(t, "warn b", entries[1]["msg"])
	assert.Equal(t, "ERROR", entries[2]["level"])
	assert.Equal(t, "error c", entries[2]["msg"])

	// a zero threshold never reports slow queries
	assert.Equal(t, "DEBUG", entries[3]["level"])
}

func TestCronLogger(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	cl := cronLogger{
		logger: slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	cl.Info("schedule", "entry", 1)
	cl.Error(errors.New("bad job"), "job failed", "entry", 2)

	entries := decodeLogLines(t, buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "DEBUG", entries[0]["level"])
	assert.Equal(t, "schedule", entries[0]["msg"])
	assert.EqualValues(t, 1, entries[0]["entry"])

	assert.Equal(t, "ERROR", entries[1]["level"])
	assert.Equal(t, "job failed", entries[1]["msg"])
	assert.EqualValues(t, 2, entries[1]["entry"])
	assert.Contains(t, buf.String(), "bad job")
}

func TestStructToSlogValue(t *testing.T) {
	type inner struct {
		Port int `json:"port"`
	}
	type sample struct {
		Name     string            `json:"name"`
		Token    string            `json:"token" log:"[redacted]"`
		Empty    string            `json:"empty"`
		Roles    []string          `json:"roles"`
		NoRoles  []string          `json:"no_roles"`
		Inner    *inner            `json:"inner,omitempty"`
		NilInner *inner            `json:"nil_inner"`
		Labels   map[string]string `json:"labels"`
		private  string
		NoTag    bool
	}

	v := structToSlogValue(
		&sample{
			Name:    "tagbot",
			Token:   "secret",
			Roles:   []string{"1"},
			Inner:   &inner{Port: 80},
			private: "x",
			NoTag:   true,
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "tagbot", attrs["name"].String())
	assert.Equal(t, "[redacted]", attrs["token"].String())
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs, "no_roles")
	assert.NotContains(t, attrs, "nil_inner")
	assert.NotContains(t, attrs, "labels")
	assert.NotContains(t, attrs, "private")
	assert.Contains(t, attrs, "roles")
	assert.Contains(t, attrs, "NoTag")
	require.Equal(t, slog.KindGroup, attrs["inner"].Kind())
	assert.Equal(t, "port", attrs["inner"].Group()[0].Key)

	assert.Equal(t, slog.KindAny, structToSlogValue(nil).Kind())
	assert.Equal(t, slog.KindAny, structToSlogValue((*sample)(nil)).Kind())
	assert.Equal(t, "plain", structToSlogValue("plain").String())
}

func TestContextLogger(t *testing.T) {
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.Default().With("k", "v")
	got, ok := ContextLogger(WithLogger(context.Background(), logger))
	require.True(t, ok)
	assert.Same(t, logger, got)

	got, ok = ContextLogger(WithLogger(context.Background(), nil))
	require.True(t, ok)
	assert.Same(t, slog.Default(), got)
}

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	Shutdown()

	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "bizdesk",
	})

	mu.RLock()
	defer mu.RUnlock()

	if baseWriter != os.Stderr {
		t.Fatalf("expected base writer to be os.Stderr, got %#v", baseWriter)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}
	if baseComponent != "bizdesk" {
		t.Fatalf("expected base component bizdesk, got %s", baseComponent)
	}
	if !reflect.DeepEqual(log.Logger, baseLogger) {
		t.Fatal("expected global log.Logger to match baseLogger")
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "console", Level: "info"})

	mu.RLock()
	defer mu.RUnlock()

	if _, ok := baseWriter.(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer, got %#v", baseWriter)
	}
}

func TestInitAutoFormatWithPipe(t *testing.T) {
	t.Cleanup(resetLoggingState)

	origStderr := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stderr = w
	defer func() {
		os.Stderr = origStderr
		_ = r.Close()
		_ = w.Close()
	}()

	Init(Config{Format: "auto", Level: "info"})

	mu.RLock()
	defer mu.RUnlock()

	if baseWriter != w {
		t.Fatalf("expected base writer to use provided pipe, got %#v", baseWriter)
	}
}

func TestInitWritesToFile(t *testing.T) {
	t.Cleanup(resetLoggingState)

	path := filepath.Join(t.TempDir(), "logs", "bizdesk.log")
	logger := Init(Config{Format: "json", Level: "info", FilePath: path})
	logger.Info().Msg("to-file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to-file") {
		t.Fatalf("expected log line in file, got %q", data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != logFilePerm {
		t.Fatalf("expected mode %v, got %v", logFilePerm, info.Mode().Perm())
	}
}

func TestOpenLogFileRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.log")
	if err := os.WriteFile(target, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link.log")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if _, err := openLogFile(link); err == nil {
		t.Fatal("expected symlink log path to be rejected")
	}
}

func TestContextHelpersWithRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	ctx, generated := WithRequestID(context.Background(), "")
	if generated == "" {
		t.Fatal("expected generated request id")
	}
	if got := RequestID(ctx); got != generated {
		t.Fatalf("expected stored request id %s, got %s", generated, got)
	}

	var buf bytes.Buffer
	ctx = WithLogger(ctx, zerolog.New(&buf))
	logger := FromContext(ctx)
	logger.Info().Msg("ctx-log")

	event := readJSONLine(t, &buf)
	if event["request_id"] != generated {
		t.Fatalf("expected request_id %s, got %v", generated, event["request_id"])
	}
}

func TestWithRequestIDTrimsWhitespace(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  abc  ")
	if id != "abc" || RequestID(ctx) != "abc" {
		t.Fatalf("expected trimmed id, got %q", id)
	}
}

func TestNewLoggerComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "json", Level: "info", Component: "root"})

	mu.Lock()
	var buf bytes.Buffer
	baseWriter = &buf
	mu.Unlock()

	logger := NewLogger("session")
	logger.Info().Msg("hello")

	event := readJSONLine(t, &buf)
	if event["component"] != "session" {
		t.Fatalf("expected component session, got %v", event["component"])
	}
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(resetLoggingState)

	tests := []struct {
		level string
		ok    bool
		want  zerolog.Level
	}{
		{level: "debug", ok: true, want: zerolog.DebugLevel},
		{level: "WARNING", ok: true, want: zerolog.WarnLevel},
		{level: "bogus", ok: false, want: zerolog.WarnLevel},
		{level: "error", ok: true, want: zerolog.ErrorLevel},
	}

	for _, tt := range tests {
		if got := SetLevel(tt.level); got != tt.ok {
			t.Fatalf("SetLevel(%q) = %v, want %v", tt.level, got, tt.ok)
		}
		if zerolog.GlobalLevel() != tt.want {
			t.Fatalf("after SetLevel(%q) level = %s, want %s", tt.level, zerolog.GlobalLevel(), tt.want)
		}
	}
}

func TestIsLevelEnabled(t *testing.T) {
	t.Cleanup(resetLoggingState)

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if IsLevelEnabled(zerolog.InfoLevel) {
		t.Fatal("info should be disabled at warn level")
	}
	if !IsLevelEnabled(zerolog.ErrorLevel) {
		t.Fatal("error should be enabled at warn level")
	}
	if !ValidLevel("trace") || ValidLevel("loud") {
		t.Fatal("ValidLevel mismatch")
	}
}

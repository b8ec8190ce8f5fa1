package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerAppliesDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})
	logger.Info(context.Background(), "hello")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output by default, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "hello" {
		t.Fatalf("msg = %v, want hello", record["msg"])
	}
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Format: "text"})
	logger.Info(context.Background(), "hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected non-JSON text output, got %q", buf.String())
	}
}

func TestLoggerRedactsAPIKeysAndSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Info(context.Background(), "request failed", "error", "api_key: abcdef0123456789abcdef")
	out := buf.String()
	if strings.Contains(out, "abcdef0123456789abcdef") {
		t.Fatalf("expected the api key to be redacted, got %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected a [REDACTED] marker, got %q", out)
	}
}

func TestLoggerRedactsAnthropicKeyPattern(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})
	key := "sk-ant-" + strings.Repeat("a", 100)

	logger.Error(context.Background(), key)
	if strings.Contains(buf.String(), key) {
		t.Fatalf("expected the Anthropic key literal to be redacted, got %q", buf.String())
	}
}

func TestLoggerWithContextIncludesKnownFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := AddRequestID(context.Background(), "req-1")
	ctx = AddSessionID(ctx, "sess-1")
	ctx = AddUserID(ctx, "user-1")
	ctx = AddDeviceID(ctx, "device-1")

	logger.WithContext(ctx).Info(ctx, "processing")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	group, ok := record["context"].(map[string]any)
	if !ok {
		t.Fatalf("expected a context group in the log record, got %v", record)
	}
	if group["request_id"] != "req-1" || group["session_id"] != "sess-1" {
		t.Fatalf("context group missing expected fields: %v", group)
	}
}

func TestLoggerWithFieldsPersistsAcrossCalls(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(LogConfig{Output: &buf})
	scoped := base.WithFields("component", "dispatch")
	scoped.Info(context.Background(), "started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["component"] != "dispatch" {
		t.Fatalf("expected component=dispatch, got %v", record["component"])
	}
}

func TestGetRequestIDAndSessionIDFromContext(t *testing.T) {
	ctx := AddRequestID(context.Background(), "req-42")
	ctx = AddSessionID(ctx, "sess-42")
	if GetRequestID(ctx) != "req-42" {
		t.Fatalf("GetRequestID() = %q, want req-42", GetRequestID(ctx))
	}
	if GetSessionID(ctx) != "sess-42" {
		t.Fatalf("GetSessionID() = %q, want sess-42", GetSessionID(ctx))
	}
	if GetRequestID(context.Background()) != "" {
		t.Fatal("expected an empty string for a context without a request id")
	}
}

func TestLogLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for input, want := range cases {
		if got := LogLevelFromString(input); got != want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", input, got, want)
		}
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("DefaultConfig().Level = %s, want %s", cfg.Level, LevelInfo)
	}
	if cfg.Pretty {
		t.Error("DefaultConfig().Pretty = true, want JSON output")
	}
}

// decodeLines parses newline-delimited JSON log output.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line %q is not JSON: %v", line, err)
		}
		lines = append(lines, m)
	}
	return lines
}

func TestSetup(t *testing.T) {
	tests := []struct {
		name      string
		level     LogLevel
		emit      func(zerolog.Logger)
		wantLevel string
		wantMsg   string
	}{
		{
			name:  "debug page fetch",
			level: LevelDebug,
			emit: func(l zerolog.Logger) {
				l.Debug().Str("resource", "issues").Int("page", 2).Msg("Page fetched")
			},
			wantLevel: "debug",
			wantMsg:   "Page fetched",
		},
		{
			name:  "info run summary",
			level: LevelInfo,
			emit: func(l zerolog.Logger) {
				l.Info().Str("resource", "issues").Int("page", 3).Msg("Resource summary")
			},
			wantLevel: "info",
			wantMsg:   "Resource summary",
		},
		{
			name:  "warn rate limit",
			level: LevelWarn,
			emit: func(l zerolog.Logger) {
				l.Warn().Str("resource", "events").Int("page", 1).Msg("Rate limit low")
			},
			wantLevel: "warn",
			wantMsg:   "Rate limit low",
		},
		{
			name:  "error sink failure",
			level: LevelError,
			emit: func(l zerolog.Logger) {
				l.Error().Str("resource", "commits").Int("page", 4).Msg("Upsert failed")
			},
			wantLevel: "error",
			wantMsg:   "Upsert failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.emit(Setup(Config{Level: tt.level, Output: buf}))

			lines := decodeLines(t, buf)
			if len(lines) != 1 {
				t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
			}
			got := lines[0]
			if got["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", got["level"], tt.wantLevel)
			}
			if got["message"] != tt.wantMsg {
				t.Errorf("message = %v, want %s", got["message"], tt.wantMsg)
			}
			if _, ok := got["resource"]; !ok {
				t.Errorf("resource field missing from %v", got)
			}
			if _, ok := got["time"]; !ok {
				t.Errorf("time field missing from %v", got)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseLevelStrict(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{" Info ", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"trace", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSetup_PrettyAndNilOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})
	logger.Info().Str("resource", "issues").Msg("Run completed")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("pretty output should not be JSON, got %q", out)
	}
	if !strings.Contains(out, "Run completed") {
		t.Errorf("pretty output missing message: %q", out)
	}

	// A nil writer falls back to stderr instead of panicking.
	Setup(Config{Level: LevelError})
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := NewLogger("pipeline")
	logger.Info().Str("resource", "issues").Msg("Watermark saved")

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1", len(lines))
	}
	if lines[0]["component"] != "pipeline" {
		t.Errorf("component = %v, want pipeline", lines[0]["component"])
	}
	if lines[0]["message"] != "Watermark saved" {
		t.Errorf("message = %v, want Watermark saved", lines[0]["message"])
	}
}

func TestLogLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelWarn, Output: buf})

	logger := NewLogger("fetcher")
	logger.Debug().Int("page", 1).Msg("Requesting page")
	logger.Info().Int("records", 100).Msg("Page decoded")
	logger.Warn().Int("remaining", 10).Msg("Rate limit low")
	logger.Error().Int("status", 502).Msg("Page failed")

	var got []string
	for _, line := range decodeLines(t, buf) {
		got = append(got, line["message"].(string))
	}
	want := []string{"Rate limit low", "Page failed"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("messages at warn level = %q, want %q", got, want)
	}
}

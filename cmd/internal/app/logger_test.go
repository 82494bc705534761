package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Setenv("PAIRCHAT_LOG_COLOR", "false")

	var js bytes.Buffer
	NewLogger("info", "json", &js).Info("server.start", "addr", ":8080")
	var rec map[string]any
	if err := json.Unmarshal(js.Bytes(), &rec); err != nil {
		t.Fatalf("json log line: %v (%q)", err, js.String())
	}
	if rec["msg"] != "server.start" || rec["service"] != "pairchat" || rec["addr"] != ":8080" {
		t.Fatalf("record = %v", rec)
	}

	var pretty bytes.Buffer
	NewLogger("debug", "pretty", &pretty).Debug("db.disabled")
	if !strings.Contains(pretty.String(), "DBG db.disabled") {
		t.Fatalf("pretty line = %q", pretty.String())
	}
}

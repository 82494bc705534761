package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
	if n := visualLen(in); n != len(want) {
		t.Fatalf("visualLen()=%d want=%d", n, len(want))
	}
}

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("service", "pairchat").WithGroup("ws").Info("realtime.session.open",
		"session_id", "01J0",
		"channel", "chat.2",
		"status", 101,
		"duration_ms", int64(3),
		"err", errors.New("boom here"),
	)

	line := buf.String()
	for _, want := range []string{
		" INF realtime.session.open",
		"service=pairchat",
		"ws.sid=01J0",
		"ws.channel=chat.2",
		"ws.status=101",
		"ws.took=3ms",
		`ws.err="boom here"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected color codes in %q", line)
	}
}

func TestPrettyHandler_ColorAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, true))

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %q", buf.String())
	}

	log.Error("chat.fanout.fail", "method", "post", "status", 503)
	line := buf.String()
	if !strings.Contains(line, ansiRed+"ERR"+ansiReset) {
		t.Fatalf("missing red level tag in %q", line)
	}
	if plain := stripANSI(line); !strings.Contains(plain, "method=POST status=503") {
		t.Fatalf("unexpected plain line %q", plain)
	}
}

func TestPrettyHandler_NestedGroupsAndChatKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false))

	log.WithGroup("chat").With("pair", "1:2").WithGroup("fanout").Info("chat.message.sent",
		"message_id", int64(7),
		slog.Group("to", "user_id", int64(2), "online", true),
		slog.Group("", "event", "MessageSent"),
	)

	line := buf.String()
	for _, want := range []string{
		" chat.pair=1:2",
		" chat.fanout.msg=#7",
		" chat.fanout.to.uid=#2",
		" chat.fanout.to.online=yes",
		" chat.fanout.event=MessageSent",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "chat.chat.") || strings.Contains(line, "fanout.fanout.") {
		t.Fatalf("group prefix repeated in %q", line)
	}
}

func TestPrettyHandler_GroupKeepsColouring(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))

	log.WithGroup("http").Warn("http.request", "status", 404)
	if line := buf.String(); !strings.Contains(line, ansiYellow+"404"+ansiReset) {
		t.Fatalf("status lost its colour inside a group: %q", line)
	}
	if plain := stripANSI(buf.String()); !strings.Contains(plain, " http.status=404") {
		t.Fatalf("unexpected plain line %q", plain)
	}
}

package loggingutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func newBufferLogger(buf *bytes.Buffer) pslog.Logger {
	return pslog.NewWithOptions(buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.TraceLevel})
}

func TestSubsystem(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{parts: nil, want: ""},
		{parts: []string{"http", "", "ingest"}, want: "http.ingest"},
		{parts: []string{".dispatch.", " profile "}, want: "dispatch.profile"},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := WithSubsystem(newBufferLogger(&buf), "lock")
	logger.Info("lock.acquired", "key", "k1")
	if !strings.Contains(buf.String(), "sys") || !strings.Contains(buf.String(), "lock") {
		t.Fatalf("expected sys field, got %s", buf.String())
	}
	buf.Reset()
	WithSubsystem(logger.With("cid", "c1"), "rategate").Info("rategate.reject")
	out := buf.String()
	if !strings.Contains(out, "rategate") || !strings.Contains(out, "c1") {
		t.Fatalf("expected replaced subsystem with kept fields, got %s", out)
	}
}

func TestFromContextFallsBack(t *testing.T) {
	var buf bytes.Buffer
	fallback := newBufferLogger(&buf)
	if FromContext(context.Background(), fallback) != fallback {
		t.Fatalf("expected fallback logger")
	}
	if FromContext(context.Background(), nil) == nil {
		t.Fatalf("expected noop logger")
	}
	ctxLogger := newBufferLogger(&buf).With("req_id", "r1")
	ctx := pslog.ContextWithLogger(context.Background(), ctxLogger)
	FromContext(ctx, fallback).Info("hello")
	if !strings.Contains(buf.String(), "r1") {
		t.Fatalf("expected context logger, got %s", buf.String())
	}
}

func TestLevelSwitch(t *testing.T) {
	var buf bytes.Buffer
	sw := NewLevelSwitch(newBufferLogger(&buf), pslog.InfoLevel)
	logger := sw.Logger().With("app", "relayd")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug entry must be filtered at info level: %s", buf.String())
	}
	sw.SetLevel(pslog.DebugLevel)
	logger.Debug("shown")
	out := buf.String()
	if !strings.Contains(out, "shown") || !strings.Contains(out, "relayd") {
		t.Fatalf("expected debug entry after level change, got %s", out)
	}
}

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_NoColor_WritesLevelAndMessage(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.DisableTimestamp = true

	h := NewPrettyHandler(&buf, &opts)
	log := slog.New(h)
	log.Info("listening", "addr", "127.0.0.1:6969")

	out := buf.String()
	if !strings.Contains(out, "INFO") {
		t.Fatalf("output missing level: %q", out)
	}
	if !strings.Contains(out, "listening") {
		t.Fatalf("output missing message: %q", out)
	}
	if !strings.Contains(out, "addr") {
		t.Fatalf("output missing attribute key: %q", out)
	}
}

func TestPrettyHandler_WithAttrs_Inherited(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.DisableTimestamp = true

	h := NewPrettyHandler(&buf, &opts)
	log := slog.New(h).With("component", "tracker")
	log.Warn("announce failed")

	if !strings.Contains(buf.String(), "component") {
		t.Fatalf("inherited attr not rendered: %q", buf.String())
	}
}

package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("epoch complete", "epoch", 1, "run", "abc")

	output := buf.String()
	for _, want := range []string{"epoch complete", `"epoch":1`, `"run":"abc"`, `"level":"INFO"`} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %s in output, got: %s", want, output)
		}
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	log.Debug("also should not appear")
	if buf.Len() > 0 {
		t.Fatalf("expected no output for info/debug at warn level, got: %s", buf.String())
	}
	log.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestSetup(t *testing.T) {
	t.Parallel()
	tests := []struct {
		format string
		want   string
	}{
		{"json", `"train_loss":`},
		{"text", "train_loss="},
		{"pretty", "train_loss=2.5"},
		{"", "train_loss=2.5"},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		Setup(tc.format, "debug", &buf).Debug("epoch", "train_loss", 2.5)
		if !strings.Contains(buf.String(), tc.want) {
			t.Errorf("Setup(%q): expected %s in output, got: %s", tc.format, tc.want, buf.String())
		}
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.Error("dropped")
	log.With("k", "v").WithGroup("g").Info("dropped")
}

func TestWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.With("run", "r1").Info("child message")

	output := buf.String()
	if !strings.Contains(output, `"run":"r1"`) || !strings.Contains(output, "child message") {
		t.Fatalf("expected run=r1 and message in output, got: %s", output)
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip test")
	if !strings.Contains(buf.String(), "roundtrip test") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext with no logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tc.input, tc.expected, got)
		}
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error to be enabled at warn level")
	}
}

func TestPrettyHandlerGroupsAndAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	if h.WithGroup("") != h {
		t.Fatal("WithGroup empty string should return same handler")
	}
	log := slog.New(h.WithAttrs([]slog.Attr{slog.String("device", "0")}).WithGroup("a").WithGroup("b"))
	log.Info("nested", "key", "val")

	output := buf.String()
	for _, want := range []string{" device=0", "a.b.key=val"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %s in output, got: %s", want, output)
		}
	}
	if strings.Contains(output, "a.b.device") {
		t.Fatalf("attrs added before the group should stay unqualified, got: %s", output)
	}
}

func TestPrettyFormatsValues(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, nil))
	log.Info("step",
		"step", 12,
		"loss", 0.123456789,
		"val_loss", 2.0,
		"lr", 1e-5,
		"took", 1234567*time.Microsecond,
		"path", "my weights.safetensors",
		"sync", "allreduce",
	)

	output := buf.String()
	for _, want := range []string{
		"step=12",
		"loss=0.1235",
		"val_loss=2.0000",
		"lr=1e-05",
		"took=1.235s",
		`path="my weights.safetensors"`,
		"sync=allreduce",
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %s in output, got: %s", want, output)
		}
	}
}

func TestPrettyRunTag(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, nil)).With("run", "1a2b3c4d-5e6f-7081-92a3-b4c5d6e7f809")
	log.Info("epoch complete", "epoch", 1)
	log.Info("saved", "run", "short")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got: %q", lines)
	}
	if !strings.Contains(lines[0], "[run 1a2b3c4d] \033[0mepoch complete epoch=1") {
		t.Fatalf("expected short run tag before the message, got: %q", lines[0])
	}
	if strings.Contains(lines[0], "run=") {
		t.Fatalf("run should not repeat as an attribute, got: %q", lines[0])
	}
	if !strings.Contains(lines[1], "[run short]") {
		t.Fatalf("record run should override the handler's, got: %q", lines[1])
	}
}

func TestPrettyHighlightsErrors(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	slog.New(NewPrettyHandler(&buf, nil)).Warn("close journal", "error", errors.New("disk full"))

	want := colorRed + `error="disk full"` + colorReset
	if !strings.Contains(buf.String(), want) {
		t.Fatalf("expected %q in output, got: %q", want, buf.String())
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected bool
	}{
		{"simple", false},
		{"has space", true},
		{"has\ttab", true},
		{"has\nnewline", true},
		{`has"quote`, true},
		{"", false},
	}
	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.expected {
			t.Errorf("needsQuoting(%q): expected %v, got %v", tc.input, tc.expected, got)
		}
	}
}

package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNamedLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "debug", Output: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Named("connection").Named("dispatch").Info("satisfied %d requests", 2)

	out := buf.String()
	if !strings.Contains(out, "[INFO] connection.dispatch: satisfied 2 requests") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(Config{Level: "warn", Output: &buf})
	child := l.Named("group")
	child.Debug("hidden")
	child.Info("hidden")
	child.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}

	l.SetLevel(LevelDebug)
	child.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatal("child did not follow parent level")
	}
}

func TestNilLoggerIsUsable(t *testing.T) {
	var l *Logger
	l.Info("goes to the default logger")
	l.Named("x").Error("still fine")
}

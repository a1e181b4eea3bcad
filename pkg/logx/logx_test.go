package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestConsoleSinkAndFields(t *testing.T) {
	var buf bytes.Buffer
	svc, log := New(Config{Level: "info", Console: true, Out: &buf})
	defer svc.Close()

	log.Component("runner").Info("job started", String("job", "abc"), Int("items", 3))
	log.Debug("hidden")

	out := buf.String()
	for _, want := range []string{"job started", "comp=runner", "job=abc", "items=3", "logx_test.go:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level:\n%s", out)
	}
}

func TestApplySwapsLevel(t *testing.T) {
	var buf bytes.Buffer
	svc, log := New(Config{Level: "warn", Console: true, Out: &buf})
	defer svc.Close()

	child := log.With(String("k", "v"))
	child.Info("before")
	svc.Apply(Config{Level: "debug", Console: true, Out: &buf})
	child.Debug("after")

	out := buf.String()
	if strings.Contains(out, "before") || !strings.Contains(out, "after") {
		t.Fatalf("derived logger did not follow Apply:\n%s", out)
	}
}

func TestFileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulkbot.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Warn("delivery failed", Err(errors.New("boom")), Bool("retry", true))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &line); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, b)
	}
	if line["message"] != "delivery failed" || line["err"] != "boom" || line["retry"] != true || line["level"] != "warn" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestNopAndZero(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	zero.Error("dropped")
	n := Nop()
	if n.IsZero() {
		t.Fatal("Nop should not be zero")
	}
	if n.Enabled(LevelError) {
		t.Fatal("Nop should not be enabled")
	}
	n.Info("dropped", Err(nil))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"DEBUG":   zerolog.DebugLevel,
		" warn ":  zerolog.WarnLevel,
		"Warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

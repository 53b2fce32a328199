package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(WarnLevel), WithWriter(&buf))
	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("visible", F("k", "v"))
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("low levels leaked: %s", out)
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "k=v") {
		t.Fatalf("warn line missing fields: %s", out)
	}
}

func TestSetLevelTakesEffect(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(ErrorLevel), WithWriter(&buf))
	l.Info("before")
	l.SetLevel(DebugLevel)
	l.Debug("after")
	if strings.Contains(buf.String(), "before") {
		t.Fatalf("info logged at error level: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "after") {
		t.Fatalf("debug missing after SetLevel: %s", buf.String())
	}
}

func TestWithComponentTagsLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(InfoLevel), WithWriter(&buf)).WithComponent("broker")
	l.Info("hello")
	if !strings.Contains(buf.String(), "component=broker") {
		t.Fatalf("component tag missing: %s", buf.String())
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(InfoLevel), WithWriter(&buf), WithJSONFormat())
	l.Info("hello", F("n", 7))
	if !strings.Contains(buf.String(), `"n":7`) {
		t.Fatalf("json attr missing: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": DebugLevel, "INFO": InfoLevel, "Warn": WarnLevel, "warning": WarnLevel, "error": ErrorLevel,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("unknown level accepted")
	}
}

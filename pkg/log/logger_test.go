// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sugawarayuuta/sonnet"
)

func newBufferLogger(prefix string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := New(prefix)
	logger.SetWriter(&buf)
	logger.SetLevel(DEBUG)
	return logger, &buf
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) JSONLogEntry {
	t.Helper()
	var entry JSONLogEntry
	if err := sonnet.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v, output: %s", err, buf.String())
	}
	return entry
}

func TestLoggerBasic(t *testing.T) {
	logger, buf := newBufferLogger("test")

	logger.Info("hello %s", "world")

	output := buf.String()
	if !strings.Contains(output, "[INFO ]") {
		t.Errorf("expected INFO level, got: %s", output)
	}
	if !strings.Contains(output, "test: hello world") {
		t.Errorf("expected prefixed message, got: %s", output)
	}
	if strings.Contains(output, "\x1b[") {
		t.Errorf("expected no colors on a buffer, got: %q", output)
	}
}

func TestLoggerLevels(t *testing.T) {
	logger, buf := newBufferLogger("test")
	logger.SetLevel(WARN)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("expected DEBUG and INFO to be filtered, got: %s", buf.String())
	}

	logger.Warn("warn message")
	logger.Error("error message")
	for _, want := range []string{"warn message", "error message"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("expected %q, got: %s", want, buf.String())
		}
	}
	if logger.Enabled(INFO) || !logger.Enabled(ERROR) {
		t.Error("Enabled does not follow the level")
	}
}

func TestLoggerJSON(t *testing.T) {
	logger, buf := newBufferLogger("dispatch")
	logger.SetFormat(FormatJSON)

	logger.WithFields(Fields{"side": "odd", "position": 12}).Warn("starved")

	entry := decodeEntry(t, buf)
	if entry.Level != "WARN" || entry.Logger != "dispatch" || entry.Message != "starved" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["side"] != "odd" {
		t.Errorf("expected side=odd, got: %v", entry.Fields["side"])
	}
	if entry.Fields["position"] != float64(12) {
		t.Errorf("expected position=12, got: %v", entry.Fields["position"])
	}
}

func TestLoggerWithFieldsText(t *testing.T) {
	logger, buf := newBufferLogger("test")

	logger.WithField("b", 2).WithField("a", "x").Info("with fields")

	if !strings.Contains(buf.String(), "{a=x, b=2}") {
		t.Errorf("expected sorted fields, got: %s", buf.String())
	}
}

func TestLoggerWithError(t *testing.T) {
	logger, buf := newBufferLogger("test")
	logger.SetFormat(FormatJSON)

	logger.WithError(errors.New("something went wrong")).Error("operation failed")

	entry := decodeEntry(t, buf)
	if entry.Fields["error"] != "something went wrong" {
		t.Errorf("expected error field, got: %v", entry.Fields)
	}
}

func TestChildrenShareOutput(t *testing.T) {
	root, buf := newBufferLogger("hp45")
	child := root.WithPrefix("scanbuf")

	root.SetLevel(ERROR)
	child.Warn("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected child to follow parent level, got: %s", buf.String())
	}

	root.SetLevel(DEBUG)
	child.Info("visible")
	if !strings.Contains(buf.String(), "scanbuf: visible") {
		t.Errorf("expected child output in parent writer, got: %s", buf.String())
	}
}

func TestLoggerWithPersistentFields(t *testing.T) {
	logger, buf := newBufferLogger("monitor")
	logger.SetFormat(FormatJSON)

	client := logger.With(Fields{"client": 7})
	client.WithField("method", "control").Info("request")

	entry := decodeEntry(t, buf)
	if entry.Fields["client"] != float64(7) || entry.Fields["method"] != "control" {
		t.Errorf("expected persistent and entry fields, got: %v", entry.Fields)
	}
}

func TestLoggerCaller(t *testing.T) {
	logger, buf := newBufferLogger("test")
	logger.SetCaller(true)

	logger.Info("caller test")
	logger.WithField("k", 1).Info("entry caller test")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got: %q", buf.String())
	}
	for _, line := range lines {
		if !strings.Contains(line, "logger_test.go:") {
			t.Errorf("expected caller info 'logger_test.go:', got: %s", line)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"DEBUG", DEBUG},
		{"debug", DEBUG},
		{"INFO", INFO},
		{"WARNING", WARN},
		{"warn", WARN},
		{"error", ERROR},
		{"invalid", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		if result := ParseLevel(tt.input); result != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, result, tt.expected)
		}
	}
	if ParseFormat("JSON") != FormatJSON || ParseFormat("yaml") != FormatText {
		t.Error("ParseFormat mismatch")
	}
}

func TestConfigureFromEnv(t *testing.T) {
	t.Setenv("HP45_LOG_LEVEL", "error")
	t.Setenv("HP45_LOG_FORMAT", "json")
	t.Setenv("HP45_LOG_CALLER", "1")

	logger, buf := newBufferLogger("env")
	ConfigureFromEnv(logger)

	logger.Warn("filtered")
	logger.Error("kept")

	entry := decodeEntry(t, buf)
	if entry.Message != "kept" || entry.Caller == "" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestGetLogger(t *testing.T) {
	logger := GetLogger("mycomponent")
	if logger.prefix != "mycomponent" {
		t.Errorf("expected prefix 'mycomponent', got: %s", logger.prefix)
	}
	if logger.out != Default().out {
		t.Error("expected component logger to share the default output")
	}
}

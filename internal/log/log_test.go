// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package log

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

type tester struct {
	desc    string
	message string
	wantMsg string
}

func TestLoggerDebug(t *testing.T) {
	tests := []tester{
		{
			desc:    "without trailing newline",
			message: "listener started",
			wantMsg: `level=DEBUG msg="listener started" lib=titandelay`,
		},
		{
			desc:    "with formatting verbs",
			message: "channel orders-0",
			wantMsg: `level=DEBUG msg="channel orders-0" lib=titandelay`,
		},
	}

	for _, tc := range tests {
		var buf bytes.Buffer
		logger := NewLogger(newBase(&buf))

		logger.Debug(tc.message)

		got := buf.String()
		if !strings.Contains(got, tc.wantMsg) {
			t.Errorf("%s: logger.Debug(%q) outputted %q, should contain %q", tc.desc, tc.message, got, tc.wantMsg)
		}
	}
}

func TestLoggerInfof(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(newBase(&buf))

	logger.Infof("consumer %s started with %d workers", "orders-1", 4)

	want := `level=INFO msg="consumer orders-1 started with 4 workers"`
	if got := buf.String(); !strings.Contains(got, want) {
		t.Errorf("logger.Infof outputted %q, should contain %q", got, want)
	}
}

func TestLoggerWithLowerLevels(t *testing.T) {
	// Logger should not log messages at a level
	// lower than the specified level.
	tests := []struct {
		level Level
		op    string
	}{
		// with level one above
		{InfoLevel, "Debug"},
		{InfoLevel, "Debugf"},
		{WarnLevel, "Info"},
		{WarnLevel, "Infof"},
		{ErrorLevel, "Warn"},
		{ErrorLevel, "Warnf"},
		{FatalLevel, "Error"},
		{FatalLevel, "Errorf"},
		// with skip level
		{WarnLevel, "Debug"},
		{ErrorLevel, "Infof"},
		{FatalLevel, "Warn"},
	}

	for _, tc := range tests {
		var buf bytes.Buffer
		logger := NewLogger(newBase(&buf))
		logger.SetLevel(tc.level)

		switch tc.op {
		case "Debug":
			logger.Debug("hello")
		case "Debugf":
			logger.Debugf("hello, %s", "world")
		case "Info":
			logger.Info("hello")
		case "Infof":
			logger.Infof("hello, %s", "world")
		case "Warn":
			logger.Warn("hello")
		case "Warnf":
			logger.Warnf("hello, %s", "world")
		case "Error":
			logger.Error("hello")
		case "Errorf":
			logger.Errorf("hello, %s", "world")
		default:
			t.Fatalf("unexpected op: %q", tc.op)
		}

		if buf.String() != "" {
			t.Errorf("logger.%s outputted log message when level is set to %v", tc.op, tc.level)
		}
	}
}

func TestLoggerWithSameOrHigherLevels(t *testing.T) {
	// Logger should log messages at a level
	// same as or higher than the specified level.
	tests := []struct {
		level Level
		op    string
	}{
		// same level
		{DebugLevel, "Debug"},
		{InfoLevel, "Infof"},
		{WarnLevel, "Warn"},
		{ErrorLevel, "Errorf"},
		// higher level
		{DebugLevel, "Info"},
		{InfoLevel, "Warnf"},
		{WarnLevel, "Error"},
	}

	for _, tc := range tests {
		var buf bytes.Buffer
		logger := NewLogger(newBase(&buf))
		logger.SetLevel(tc.level)

		switch tc.op {
		case "Debug":
			logger.Debug("hello")
		case "Info":
			logger.Info("hello")
		case "Infof":
			logger.Infof("hello, %s", "world")
		case "Warn":
			logger.Warn("hello")
		case "Warnf":
			logger.Warnf("hello, %s", "world")
		case "Error":
			logger.Error("hello")
		case "Errorf":
			logger.Errorf("hello, %s", "world")
		default:
			t.Fatalf("unexpected op: %q", tc.op)
		}

		if buf.String() == "" {
			t.Errorf("logger.%s did not output log message when level is set to %v", tc.op, tc.level)
		}
	}
}

type fakeBase struct {
	lines []string
}

func (b *fakeBase) Debug(args ...interface{}) { b.lines = append(b.lines, "D "+fmt.Sprint(args...)) }
func (b *fakeBase) Info(args ...interface{})  { b.lines = append(b.lines, "I "+fmt.Sprint(args...)) }
func (b *fakeBase) Warn(args ...interface{})  { b.lines = append(b.lines, "W "+fmt.Sprint(args...)) }
func (b *fakeBase) Error(args ...interface{}) { b.lines = append(b.lines, "E "+fmt.Sprint(args...)) }
func (b *fakeBase) Fatal(args ...interface{}) { b.lines = append(b.lines, "F "+fmt.Sprint(args...)) }

func TestLoggerUsesUserProvidedBase(t *testing.T) {
	base := &fakeBase{}
	logger := NewLogger(base)
	logger.SetLevel(WarnLevel)

	logger.Info("dropped")
	logger.Warnf("lease %s left behind", "abc")
	logger.Error("dead-lettered")

	want := []string{"W lease abc left behind", "E dead-lettered"}
	if len(base.lines) != len(want) {
		t.Fatalf("got %d lines %v, want %v", len(base.lines), base.lines, want)
	}
	for i := range want {
		if base.lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, base.lines[i], want[i])
		}
	}
}

//
// Tencent is pleased to support the open source community by making floword available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// floword is licensed under the Apache License Version 2.0.
//
//

package log

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// TestSetLevel verifies that SetLevel correctly updates the underlying zap
// atomic level according to the provided level string.
func TestSetLevel(t *testing.T) {
	cases := []struct {
		in       string
		expected zapcore.Level
	}{
		{LevelDebug, zapcore.DebugLevel},
		{LevelInfo, zapcore.InfoLevel},
		{LevelWarn, zapcore.WarnLevel},
		{LevelError, zapcore.ErrorLevel},
		{LevelFatal, zapcore.FatalLevel},
		{"unknown", zapcore.InfoLevel}, // default branch
	}

	for _, c := range cases {
		SetLevel(c.in)
		if got := zapLevel.Level(); got != c.expected {
			t.Fatalf("SetLevel(%q) = %v; want %v", c.in, got, c.expected)
		}
	}
}

func TestPackageFuncsForwardToDefault(t *testing.T) {
	stub := &stubLogger{}
	oldDefault := Default
	Default = stub
	t.Cleanup(func() {
		Default = oldDefault
	})

	Debug("test")
	Debugf("test %d", 1)
	Info("test")
	Infof("test %d", 1)
	Warn("test")
	Warnf("test %d", 1)
	Error("test")
	Errorf("test %d", 1)
	Fatal("test")
	Fatalf("test %d", 1)

	if stub.calls != 10 {
		t.Fatalf("expected 10 forwarded calls, got %d", stub.calls)
	}
}

// stubLogger counts calls; Fatal must not exit here.
type stubLogger struct {
	calls int
}

func (s *stubLogger) Debug(args ...any)                 { s.calls++ }
func (s *stubLogger) Debugf(format string, args ...any) { s.calls++ }
func (s *stubLogger) Info(args ...any)                  { s.calls++ }
func (s *stubLogger) Infof(format string, args ...any)  { s.calls++ }
func (s *stubLogger) Warn(args ...any)                  { s.calls++ }
func (s *stubLogger) Warnf(format string, args ...any)  { s.calls++ }
func (s *stubLogger) Error(args ...any)                 { s.calls++ }
func (s *stubLogger) Errorf(format string, args ...any) { s.calls++ }
func (s *stubLogger) Fatal(args ...any)                 { s.calls++ }
func (s *stubLogger) Fatalf(format string, args ...any) { s.calls++ }

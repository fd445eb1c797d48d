// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the kernel's structured logging front end. A
// single default logger is configured at boot; everything else in the tree
// logs through the package-level helpers so the output target can be
// swapped without threading a logger through every constructor.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels accepted by Setup. "trace" maps below slog.LevelDebug.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	mu            sync.Mutex
	programLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel}))
)

// Setup configures the default logger. An empty filePath keeps stderr;
// otherwise output goes to a rotating file. Unknown severity strings keep
// the current level.
func Setup(filePath string, severity string, fileSizeMb int, backupCount int) {
	mu.Lock()
	defer mu.Unlock()

	setLevel(severity)

	var w io.Writer = os.Stderr
	if filePath != "" {
		w = &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    fileSizeMb,
			MaxBackups: backupCount,
		}
	}

	defaultLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: programLevel}))
}

func setLevel(severity string) {
	switch strings.ToLower(severity) {
	case "trace":
		programLevel.Set(LevelTrace)
	case "debug":
		programLevel.Set(LevelDebug)
	case "info":
		programLevel.Set(LevelInfo)
	case "warn", "warning":
		programLevel.Set(LevelWarn)
	case "error":
		programLevel.Set(LevelError)
	}
}

func get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return defaultLogger
}

func Tracef(format string, args ...any) { logf(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

func Info(msg string, args ...any)  { get().Info(msg, args...) }
func Warn(msg string, args ...any)  { get().Warn(msg, args...) }
func Error(msg string, args ...any) { get().Error(msg, args...) }

func logf(level slog.Level, format string, args ...any) {
	l := get()
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}

	l.Log(ctx, level, fmt.Sprintf(format, args...))
}

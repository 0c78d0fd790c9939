/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logger is the internal leveled logger shared by the HAL
// implementations. Level defaults to Warn and can be lowered via the
// DMAHAL_LOG_LEVEL process env; setting DMAHAL_DEBUG_MODE turns on debug
// mode, which forces the level down to Debug.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

var (
	std       = &logger{name: "", out: os.Stdout, callDepth: 3}
	level     int
	debugMode = false

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{magenta, green, blue, yellow, red}

	levelName = []string{"Trace", "Debug", "Info", "Warn", "Error"}
)

func init() {
	level = LevelWarn
	if v := os.Getenv("DMAHAL_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n <= LevelNoPrint {
			level = n
		}
	}
	if os.Getenv("DMAHAL_DEBUG_MODE") != "" {
		debugMode = true
		if level > LevelDebug {
			level = LevelDebug
		}
	}
}

// DebugMode reports whether debug mode is on. It gates extra per-operation
// tracing that is too chatty even for the Debug level default.
func DebugMode() bool {
	return debugMode
}

// SetDebugMode toggles debug mode, mainly for tests. Enabling it lowers the
// level to Debug the same way the DMAHAL_DEBUG_MODE env does.
func SetDebugMode(on bool) {
	debugMode = on
	if on && level > LevelDebug {
		level = LevelDebug
	}
}

// SetLevel changes the logger's level. The default is Warn; the process env
// DMAHAL_LOG_LEVEL also sets it.
func SetLevel(l int) {
	if l <= LevelNoPrint {
		level = l
	}
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	std.out = w
}

func Errorf(format string, a ...interface{}) { std.printf(LevelError, format, a...) }
func Warnf(format string, a ...interface{})  { std.printf(LevelWarn, format, a...) }
func Infof(format string, a ...interface{})  { std.printf(LevelInfo, format, a...) }
func Debugf(format string, a ...interface{}) { std.printf(LevelDebug, format, a...) }
func Tracef(format string, a ...interface{}) { std.printf(LevelTrace, format, a...) }

type logger struct {
	name      string
	out       io.Writer
	callDepth int
}

func (l *logger) printf(lv int, format string, a ...interface{}) {
	if level > lv {
		return
	}
	if _, err := fmt.Fprintf(l.out, l.prefix(lv)+format+reset+"\n", a...); err != nil {
		fmt.Fprintf(os.Stderr, "logger printf failed: %v\n", err)
	}
}

func (l *logger) prefix(lv int) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[lv])
	_, _ = buf.WriteString(levelName[lv])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	if l.name != "" {
		_, _ = buf.WriteString(l.name)
		_ = buf.WriteByte(' ')
	}
	return buf.String()
}

func (l *logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

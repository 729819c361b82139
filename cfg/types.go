// Copyright 2024 The scopefs Authors
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

package cfg

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// ParentProcessDir is the env var through which the foreground re-exec learns
// the directory relative paths were given against. The daemon changes its
// working directory before this code runs again.
const ParentProcessDir = "SCOPEFS_PARENT_PROCESS_DIR"

// Octal is the datatype for params such as file-mode which accept a base-8
// value.
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text), 8, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// LogSeverity represents the logging severity and accepts the values
// "TRACE", "DEBUG", "INFO", "WARNING", "ERROR" and "OFF".
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

// severityRanking maps each level to an integer for validation and
// comparison.
var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[level]; !ok {
		return fmt.Errorf("invalid log severity level: %s. Must be one of [TRACE, DEBUG, INFO, WARNING, ERROR, OFF]", text)
	}
	*l = level
	return nil
}

// Rank returns the integer representation of the severity rank. Returns -1 if
// the severity is unknown.
func (l LogSeverity) Rank() int {
	if rank, ok := severityRanking[l]; ok {
		return rank
	}
	return -1
}

// LogFormat is the output encoding of the log stream: "text" or "json".
type LogFormat string

func (f *LogFormat) UnmarshalText(text []byte) error {
	format := LogFormat(strings.ToLower(string(text)))
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid log format: %s. Must be one of [text, json]", text)
	}
	*f = format
	return nil
}

// ResolvedPath represents a file path made absolute at parse time, so that
// daemonizing (which changes the working directory) cannot change its
// meaning.
type ResolvedPath string

func (p *ResolvedPath) UnmarshalText(text []byte) error {
	resolved, err := GetResolvedPath(string(text))
	if err != nil {
		return err
	}
	*p = ResolvedPath(resolved)
	return nil
}

// GetResolvedPath makes filePath absolute. Relative paths resolve against
// ParentProcessDir when set (the re-exec case), otherwise against the current
// working directory. A leading ~/ resolves against the home directory. The
// empty string passes through untouched.
func GetResolvedPath(filePath string) (string, error) {
	if filePath == "" || path.IsAbs(filePath) {
		return filePath, nil
	}

	if strings.HasPrefix(filePath, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("fetch home dir: %w", err)
		}
		return filepath.Join(homeDir, filePath[2:]), nil
	}

	parentDir := strings.TrimSpace(os.Getenv(ParentProcessDir))
	if parentDir == "" {
		return filepath.Abs(filePath)
	}
	return filepath.Join(parentDir, filePath), nil
}

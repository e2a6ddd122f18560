/*
Copyright 2024 Pharos Networks, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"io"
	"log/slog"
	"os"
)

// InitLogger configures the default slog logger with the given level,
// writing text records to stderr.
func InitLogger(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// InitLoggerForTests mutes the default logger. Individual tests that
// care about log output install their own handler.
func InitLoggerForTests() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

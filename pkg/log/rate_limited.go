// Copyright 2021 The gVisor Authors.
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

package log

import (
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter

	// suppressed counts messages dropped since the last one let through.
	suppressed atomic.Uint64
}

func (rl *rateLimitedLogger) allow() (uint64, bool) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return 0, false
	}
	return rl.suppressed.Swap(0), true
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if n, ok := rl.allow(); ok {
		rl.logger.Debugf(format+suffix(n), v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if n, ok := rl.allow(); ok {
		rl.logger.Infof(format+suffix(n), v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if n, ok := rl.allow(); ok {
		rl.logger.Warningf(format+suffix(n), v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

func suffix(suppressed uint64) string {
	if suppressed == 0 {
		return ""
	}
	return " (" + strconv.FormatUint(suppressed, 10) + " similar messages suppressed)"
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

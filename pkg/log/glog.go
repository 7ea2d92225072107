// Copyright 2018 The gVisor Authors.
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
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid is the threadid component of the header, right-aligned in 7 columns
// as glog does.
var pid = fmt.Sprintf("%7d", os.Getpid())

// levelChar is the first character of a line at each level.
var levelChar = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

// appendHeader appends the glog line header for the caller depth frames up.
//
// Headers have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line]
func appendHeader(b []byte, depth int, level Level, timestamp time.Time) []byte {
	if int(level) < len(levelChar) {
		b = append(b, levelChar[level])
	}
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000")
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		b = append(b, file...)
		b = append(b, ':')
		b = strconv.AppendInt(b, int64(line), 10)
	} else {
		b = append(b, "???:0"...)
	}
	return append(b, "] "...)
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var local [256]byte
	b := appendHeader(local[:0], depth+1, level, timestamp)
	// The format string is passed on so args are only formatted once.
	b = append(b, format...)
	b = append(b, '\n')
	g.Emitter.Emit(1+depth, level, timestamp, string(b), args...)
}

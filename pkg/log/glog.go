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
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

// pid is used for the threadid component of the header, padded to the seven
// columns glog uses.
var pid = fmt.Sprintf("%7d", os.Getpid())

// caller is faked out as the caller. Resolving the real caller requires
// runtime.Callers, which is too slow for the translation paths that log.
const caller = "xlat:0"

var levelChars = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

// appendDigits appends v as exactly n decimal digits, dropping higher ones.
func appendDigits(b []byte, v, n int) []byte {
	var d [9]byte
	for i := n - 1; i >= 0; i-- {
		d[i] = '0' + byte(v%10)
		v /= 10
	}
	return append(b, d[:n]...)
}

// appendHeader appends a glog header:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line]
//
// L is the level letter and threadid is the process ID.
func appendHeader(b []byte, level Level, t time.Time) []byte {
	c := byte('?')
	if int(level) < len(levelChars) {
		c = levelChars[level]
	}
	_, month, day := t.Date()
	hour, minute, second := t.Clock()

	b = append(b, c)
	b = appendDigits(b, int(month), 2)
	b = appendDigits(b, day, 2)
	b = append(b, ' ')
	b = appendDigits(b, hour, 2)
	b = append(b, ':')
	b = appendDigits(b, minute, 2)
	b = append(b, ':')
	b = appendDigits(b, second, 2)
	b = append(b, '.')
	b = appendDigits(b, t.Nanosecond()/1000, 6)
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	b = append(b, caller...)
	return append(b, "] "...)
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var local [256]byte
	b := appendHeader(local[:0], level, timestamp)
	b = append(b, format...)
	if len(format) == 0 || format[len(format)-1] != '\n' {
		b = append(b, '\n')
	}
	g.Writer.Emit(1+depth, level, timestamp, string(b), args...)
}

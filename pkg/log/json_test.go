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
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLevelMarshal(t *testing.T) {
	for _, tc := range []struct {
		level Level
		want  string
	}{
		{Warning, `"warning"`},
		{Info, `"info"`},
		{Debug, `"debug"`},
	} {
		b, err := json.Marshal(tc.level)
		if err != nil {
			t.Errorf("json.Marshal(%v) failed: %v", tc.level, err)
			continue
		}
		if string(b) != tc.want {
			t.Errorf("json.Marshal(%v) = %s, want %s", tc.level, b, tc.want)
		}
	}
	if _, err := json.Marshal(Level(9)); err == nil {
		t.Errorf("json.Marshal(Level(9)) succeeded")
	}
}

func TestLevelUnmarshal(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: `"warning"`, want: Warning},
		{in: `"INFO"`, want: Info},
		{in: `"Debug"`, want: Debug},
		{in: `0`, want: Warning},
		{in: `1`, want: Info},
		{in: `2`, want: Debug},
		{in: `3`, wantErr: true},
		{in: `"trace"`, wantErr: true},
		{in: `-1`, wantErr: true},
	} {
		var got Level
		err := json.Unmarshal([]byte(tc.in), &got)
		if tc.wantErr {
			if err == nil {
				t.Errorf("json.Unmarshal(%s) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("json.Unmarshal(%s) = %v, %v; want %v, nil", tc.in, got, err, tc.want)
		}
	}
}

func TestJSONEmitterLines(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.March, 7, 13, 4, 5, 0, time.UTC)
	e.Emit(0, Info, ts, "first")
	e.Emit(0, Debug, ts, "second %d", 2)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(lines[1]), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q) failed: %v", lines[1], err)
	}
	if got.Msg != "second 2" || got.Level != Debug || !got.Time.Equal(ts) {
		t.Errorf("got %+v, want msg %q, level %v, time %v", got, "second 2", Debug, ts)
	}
	if !strings.HasPrefix(got.Source, "json_test.go:") {
		t.Errorf("source = %q, want this file", got.Source)
	}
}

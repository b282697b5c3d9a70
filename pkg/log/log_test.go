// Copyright 2026 The gVisor Authors.
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
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestWriterAddsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("no newline")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}
	if got, want := strings.Join(tw.lines, ""), "no newline\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestGoogleEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Debug, Emitter: GoogleEmitter{&Writer{Next: &buf}}}
	l.Infof("flushed %d entries", 5)

	// I0102 15:04:05.000000 <pid> log_test.go:<line>] flushed 5 entries
	re := regexp.MustCompile(`^I\d{4} \d{2}:\d{2}:\d{2}\.\d{6} +\d+ log_test\.go:\d+\] flushed 5 entries\n$`)
	if !re.MatchString(buf.String()) {
		t.Errorf("unexpected log line %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Warning, Emitter: &Writer{Next: &buf}}
	l.Debugf("debug")
	l.Infof("info")
	l.Warningf("warning")
	if got, want := buf.String(), "warning\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestMultiEmitter(t *testing.T) {
	var a, b bytes.Buffer
	m := MultiEmitter{&Writer{Next: &a}, &Writer{Next: &b}}
	m.Emit(0, Info, time.Now(), "context %d reclaimed", 3)
	for _, buf := range []*bytes.Buffer{&a, &b} {
		if got, want := buf.String(), "context 3 reclaimed\n"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: &buf}}, time.Hour)
	for i := 0; i < 10; i++ {
		l.Debugf("skip %d", i)
	}
	if got, want := buf.String(), "skip 0\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRateLimitedLoggerReportsSuppressed(t *testing.T) {
	var buf bytes.Buffer
	rl := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: &buf}}, time.Hour).(*rateLimitedLogger)
	for i := 0; i < 4; i++ {
		rl.Warningf("context %d busy", i)
	}
	rl.limit = rate.NewLimiter(rate.Inf, 1)
	rl.Warningf("context %d busy", 9)

	want := "context 0 busy\ncontext 9 busy (3 similar messages suppressed)\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRateLimitedLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	rl := RateLimitedLogger(&BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}, time.Hour).(*rateLimitedLogger)
	rl.Debugf("hidden")
	rl.Infof("shown")
	if got, want := buf.String(), "shown\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if n := rl.suppressed.Load(); n != 0 {
		t.Errorf("suppressed = %d, want 0", n)
	}
}

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

package metric

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestRegistration(t *testing.T) {
	m, err := NewUint64Metric("/metric_test/registration", true, "Test metric.")
	if err != nil {
		t.Fatalf("NewUint64Metric failed: %v", err)
	}
	if _, err := NewUint64Metric("/metric_test/registration", true, "Duplicate."); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate registration err = %v, want %v", err, ErrNameInUse)
	}
	m.Increment()
	m.IncrementBy(4)
	if got := m.Value(); got != 5 {
		t.Errorf("Value() = %d, want 5", got)
	}
	if got := Snapshot()["/metric_test/registration"]; got != 5 {
		t.Errorf("Snapshot value = %d, want 5", got)
	}
}

func TestInvalidName(t *testing.T) {
	for _, name := range []string{"", "/", "no_slash", "/Upper", "/with-dash"} {
		if _, err := NewUint64Metric(name, true, ""); !errors.Is(err, ErrInvalidName) {
			t.Errorf("NewUint64Metric(%q) err = %v, want %v", name, err, ErrInvalidName)
		}
	}
}

func TestWritePrometheus(t *testing.T) {
	c := MustCreateNewUint64Metric("/metric_test/export_counter", true, "A counter.")
	g := MustCreateNewUint64Metric("/metric_test/export_gauge", false, "A gauge.")
	c.IncrementBy(3)
	g.Set(7)

	var buf bytes.Buffer
	if err := WritePrometheus(&buf, "shootdown_"); err != nil {
		t.Fatalf("WritePrometheus failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"# HELP shootdown_metric_test_export_counter A counter.\n",
		"# TYPE shootdown_metric_test_export_counter counter\n",
		"shootdown_metric_test_export_counter 3\n",
		"# TYPE shootdown_metric_test_export_gauge gauge\n",
		"shootdown_metric_test_export_gauge 7\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

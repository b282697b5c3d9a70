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

package cmd

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"
	"shootdown.dev/shootdown/pkg/log"
	"shootdown.dev/shootdown/pkg/metric"
	"shootdown.dev/shootdown/tlbsim/config"
	"shootdown.dev/shootdown/tlbsim/sim"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// trace logs every invalidation request.
	trace bool

	// metrics prints the metrics in Prometheus text format on exit.
	metrics bool

	// out is where metrics are written. It is stdout if nil.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a randomized shootdown workload and audit every TLB"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - runs the configured workload on the simulated machine.

Each CPU maps, remaps, protects, splits, collapses and unmaps pages in its own
region of the address spaces, while translating addresses everywhere. After
every phase, each CPU's TLB is compared with the page tables. The command
fails if any stale translation is found.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.trace, "trace", false, "log every invalidation request at debug level.")
	f.BoolVar(&r.metrics, "metrics", false, "print metrics in Prometheus text format when done.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if flags := conf.ToFlags(); len(flags) > 0 {
		log.Infof("Non-default flags: %v", flags)
	}

	var trace func(sim.Event)
	if r.trace {
		trace = func(e sim.Event) { log.Debugf("Invalidate: %v", e) }
	}
	m := sim.New(conf, trace)
	if err := m.Start(); err != nil {
		Fatalf("starting machine: %v", err)
	}
	report, err := m.Run(ctx)
	m.Stop()
	if err != nil {
		Fatalf("running workload: %v", err)
	}

	for _, name := range report.OpNames() {
		log.Infof("%-14s %d", name+":", report.Ops[name])
	}
	log.Infof("Faults: %d, alias flushes: %d", report.Faults, report.AliasFlushes)

	if r.metrics {
		out := r.out
		if out == nil {
			out = os.Stdout
		}
		if err := metric.WritePrometheus(out, conf.MetricsPrefix); err != nil {
			Fatalf("writing metrics: %v", err)
		}
	}

	if n := len(report.Stale); n > 0 {
		log.Warningf("%d stale translations found in %d phases", n, report.Phases)
		return subcommands.ExitFailure
	}
	log.Infof("No stale translations in %d phases", report.Phases)
	return subcommands.ExitSuccess
}

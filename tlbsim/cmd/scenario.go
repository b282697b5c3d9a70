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
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"shootdown.dev/shootdown/tlbsim/config"
	"shootdown.dev/shootdown/tlbsim/sim"
)

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	// out is where the trace is written. It is stdout if nil.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "unmap five cached pages in lazy mode and print the invalidations"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario - maps pages 0x1000 through 0x5000 of mm_a, caches them on cpu1,
and unmaps them from cpu0 in lazy mode. Prints the invalidation requests issued.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Scenario) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out := s.out
	if out == nil {
		out = os.Stdout
	}

	res, err := sim.Scenario(ctx, conf)
	if err != nil {
		Fatalf("running scenario: %v", err)
	}
	for _, e := range res.Events {
		fmt.Fprintln(out, e)
	}
	if len(res.Remaining) > 0 {
		fmt.Fprintf(out, "cpu1 still caches %v\n", res.Remaining)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(out, "%d invalidation requests\n", len(res.Events))
	return subcommands.ExitSuccess
}

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

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/yaml.v3"
	"npk.dev/vm/pkg/config"
	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/system"
)

// boot boots a machine configured by conf, or exits.
func boot(conf *config.Config) *system.Machine {
	m, err := system.Boot(conf)
	if err != nil {
		Fatalf("error booting: %v", err)
	}
	return m
}

func destroy(ctx context.Context, m *system.Machine) {
	if err := m.Destroy(ctx); err != nil {
		log.Warningf("Error destroying machine: %v", err)
	}
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// runScenario boots a machine for the named scenario and runs it. The
// caller must destroy the machine.
func runScenario(ctx context.Context, conf *config.Config, name string) (*system.Machine, *system.Report) {
	sc, ok := system.LookupScenario(name)
	if !ok {
		Fatalf("unknown scenario %q, must be one of: %s", name, strings.Join(system.ScenarioNames(), ", "))
	}
	sconf, err := sc.Config(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	m := boot(sconf)
	rep, err := sc.Run(ctx, m)
	if err != nil {
		destroy(ctx, m)
		Fatalf("%v", err)
	}
	return m, rep
}

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct{}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run a canned memory manager scenario and print its report"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return fmt.Sprintf(`scenario <name> - runs a scenario in a fresh process. Names: %s
`, strings.Join(system.ScenarioNames(), ", "))
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Scenario) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Scenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	m, rep := runScenario(ctx, conf, f.Arg(0))
	defer destroy(ctx, m)
	if err := writeYAML(os.Stdout, rep); err != nil {
		Fatalf("error writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts system.StressOpts
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "fault one file mapping from many goroutines at once"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-workers=N] [-faults=N] [-granules=N] [-seed=N] - touches random pages of a file mapping concurrently and checks that every page was mapped once.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.Workers, "workers", 16, "number of concurrent workers.")
	f.IntVar(&s.opts.Faults, "faults", 1000, "accesses per worker.")
	f.IntVar(&s.opts.Granules, "granules", 64, "length of the mapping in pages.")
	f.Uint64Var(&s.opts.Seed, "seed", 1, "seed of the access pattern.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	m := boot(conf)
	defer destroy(ctx, m)
	rep, err := system.Stress(ctx, m, s.opts)
	if err != nil {
		log.Warningf("Stress failed: %v", err)
		fmt.Fprintf(os.Stderr, "stress failed: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := writeYAML(os.Stdout, rep); err != nil {
		Fatalf("error writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	scenario       string
	exporterPrefix string
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "export memory usage after a scenario in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [-scenario=<name>] [-exporter-prefix=<vm_>] - prints usage of every address space in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.scenario, "scenario", "deferred-file", "scenario to run before exporting.")
	f.StringVar(&s.exporterPrefix, "exporter-prefix", "vm_", "Prefix for all metric names, following Prometheus exporter convention")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	m, _ := runScenario(ctx, conf, s.scenario)
	defer destroy(ctx, m)

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf, s.exporterPrefix); err != nil {
		Fatalf("error exporting metrics: %v", err)
	}
	// Check the export parses before handing it out.
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(bytes.NewReader(buf.Bytes()))
	if err != nil {
		Fatalf("exported metrics do not parse: %v", err)
	}
	n, err := os.Stdout.Write(buf.Bytes())
	if err != nil {
		Fatalf("Cannot write metrics to stdout: %v", err)
	}
	log.Infof("Wrote %d bytes of Prometheus metric data (%d families) to stdout", n, len(families))
	return subcommands.ExitSuccess
}

// Config implements subcommands.Command for the "config" command.
type Config struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Config) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Config) Synopsis() string {
	return "print the effective configuration"
}

// Usage implements subcommands.Command.Usage.
func (*Config) Usage() string {
	return `config [-format=toml|yaml] - prints the configuration after files and overrides are applied.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Config) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.format, "format", "toml", "output format: toml or yaml.")
}

// Execute implements subcommands.Command.Execute.
func (c *Config) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	var err error
	switch c.format {
	case "toml":
		err = toml.NewEncoder(os.Stdout).Encode(conf)
	case "yaml":
		err = writeYAML(os.Stdout, conf)
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err != nil {
		Fatalf("error writing config: %v", err)
	}
	return subcommands.ExitSuccess
}

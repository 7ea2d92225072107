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

// Binary vmsim boots a simulated machine and exercises its memory manager.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"npk.dev/vm/pkg/config"
	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/refs"
)

var (
	configPath = flag.String("config", "", "path to a .toml or .yaml configuration file.")
	logFormat  = flag.String("log-format", "", "log format: text, json or logrus. Overrides log_format.")
	logFile    = flag.String("log", "", "file to log to instead of stderr. %TIMESTAMP% and %NAME% are expanded.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
	overrides  config.Overrides
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(Scenario), "")
	subcommands.Register(new(Stress), "")
	subcommands.Register(new(Stats), "")
	subcommands.Register(new(Config), "")

	flag.Var(&overrides, "set", "configuration override of the form key=value. May be repeated.")
	flag.Parse()

	conf, err := loadConfig()
	if err != nil {
		Fatalf("%v", err)
	}

	var out io.Writer = os.Stderr
	if f, err := log.OpenFile(*logFile, flag.Arg(0)); err != nil {
		Fatalf("error opening log file: %v", err)
	} else if f != nil {
		defer f.Close()
		out = f
	}
	log.SetTarget(newEmitter(conf.LogFormat, out))
	log.SetLevel(conf.Level())

	const delimString = `**************** vmsim ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d host CPUs, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	for _, arg := range conf.ToArgs() {
		log.Infof("Config: %s", arg)
	}
	log.Infof(delimString)

	status := subcommands.Execute(context.Background(), conf)
	refs.DoLeakCheck()
	os.Exit(int(status))
}

// loadConfig builds the configuration from -config, -set, -log-format and
// -debug, in that order.
func loadConfig() (*config.Config, error) {
	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if err := overrides.Apply(conf); err != nil {
		return nil, err
	}
	if *logFormat != "" {
		if err := conf.Override("log_format", *logFormat); err != nil {
			return nil, err
		}
	}
	if *debug {
		if err := conf.Override("log_level", "debug"); err != nil {
			return nil, err
		}
	}
	return conf, nil
}

func newEmitter(format string, w io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	case "logrus":
		return log.NewLogrusEmitter(&log.Writer{Next: w})
	}
	Fatalf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
	panic("unreachable")
}

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "vmsim: "+format+"\n", args...)
	log.Warningf(format, args...)
	// Give the log a moment to flush.
	time.Sleep(10 * time.Millisecond)
	os.Exit(128)
}

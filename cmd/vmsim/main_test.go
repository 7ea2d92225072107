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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"npk.dev/vm/pkg/config"
	"npk.dev/vm/pkg/log"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.toml")
	if err := os.WriteFile(path, []byte("[trap]\ncpus = 2\n"), 0644); err != nil {
		t.Fatalf("WriteFile(): %v", err)
	}
	*configPath, *logFormat, *debug = path, "json", true
	overrides = config.Overrides{"drivers.vfs_map_ahead=3"}
	defer func() {
		*configPath, *logFormat, *debug = "", "", false
		overrides = nil
	}()

	conf, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig(): %v", err)
	}
	if conf.Trap.CPUs != 2 || conf.Drivers.VfsMapAhead != 3 || conf.LogFormat != "json" || conf.Level() != log.Debug {
		t.Errorf("loadConfig() got %+v", conf)
	}

	*logFormat = "xml"
	if _, err := loadConfig(); err == nil {
		t.Errorf("loadConfig() with -log-format=xml succeeded, want error")
	}
}

func TestNewEmitter(t *testing.T) {
	for _, format := range []string{"text", "json", "logrus"} {
		var buf bytes.Buffer
		e := newEmitter(format, &buf)
		l := &log.BasicLogger{Level: log.Info, Emitter: e}
		l.Infof("hello %s", format)
		if got := buf.String(); !strings.Contains(got, "hello "+format) {
			t.Errorf("%s emitter wrote %q, want it to contain the message", format, got)
		}
	}
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	if err := writeYAML(&buf, config.Default()); err != nil {
		t.Fatalf("writeYAML(): %v", err)
	}
	for _, want := range []string{"0x100000", "retry_max_elapsed: 1s", "vfs_map_ahead: 2"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("writeYAML() output missing %q:\n%s", want, buf.String())
		}
	}
}

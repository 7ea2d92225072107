// Copyright 2022 The gVisor Authors.
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

package usage

import (
	"io"

	"npk.dev/vm/pkg/prometheus"
)

var (
	faultsMetric = &prometheus.Metric{
		Name: "faults_total",
		Type: prometheus.TypeCounter,
		Help: "Page faults dispatched to a backing driver.",
	}
	workingMetric = &prometheus.Metric{
		Name: "working_set_bytes",
		Type: prometheus.TypeGauge,
		Help: "Bytes reserved by ranges, resident or not.",
	}
	residentMetric = &prometheus.Metric{
		Name: "resident_set_bytes",
		Type: prometheus.TypeGauge,
		Help: "Bytes with a physical mapping.",
	}
	rangesMetric = &prometheus.Metric{
		Name: "ranges",
		Type: prometheus.TypeGauge,
		Help: "Number of reserved ranges.",
	}
)

// Snapshot converts s into Prometheus data labeled with the address space
// name.
func (s *Stats) Snapshot(space string) *prometheus.Snapshot {
	snap := prometheus.NewSnapshot()
	snap.Add(prometheus.LabeledData(faultsMetric, map[string]string{"space": space}, s.Faults))
	for k := Kind(0); k < NumKinds; k++ {
		labels := map[string]string{"space": space, "kind": k.String()}
		snap.Add(
			prometheus.LabeledData(workingMetric, labels, s.Working(k)),
			prometheus.LabeledData(residentMetric, labels, s.Resident(k)),
			prometheus.LabeledData(rangesMetric, labels, *s.ranges(k)),
		)
	}
	return snap
}

// WritePrometheus writes s in Prometheus text format with every metric name
// prefixed by prefix.
func (s *Stats) WritePrometheus(w io.Writer, prefix, space string) error {
	return s.Snapshot(space).Write(w, prefix)
}

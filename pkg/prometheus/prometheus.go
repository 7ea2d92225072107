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

// Package prometheus contains Prometheus-compliant metric data structures and
// utilities. It can export data in Prometheus text format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional helpful string explaining what the metric is about.
	Help string `json:"help"`
}

// writeHeaderTo writes the metric comment header to the given writer.
func (m *Metric) writeHeaderTo(w io.Writer, prefix string) error {
	if m.Help != "" {
		// Prometheus metric description escape rules: Only backslashes and line breaks need escaping.
		help := strings.ReplaceAll(strings.ReplaceAll(m.Help, "\\", "\\\\"), "\n", "\\n")
		if _, err := fmt.Fprintf(w, "# HELP %s%s %s\n", prefix, m.Name, help); err != nil {
			return err
		}
	}
	var metricType string
	switch m.Type {
	case TypeGauge:
		metricType = "gauge"
	case TypeCounter:
		metricType = "counter"
	case TypeUntyped:
		metricType = "untyped"
	}
	_, err := fmt.Fprintf(w, "# TYPE %s%s %s\n", prefix, m.Name, metricType)
	return err
}

// Data is an observation of the value of a single metric at a certain point
// in time.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric `json:"metric"`

	// Labels is a key-value pair representing the labels set on this metric.
	Labels map[string]string `json:"labels,omitempty"`

	// Value is the observed value.
	Value uint64 `json:"val"`
}

// LabeledData returns a new Data struct with the given metric, labels and
// value.
func LabeledData(metric *Metric, labels map[string]string, val uint64) *Data {
	return &Data{Metric: metric, Labels: labels, Value: val}
}

// writeLabelsTo writes the labels in sorted key order.
func (d *Data) writeLabelsTo(w io.Writer) error {
	if len(d.Labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(d.Labels))
	for k := range d.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		// Label values escape backslashes, double quotes and line feeds.
		v := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n").Replace(d.Labels[k])
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, v))
	}
	_, err := io.WriteString(w, "{"+strings.Join(parts, ",")+"}")
	return err
}

// Snapshot is a batch of data points taken at the same time.
type Snapshot struct {
	// When is the timestamp at which the snapshot was taken.
	When time.Time `json:"when,omitempty"`

	// Data is the whole snapshot data.
	Data []*Data `json:"data,omitempty"`
}

// NewSnapshot returns a new Snapshot at the current time.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add adds the given data to the Snapshot. It returns the Snapshot itself
// for convenience.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// Write writes s in Prometheus text format, grouping data by metric and
// prefixing every metric name with prefix. Each metric header is written
// once, before its first data point.
func (s *Snapshot) Write(w io.Writer, prefix string) error {
	bw := bufio.NewWriter(w)
	written := make(map[string]bool)
	ts := s.When.UnixMilli()
	for _, d := range s.sorted() {
		if !written[d.Metric.Name] {
			if err := d.Metric.writeHeaderTo(bw, prefix); err != nil {
				return err
			}
			written[d.Metric.Name] = true
		}
		if _, err := io.WriteString(bw, prefix+d.Metric.Name); err != nil {
			return err
		}
		if err := d.writeLabelsTo(bw); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(bw, " %d %d\n", d.Value, ts); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// sorted returns s.Data grouped by metric name, preserving the order in
// which data for each metric was added.
func (s *Snapshot) sorted() []*Data {
	out := make([]*Data, len(s.Data))
	copy(out, s.Data)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metric.Name < out[j].Metric.Name
	})
	return out
}

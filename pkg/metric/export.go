// Copyright 2024 The gVisor Authors.
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
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// PrometheusNamespace prefixes every exported metric name.
const PrometheusNamespace = "xlat"

// PrometheusName converts a metric path such as /paging/tlb/lookups into a
// Prometheus-compliant name such as xlat_paging_tlb_lookups.
func PrometheusName(name string) string {
	return PrometheusNamespace + strings.ReplaceAll(name, "/", "_")
}

// families builds one counter family per registered metric.
func families() []*dto.MetricFamily {
	byName := make(map[string]*dto.MetricFamily)
	var order []string
	allMetrics.mu.RLock()
	descriptions := make(map[string]string, len(allMetrics.uint64Metrics))
	for name, m := range allMetrics.uint64Metrics {
		descriptions[name] = m.description
	}
	allMetrics.mu.RUnlock()

	for _, s := range Snapshot() {
		mf, ok := byName[s.Name]
		if !ok {
			mf = &dto.MetricFamily{
				Name: proto.String(PrometheusName(s.Name)),
				Help: proto.String(descriptions[s.Name]),
				Type: dto.MetricType_COUNTER.Enum(),
			}
			byName[s.Name] = mf
			order = append(order, s.Name)
		}
		m := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(s.Value))},
		}
		labels := make([]string, 0, len(s.Fields))
		for k := range s.Fields {
			labels = append(labels, k)
		}
		sort.Strings(labels)
		for _, k := range labels {
			m.Label = append(m.Label, &dto.LabelPair{
				Name:  proto.String(k),
				Value: proto.String(s.Fields[k]),
			})
		}
		mf.Metric = append(mf.Metric, m)
	}

	out := make([]*dto.MetricFamily, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	for _, mf := range families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return nil
}

// ParsePrometheus parses text written by WritePrometheus back into a map of
// Prometheus name to the sum of its counter values.
func ParsePrometheus(r io.Reader) (map[string]uint64, error) {
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("parsing metrics: %w", err)
	}
	totals := make(map[string]uint64, len(parsed))
	for name, mf := range parsed {
		var sum uint64
		for _, m := range mf.GetMetric() {
			sum += uint64(m.GetCounter().GetValue())
		}
		totals[name] = sum
	}
	return totals, nil
}

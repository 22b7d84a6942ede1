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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not of the form
	// /component/name.
	ErrInvalidName = errors.New("metric name must be a /-separated path of lowercase words")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	// name is the metric path, e.g. /paging/tlb/lookups.
	name string

	// description is shown as the metric help text.
	description string

	// fields is the map of field-value combination index keys to counters.
	fields []atomic.Uint64

	// fieldMapper indexes fields by field value combination.
	fieldMapper fieldMapper
}

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Name returns the field name.
func (f Field) Name() string {
	return f.name
}

// maxFieldCombinations bounds the number of counters a single metric holds.
const maxFieldCombinations = 1 << 16

// fieldMapper maps a combination of field values to a counter index and
// back. Field i contributes the index of its value times strides[i], so the
// first field is the most significant.
type fieldMapper struct {
	fields  []Field
	strides []int
	index   []map[string]int

	// size is the number of field value combinations.
	size int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	m := fieldMapper{
		fields:  fields,
		strides: make([]int, len(fields)),
		index:   make([]map[string]int, len(fields)),
		size:    1,
	}
	for i := len(fields) - 1; i >= 0; i-- {
		f := fields[i]
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		m.strides[i] = m.size
		m.index[i] = make(map[string]int, len(f.allowedValues))
		for j, v := range f.allowedValues {
			m.index[i][v] = j
		}
		m.size *= len(f.allowedValues)
		if m.size > maxFieldCombinations {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return m, nil
}

// lookup returns the counter index of a combination of field values. It
// panics unless given one allowed value per field.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic(fmt.Sprintf("metric has %d fields, got %d values", len(m.fields), len(values)))
	}
	key := 0
	for i, v := range values {
		j, ok := m.index[i][v]
		if !ok {
			panic(fmt.Sprintf("disallowed field value %q for field %q", v, m.fields[i].name))
		}
		key += j * m.strides[i]
	}
	return key
}

// values is the reverse of lookup. It returns nil for metrics without
// fields.
func (m fieldMapper) values(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	out := make([]string, len(m.fields))
	for i, f := range m.fields {
		out[i] = f.allowedValues[key/m.strides[i]%len(f.allowedValues)]
	}
	return out
}

// metricSet holds all registered metrics.
type metricSet struct {
	mu sync.RWMutex

	// uint64Metrics is keyed by metric name.
	uint64Metrics map[string]*Uint64Metric
}

// makeMetricSet returns a new metricSet.
func makeMetricSet() *metricSet {
	return &metricSet{
		uint64Metrics: make(map[string]*Uint64Metric),
	}
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

// validName reports whether name looks like /foo/bar_baz.
func validName(name string) bool {
	if len(name) < 2 || name[0] != '/' || name[len(name)-1] == '/' {
		return false
	}
	prev := byte('/')
	for i := 1; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '/':
			if prev == '/' {
				return false
			}
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
		prev = c
	}
	return true
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fieldMapper: f,
		fields:      make([]atomic.Uint64, f.size),
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.uint64Metrics[name]; ok {
		return nil, ErrNameInUse
	}
	allMetrics.uint64Metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	key := m.fieldMapper.lookup(fieldValues...)
	return m.fields[key].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	key := m.fieldMapper.lookup(fieldValues...)
	m.fields[key].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	key := m.fieldMapper.lookup(fieldValues...)
	m.fields[key].Add(v)
}

// Sample is a single value of a metric for one combination of field values.
type Sample struct {
	// Name is the metric name.
	Name string

	// Fields maps field name to value. It is nil for metrics without fields.
	Fields map[string]string

	// Value is the counter value.
	Value uint64
}

// Snapshot returns the current value of every registered metric and field
// combination, sorted by name and then by field key.
func Snapshot() []Sample {
	allMetrics.mu.RLock()
	defer allMetrics.mu.RUnlock()

	names := make([]string, 0, len(allMetrics.uint64Metrics))
	for name := range allMetrics.uint64Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var samples []Sample
	for _, name := range names {
		m := allMetrics.uint64Metrics[name]
		for key := range m.fields {
			s := Sample{Name: name, Value: m.fields[key].Load()}
			if values := m.fieldMapper.values(key); values != nil {
				s.Fields = make(map[string]string, len(values))
				for i, v := range values {
					s.Fields[m.fieldMapper.fields[i].name] = v
				}
			}
			samples = append(samples, s)
		}
	}
	return samples
}

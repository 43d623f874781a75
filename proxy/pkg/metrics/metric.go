package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

type metric struct {
	name                 string
	labels               map[string]string
	description          string
	stringRepresentation string
	identifier           uint32
}

type Metric interface {
	GetName() string
	GetLabels() map[string]string
	GetDescription() string
	GetUniqueIdentifier() uint32
	String() string
}

var metricIdentifierCounter uint32 = 0

func incrementMetricIdentifier() uint32 {
	return atomic.AddUint32(&metricIdentifierCounter, 1)
}

func newMetricBase(name string, description string, labels map[string]string) *metric {
	m := &metric{
		name:        name,
		description: description,
		labels:      labels,
		identifier:  incrementMetricIdentifier(),
	}
	m.stringRepresentation = computeStringRepresentation(m)
	return m
}

func NewMetric(name string, description string) Metric {
	return newMetricBase(name, description, nil)
}

func NewMetricWithLabels(name string, description string, labels map[string]string) Metric {
	return newMetricBase(name, description, labels)
}

func computeStringRepresentation(m *metric) string {
	if len(m.labels) == 0 {
		return m.name
	}

	keys := make([]string, 0, len(m.labels))
	for key := range m.labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	labelPairs := make([]string, 0, len(keys))
	for _, key := range keys {
		labelPairs = append(labelPairs, fmt.Sprintf("%v=\"%v\"", key, m.labels[key]))
	}
	return fmt.Sprintf("%v{%v}", m.name, strings.Join(labelPairs, ","))
}

func (recv *metric) GetName() string {
	return recv.name
}

func (recv *metric) GetLabels() map[string]string {
	return recv.labels
}

func (recv *metric) GetDescription() string {
	return recv.description
}

func (recv *metric) GetUniqueIdentifier() uint32 {
	return recv.identifier
}

func (recv *metric) String() string {
	return recv.stringRepresentation
}

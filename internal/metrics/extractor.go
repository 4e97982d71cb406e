package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/therealutkarshpriyadarshi/socpipe/pkg/types"
)

// MetricType represents the type of metric to extract
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeHistogram MetricType = "histogram"
)

// ExtractionRule defines how to derive a metric from event fields
type ExtractionRule struct {
	Name string
	Type MetricType
	// Field supplies the observed value. An empty Field on a counter counts
	// one per event.
	Field string
	// LabelFields maps metric label names to event field names. Missing or
	// null fields produce the label value "-".
	LabelFields map[string]string
	Help        string
	Buckets     []float64
}

type extracted struct {
	rule   ExtractionRule
	labels []string // sorted label names
	vec    prometheus.Collector
}

// Extractor turns decoded connection events into metrics
type Extractor struct {
	mu    sync.RWMutex
	rules []*extracted
}

// NewExtractor registers one metric per rule in the collector's registry
func NewExtractor(c *Collector, rules []ExtractionRule) (*Extractor, error) {
	e := &Extractor{}

	for _, rule := range rules {
		x, err := newExtracted(rule)
		if err != nil {
			return nil, err
		}
		if err := c.registry.Register(x.vec); err != nil {
			return nil, fmt.Errorf("failed to register metric %s: %w", rule.Name, err)
		}
		e.rules = append(e.rules, x)
	}

	return e, nil
}

func newExtracted(rule ExtractionRule) (*extracted, error) {
	labelNames := make([]string, 0, len(rule.LabelFields))
	for labelName := range rule.LabelFields {
		labelNames = append(labelNames, labelName)
	}
	sort.Strings(labelNames)

	x := &extracted{rule: rule, labels: labelNames}

	switch rule.Type {
	case MetricTypeCounter:
		x.vec = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      rule.Name,
				Help:      rule.Help,
			},
			labelNames,
		)

	case MetricTypeHistogram:
		if rule.Field == "" {
			return nil, fmt.Errorf("histogram %s needs a field", rule.Name)
		}
		buckets := rule.Buckets
		if buckets == nil {
			buckets = prometheus.DefBuckets
		}
		x.vec = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      rule.Name,
				Help:      rule.Help,
				Buckets:   buckets,
			},
			labelNames,
		)

	default:
		return nil, fmt.Errorf("unsupported metric type: %s", rule.Type)
	}

	return x, nil
}

// Extract records every rule that applies to event
func (e *Extractor) Extract(event types.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, x := range e.rules {
		value, ok := 1.0, true
		if x.rule.Field != "" {
			value, ok = numericField(event, x.rule.Field)
		}
		if !ok {
			continue
		}

		labels := make([]string, len(x.labels))
		for i, name := range x.labels {
			labels[i] = labelValue(event, x.rule.LabelFields[name])
		}

		switch vec := x.vec.(type) {
		case *prometheus.CounterVec:
			if value >= 0 {
				vec.WithLabelValues(labels...).Add(value)
			}
		case *prometheus.HistogramVec:
			vec.WithLabelValues(labels...).Observe(value)
		}
	}
}

func numericField(event types.Event, field string) (float64, bool) {
	v, ok := event.Get(field)
	if !ok {
		return 0, false
	}

	switch v.Kind() {
	case types.KindInt:
		i, _ := v.AsInt()
		return float64(i), true
	case types.KindFloat:
		f, _ := v.AsFloat()
		return f, true
	case types.KindString:
		s, _ := v.AsString()
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func labelValue(event types.Event, field string) string {
	v, ok := event.Get(field)
	if !ok || v.IsNull() {
		return types.NullToken
	}
	return v.Raw()
}

// ConnectionRules returns the default rules for conn-style events
func ConnectionRules() []ExtractionRule {
	return []ExtractionRule{
		{
			Name: "connections_total",
			Type: MetricTypeCounter,
			Help: "Total number of connection events by protocol and service",
			LabelFields: map[string]string{
				"proto":   "proto",
				"service": "service",
			},
		},
		{
			Name:    "connection_duration_seconds",
			Type:    MetricTypeHistogram,
			Field:   "duration",
			Help:    "Connection duration reported by the sensor",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4.4min
			LabelFields: map[string]string{
				"proto": "proto",
			},
		},
		{
			Name:  "orig_bytes_total",
			Type:  MetricTypeCounter,
			Field: "orig_bytes",
			Help:  "Payload bytes sent by connection originators",
			LabelFields: map[string]string{
				"proto": "proto",
			},
		},
		{
			Name:  "resp_bytes_total",
			Type:  MetricTypeCounter,
			Field: "resp_bytes",
			Help:  "Payload bytes sent by connection responders",
			LabelFields: map[string]string{
				"proto": "proto",
			},
		},
	}
}

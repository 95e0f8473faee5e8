// Package telemetry provides simple metrics emission and span helpers
// over OpenTelemetry. The functions are safe to call before any provider
// is configured; they fall back to the global no-op provider.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/grcflow/grcflow"

type instruments struct {
	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

var global = &instruments{
	counters:   make(map[string]metric.Float64Counter),
	histograms: make(map[string]metric.Float64Histogram),
}

func (i *instruments) counter(name string) metric.Float64Counter {
	i.mu.Lock()
	defer i.mu.Unlock()
	if c, ok := i.counters[name]; ok {
		return c
	}
	c, err := otel.GetMeterProvider().Meter(instrumentationName).Float64Counter(name)
	if err != nil {
		return nil
	}
	i.counters[name] = c
	return c
}

func (i *instruments) histogram(name string) metric.Float64Histogram {
	i.mu.Lock()
	defer i.mu.Unlock()
	if h, ok := i.histograms[name]; ok {
		return h
	}
	h, err := otel.GetMeterProvider().Meter(instrumentationName).Float64Histogram(name)
	if err != nil {
		return nil
	}
	i.histograms[name] = h
	return h
}

// labelAttrs converts variadic key-value pairs into attributes. An odd
// trailing key is dropped.
func labelAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

// Counter increments a counter metric by 1. Labels are key-value pairs.
// Example: Counter("workflow.submitted.total", "process_type", "ACCESS_REQUEST")
func Counter(name string, labels ...string) {
	Add(name, 1, labels...)
}

// Add increments a counter metric by the given amount.
func Add(name string, value float64, labels ...string) {
	if c := global.counter(name); c != nil {
		c.Add(context.Background(), value, metric.WithAttributes(labelAttrs(labels)...))
	}
}

// Histogram records a value in a distribution. Use for latencies, queue
// depths and similar.
func Histogram(name string, value float64, labels ...string) {
	if h := global.histogram(name); h != nil {
		h.Record(context.Background(), value, metric.WithAttributes(labelAttrs(labels)...))
	}
}

// Duration records elapsed time since startTime in milliseconds.
// Convenience for the common pattern of timing operations:
//
//	start := time.Now()
//	defer telemetry.Duration("resolver.duration_ms", start, "approver_type", string(t))
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// RecordError records an error occurrence with type classification.
func RecordError(name string, errorType string, labels ...string) {
	Counter(name, append(labels, "error_type", errorType)...)
}

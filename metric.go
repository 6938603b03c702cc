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

package essink

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	bufferDuration metric.Float64Histogram
	flushDuration  metric.Float64Histogram
	drainDuration  metric.Float64Histogram
	bulkRequests   metric.Int64Counter
	rowsReceived   metric.Int64Counter
	docsAdded      metric.Int64Counter
	docsActive     metric.Int64UpDownCounter
	docsProcessed  metric.Int64Counter
	docsRetried    metric.Int64Counter
	bytesTotal     metric.Int64Counter
	checkpoints    metric.Int64Counter
}

type histogramMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Float64Histogram
}

type counterMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Int64Counter
}

func newMetrics(cfg Config) (metrics, error) {
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	meter := cfg.MeterProvider.Meter("github.com/liyubin117/flink-connector-elasticsearch")
	ms := metrics{}
	histograms := []histogramMetric{
		{
			name:        "elasticsearch.sink.buffer.latency",
			description: "The amount of time a request was buffered for, in seconds.",
			unit:        "s",
			p:           &ms.bufferDuration,
		},
		{
			name:        "elasticsearch.sink.flushed.latency",
			description: "The amount of time a _bulk request took, in seconds.",
			unit:        "s",
			p:           &ms.flushDuration,
		},
		{
			name:        "elasticsearch.sink.checkpoint.latency",
			description: "The amount of time a checkpoint barrier waited for outstanding requests, in seconds.",
			unit:        "s",
			p:           &ms.drainDuration,
		},
	}
	for _, m := range histograms {
		if err := newFloat64Histogram(meter, m); err != nil {
			return ms, err
		}
	}

	counters := []counterMetric{
		{
			name:        "elasticsearch.sink.rows.count",
			description: "Number of changelog rows received by the sink.",
			p:           &ms.rowsReceived,
		},
		{
			name:        "elasticsearch.sink.requests.count",
			description: "Number of document requests admitted into the buffer.",
			p:           &ms.docsAdded,
		},
		{
			name:        "elasticsearch.sink.bulk_requests.count",
			description: "The number of bulk requests completed.",
			p:           &ms.bulkRequests,
		},
		{
			name:        "elasticsearch.sink.requests.processed",
			description: "Number of document requests that reached a terminal outcome. Dimensions report success or the failure kind.",
			p:           &ms.docsProcessed,
		},
		{
			name:        "elasticsearch.sink.requests.retried",
			description: "Number of document re-submissions after retriable failures.",
			p:           &ms.docsRetried,
		},
		{
			name:        "elasticsearch.sink.flushed.bytes",
			description: "The total number of bytes written to bulk request bodies.",
			unit:        "by",
			p:           &ms.bytesTotal,
		},
		{
			name:        "elasticsearch.sink.checkpoints.count",
			description: "The number of checkpoint barriers drained by the sink.",
			p:           &ms.checkpoints,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return ms, err
		}
	}

	var err error
	ms.docsActive, err = meter.Int64UpDownCounter(
		"elasticsearch.sink.requests.active",
		metric.WithUnit("1"),
		metric.WithDescription("The number of admitted requests not yet acknowledged by the backend."),
	)
	if err != nil {
		return ms, fmt.Errorf("failed creating elasticsearch.sink.requests.active metric: %w", err)
	}
	return ms, nil
}

func newInt64Counter(meter metric.Meter, c counterMetric) error {
	unit := c.unit
	if unit == "" {
		unit = "1"
	}
	m, err := meter.Int64Counter(
		c.name,
		metric.WithUnit(unit),
		metric.WithDescription(c.description),
	)
	if err != nil {
		return fmt.Errorf("failed creating %s metric: %w", c.name, err)
	}
	*c.p = m
	return nil
}

func newFloat64Histogram(meter metric.Meter, h histogramMetric) error {
	m, err := meter.Float64Histogram(
		h.name,
		metric.WithUnit(h.unit),
		metric.WithDescription(h.description),
	)
	if err != nil {
		return fmt.Errorf("failed creating %s metric: %w", h.name, err)
	}
	*h.p = m
	return nil
}

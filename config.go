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
	"time"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config holds configuration for a Sink.
type Config struct {
	// Logger holds an optional Logger to use for logging flushes and
	// failures.
	//
	// All fatal errors are logged at error level; recurring retriable
	// errors are demoted to debug level after the first occurrence so a
	// struggling cluster does not flood the logs.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each bulk request is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced with APM.
	Tracer *apm.Tracer

	// TracerProvider allows specifying a custom OTel tracer provider to
	// trace bulk flushes.
	//
	// If TracerProvider is nil, flushes are not traced with OTel.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record sink metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is
	// unset, no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// FlushMaxActions holds the flush threshold as a number of buffered
	// requests.
	//
	// If FlushMaxActions is zero, the default of 1000 will be used.
	FlushMaxActions int

	// FlushBytes holds the flush threshold in bytes of serialized document
	// bodies.
	//
	// If FlushBytes is zero, the default of 2MB will be used.
	FlushBytes int

	// FlushInterval holds the flush threshold as a buffer age. A periodic
	// timer enforces it, so a low-traffic stream still flushes within the
	// interval.
	//
	// If FlushInterval is zero, the default of 1 second will be used.
	FlushInterval time.Duration

	// FlushTimeout bounds a single bulk call. A timed out call is treated
	// as a connection-level, retriable failure.
	//
	// If FlushTimeout is zero, no timeout will be used.
	FlushTimeout time.Duration

	// MaxInFlight holds the maximum number of bulk requests executing
	// concurrently. Add blocks once MaxInFlight batches are outstanding,
	// bounding the sink's memory use to roughly MaxInFlight*FlushBytes
	// plus one accumulating buffer. This is the backpressure mechanism.
	//
	// If MaxInFlight is less than or equal to zero, the default of 4 will
	// be used.
	MaxInFlight int

	// DisableFlushOnCheckpoint disables draining on checkpoint barriers.
	// When set, a barrier only advances the epoch, and a checkpoint may
	// complete with unacknowledged writes still buffered. This trades the
	// at-least-once guarantee for lower per-checkpoint latency: rows
	// buffered at a failure may be lost.
	DisableFlushOnCheckpoint bool

	// DrainTimeout bounds how long a checkpoint barrier may wait for
	// outstanding requests to be acknowledged. Expiry fails the
	// checkpoint.
	//
	// If DrainTimeout is zero, barriers wait indefinitely.
	DrainTimeout time.Duration

	// RetryMaxAttempts holds the number of delivery attempts per request
	// before a retriable failure is converted into a fatal one. A
	// negative value retries indefinitely, trading liveness for safety:
	// checkpoints block until the cluster recovers.
	//
	// If RetryMaxAttempts is zero, the default of 5 will be used.
	RetryMaxAttempts int

	// RetryBackoffBase holds the initial retry delay. The delay doubles
	// with each attempt up to RetryBackoffMax, with random jitter in
	// [0, delay) added to avoid retry storms.
	//
	// If RetryBackoffBase is zero, the default of 50ms will be used.
	RetryBackoffBase time.Duration

	// RetryBackoffMax caps the retry delay before jitter.
	//
	// If RetryBackoffMax is zero, the default of 10s will be used.
	RetryBackoffMax time.Duration

	// Classify overrides the failure classification policy. It receives
	// each rejected item and decides whether it is retried or fails the
	// job.
	//
	// If Classify is nil, DefaultClassifier is used.
	Classify func(*ItemError) FailureClass

	// OnFatal is invoked at most once, with the first fatal error, to let
	// the host engine abort the job. Subsequent Add calls fail fast with
	// the same error.
	//
	// If OnFatal is nil, fatal errors are only surfaced through Add,
	// SnapshotState and Close.
	OnFatal func(error)
}

// DefaultConfig returns cfg with default values applied.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.FlushMaxActions <= 0 {
		cfg.FlushMaxActions = 1000
	}
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = 2 * 1024 * 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = 5
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = 50 * time.Millisecond
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = 10 * time.Second
	}
	if cfg.Classify == nil {
		cfg.Classify = DefaultClassifier
	}
	return cfg
}

func validateConfig(cfg Config) error {
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return &ConfigError{
			Option: "compression.level",
			Reason: fmt.Sprintf("expected level in range [-1,9], got %d", cfg.CompressionLevel),
		}
	}
	if cfg.RetryBackoffBase > cfg.RetryBackoffMax {
		return &ConfigError{
			Option: "retry.backoff-base",
			Reason: fmt.Sprintf("base delay %s exceeds maximum delay %s", cfg.RetryBackoffBase, cfg.RetryBackoffMax),
		}
	}
	return nil
}

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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/google/uuid"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink buffers per-row write requests and ships them to Elasticsearch in
// bulk requests, coordinating with the host engine's checkpoint barriers so
// that no completed checkpoint loses a buffered write.
//
// Sink fills a single bulk buffer at a time and flushes it when the request
// count, the serialized byte size, or the buffer age reaches its threshold.
// Flushes execute asynchronously; up to MaxInFlight bulk requests may be
// outstanding, and Add blocks once that cap is reached, bounding memory use
// under backpressure.
//
// One Sink serves one parallel sink task; buffer state is never shared
// across tasks. Add, the flush timer and the checkpoint path synchronize on
// a single mutex guarding the buffer and the in-flight accounting.
type Sink struct {
	config  Config
	id      string
	logger  *zap.Logger
	builder *RequestBuilder
	exec    *bulkExecutor
	retry   *retryController
	gate    *checkpointGate
	metrics metrics
	tracer  trace.Tracer

	mu       sync.Mutex
	cond     *sync.Cond
	buf      []PendingRequest
	bufBytes int
	bufSince time.Time
	seq      int64
	epoch    int64
	inFlight int
	active   int
	fatal    error
	closed   bool

	fatalOnce   sync.Once
	group       errgroup.Group
	groupCtx    context.Context
	cancelGroup context.CancelCauseFunc
	timerStop   chan struct{}

	rowsReceived    atomic.Int64
	docsAdded       atomic.Int64
	bulkRequests    atomic.Int64
	docsIndexed     atomic.Int64
	docsRetried     atomic.Int64
	tooManyRequests atomic.Int64
	docsFailed      atomic.Int64
	bytesTotal      atomic.Int64
	drained         atomic.Int64
}

// NewSink returns a Sink writing rows converted by builder through client.
func NewSink(client elastictransport.Interface, builder *RequestBuilder, cfg Config) (*Sink, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if builder == nil {
		return nil, errors.New("request builder is nil")
	}
	cfg = DefaultConfig(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		config:    cfg,
		id:        uuid.NewString(),
		builder:   builder,
		exec:      newBulkExecutor(client, cfg.CompressionLevel),
		retry:     newRetryController(cfg),
		metrics:   ms,
		timerStop: make(chan struct{}),
	}
	s.logger = cfg.Logger.With(zap.String("sink_id", s.id))
	s.cond = sync.NewCond(&s.mu)
	s.epoch = 1
	s.gate = &checkpointGate{
		sink:     s,
		disabled: cfg.DisableFlushOnCheckpoint,
		timeout:  cfg.DrainTimeout,
	}
	// A cancellable context for the errgroup, for unblocking in-flight
	// flushes when Close's context expires. errgroup.WithContext is not
	// used because one flush failure must not cancel its siblings.
	s.groupCtx, s.cancelGroup = context.WithCancelCause(context.Background())
	if cfg.TracerProvider != nil {
		s.tracer = cfg.TracerProvider.Tracer("github.com/liyubin117/flink-connector-elasticsearch.sink")
	}
	s.group.Go(func() error {
		s.runFlushTimer()
		return nil
	})
	return s, nil
}

// Add converts row into a pending request and admits it into the bulk
// buffer. It blocks while MaxInFlight bulk requests are outstanding.
//
// Rows that can never be delivered (serialization failures, unresolvable
// index template fields) fail the job: the error is reported to the failure
// callback and returned.
func (s *Sink) Add(ctx context.Context, row Row) error {
	s.rowsReceived.Add(1)
	attrs := metric.WithAttributeSet(s.config.MetricAttributes)
	s.metrics.rowsReceived.Add(context.Background(), 1, attrs)

	req, err := s.builder.Build(row)
	if err != nil {
		err = fmt.Errorf("undeliverable %s row: %w", row.Kind, err)
		s.reportFatal(err)
		return err
	}
	if req == nil {
		// Update-before rows are informational only.
		return nil
	}

	s.mu.Lock()
	for s.fatal == nil && !s.closed && s.inFlight >= s.config.MaxInFlight {
		if err := s.waitLocked(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if s.fatal != nil {
		err := s.fatal
		s.mu.Unlock()
		return err
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	req.Seq = s.seq
	s.seq++
	req.Epoch = s.epoch
	if len(s.buf) == 0 {
		s.bufSince = time.Now()
	}
	s.buf = append(s.buf, *req)
	s.bufBytes += len(req.Body)
	s.active++
	if len(s.buf) >= s.config.FlushMaxActions || s.bufBytes >= s.config.FlushBytes {
		s.flushLocked()
	}
	s.mu.Unlock()

	s.docsAdded.Add(1)
	s.metrics.docsAdded.Add(context.Background(), 1, attrs)
	s.metrics.docsActive.Add(context.Background(), 1, attrs)
	return nil
}

// Flush triggers an asynchronous flush of the current buffer without
// waiting for it to complete.
func (s *Sink) Flush() {
	s.mu.Lock()
	if !s.closed && s.fatal == nil {
		s.flushLocked()
	}
	s.mu.Unlock()
}

// SnapshotState handles a checkpoint barrier for the given checkpoint id.
// It forces a flush and blocks until every request admitted before the
// barrier has reached a terminal outcome, then lets the host engine record
// the checkpoint. Unless draining is disabled, a fatal error or an expired
// DrainTimeout fails the checkpoint.
func (s *Sink) SnapshotState(ctx context.Context, checkpointID int64) error {
	return s.gate.OnBarrier(ctx, checkpointID)
}

// NotifyCheckpointComplete records that the host engine committed the
// checkpoint.
func (s *Sink) NotifyCheckpointComplete(checkpointID int64) {
	s.gate.OnComplete(checkpointID)
}

// Close flushes any buffered requests and waits for in-flight bulk requests
// to acknowledge. When ctx expires, ongoing flushes are cancelled and any
// still-unacknowledged requests are abandoned rather than retried; this is
// acceptable only because a closing task is not committing a new
// checkpoint.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.group.Wait()
	}
	s.flushLocked()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	close(s.timerStop)

	stop := context.AfterFunc(ctx, func() {
		s.cancelGroup(errors.New("cancelled by sink.close"))
	})
	defer stop()
	defer s.cancelGroup(ErrClosed)

	err := s.group.Wait()

	s.mu.Lock()
	abandoned := s.active
	fatal := s.fatal
	s.mu.Unlock()
	if abandoned > 0 {
		s.logger.Warn("abandoning unacknowledged requests on close",
			zap.Int("requests", abandoned))
	}
	if fatal != nil {
		return fatal
	}
	return err
}

// Stats returns the sink's delivery counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	return Stats{
		RowsReceived:       s.rowsReceived.Load(),
		Added:              s.docsAdded.Load(),
		Active:             int64(active),
		BulkRequests:       s.bulkRequests.Load(),
		Indexed:            s.docsIndexed.Load(),
		Retried:            s.docsRetried.Load(),
		TooManyRequests:    s.tooManyRequests.Load(),
		FailedFatal:        s.docsFailed.Load(),
		BytesTotal:         s.bytesTotal.Load(),
		CheckpointsDrained: s.drained.Load(),
	}
}

// Stats holds the delivery counters exposed to the host engine.
type Stats struct {
	// RowsReceived is the number of rows handed to Add, including
	// update-before rows that produce no request.
	RowsReceived int64
	// Added is the number of requests admitted into the buffer.
	Added int64
	// Active is the number of admitted requests not yet acknowledged.
	Active int64
	// BulkRequests is the number of bulk calls made, including retries.
	BulkRequests int64
	// Indexed is the number of requests acknowledged by the backend.
	Indexed int64
	// Retried is the number of request re-submissions.
	Retried int64
	// TooManyRequests is the number of capacity rejections observed,
	// including ones that later succeeded on retry.
	TooManyRequests int64
	// FailedFatal is the number of requests with a fatal terminal outcome.
	FailedFatal int64
	// BytesTotal is the total bulk request body bytes sent.
	BytesTotal int64
	// CheckpointsDrained is the number of checkpoint barriers drained.
	CheckpointsDrained int64
}

// waitLocked blocks on the sink condition until woken, returning early when
// ctx expires. The sink mutex must be held.
func (s *Sink) waitLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()
	s.cond.Wait()
	return ctx.Err()
}

// flushLocked snapshots the buffer and hands it to a flush goroutine,
// leaving a fresh buffer accumulating. The sink mutex must be held.
func (s *Sink) flushLocked() {
	if len(s.buf) == 0 {
		return
	}
	batch := s.buf
	s.buf = nil
	s.bufBytes = 0
	s.inFlight++
	buffered := time.Since(s.bufSince)
	s.group.Go(func() error {
		attrs := metric.WithAttributeSet(s.config.MetricAttributes)
		s.metrics.bufferDuration.Record(context.Background(), buffered.Seconds(), attrs)
		s.runFlush(s.groupCtx, batch)
		return nil
	})
}

// drainAndWait forces a flush and blocks until every admitted request has
// reached a terminal outcome. Called on the checkpoint path.
func (s *Sink) drainAndWait(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.flushLocked()
	for s.fatal == nil && s.active > 0 {
		if err := s.waitLocked(ctx); err != nil {
			return fmt.Errorf("%d requests still unacknowledged: %w", s.active, err)
		}
	}
	return s.fatal
}

func (s *Sink) advanceEpoch() int64 {
	s.mu.Lock()
	s.epoch++
	next := s.epoch
	s.mu.Unlock()
	return next
}

// runFlushTimer drives the age threshold: a low-traffic stream still
// flushes within the configured interval even when Add never fires a
// threshold. A tick is skipped when the in-flight cap is reached; the next
// tick retries.
func (s *Sink) runFlushTimer() {
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.timerStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed && s.fatal == nil && len(s.buf) > 0 && s.inFlight < s.config.MaxInFlight {
				s.flushLocked()
			}
			s.mu.Unlock()
		}
	}
}

func (s *Sink) runFlush(ctx context.Context, batch []PendingRequest) {
	logger := s.logger
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "essink.flush", trace.WithAttributes(
			attribute.Int("documents", len(batch)),
		))
		defer span.End()
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}
	if s.config.Tracer != nil && s.config.Tracer.Recording() {
		tx := s.config.Tracer.StartTransaction("essink.flush", "output")
		tx.Context.SetLabel("documents", len(batch))
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}

	flushCtx := ctx
	if s.config.FlushTimeout != 0 {
		var flushCancel context.CancelFunc
		flushCtx, flushCancel = context.WithTimeout(ctx, s.config.FlushTimeout)
		defer flushCancel()
	}

	var outcomes []itemOutcome
	var bytesFlushed int
	var err error
	took := timeFunc(func() {
		outcomes, bytesFlushed, err = s.exec.execute(flushCtx, batch)
	})

	attrs := metric.WithAttributeSet(s.config.MetricAttributes)
	s.bulkRequests.Add(1)
	s.metrics.bulkRequests.Add(context.Background(), 1, attrs)
	s.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	if bytesFlushed > 0 {
		s.bytesTotal.Add(int64(bytesFlushed))
		s.metrics.bytesTotal.Add(context.Background(), int64(bytesFlushed), attrs)
	}

	s.completeBatch(batch, outcomes, err, logger)
}

// completeBatch settles a flushed batch: successes are acknowledged,
// retriable failures are re-scheduled with their original epoch tag, and
// fatal failures terminate the job. Exactly one terminal outcome per item.
func (s *Sink) completeBatch(batch []PendingRequest, outcomes []itemOutcome, err error, logger *zap.Logger) {
	attrs := metric.WithAttributeSet(s.config.MetricAttributes)
	var succeeded, fatalCount int
	var retryBatch []PendingRequest
	var fatalErr error

	s.mu.Lock()
	s.inFlight--
	if err != nil {
		// The whole call failed: either a transport problem covering
		// every item, or a rejected envelope.
		var fe *FlushError
		if errors.As(err, &fe) && fatalEnvelope(fe.StatusCode) {
			fatalErr = err
			fatalCount = len(batch)
			s.active -= len(batch)
		} else {
			logger.Warn("bulk request failed, retrying batch",
				zap.Int("documents", len(batch)), zap.Error(err))
			for i := range batch {
				batch[i].attempts++
				if s.retry.budgetExhausted(batch[i].attempts) {
					if fatalErr == nil {
						fatalErr = fmt.Errorf("retry budget exhausted after %d attempts: %w",
							batch[i].attempts, err)
					}
					fatalCount++
					s.active--
					continue
				}
				retryBatch = append(retryBatch, batch[i])
			}
		}
	} else {
		failedCount := make(map[ItemError]int)
		for i, o := range outcomes {
			if o.ok {
				succeeded++
				s.active--
				continue
			}
			if o.status == 429 {
				s.tooManyRequests.Add(1)
			}
			itemErr := &ItemError{
				Op:     batch[i].Op,
				Index:  batch[i].Index,
				DocID:  batch[i].DocID,
				Status: o.status,
				Type:   o.errType,
				Reason: o.errReason,
			}
			if s.retry.classify(itemErr) == FailureRetriable {
				batch[i].attempts++
				if !s.retry.budgetExhausted(batch[i].attempts) {
					retryBatch = append(retryBatch, batch[i])
					continue
				}
				itemErr.Reason = fmt.Sprintf("retry budget exhausted after %d attempts: %s",
					batch[i].attempts, itemErr.Reason)
			}
			fatalCount++
			s.active--
			if fatalErr == nil {
				fatalErr = itemErr
			}
			key := *itemErr
			key.DocID = ""
			failedCount[key]++
		}
		for key, count := range failedCount {
			logger.Error(fmt.Sprintf("failed to %s documents in '%s' (%s): %s",
				key.Op, key.Index, key.Type, key.Reason,
			), zap.Int("documents", count))
		}
	}
	if len(retryBatch) > 0 {
		s.scheduleRetryLocked(retryBatch, logger)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	if succeeded > 0 {
		s.docsIndexed.Add(int64(succeeded))
		s.metrics.docsProcessed.Add(context.Background(), int64(succeeded),
			attrs, metric.WithAttributes(attribute.String("status", "Success")))
		s.metrics.docsActive.Add(context.Background(), -int64(succeeded), attrs)
	}
	if fatalCount > 0 {
		s.docsFailed.Add(int64(fatalCount))
		s.metrics.docsProcessed.Add(context.Background(), int64(fatalCount),
			attrs, metric.WithAttributes(attribute.String("status", "Fatal")))
		s.metrics.docsActive.Add(context.Background(), -int64(fatalCount), attrs)
	}
	if fatalErr != nil {
		s.reportFatal(fatalErr)
	} else if err == nil && len(retryBatch) == 0 {
		logger.Debug("bulk request completed",
			zap.Int("docs_indexed", succeeded),
			zap.Int("docs_failed", fatalCount),
		)
	}
}

// fatalEnvelope reports whether a whole-call HTTP status can never succeed
// on retry.
func fatalEnvelope(status int) bool {
	return status == 401 || status == 403
}

// scheduleRetryLocked re-schedules retriable requests, one timer per
// attempt count so every request gets the backoff matching its own attempt
// history. The sink mutex must be held.
func (s *Sink) scheduleRetryLocked(items []PendingRequest, logger *zap.Logger) {
	groups := make(map[int][]PendingRequest)
	for _, item := range items {
		groups[item.attempts] = append(groups[item.attempts], item)
	}
	attrs := metric.WithAttributeSet(s.config.MetricAttributes)
	for attempts, group := range groups {
		delay := s.retry.backoff(attempts)
		s.docsRetried.Add(int64(len(group)))
		s.metrics.docsRetried.Add(context.Background(), int64(len(group)), attrs)
		// Recurring retries are demoted to debug so a struggling
		// cluster does not flood the logs.
		log := logger.Debug
		if attempts == 1 {
			log = logger.Warn
		}
		log("re-submitting requests after backoff",
			zap.Int("documents", len(group)),
			zap.Int("attempts", attempts),
			zap.Duration("delay", delay),
		)
		group := group
		time.AfterFunc(delay, func() {
			s.resubmit(group)
		})
	}
}

// resubmit re-enters a retry batch into the flush path. Retries do not
// count against the MaxInFlight admission gate: their memory was accounted
// for when the requests were first admitted, and blocking a timer callback
// could deadlock the drain path.
func (s *Sink) resubmit(batch []PendingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.fatal != nil {
		// Shutdown or a failed job abandons retries.
		s.active -= len(batch)
		s.cond.Broadcast()
		return
	}
	s.inFlight++
	s.group.Go(func() error {
		s.runFlush(s.groupCtx, batch)
		return nil
	})
}

func (s *Sink) reportFatal(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	s.fatalOnce.Do(func() {
		s.logger.Error("fatal sink failure", zap.Error(err))
		if s.config.OnFatal != nil {
			s.config.OnFatal(err)
		}
	})
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}

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
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// checkpointGate serializes the sink's reaction to checkpoint barriers.
// Barriers arrive on the host engine's task thread, strictly ordered; the
// gate enforces that ordering and turns each barrier into a drain of the
// sink's outstanding requests so a completed checkpoint never covers an
// unacknowledged write.
type checkpointGate struct {
	sink     *Sink
	disabled bool
	timeout  time.Duration

	mu           sync.Mutex
	lastBarrier  int64
	lastComplete int64
}

// OnBarrier handles the checkpoint barrier for checkpointID. The sink's
// buffer is force-flushed and, unless draining is disabled, OnBarrier
// blocks until every request admitted before the barrier is acknowledged.
// A drain that cannot finish within the configured timeout fails the
// checkpoint so the host engine can abort it and recover.
func (g *checkpointGate) OnBarrier(ctx context.Context, checkpointID int64) error {
	g.mu.Lock()
	if checkpointID <= g.lastBarrier {
		last := g.lastBarrier
		g.mu.Unlock()
		return fmt.Errorf("checkpoint barrier %d is not after barrier %d", checkpointID, last)
	}
	g.lastBarrier = checkpointID
	g.mu.Unlock()

	if g.disabled {
		// Draining is off: requests buffered at the barrier may be
		// lost on failure, trading the at-least-once guarantee for
		// checkpoint latency. The buffer is still flushed so it does
		// not age across checkpoints.
		g.sink.Flush()
		g.sink.advanceEpoch()
		return nil
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	took := time.Now()
	if err := g.sink.drainAndWait(ctx); err != nil {
		return fmt.Errorf("checkpoint %d: %w", checkpointID, err)
	}
	elapsed := time.Since(took)

	epoch := g.sink.advanceEpoch()
	g.sink.drained.Add(1)
	attrs := metric.WithAttributeSet(g.sink.config.MetricAttributes)
	g.sink.metrics.drainDuration.Record(context.Background(), elapsed.Seconds(), attrs)
	g.sink.metrics.checkpoints.Add(context.Background(), 1, attrs)
	g.sink.logger.Debug("drained for checkpoint",
		zap.Int64("checkpoint_id", checkpointID),
		zap.Int64("epoch", epoch),
		zap.Duration("took", elapsed),
	)
	return nil
}

// OnComplete records that the host engine committed checkpointID. The sink
// holds no per-checkpoint state to release, so this is bookkeeping only.
func (g *checkpointGate) OnComplete(checkpointID int64) {
	g.mu.Lock()
	if checkpointID > g.lastComplete {
		g.lastComplete = checkpointID
	}
	g.mu.Unlock()
	g.sink.logger.Debug("checkpoint complete", zap.Int64("checkpoint_id", checkpointID))
}

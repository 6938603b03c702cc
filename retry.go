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
	"math/rand"
	"net/http"
	"time"
)

// FailureClass is the retry controller's verdict on a failed item.
type FailureClass uint8

const (
	// FailureRetriable marks a transient failure: the item is re-submitted
	// with backoff.
	FailureRetriable FailureClass = iota + 1
	// FailureFatal marks a permanent failure: the item can never succeed
	// and the job is failed.
	FailureFatal
)

// retriableErrorTypes are Elasticsearch error type strings indicating
// transient capacity or availability problems.
var retriableErrorTypes = map[string]bool{
	"es_rejected_execution_exception":         true,
	"circuit_breaking_exception":              true,
	"cluster_block_exception":                 true,
	"unavailable_shards_exception":            true,
	"process_cluster_event_timeout_exception": true,
}

// DefaultClassifier implements the default failure classification policy:
// capacity rejections, throttling and server-side failures are retriable;
// malformed documents, mapping conflicts and authorization failures are
// fatal.
func DefaultClassifier(e *ItemError) FailureClass {
	if retriableErrorTypes[e.Type] {
		return FailureRetriable
	}
	switch e.Status {
	case http.StatusTooManyRequests:
		return FailureRetriable
	case http.StatusUnauthorized, http.StatusForbidden:
		return FailureFatal
	}
	if e.Status >= 500 {
		return FailureRetriable
	}
	return FailureFatal
}

// retryController decides whether failed work is re-submitted and when.
// Attempt accounting lives on the pending requests themselves; the
// controller only computes delays and enforces the attempt budget.
type retryController struct {
	classify    func(*ItemError) FailureClass
	maxAttempts int // negative means unbounded
	base, max   time.Duration
}

func newRetryController(cfg Config) *retryController {
	return &retryController{
		classify:    cfg.Classify,
		maxAttempts: cfg.RetryMaxAttempts,
		base:        cfg.RetryBackoffBase,
		max:         cfg.RetryBackoffMax,
	}
}

// budgetExhausted reports whether a request that already made the given
// number of attempts may not be tried again.
func (r *retryController) budgetExhausted(attempts int) bool {
	return r.maxAttempts >= 0 && attempts >= r.maxAttempts
}

// backoff returns the delay before the next attempt: the base delay doubled
// per completed attempt, capped at the maximum, plus jitter in [0, delay).
func (r *retryController) backoff(attempts int) time.Duration {
	d := r.base
	for i := 1; i < attempts && d < r.max; i++ {
		d *= 2
	}
	if d > r.max {
		d = r.max
	}
	return d + time.Duration(rand.Int63n(int64(d)))
}

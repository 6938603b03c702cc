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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultClassifier(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  ItemError
		want FailureClass
	}{
		{
			name: "too_many_requests",
			err:  ItemError{Status: 429},
			want: FailureRetriable,
		},
		{
			name: "rejected_execution",
			err:  ItemError{Status: 400, Type: "es_rejected_execution_exception"},
			want: FailureRetriable,
		},
		{
			name: "circuit_breaking",
			err:  ItemError{Status: 429, Type: "circuit_breaking_exception"},
			want: FailureRetriable,
		},
		{
			name: "cluster_block",
			err:  ItemError{Status: 403, Type: "cluster_block_exception"},
			want: FailureRetriable,
		},
		{
			name: "server_error",
			err:  ItemError{Status: 503},
			want: FailureRetriable,
		},
		{
			name: "mapper_parsing",
			err:  ItemError{Status: 400, Type: "mapper_parsing_exception"},
			want: FailureFatal,
		},
		{
			name: "version_conflict",
			err:  ItemError{Status: 409, Type: "version_conflict_engine_exception"},
			want: FailureFatal,
		},
		{
			name: "unauthorized",
			err:  ItemError{Status: 401},
			want: FailureFatal,
		},
		{
			name: "forbidden",
			err:  ItemError{Status: 403},
			want: FailureFatal,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.err
			assert.Equal(t, tc.want, DefaultClassifier(&err))
		})
	}
}

func TestRetryBackoff(t *testing.T) {
	r := newRetryController(DefaultConfig(Config{
		RetryBackoffBase: 10 * time.Millisecond,
		RetryBackoffMax:  80 * time.Millisecond,
	}))

	// The delay doubles per attempt up to the cap; jitter adds up to one
	// extra delay on top.
	for attempts, base := range map[int]time.Duration{
		1: 10 * time.Millisecond,
		2: 20 * time.Millisecond,
		3: 40 * time.Millisecond,
		4: 80 * time.Millisecond,
		5: 80 * time.Millisecond, // capped
	} {
		for i := 0; i < 100; i++ {
			d := r.backoff(attempts)
			assert.GreaterOrEqual(t, d, base, "attempts=%d", attempts)
			assert.Less(t, d, 2*base, "attempts=%d", attempts)
		}
	}
}

func TestRetryBudget(t *testing.T) {
	bounded := newRetryController(DefaultConfig(Config{RetryMaxAttempts: 3}))
	assert.False(t, bounded.budgetExhausted(1))
	assert.False(t, bounded.budgetExhausted(2))
	assert.True(t, bounded.budgetExhausted(3))

	unbounded := newRetryController(DefaultConfig(Config{RetryMaxAttempts: -1}))
	assert.False(t, unbounded.budgetExhausted(1000))
}

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
	"errors"
	"fmt"
)

// ErrClosed is returned from methods of closed Sinks.
var ErrClosed = errors.New("elasticsearch sink closed")

// ConfigError reports an invalid sink configuration. It is raised at setup
// and is always fatal.
type ConfigError struct {
	// Option names the offending configuration option, when known.
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("invalid configuration option %q: %s", e.Option, e.Reason)
	}
	return "invalid configuration: " + e.Reason
}

// SerializationError reports a row that could not be converted into a
// document body or key. It is fatal for the job.
type SerializationError struct {
	Field string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cannot serialize field %q: %v", e.Field, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// ItemError describes a single document operation rejected by Elasticsearch,
// carrying the error type string reported in the bulk response item.
type ItemError struct {
	Op     OpKind
	Index  string
	DocID  string
	Status int
	Type   string
	Reason string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %q id=%q failed with status %d (%s): %s",
		e.Op, e.Index, e.DocID, e.Status, e.Type, e.Reason)
}

// FlushError describes a bulk call that failed as a whole, either at the
// transport level or with a non-success response envelope.
type FlushError struct {
	// StatusCode is zero for transport-level failures.
	StatusCode int
	Err        error
}

func (e *FlushError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("bulk request failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("bulk request failed: %v", e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

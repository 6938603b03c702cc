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

// Package essink provides a checkpointed Elasticsearch sink for streaming
// engines that deliver changelog rows (inserts, updates, deletes) and
// partition the stream into epochs with checkpoint barriers.
//
// The sink buffers per-row write requests and ships them as bulk requests
// when a count, byte, or age threshold is reached. Item-level failures are
// classified as retriable or fatal; retriable items are re-submitted with
// exponential backoff and jitter, fatal ones terminate the job through a
// failure callback. A checkpoint barrier forces a flush and blocks until
// every request admitted before the barrier has been acknowledged, so an
// acknowledged checkpoint never loses a buffered write.
//
// Delivery is at-least-once. Document ids are derived deterministically from
// the declared key fields, which makes replay after a restart idempotent for
// both writes and deletes. Rows written without key fields receive
// backend-assigned ids and are exempt from this guarantee: replaying them
// produces duplicate documents, and they can never be updated or deleted.
package essink

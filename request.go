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
	"encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/fastjson"
)

// OpKind is the bulk operation a pending request performs.
type OpKind uint8

const (
	// OpWrite creates or replaces a document (the bulk "index" action).
	OpWrite OpKind = iota
	// OpDelete removes a document by id.
	OpDelete
)

func (op OpKind) String() string {
	if op == OpDelete {
		return "delete"
	}
	return "write"
}

// PendingRequest is one self-contained document operation waiting to be
// shipped in a bulk request.
type PendingRequest struct {
	Op    OpKind
	Index string
	// DocID is empty for keyless writes; Elasticsearch assigns an id.
	DocID string
	// Body is the serialized document, nil for deletes.
	Body []byte
	// Seq is the insertion sequence number within the owning sink.
	Seq int64
	// Epoch is the checkpoint epoch that was open when the request was
	// admitted.
	Epoch int64

	attempts int
}

// RequestBuilder converts rows into pending requests. It resolves the target
// index from the index template and derives document ids from the declared
// key fields. It is pure: identical key field values always yield identical
// document ids, which is what makes at-least-once replay idempotent.
type RequestBuilder struct {
	schema *Schema
	key    []int // key field positions, empty for keyless (append-only) sinks
	index  *IndexSpec
}

// NewRequestBuilder returns a builder for rows matching schema, writing to
// the index named or templated by indexPattern. keyFields is the ordered
// list of fields forming the document identity; it may be empty, in which
// case documents get backend-assigned ids and the sink is append-only:
// update and delete rows cannot be expressed and are rejected.
func NewRequestBuilder(schema *Schema, keyFields []string, indexPattern string) (*RequestBuilder, error) {
	if schema == nil {
		return nil, &ConfigError{Reason: "schema is nil"}
	}
	spec, err := ParseIndexSpec(indexPattern, schema)
	if err != nil {
		return nil, err
	}
	key := make([]int, 0, len(keyFields))
	for _, name := range keyFields {
		pos, ok := schema.position(name)
		if !ok {
			return nil, &ConfigError{Option: "key-fields", Reason: fmt.Sprintf("key field %q not found in schema", name)}
		}
		key = append(key, pos)
	}
	return &RequestBuilder{schema: schema, key: key, index: spec}, nil
}

// Upsert reports whether the builder derives deterministic document ids,
// i.e. whether key fields were declared.
func (b *RequestBuilder) Upsert() bool {
	return len(b.key) > 0
}

// Build converts a row into zero or one pending request. Update-before rows
// return (nil, nil). Errors are fatal for the job: they indicate a row that
// can never be delivered.
func (b *RequestBuilder) Build(row Row) (*PendingRequest, error) {
	if row.Kind == RowKindUpdateBefore {
		return nil, nil
	}
	if len(row.Fields) != len(b.schema.names) {
		return nil, fmt.Errorf("row has %d fields, schema has %d", len(row.Fields), len(b.schema.names))
	}

	index, err := b.index.Resolve(row)
	if err != nil {
		return nil, err
	}

	var docID string
	if len(b.key) > 0 {
		segments := make([]string, len(b.key))
		for i, pos := range b.key {
			encoded, err := encodeFieldValue(row.Fields[pos])
			if err != nil {
				return nil, fmt.Errorf("key field %q: %w", b.schema.names[pos], err)
			}
			segments[i] = encoded
		}
		docID = joinKey(segments)
	}

	switch row.Kind {
	case RowKindInsert, RowKindUpdateAfter:
		body, err := b.serializeBody(row)
		if err != nil {
			return nil, err
		}
		return &PendingRequest{Op: OpWrite, Index: index, DocID: docID, Body: body}, nil
	case RowKindDelete:
		if len(b.key) == 0 {
			// Keyless sinks cannot address documents. This should have
			// been rejected at setup; surfacing it here fails the job
			// instead of silently dropping the retraction.
			return nil, &ConfigError{Option: "key-fields", Reason: "delete rows require key fields"}
		}
		return &PendingRequest{Op: OpDelete, Index: index, DocID: docID}, nil
	}
	return nil, fmt.Errorf("unknown row kind %s", row.Kind)
}

func (b *RequestBuilder) serializeBody(row Row) ([]byte, error) {
	var w fastjson.Writer
	w.RawByte('{')
	for i, name := range b.schema.names {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(name)
		w.RawByte(':')
		if err := writeFieldValue(&w, row.Fields[i]); err != nil {
			return nil, &SerializationError{Field: name, Err: err}
		}
	}
	w.RawByte('}')
	body := make([]byte, len(w.Bytes()))
	copy(body, w.Bytes())
	return body, nil
}

func writeFieldValue(w *fastjson.Writer, v any) error {
	switch v := v.(type) {
	case nil:
		w.RawString("null")
	case bool:
		w.Bool(v)
	case string:
		w.String(v)
	case int:
		w.Int64(int64(v))
	case int8:
		w.Int64(int64(v))
	case int16:
		w.Int64(int64(v))
	case int32:
		w.Int64(int64(v))
	case int64:
		w.Int64(v)
	case uint:
		w.Uint64(uint64(v))
	case uint8:
		w.Uint64(uint64(v))
	case uint16:
		w.Uint64(uint64(v))
	case uint32:
		w.Uint64(uint64(v))
	case uint64:
		w.Uint64(v)
	case float32:
		w.Float32(v)
	case float64:
		w.Float64(v)
	case time.Time:
		w.RawByte('"')
		w.Time(v, timestampLayout)
		w.RawByte('"')
	case json.RawMessage:
		if !json.Valid(v) {
			return fmt.Errorf("invalid raw JSON")
		}
		w.RawBytes(v)
	case []byte:
		w.String(fmt.Sprintf("%x", v))
	case map[string]any, []any:
		raw, err := jsoniter.Marshal(v)
		if err != nil {
			return err
		}
		w.RawBytes(raw)
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

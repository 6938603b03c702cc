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
	"strconv"
	"strings"
	"time"
)

// RowKind tags a row with its change intent.
type RowKind uint8

const (
	// RowKindInsert is a new row.
	RowKindInsert RowKind = iota
	// RowKindUpdateBefore is the previous image of an updated row. It is
	// informational only and never produces a write request.
	RowKindUpdateBefore
	// RowKindUpdateAfter is the new image of an updated row.
	RowKindUpdateAfter
	// RowKindDelete is a retraction of a previously written row.
	RowKindDelete
)

func (k RowKind) String() string {
	switch k {
	case RowKindInsert:
		return "insert"
	case RowKindUpdateBefore:
		return "update-before"
	case RowKindUpdateAfter:
		return "update-after"
	case RowKindDelete:
		return "delete"
	}
	return fmt.Sprintf("RowKind(%d)", uint8(k))
}

// Row is an ordered tuple of field values plus a change intent. Field order
// matches the Schema the sink was constructed with.
//
// Supported field value types are nil, bool, string, []byte, Go integer and
// float types, time.Time, json.RawMessage, map[string]any and []any. Any
// other type is a per-row serialization error.
type Row struct {
	Kind   RowKind
	Fields []any
}

// Schema is the ordered list of field names for rows handed to the sink.
type Schema struct {
	names     []string
	positions map[string]int
}

// NewSchema returns a Schema for the given ordered field names.
func NewSchema(fieldNames ...string) (*Schema, error) {
	if len(fieldNames) == 0 {
		return nil, &ConfigError{Reason: "schema requires at least one field"}
	}
	positions := make(map[string]int, len(fieldNames))
	for i, name := range fieldNames {
		if name == "" {
			return nil, &ConfigError{Reason: fmt.Sprintf("schema field %d has an empty name", i)}
		}
		if _, ok := positions[name]; ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("duplicate schema field %q", name)}
		}
		positions[name] = i
	}
	return &Schema{names: fieldNames, positions: positions}, nil
}

// FieldNames returns the ordered field names.
func (s *Schema) FieldNames() []string {
	return s.names
}

func (s *Schema) position(name string) (int, bool) {
	i, ok := s.positions[name]
	return i, ok
}

// timestampLayout trims trailing fractional zeros, so a whole-second
// timestamp encodes without a fractional part.
const timestampLayout = "2006-01-02T15:04:05.999999999"

// encodeFieldValue returns the canonical textual form of a field value, used
// for document id segments and unformatted index template placeholders.
// Identical values always encode identically, regardless of row kind.
func encodeFieldValue(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", fmt.Errorf("value is null")
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case time.Time:
		return v.Format(timestampLayout), nil
	case []byte:
		return fmt.Sprintf("%x", v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}

// joinKey builds a document id from the canonical forms of the key field
// values, joined by underscores in key field order.
func joinKey(segments []string) string {
	return strings.Join(segments, "_")
}

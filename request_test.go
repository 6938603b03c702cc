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

package essink_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	essink "github.com/liyubin117/flink-connector-elasticsearch"
)

func newTestSchema(t *testing.T, fields ...string) *essink.Schema {
	schema, err := essink.NewSchema(fields...)
	require.NoError(t, err)
	return schema
}

func TestRequestBuilderDocumentID(t *testing.T) {
	schema := newTestSchema(t, "a", "b", "c")
	builder, err := essink.NewRequestBuilder(schema, []string{"a", "b"}, "my-index")
	require.NoError(t, err)
	require.True(t, builder.Upsert())

	ts := time.Date(2012, 12, 12, 12, 12, 12, 0, time.UTC)
	row := essink.Row{Kind: essink.RowKindInsert, Fields: []any{int64(1), ts, "x"}}

	req, err := builder.Build(row)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, essink.OpWrite, req.Op)
	assert.Equal(t, "my-index", req.Index)
	assert.Equal(t, "1_2012-12-12T12:12:12", req.DocID)

	// Identical key values must yield identical ids regardless of row
	// kind, otherwise replay and retractions would miss the document.
	del := essink.Row{Kind: essink.RowKindDelete, Fields: []any{int64(1), ts, "y"}}
	delReq, err := builder.Build(del)
	require.NoError(t, err)
	require.NotNil(t, delReq)
	assert.Equal(t, essink.OpDelete, delReq.Op)
	assert.Equal(t, req.DocID, delReq.DocID)
	assert.Nil(t, delReq.Body)
}

func TestRequestBuilderUpdateBefore(t *testing.T) {
	schema := newTestSchema(t, "a")
	builder, err := essink.NewRequestBuilder(schema, []string{"a"}, "my-index")
	require.NoError(t, err)

	req, err := builder.Build(essink.Row{Kind: essink.RowKindUpdateBefore, Fields: []any{int64(1)}})
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestRequestBuilderKeyless(t *testing.T) {
	schema := newTestSchema(t, "a", "b")
	builder, err := essink.NewRequestBuilder(schema, nil, "my-index")
	require.NoError(t, err)
	require.False(t, builder.Upsert())

	req, err := builder.Build(essink.Row{Kind: essink.RowKindInsert, Fields: []any{int64(1), "x"}})
	require.NoError(t, err)
	assert.Empty(t, req.DocID)

	_, err = builder.Build(essink.Row{Kind: essink.RowKindDelete, Fields: []any{int64(1), "x"}})
	require.Error(t, err)
	var configErr *essink.ConfigError
	require.ErrorAs(t, err, &configErr)
}

func TestRequestBuilderBody(t *testing.T) {
	schema := newTestSchema(t, "id", "name", "enabled", "score", "created", "tags", "blob", "missing")
	builder, err := essink.NewRequestBuilder(schema, []string{"id"}, "my-index")
	require.NoError(t, err)

	created := time.Date(2024, 3, 1, 8, 30, 0, 500000000, time.UTC)
	row := essink.Row{Kind: essink.RowKindUpdateAfter, Fields: []any{
		int64(42),
		"alice",
		true,
		3.5,
		created,
		json.RawMessage(`["a","b"]`),
		[]byte{0xde, 0xad},
		nil,
	}}
	req, err := builder.Build(row)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": 42,
		"name": "alice",
		"enabled": true,
		"score": 3.5,
		"created": "2024-03-01T08:30:00.5",
		"tags": ["a","b"],
		"blob": "dead",
		"missing": null
	}`, string(req.Body))
}

func TestRequestBuilderUnsupportedField(t *testing.T) {
	schema := newTestSchema(t, "id", "ch")
	builder, err := essink.NewRequestBuilder(schema, []string{"id"}, "my-index")
	require.NoError(t, err)

	_, err = builder.Build(essink.Row{Kind: essink.RowKindInsert, Fields: []any{int64(1), make(chan int)}})
	require.Error(t, err)
	var serr *essink.SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "ch", serr.Field)
}

func TestRequestBuilderNullKeyField(t *testing.T) {
	schema := newTestSchema(t, "a", "b")
	builder, err := essink.NewRequestBuilder(schema, []string{"a"}, "my-index")
	require.NoError(t, err)

	_, err = builder.Build(essink.Row{Kind: essink.RowKindInsert, Fields: []any{nil, "x"}})
	require.Error(t, err)
	assert.ErrorContains(t, err, `key field "a"`)
}

func TestRequestBuilderFieldCountMismatch(t *testing.T) {
	schema := newTestSchema(t, "a", "b")
	builder, err := essink.NewRequestBuilder(schema, []string{"a"}, "my-index")
	require.NoError(t, err)

	_, err = builder.Build(essink.Row{Kind: essink.RowKindInsert, Fields: []any{int64(1)}})
	require.Error(t, err)
}

func TestRequestBuilderUnknownKeyField(t *testing.T) {
	schema := newTestSchema(t, "a")
	_, err := essink.NewRequestBuilder(schema, []string{"nope"}, "my-index")
	require.Error(t, err)
	var configErr *essink.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "key-fields", configErr.Option)
}

func TestIndexTemplate(t *testing.T) {
	schema := newTestSchema(t, "id", "ts")
	ts := time.Date(2012, 12, 12, 12, 12, 12, 0, time.UTC)

	for _, tc := range []struct {
		pattern string
		want    string
	}{
		{pattern: "my-index", want: "my-index"},
		{pattern: "My-Index", want: "my-index"},
		{pattern: "idx-{ts|yyyy-MM-dd}", want: "idx-2012-12-12"},
		{pattern: "idx-{ts|yyyy.MM.dd.HH}", want: "idx-2012.12.12.12"},
		{pattern: "idx-{ts|yyyyMMdd'T'HHmmss}", want: "idx-20121212t121212"},
		{pattern: "idx-{id}", want: "idx-7"},
		{pattern: "{id}-{ts|yyyy}", want: "7-2012"},
	} {
		t.Run(tc.pattern, func(t *testing.T) {
			spec, err := essink.ParseIndexSpec(tc.pattern, schema)
			require.NoError(t, err)
			got, err := spec.Resolve(essink.Row{Kind: essink.RowKindInsert, Fields: []any{int64(7), ts}})
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIndexTemplateStatic(t *testing.T) {
	schema := newTestSchema(t, "id")
	static, err := essink.ParseIndexSpec("my-index", schema)
	require.NoError(t, err)
	assert.True(t, static.IsStatic())

	dynamic, err := essink.ParseIndexSpec("idx-{id}", schema)
	require.NoError(t, err)
	assert.False(t, dynamic.IsStatic())
}

func TestIndexTemplateErrors(t *testing.T) {
	schema := newTestSchema(t, "id", "ts")
	for _, pattern := range []string{
		"",
		"idx-{nope}",
		"idx-{ts|yyyy-MM-dd",
		"idx-{}",
		"idx-{ts|qq}",
	} {
		t.Run(pattern, func(t *testing.T) {
			_, err := essink.ParseIndexSpec(pattern, schema)
			require.Error(t, err)
			var configErr *essink.ConfigError
			require.ErrorAs(t, err, &configErr)
		})
	}
}

func TestIndexTemplateResolveErrors(t *testing.T) {
	schema := newTestSchema(t, "id", "ts")
	spec, err := essink.ParseIndexSpec("idx-{ts|yyyy-MM-dd}", schema)
	require.NoError(t, err)

	// Null template field.
	_, err = spec.Resolve(essink.Row{Fields: []any{int64(1), nil}})
	require.Error(t, err)

	// Formatted placeholder over a non-time value.
	_, err = spec.Resolve(essink.Row{Fields: []any{int64(1), "not a time"}})
	require.Error(t, err)
}

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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"unsafe"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"
)

// bulkExecutor turns a batch snapshot into a single _bulk call and reports a
// per-item outcome in submission order. Item failures are independent: one
// rejected item never voids its siblings. A failure of the whole call is
// reported as an error covering every item in the batch.
type bulkExecutor struct {
	client           esapi.Transport
	compressionLevel int
	pool             sync.Pool // *encodeBuffer
}

type encodeBuffer struct {
	buf   bytes.Buffer
	gzipw *gzip.Writer
	jsonw fastjson.Writer
}

func newBulkExecutor(client esapi.Transport, compressionLevel int) *bulkExecutor {
	e := &bulkExecutor{client: client, compressionLevel: compressionLevel}
	e.pool.New = func() any {
		b := &encodeBuffer{}
		if compressionLevel != gzip.NoCompression {
			b.gzipw, _ = gzip.NewWriterLevel(&b.buf, compressionLevel)
		}
		return b
	}
	return e
}

// itemOutcome is the terminal report for one submitted item.
type itemOutcome struct {
	pos       int
	status    int
	errType   string
	errReason string
	ok        bool
}

// execute sends batch as one bulk request. The returned outcomes are in
// batch order. The returned byte count is the request body size as sent. A
// non-nil error is always a *FlushError and means no per-item outcomes are
// available.
func (e *bulkExecutor) execute(ctx context.Context, batch []PendingRequest) ([]itemOutcome, int, error) {
	eb := e.pool.Get().(*encodeBuffer)
	defer func() {
		eb.buf.Reset()
		if eb.gzipw != nil {
			eb.gzipw.Reset(&eb.buf)
		}
		e.pool.Put(eb)
	}()

	var w io.Writer = &eb.buf
	if eb.gzipw != nil {
		w = eb.gzipw
	}
	for i := range batch {
		if err := writeBulkItem(w, &eb.jsonw, &batch[i]); err != nil {
			return nil, 0, &FlushError{Err: err}
		}
	}
	if eb.gzipw != nil {
		if err := eb.gzipw.Close(); err != nil {
			return nil, 0, &FlushError{Err: fmt.Errorf("failed closing the gzip writer: %w", err)}
		}
	}

	req := esapi.BulkRequest{
		Body:       bytes.NewReader(eb.buf.Bytes()),
		Header:     make(http.Header),
		FilterPath: []string{"items.*._index", "items.*.status", "items.*.error.type", "items.*.error.reason"},
	}
	if eb.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	bytesFlushed := eb.buf.Len()
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, 0, &FlushError{Err: fmt.Errorf("failed to execute the request: %w", err)}
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, bytesFlushed, &FlushError{
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("%s", res.String()),
		}
	}

	var resp bulkResponse
	if err := jsoniter.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, bytesFlushed, &FlushError{Err: fmt.Errorf("error decoding bulk response: %w", err)}
	}
	if len(resp.Items) != len(batch) {
		return nil, bytesFlushed, &FlushError{
			Err: fmt.Errorf("bulk response has %d items, expected %d", len(resp.Items), len(batch)),
		}
	}

	outcomes := make([]itemOutcome, len(batch))
	for i, item := range resp.Items {
		outcomes[i] = itemOutcome{
			pos:       i,
			status:    item.Status,
			errType:   item.Error.Type,
			errReason: item.Error.Reason,
			ok:        itemSucceeded(batch[i].Op, item),
		}
	}
	return outcomes, bytesFlushed, nil
}

// itemSucceeded treats deleting an absent document as success: under
// at-least-once replay the first delivery may already have removed it.
func itemSucceeded(op OpKind, item bulkResponseItem) bool {
	if op == OpDelete && item.Status == http.StatusNotFound {
		return true
	}
	return item.Error.Type == "" && item.Status < 300
}

func writeBulkItem(w io.Writer, jsonw *fastjson.Writer, req *PendingRequest) error {
	action := `{"index":{`
	if req.Op == OpDelete {
		action = `{"delete":{`
	}
	jsonw.RawString(action)
	jsonw.RawString(`"_index":`)
	jsonw.String(req.Index)
	if req.DocID != "" {
		jsonw.RawString(`,"_id":`)
		jsonw.String(req.DocID)
	}
	jsonw.RawString("}}\n")
	if _, err := w.Write(jsonw.Bytes()); err != nil {
		jsonw.Reset()
		return fmt.Errorf("failed to write bulk action: %w", err)
	}
	jsonw.Reset()
	if req.Op == OpDelete {
		return nil
	}
	if _, err := w.Write(req.Body); err != nil {
		return fmt.Errorf("failed to write document body: %w", err)
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

type bulkResponse struct {
	Items []bulkResponseItem
}

// bulkResponseItem represents one Elasticsearch bulk response item.
type bulkResponseItem struct {
	Index  string
	Status int
	Error  struct {
		Type   string
		Reason string
	}
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("essink.bulkResponse", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			switch s {
			case "items":
				iter.ReadArrayCB(func(i *jsoniter.Iterator) bool {
					return i.ReadMapCB(func(i *jsoniter.Iterator, s string) bool {
						var item bulkResponseItem
						i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
							switch s {
							case "_index":
								item.Index = i.ReadString()
							case "status":
								item.Status = i.ReadInt()
							case "error":
								i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
									switch s {
									case "type":
										item.Error.Type = i.ReadString()
									case "reason":
										// Trim Elasticsearch field mapper previews:
										// failed to parse field [x] of type [y]. Preview of field's value: '...'
										item.Error.Reason, _, _ = strings.Cut(
											i.ReadString(), ". Preview",
										)
									default:
										i.Skip()
									}
									return true
								})
							default:
								i.Skip()
							}
							return true
						})
						resp := (*bulkResponse)(ptr)
						resp.Items = append(resp.Items, item)
						return true
					})
				})
				// no need to proceed further, return early
				return false
			default:
				i.Skip()
				return true
			}
		})
	})
}

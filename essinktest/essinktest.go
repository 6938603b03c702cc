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

// Package essinktest provides test doubles for exercising the sink against
// a mock Elasticsearch backend.
package essinktest

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// BulkAction holds the decoded action metadata of one bulk request item.
type BulkAction struct {
	// Op is the bulk operation, "index" or "delete".
	Op string
	// Index is the target index name.
	Index string
	// DocID is the document id, empty for id-less index actions.
	DocID string
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// actions, the document source per action (nil for deletes), and an
// all-success response body. Callers injecting failures mutate the returned
// response before encoding it.
func DecodeBulkRequest(r *http.Request) ([]BulkAction, [][]byte, esutil.BulkIndexerResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	var actions []BulkAction
	var docs [][]byte
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		meta := make(map[string]struct {
			Index string `json:"_index"`
			ID    string `json:"_id"`
		})
		if err := json.NewDecoder(strings.NewReader(scanner.Text())).Decode(&meta); err != nil {
			panic(err)
		}
		var action BulkAction
		for op, target := range meta {
			action = BulkAction{Op: op, Index: target.Index, DocID: target.ID}
		}

		item := esutil.BulkIndexerResponseItem{
			Index:      action.Index,
			DocumentID: action.DocID,
		}
		switch action.Op {
		case "delete":
			// Delete actions carry no source line.
			docs = append(docs, nil)
			item.Status = http.StatusOK
		default:
			if !scanner.Scan() {
				panic(fmt.Errorf("expected source for %q action", action.Op))
			}
			doc := append([]byte{}, scanner.Bytes()...)
			if !json.Valid(doc) {
				panic(fmt.Errorf("invalid JSON: %s", doc))
			}
			docs = append(docs, doc)
			item.Status = http.StatusCreated
		}
		actions = append(actions, action)
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{action.Op: item})
	}
	return actions, docs, result
}

// WriteBulkResponse encodes result as the /_bulk response body, setting
// the errors flag when any item carries a non-2xx status.
func WriteBulkResponse(w http.ResponseWriter, result esutil.BulkIndexerResponse) {
	for _, item := range result.Items {
		for op, r := range item {
			if r.Status >= 300 && !(op == "delete" && r.Status == http.StatusNotFound) {
				result.HasErrors = true
			}
		}
	}
	json.NewEncoder(w).Encode(result)
}

// FailItem marks the i'th item of result as failed with the given status
// and error type.
func FailItem(result *esutil.BulkIndexerResponse, i int, status int, errType, reason string) {
	for op, item := range result.Items[i] {
		item.Status = status
		item.Error.Type = errType
		item.Error.Reason = reason
		result.Items[i][op] = item
	}
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends
// /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	config := NewMockElasticsearchClientConfig(t, bulkHandler)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// NewMockElasticsearchClientConfig starts an httptest.Server, and returns
// an elasticsearch.Config which sends /_bulk requests to bulkHandler. The
// httptest.Server will be closed via t.Cleanup.
func NewMockElasticsearchClientConfig(t testing.TB, bulkHandler http.HandlerFunc) elasticsearch.Config {
	mux := http.NewServeMux()
	HandleBulk(mux, bulkHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	return config
}

// HandleBulk registers bulkHandler with mux for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch version checking.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	mux.HandleFunc("/_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	})
}

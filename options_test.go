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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	essink "github.com/liyubin117/flink-connector-elasticsearch"
)

func TestParseOptions(t *testing.T) {
	opts, err := essink.ParseOptions(map[string]string{
		"hosts":                      "http://es1:9200;http://es2:9200",
		"username":                   "elastic",
		"password":                   "secret",
		"index":                      "idx-{ts|yyyy-MM-dd}",
		"key-fields":                 "a,b",
		"bulk.flush.max-actions":     "500",
		"bulk.flush.max-size":        "2mb",
		"bulk.flush.interval":        "5s",
		"bulk.max-in-flight":         "8",
		"flush-on-checkpoint":        "false",
		"retry.max-attempts":         "8",
		"retry.backoff-base":         "100ms",
		"retry.backoff-max":          "30s",
		"connection.request-timeout": "10s",
		"compression.level":          "5",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"http://es1:9200", "http://es2:9200"}, opts.Hosts)
	assert.Equal(t, "elastic", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, "idx-{ts|yyyy-MM-dd}", opts.Index)
	assert.Equal(t, []string{"a", "b"}, opts.KeyFields)
	assert.Equal(t, 500, opts.Config.FlushMaxActions)
	assert.Equal(t, 2*1024*1024, opts.Config.FlushBytes)
	assert.Equal(t, 5*time.Second, opts.Config.FlushInterval)
	assert.Equal(t, 8, opts.Config.MaxInFlight)
	assert.True(t, opts.Config.DisableFlushOnCheckpoint)
	assert.Equal(t, 8, opts.Config.RetryMaxAttempts)
	assert.Equal(t, 100*time.Millisecond, opts.Config.RetryBackoffBase)
	assert.Equal(t, 30*time.Second, opts.Config.RetryBackoffMax)
	assert.Equal(t, 10*time.Second, opts.Config.FlushTimeout)
	assert.Equal(t, 5, opts.Config.CompressionLevel)
}

func TestParseOptionsMinimal(t *testing.T) {
	opts, err := essink.ParseOptions(map[string]string{
		"hosts": "http://localhost:9200",
		"index": "my-index",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:9200"}, opts.Hosts)
	assert.Empty(t, opts.KeyFields)
	assert.False(t, opts.Config.DisableFlushOnCheckpoint)

	// Zero values defer to DefaultConfig.
	cfg := essink.DefaultConfig(opts.Config)
	assert.Equal(t, 1000, cfg.FlushMaxActions)
	assert.Equal(t, time.Second, cfg.FlushInterval)
	assert.Equal(t, 4, cfg.MaxInFlight)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
}

func TestParseOptionsErrors(t *testing.T) {
	for name, options := range map[string]map[string]string{
		"missing_hosts": {
			"index": "my-index",
		},
		"missing_index": {
			"hosts": "http://localhost:9200",
		},
		"unknown_option": {
			"hosts":   "http://localhost:9200",
			"index":   "my-index",
			"bulkket": "1",
		},
		"bad_byte_size": {
			"hosts":               "http://localhost:9200",
			"index":               "my-index",
			"bulk.flush.max-size": "many",
		},
		"bad_interval": {
			"hosts":               "http://localhost:9200",
			"index":               "my-index",
			"bulk.flush.interval": "soon",
		},
		"negative_interval": {
			"hosts":               "http://localhost:9200",
			"index":               "my-index",
			"bulk.flush.interval": "-5s",
		},
		"zero_retry_attempts": {
			"hosts":              "http://localhost:9200",
			"index":              "my-index",
			"retry.max-attempts": "0",
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := essink.ParseOptions(options)
			require.Error(t, err)
			var configErr *essink.ConfigError
			require.ErrorAs(t, err, &configErr)
		})
	}
}

func TestParseOptionsByteSizes(t *testing.T) {
	for value, want := range map[string]int{
		"1048576": 1048576,
		"512kb":   512 * 1024,
		"2mb":     2 * 1024 * 1024,
		"1gb":     1024 * 1024 * 1024,
		"100b":    100,
	} {
		t.Run(value, func(t *testing.T) {
			opts, err := essink.ParseOptions(map[string]string{
				"hosts":               "http://localhost:9200",
				"index":               "my-index",
				"bulk.flush.max-size": value,
			})
			require.NoError(t, err)
			assert.Equal(t, want, opts.Config.FlushBytes)
		})
	}
}

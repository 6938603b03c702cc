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

	"github.com/mitchellh/mapstructure"
)

// Options is the resolved form of the string-keyed connector options the
// host engine hands to the sink. Hosts and credentials are returned for the
// caller to construct the Elasticsearch client; the rest feeds Config and
// the RequestBuilder.
type Options struct {
	Hosts    []string
	Username string
	Password string

	Index     string
	KeyFields []string

	Config Config
}

type rawOptions struct {
	Hosts    string `mapstructure:"hosts"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	Index     string `mapstructure:"index"`
	KeyFields string `mapstructure:"key-fields"`

	FlushMaxActions   int    `mapstructure:"bulk.flush.max-actions"`
	FlushMaxSize      string `mapstructure:"bulk.flush.max-size"`
	FlushInterval     string `mapstructure:"bulk.flush.interval"`
	MaxInFlight       int    `mapstructure:"bulk.max-in-flight"`
	FlushOnCheckpoint *bool  `mapstructure:"flush-on-checkpoint"`

	RetryMaxAttempts *int   `mapstructure:"retry.max-attempts"`
	RetryBackoffBase string `mapstructure:"retry.backoff-base"`
	RetryBackoffMax  string `mapstructure:"retry.backoff-max"`

	RequestTimeout   string `mapstructure:"connection.request-timeout"`
	CompressionLevel int    `mapstructure:"compression.level"`
}

// ParseOptions parses and validates the recognized connector options.
// Unknown keys are rejected so typos fail the job at setup rather than being
// silently ignored.
func ParseOptions(options map[string]string) (*Options, error) {
	var raw rawOptions
	var metadata mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &raw,
		Metadata:         &metadata,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(options); err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	if len(metadata.Unused) > 0 {
		return nil, &ConfigError{
			Option: metadata.Unused[0],
			Reason: "unknown option",
		}
	}

	if raw.Hosts == "" {
		return nil, &ConfigError{Option: "hosts", Reason: "at least one host is required"}
	}
	if raw.Index == "" {
		return nil, &ConfigError{Option: "index", Reason: "an index name or template is required"}
	}

	opts := &Options{
		Hosts:    splitList(raw.Hosts),
		Username: raw.Username,
		Password: raw.Password,
		Index:    raw.Index,
	}
	if raw.KeyFields != "" {
		opts.KeyFields = splitList(raw.KeyFields)
	}

	cfg := Config{
		FlushMaxActions:  raw.FlushMaxActions,
		MaxInFlight:      raw.MaxInFlight,
		CompressionLevel: raw.CompressionLevel,
	}
	if raw.FlushMaxSize != "" {
		n, err := parseByteSize(raw.FlushMaxSize)
		if err != nil {
			return nil, &ConfigError{Option: "bulk.flush.max-size", Reason: err.Error()}
		}
		cfg.FlushBytes = n
	}
	if cfg.FlushInterval, err = parseDuration("bulk.flush.interval", raw.FlushInterval); err != nil {
		return nil, err
	}
	if cfg.RetryBackoffBase, err = parseDuration("retry.backoff-base", raw.RetryBackoffBase); err != nil {
		return nil, err
	}
	if cfg.RetryBackoffMax, err = parseDuration("retry.backoff-max", raw.RetryBackoffMax); err != nil {
		return nil, err
	}
	if cfg.FlushTimeout, err = parseDuration("connection.request-timeout", raw.RequestTimeout); err != nil {
		return nil, err
	}
	if raw.FlushOnCheckpoint != nil && !*raw.FlushOnCheckpoint {
		cfg.DisableFlushOnCheckpoint = true
	}
	if raw.RetryMaxAttempts != nil {
		if *raw.RetryMaxAttempts == 0 {
			return nil, &ConfigError{
				Option: "retry.max-attempts",
				Reason: "must be positive, or negative for unbounded retries",
			}
		}
		cfg.RetryMaxAttempts = *raw.RetryMaxAttempts
	}
	opts.Config = cfg
	return opts, nil
}

func splitList(s string) []string {
	raw := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseDuration(option, value string) (d time.Duration, err error) {
	if value == "" {
		return 0, nil
	}
	if d, err = time.ParseDuration(value); err != nil {
		return 0, &ConfigError{Option: option, Reason: fmt.Sprintf("invalid duration %q", value)}
	}
	if d <= 0 {
		return 0, &ConfigError{Option: option, Reason: "duration must be positive"}
	}
	return d, nil
}

// parseByteSize parses sizes like "5242880", "512kb", "2mb".
func parseByteSize(s string) (int, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	mult := 1
	switch {
	case strings.HasSuffix(v, "kb"):
		mult, v = 1024, strings.TrimSuffix(v, "kb")
	case strings.HasSuffix(v, "mb"):
		mult, v = 1024*1024, strings.TrimSuffix(v, "mb")
	case strings.HasSuffix(v, "gb"):
		mult, v = 1024*1024*1024, strings.TrimSuffix(v, "gb")
	case strings.HasSuffix(v, "b"):
		v = strings.TrimSuffix(v, "b")
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return n * mult, nil
}

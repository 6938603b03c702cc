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
	"strings"
	"time"
)

// IndexSpec resolves the target index name for a row. It is either a literal
// index name, or a template mixing literal segments with placeholders of the
// form {fieldName|formatPattern}. The referenced field must hold a time value
// which is formatted with the pattern (SimpleDateFormat-style, e.g.
// yyyy-MM-dd). A placeholder without a pattern substitutes the field's
// canonical textual form.
//
// Elasticsearch requires lowercase index names, so resolved names are
// lowercased.
type IndexSpec struct {
	literal string // non-empty when the spec has no placeholders
	parts   []indexPart
}

type indexPart struct {
	literal string

	// Placeholder fields, used when literal is empty.
	field  string
	pos    int
	layout string // empty means canonical encoding instead of time formatting
}

// ParseIndexSpec parses pattern against schema. Placeholder field names must
// exist in the schema; unknown fields and malformed placeholders are
// configuration errors.
func ParseIndexSpec(pattern string, schema *Schema) (*IndexSpec, error) {
	if pattern == "" {
		return nil, &ConfigError{Option: "index", Reason: "index name or template must not be empty"}
	}
	var parts []indexPart
	rest := pattern
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			parts = append(parts, indexPart{literal: rest})
			break
		}
		if open > 0 {
			parts = append(parts, indexPart{literal: rest[:open]})
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return nil, &ConfigError{Option: "index", Reason: fmt.Sprintf("unterminated placeholder in template %q", pattern)}
		}
		placeholder := rest[open+1 : open+closing]
		rest = rest[open+closing+1:]

		field, datePattern, hasPattern := strings.Cut(placeholder, "|")
		if field == "" {
			return nil, &ConfigError{Option: "index", Reason: fmt.Sprintf("empty placeholder field in template %q", pattern)}
		}
		pos, ok := schema.position(field)
		if !ok {
			return nil, &ConfigError{Option: "index", Reason: fmt.Sprintf("template field %q not found in schema", field)}
		}
		part := indexPart{field: field, pos: pos}
		if hasPattern {
			layout, err := convertDateTimePattern(datePattern)
			if err != nil {
				return nil, &ConfigError{Option: "index", Reason: fmt.Sprintf("template field %q: %v", field, err)}
			}
			part.layout = layout
		}
		parts = append(parts, part)
	}

	spec := &IndexSpec{parts: parts}
	if len(parts) == 1 && parts[0].literal != "" {
		spec.literal = strings.ToLower(parts[0].literal)
	}
	return spec, nil
}

// IsStatic reports whether the spec resolves to the same index for every row.
func (s *IndexSpec) IsStatic() bool {
	return s.literal != ""
}

// Resolve returns the index name for row. A null or non-time value in a
// formatted placeholder field is an error; such rows cannot be routed.
func (s *IndexSpec) Resolve(row Row) (string, error) {
	if s.literal != "" {
		return s.literal, nil
	}
	var b strings.Builder
	for _, part := range s.parts {
		if part.literal != "" {
			b.WriteString(part.literal)
			continue
		}
		if part.pos >= len(row.Fields) {
			return "", fmt.Errorf("index template field %q: row has only %d fields", part.field, len(row.Fields))
		}
		v := row.Fields[part.pos]
		if v == nil {
			return "", fmt.Errorf("index template field %q is null", part.field)
		}
		if part.layout != "" {
			t, ok := v.(time.Time)
			if !ok {
				return "", fmt.Errorf("index template field %q: expected a time value, got %T", part.field, v)
			}
			b.WriteString(t.Format(part.layout))
			continue
		}
		encoded, err := encodeFieldValue(v)
		if err != nil {
			return "", fmt.Errorf("index template field %q: %w", part.field, err)
		}
		b.WriteString(encoded)
	}
	return strings.ToLower(b.String()), nil
}

// convertDateTimePattern translates a SimpleDateFormat-style pattern, the
// form users declare in index templates, into a Go time layout.
func convertDateTimePattern(pattern string) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("empty format pattern")
	}
	var b strings.Builder
	for i := 0; i < len(pattern); {
		c := pattern[i]
		if !isPatternLetter(c) {
			// Quoted literal text, e.g. 'T'.
			if c == '\'' {
				end := strings.IndexByte(pattern[i+1:], '\'')
				if end < 0 {
					return "", fmt.Errorf("unterminated quote in format pattern %q", pattern)
				}
				b.WriteString(pattern[i+1 : i+1+end])
				i += end + 2
				continue
			}
			b.WriteByte(c)
			i++
			continue
		}
		run := 1
		for i+run < len(pattern) && pattern[i+run] == c {
			run++
		}
		layout, err := patternToken(c, run)
		if err != nil {
			return "", fmt.Errorf("format pattern %q: %w", pattern, err)
		}
		b.WriteString(layout)
		i += run
	}
	return b.String(), nil
}

func isPatternLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func patternToken(c byte, run int) (string, error) {
	switch c {
	case 'y':
		if run == 2 {
			return "06", nil
		}
		return "2006", nil
	case 'M':
		switch run {
		case 1:
			return "1", nil
		case 2:
			return "01", nil
		case 3:
			return "Jan", nil
		default:
			return "January", nil
		}
	case 'd':
		if run == 1 {
			return "2", nil
		}
		return "02", nil
	case 'H':
		return "15", nil
	case 'h':
		if run == 1 {
			return "3", nil
		}
		return "03", nil
	case 'm':
		if run == 1 {
			return "4", nil
		}
		return "04", nil
	case 's':
		if run == 1 {
			return "5", nil
		}
		return "05", nil
	case 'S':
		return strings.Repeat("0", run), nil
	case 'a':
		return "PM", nil
	case 'E':
		if run >= 4 {
			return "Monday", nil
		}
		return "Mon", nil
	case 'z', 'Z':
		return "-0700", nil
	}
	return "", fmt.Errorf("unsupported pattern letter %q", string(c))
}

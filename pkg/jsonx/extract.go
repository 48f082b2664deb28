// Package jsonx recovers well-formed JSON objects embedded in free text.
// LLM replies routinely wrap JSON in prose or code fences; the extractor
// scans position-by-position instead of using regexes so nested braces
// inside values do not break the parse.
package jsonx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Object is one extracted JSON object: the decoded value plus the raw span
// it was parsed from. Raw preserves key order for callers that need it.
type Object struct {
	Value map[string]any
	Raw   []byte
}

// Extract scans s left-to-right for '{' and attempts a streaming JSON parse
// at each candidate position. On success the parsed object is collected and
// scanning resumes after the consumed span; on failure the scan advances one
// character. A fully unparsable input yields an empty (nil) slice, never an
// error.
func Extract(s string) []Object {
	var objects []Object

	for i := 0; i < len(s); {
		offset := strings.IndexByte(s[i:], '{')
		if offset < 0 {
			break
		}
		i += offset

		dec := json.NewDecoder(strings.NewReader(s[i:]))
		var value map[string]any
		if err := dec.Decode(&value); err != nil {
			i++
			continue
		}

		consumed := int(dec.InputOffset())
		objects = append(objects, Object{
			Value: value,
			Raw:   []byte(strings.TrimSpace(s[i : i+consumed])),
		})
		i += consumed
	}

	return objects
}

// First returns the first extracted object and whether one was found.
func First(s string) (Object, bool) {
	objects := Extract(s)
	if len(objects) == 0 {
		return Object{}, false
	}
	return objects[0], true
}

// OrderedKeys decodes the top-level keys of a raw JSON object in their
// textual order. encoding/json maps lose insertion order; this walks the
// token stream instead.
func OrderedKeys(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("not a JSON object: starts with %v", tok)
	}

	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key token: %v", keyTok)
		}
		keys = append(keys, key)

		// Consume the value, which may itself be a composite.
		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return nil, err
		}
	}

	return keys, nil
}

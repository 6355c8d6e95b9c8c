// Copyright 2025 The Apifuse Authors
//
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

package caller

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/apifuse/apifuse/pkg/errors"
)

// placeholderPattern matches {name} placeholders in URL paths, headers,
// query params, and bodies. Dotted names descend into nested objects.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_.]*)\}`)

// bindings resolves placeholder names against the call input first, then
// the credentials.
type bindings struct {
	input map[string]any
	creds map[string]string
}

func newBindings(input any, creds map[string]string) bindings {
	m, ok := input.(map[string]any)
	if !ok {
		// A scalar or sequence input stays addressable as {value}.
		m = map[string]any{"value": input}
	}
	return bindings{input: m, creds: creds}
}

// lookup resolves a dotted placeholder name. The boolean reports whether
// the name was found at all; a found nil is a binding error upstream.
func (b bindings) lookup(name string) (any, bool) {
	if v, ok := descend(b.input, name); ok {
		return v, true
	}
	if v, ok := b.creds[name]; ok {
		return v, true
	}
	return nil, false
}

func descend(m map[string]any, dotted string) (any, bool) {
	parts := strings.Split(dotted, ".")
	var current any = m
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// substitute replaces every {name} in template. A name with no binding
// fails with a BindingError naming the placeholder and where it appeared.
func substitute(template string, b bindings, where string) (string, error) {
	var missing *errors.BindingError

	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		v, ok := b.lookup(name)
		if !ok || v == nil {
			if missing == nil {
				missing = &errors.BindingError{Name: name, Where: where}
			}
			return match
		}
		return stringify(v)
	})

	if missing != nil {
		return "", missing
	}
	return out, nil
}

// stringify renders a bound value for textual substitution. Objects and
// sequences become compact JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

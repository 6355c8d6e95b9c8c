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

package expression

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/apifuse/apifuse/pkg/errors"
)

// schemaCache caches compiled schemas keyed by their canonical JSON text.
// Workflows validate the same response schema on every run.
var schemaCache sync.Map // string -> *jsonschema.Schema

// ValidateSchema validates a value against a JSON schema given as a decoded
// map. Violations come back as *errors.SchemaValidationError naming the
// violated instance path.
func ValidateSchema(schema map[string]any, value any) error {
	compiled, err := compileSchema(schema)
	if err != nil {
		return err
	}

	// Round-trip the value through JSON so numbers and nested types are in
	// the representation the validator expects.
	instance, err := normalize(value)
	if err != nil {
		return &errors.SchemaValidationError{Message: fmt.Sprintf("value is not JSON-representable: %v", err)}
	}

	if err := compiled.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if stderrors.As(err, &ve) {
			leaf := deepestCause(ve)
			return &errors.SchemaValidationError{
				Path:    "/" + strings.Join(leaf.InstanceLocation, "/"),
				Message: leaf.Error(),
			}
		}
		return &errors.SchemaValidationError{Message: err.Error()}
	}
	return nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, &errors.SchemaValidationError{Message: fmt.Sprintf("schema is not JSON-representable: %v", err)}
	}

	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &errors.SchemaValidationError{Message: fmt.Sprintf("invalid schema document: %v", err)}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, &errors.SchemaValidationError{Message: fmt.Sprintf("invalid schema: %v", err)}
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, &errors.SchemaValidationError{Message: fmt.Sprintf("invalid schema: %v", err)}
	}

	schemaCache.Store(key, compiled)
	return compiled, nil
}

// normalize round-trips a value through encoding/json so the validator sees
// standard decoded JSON types.
func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// deepestCause walks to the most specific validation failure so diagnostics
// name the offending field rather than the document root.
func deepestCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// Package schema validates action input payloads against their declared
// JSON-Schema-shaped input schemas. Schemas are structured data produced at
// import time; validation is a separate pass on the invocation path.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sema4ai/actionserver/pkg/types"
)

// Validator compiles and caches action input schemas. Safe for
// concurrent use on the invocation path.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates an empty validator
func NewValidator() *Validator {
	return &Validator{compiled: map[string]*jsonschema.Schema{}}
}

// Compile parses and compiles a raw schema document, caching by key.
// An empty schema admits everything.
func (v *Validator) Compile(key string, raw json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.compiled[key]; ok {
		return s, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	v.compiled[key] = s
	return s, nil
}

// Invalidate drops the cached schema for a key; called when an action is
// reimported
func (v *Validator) Invalidate(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.compiled, key)
}

// ValidateInput checks an input payload against an action's input schema.
// A violation is reported as ErrSchemaViolation; schemas that fail to
// compile are treated as a violation too, since the payload cannot be
// admitted.
func (v *Validator) ValidateInput(action *types.Action, payload []byte) error {
	if len(action.InputSchema) == 0 || bytes.Equal(bytes.TrimSpace(action.InputSchema), []byte("{}")) {
		return nil
	}

	s, err := v.Compile(action.ID+"#"+fmt.Sprint(action.Version), action.InputSchema)
	if err != nil {
		return types.NewError(types.ErrSchemaViolation, "input schema for %s is unusable: %v", action.ID, err)
	}

	if len(payload) == 0 {
		payload = []byte("{}")
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return types.NewError(types.ErrSchemaViolation, "input payload is not valid JSON: %v", err)
	}

	if err := s.Validate(value); err != nil {
		return types.NewError(types.ErrSchemaViolation, "input does not conform to the schema for %s: %v", action.ID, err)
	}
	return nil
}

// Representable reports whether a raw schema document can be compiled.
// The importer uses this to lint enumerated actions and skip the ones
// whose signatures cannot be expressed.
func Representable(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parsing schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("adding schema resource: %w", err)
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	return nil
}

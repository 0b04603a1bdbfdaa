// Package schema validates OCPP payloads against per-action JSON schemas.
//
// Request schemas are named <Action>.json and response schemas
// <Action>Response.json. A small built-in set is embedded; a directory of
// schemas may be layered on top and overrides built-ins of the same name.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"ocpp-gateway/internal/ocppj"
)

//go:embed schemas/*.json
var builtin embed.FS

const responseSuffix = "Response"

// Validator implements ocppj.Validator over compiled JSON schemas.
type Validator struct {
	strict bool

	mu       sync.RWMutex
	compiler *jsonschema.Compiler
	schemas  map[string]*jsonschema.Schema
}

var _ ocppj.Validator = (*Validator)(nil)

// Option configures a Validator.
type Option func(*Validator)

// WithStrict rejects actions that have no schema instead of passing them.
func WithStrict(strict bool) Option {
	return func(v *Validator) { v.strict = strict }
}

// New returns a validator loaded with the built-in schemas.
func New(opts ...Option) (*Validator, error) {
	v := &Validator{
		compiler: jsonschema.NewCompiler(),
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, o := range opts {
		o(v)
	}
	sub, err := fs.Sub(builtin, "schemas")
	if err != nil {
		return nil, err
	}
	if err := v.loadFS(sub); err != nil {
		return nil, fmt.Errorf("load built-in schemas: %w", err)
	}
	return v, nil
}

// LoadDir compiles every *.json file in dir.
func (v *Validator) LoadDir(dir string) error {
	if err := v.loadFS(os.DirFS(dir)); err != nil {
		return fmt.Errorf("load schemas from %s: %w", dir, err)
	}
	return nil
}

func (v *Validator) loadFS(fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*.json")
	if err != nil {
		return err
	}
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		if err := v.Add(strings.TrimSuffix(filepath.Base(name), ".json"), data); err != nil {
			return err
		}
	}
	return nil
}

// Add compiles and registers one schema under name (an action, or an action
// followed by "Response").
func (v *Validator) Add(name string, schema []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	compiled, err := v.compiler.Compile(schema)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", name, err)
	}
	v.schemas[name] = compiled
	return nil
}

// Names lists the registered schema names.
func (v *Validator) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateRequest checks the payload of a Call.
func (v *Validator) ValidateRequest(action string, payload json.RawMessage) error {
	return v.validate(action, action, false, payload)
}

// ValidateResponse checks the payload of a CallResult.
func (v *Validator) ValidateResponse(action string, payload json.RawMessage) error {
	return v.validate(action, action+responseSuffix, true, payload)
}

func (v *Validator) validate(action, name string, response bool, payload json.RawMessage) error {
	v.mu.RLock()
	compiled, ok := v.schemas[name]
	v.mu.RUnlock()

	if !ok {
		if v.strict {
			return &ocppj.ValidationError{Action: action, Response: response,
				Violations: []string{"no schema for " + name}}
		}
		return nil
	}

	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return &ocppj.ValidationError{Action: action, Response: response,
			Violations: []string{"payload is not valid JSON"}}
	}
	result := compiled.Validate(instance)
	if result.IsValid() {
		return nil
	}
	return &ocppj.ValidationError{Action: action, Response: response,
		Violations: []string{result.Error()}}
}

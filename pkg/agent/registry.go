package agent

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cogpy/lemonade-cog/pkg/errmodel"
)

// TypeRegistry knows which task types may be submitted and optionally holds
// a JSON schema per type that payloads must satisfy. It is owned by one
// orchestrator; there is no package-level registry.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[TaskType]*jsonschema.Schema
}

// NewTypeRegistry returns a registry holding the built-in types.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{types: map[TaskType]*jsonschema.Schema{}}
	for _, t := range []TaskType{TypeInference, TypeMonitoring, TypeOptimization, TypeCustom} {
		r.types[t] = nil
	}
	return r
}

// Register adds typ with an optional JSON schema for its payloads.
// Built-in types may be given a schema once; registering the same custom
// type twice fails.
func (r *TypeRegistry) Register(typ TaskType, schema []byte) error {
	name := strings.TrimSpace(string(typ))
	if name == "" {
		return errmodel.Validation("bad_type", "task type is empty", nil)
	}
	sch, err := CompileJSONSchema(schema)
	if err != nil {
		return errmodel.Validation("bad_schema", "payload schema does not compile",
			map[string]any{"type": name, "error": err.Error()})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, exists := r.types[TaskType(name)]; exists && (prev != nil || !isBuiltin(TaskType(name))) {
		return errmodel.Validation("conflict", fmt.Sprintf("task type %q already registered", name), nil)
	}
	r.types[TaskType(name)] = sch
	return nil
}

func isBuiltin(t TaskType) bool {
	switch t {
	case TypeInference, TypeMonitoring, TypeOptimization, TypeCustom:
		return true
	}
	return false
}

// Known reports whether typ may be submitted.
func (r *TypeRegistry) Known(typ TaskType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typ]
	return ok
}

// Types lists the registered types in sorted order.
func (r *TypeRegistry) Types() []TaskType {
	r.mu.RLock()
	out := make([]TaskType, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Validate checks that typ is registered and payload satisfies its schema.
func (r *TypeRegistry) Validate(typ TaskType, payload any) error {
	r.mu.RLock()
	sch, ok := r.types[typ]
	r.mu.RUnlock()
	if !ok {
		return errmodel.Validation("unknown_type", fmt.Sprintf("task type %q is not registered", typ),
			map[string]any{"type": string(typ)})
	}
	if err := validateInstance(sch, payload); err != nil {
		return errmodel.Validation("invalid_payload", "payload does not match the schema for its type",
			map[string]any{"type": string(typ), "error": err.Error()})
	}
	return nil
}

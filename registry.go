package pitstore

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// FeatureSchema declares constraints for one feature name. Schemas are
// optional: the log accepts any non-empty feature name unless strict mode
// is on. Registering a schema adds value validation at ingest for that
// feature.
type FeatureSchema struct {
	// Name is the feature this schema applies to.
	Name string `json:"name" yaml:"name"`

	// Description documents what the feature means.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Source is the expected producer. Informational only; ingest does not
	// enforce it.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// MinValue rejects values below this bound when set.
	MinValue *float64 `json:"minValue,omitempty" yaml:"minValue,omitempty"`

	// MaxValue rejects values above this bound when set.
	MaxValue *float64 `json:"maxValue,omitempty" yaml:"maxValue,omitempty"`

	// AllowNaN accepts NaN values. Off by default: NaN silently poisons
	// downstream medians and aggregates.
	AllowNaN bool `json:"allowNaN,omitempty" yaml:"allowNaN,omitempty"`
}

// Validate checks the schema itself.
func (s FeatureSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: feature schema requires a name", ErrInvalidConfig)
	}
	if s.MinValue != nil && s.MaxValue != nil && *s.MinValue > *s.MaxValue {
		return fmt.Errorf("%w: feature %q: minValue exceeds maxValue", ErrInvalidConfig, s.Name)
	}
	return nil
}

// FeatureRegistry holds declared feature schemas and optionally enforces
// that every ingested feature is declared.
type FeatureRegistry struct {
	mu      sync.RWMutex
	schemas map[string]FeatureSchema
	strict  bool
}

// NewFeatureRegistry creates a registry from configuration.
func NewFeatureRegistry(cfg RegistryConfig) (*FeatureRegistry, error) {
	r := &FeatureRegistry{
		schemas: make(map[string]FeatureSchema),
		strict:  cfg.Strict,
	}
	for _, schema := range cfg.Features {
		if err := r.Register(schema); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a schema.
func (r *FeatureRegistry) Register(schema FeatureSchema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Name] = schema
	return nil
}

// Unregister removes a schema.
func (r *FeatureRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemas, name)
}

// Get returns the schema for a feature name.
func (r *FeatureRegistry) Get(name string) (FeatureSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[name]
	return schema, ok
}

// List returns all schemas sorted by name.
func (r *FeatureRegistry) List() []FeatureSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FeatureSchema, 0, len(r.schemas))
	for _, schema := range r.schemas {
		out = append(out, schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Strict reports whether undeclared features are rejected.
func (r *FeatureRegistry) Strict() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strict
}

// Validate checks an observation against the registered schema, if any.
func (r *FeatureRegistry) Validate(obs Observation) error {
	r.mu.RLock()
	schema, exists := r.schemas[obs.FeatureName]
	strict := r.strict
	r.mu.RUnlock()

	if !exists {
		if strict {
			return fmt.Errorf("%w: %q", ErrUnregisteredFeature, obs.FeatureName)
		}
		return nil
	}

	if math.IsNaN(obs.Value) {
		if !schema.AllowNaN {
			return newValidationError("value", fmt.Sprintf("feature %q does not allow NaN", obs.FeatureName), nil)
		}
		return nil
	}
	if schema.MinValue != nil && obs.Value < *schema.MinValue {
		return newValidationError("value", fmt.Sprintf("feature %q: value %g below minimum %g", obs.FeatureName, obs.Value, *schema.MinValue), nil)
	}
	if schema.MaxValue != nil && obs.Value > *schema.MaxValue {
		return newValidationError("value", fmt.Sprintf("feature %q: value %g above maximum %g", obs.FeatureName, obs.Value, *schema.MaxValue), nil)
	}
	return nil
}

package schema

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog holds model definitions keyed by name.
// A new catalog always contains the built-in io.* models.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewCatalog returns a catalog holding the built-in models.
func NewCatalog() *Catalog {
	c := &Catalog{models: make(map[string]*Model)}
	for _, m := range builtinModels() {
		c.Register(m)
	}
	return c
}

// Add validates a model definition and adds it to the catalog.
// Relation targets are checked separately by Validate, so models may be
// added in any order.
func (c *Catalog) Add(m Model) error {
	if m.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if err := checkFields(m); err != nil {
		return fmt.Errorf("model %s: %w", m.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.models[m.Name]; exists {
		return fmt.Errorf("model already registered: %s", m.Name)
	}

	def := m
	def.Fields = append([]Field(nil), m.Fields...)
	c.models[m.Name] = &def
	return nil
}

// Register adds a model definition to the catalog.
// Panics if the definition is invalid or the name is already registered.
func (c *Catalog) Register(m Model) {
	if err := c.Add(m); err != nil {
		panic(err.Error())
	}
}

func checkFields(m Model) error {
	seen := make(map[string]bool, len(m.Fields))
	pkCount := 0
	for _, f := range m.Fields {
		if f.Name == "" {
			return fmt.Errorf("field name is required")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field %s", f.Name)
		}
		seen[f.Name] = true

		if _, ok := fieldTypeNames[f.Type]; !ok {
			return fmt.Errorf("field %s: %w: %d", f.Name, ErrUnknownFieldType, int(f.Type))
		}
		if f.Type.IsRelation() && f.Target == "" {
			return fmt.Errorf("relation field %s needs a target model", f.Name)
		}
		if f.PrimaryKey {
			if f.Type.IsMulti() {
				return fmt.Errorf("field %s: %s cannot be part of a primary key", f.Name, f.Type)
			}
			pkCount++
		}
		if f.AutoIncrement && (!f.PrimaryKey || (f.Type != FieldInteger && f.Type != FieldBigInteger)) {
			return fmt.Errorf("field %s: auto_increment needs an integer primary key", f.Name)
		}
	}
	if pkCount == 0 {
		return fmt.Errorf("no primary key field declared")
	}
	return nil
}

// Validate checks cross-model references: every relation target must exist.
func (c *Catalog) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.models {
		for _, f := range m.Fields {
			if f.Type.IsRelation() {
				if _, ok := c.models[f.Target]; !ok {
					return fmt.Errorf("model %s field %s: target %w: %s", m.Name, f.Name, ErrUnknownModel, f.Target)
				}
			}
		}
	}
	return nil
}

// Model returns a model definition by name.
func (c *Catalog) Model(name string) (*Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.models[name]
	return m, ok
}

// All returns every registered model sorted by name.
func (c *Catalog) All() []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		result = append(result, m)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	return result
}

// PrimaryKeyFields returns the declared primary key fields of a model.
func (c *Catalog) PrimaryKeyFields(model string) ([]string, error) {
	m, ok := c.Model(model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return m.PrimaryKeyFields(), nil
}

// FieldType returns the declared type of a model field.
func (c *Catalog) FieldType(model, field string) (FieldType, error) {
	m, ok := c.Model(model)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	f, ok := m.Field(field)
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s", ErrUnknownField, model, field)
	}
	return f.Type, nil
}

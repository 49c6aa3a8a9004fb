package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk layout of a catalog definition.
type catalogFile struct {
	Models []modelFile `yaml:"models"`
}

type modelFile struct {
	Name   string      `yaml:"name"`
	Fields []fieldFile `yaml:"fields"`
}

type fieldFile struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type"`
	PrimaryKey    bool   `yaml:"primary_key"`
	AutoIncrement bool   `yaml:"auto_increment"`
	Required      bool   `yaml:"required"`
	Target        string `yaml:"target"`
}

// LoadFile reads a YAML catalog definition from path.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	cat, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return cat, nil
}

// Load parses a YAML catalog definition. Unknown keys and unknown field
// type tags are rejected here, before any payload is processed.
func Load(r io.Reader) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	cat := NewCatalog()
	for _, mf := range file.Models {
		m := Model{Name: mf.Name}
		for _, ff := range mf.Fields {
			ft, err := ParseFieldType(ff.Type)
			if err != nil {
				return nil, fmt.Errorf("model %s field %s: %w", mf.Name, ff.Name, err)
			}
			m.Fields = append(m.Fields, Field{
				Name:          ff.Name,
				Type:          ft,
				PrimaryKey:    ff.PrimaryKey,
				AutoIncrement: ff.AutoIncrement,
				Required:      ff.Required,
				Target:        ff.Target,
			})
		}
		if err := cat.Add(m); err != nil {
			return nil, err
		}
	}

	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

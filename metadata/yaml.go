package metadata

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Schema is the YAML document layout of a registry.
//
//	classes:
//	  - name: Customer
//	    primaryKey: id
//	    mixins: [uuidKey, softDelete]
//	    instanceName: [name]
//	    properties:
//	      - {name: name, type: string, mandatory: true}
//	      - {name: orders, type: entity, target: Order, cardinality: one-to-many, inverse: customer}
type Schema struct {
	Classes []ClassSpec `yaml:"classes"`
}

// LoadOption configures how a YAML schema is turned into a registry.
type LoadOption func(*Builder)

// WithMixins sets the resolver for mixin names listed in the schema.
func WithMixins(resolve func(string) (Mixin, bool)) LoadOption {
	return func(b *Builder) {
		b.WithMixinResolver(resolve)
	}
}

// LoadYAML decodes a YAML schema and builds the registry.
func LoadYAML(r io.Reader, opts ...LoadOption) (*Registry, error) {
	var s Schema
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return nil, &SchemaError{Message: "decode yaml", Cause: err}
	}
	b := NewBuilder()
	for _, opt := range opts {
		opt(b)
	}
	return b.Add(s.Classes...).Build()
}

// LoadFile reads the schema file at path and builds the registry.
func LoadFile(path string, opts ...LoadOption) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: read schema: %w", err)
	}
	return LoadYAML(bytes.NewReader(data), opts...)
}

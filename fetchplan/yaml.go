package fetchplan

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/syssam/vxdata/metadata"
)

// Spec is the declarative form of a plan.
//
//	entity: Customer
//	name: customer-edit
//	properties:
//	  - name: name
//	  - name: orders
//	    mode: batch
//	    properties:
//	      - name: number
type Spec struct {
	Entity     string         `yaml:"entity,omitempty"`
	Name       string         `yaml:"name,omitempty"`
	Full       bool           `yaml:"full,omitempty"`
	Local      bool           `yaml:"local,omitempty"`
	Properties []PropertySpec `yaml:"properties,omitempty"`
}

// PropertySpec is the declarative form of a plan property.
type PropertySpec struct {
	Name       string         `yaml:"name"`
	Mode       string         `yaml:"mode,omitempty"`
	Local      bool           `yaml:"local,omitempty"`
	Properties []PropertySpec `yaml:"properties,omitempty"`
}

// FromSpec builds a plan from its declarative form.
func FromSpec(reg *metadata.Registry, s Spec) (*FetchPlan, error) {
	class, err := reg.Class(s.Entity)
	if err != nil {
		return nil, err
	}
	b := New(class).Name(s.Name).Partial(!s.Full)
	if s.Local {
		b.AddLocal()
	}
	if err := addSpecs(b, class, s.Properties, !s.Full); err != nil {
		return nil, err
	}
	return b.Build()
}

func addSpecs(b *Builder, class *metadata.Class, props []PropertySpec, partial bool) error {
	for _, ps := range props {
		mode, err := ParseFetchMode(ps.Mode)
		if err != nil {
			return err
		}
		prop := class.Property(ps.Name)
		if prop == nil {
			return fmt.Errorf("fetchplan: property %q not found in %s", ps.Name, class.Name())
		}
		var nested *FetchPlan
		if len(ps.Properties) > 0 || ps.Local {
			if prop.Target() == nil {
				return fmt.Errorf("fetchplan: property %s has no nested properties", prop)
			}
			nb := New(prop.Target()).Partial(partial)
			if ps.Local {
				nb.AddLocal()
			}
			if err := addSpecs(nb, prop.Target(), ps.Properties, partial); err != nil {
				return err
			}
			if nested, err = nb.Build(); err != nil {
				return err
			}
		}
		b.AddMode(ps.Name, nested, mode)
	}
	return nil
}

// LoadYAML decodes a plan from YAML.
func LoadYAML(reg *metadata.Registry, r io.Reader) (*FetchPlan, error) {
	var s Spec
	if err := yaml.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("fetchplan: decode yaml: %w", err)
	}
	return FromSpec(reg, s)
}

package importexport

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/fetchplan"
	"github.com/syssam/vxdata/metadata"
)

// entityNameKey holds the entity name of a serialized instance.
const entityNameKey = "_entityName"

// encoder serializes instances along a plan.
type encoder struct {
	// path holds the instances being serialized, to cut reference cycles.
	path map[*entity.Entity]struct{}
}

func (enc *encoder) entity(e *entity.Entity, plan *fetchplan.FetchPlan) (map[string]any, error) {
	class := e.Class()
	out := map[string]any{entityNameKey: class.Name()}
	if !class.IsEmbeddable() {
		id, err := enc.value(class.PrimaryKeyProperty(), e.ID())
		if err != nil {
			return nil, err
		}
		out[class.PrimaryKey()] = id
		if _, ok := enc.path[e]; ok {
			return out, nil
		}
		enc.path[e] = struct{}{}
		defer delete(enc.path, e)
	}
	if plan == nil {
		plan = fetchplan.Local(class)
	}
	for _, fp := range plan.Properties() {
		name := fp.Name()
		p := class.Property(name)
		if p == nil || !p.IsPersistent() || !e.IsLoaded(name) || name == class.PrimaryKey() {
			continue
		}
		var (
			v   any
			err error
		)
		switch {
		case p.IsCollection():
			refs := e.Refs(name)
			list := make([]any, 0, len(refs))
			for _, r := range refs {
				m, err := enc.ref(r, fp.Plan())
				if err != nil {
					return nil, err
				}
				list = append(list, m)
			}
			v = list
		case p.IsReference() || p.IsEmbedded():
			if r := e.Ref(name); r != nil {
				v, err = enc.ref(r, fp.Plan())
			}
		default:
			v, err = enc.value(p, e.Get(name))
		}
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// ref serializes a referenced instance: fully with a nested plan, by id
// otherwise.
func (enc *encoder) ref(r *entity.Entity, plan *fetchplan.FetchPlan) (map[string]any, error) {
	if plan == nil && !r.Class().IsEmbeddable() {
		id, err := enc.value(r.Class().PrimaryKeyProperty(), r.ID())
		if err != nil {
			return nil, err
		}
		return map[string]any{entityNameKey: r.Class().Name(), r.Class().PrimaryKey(): id}, nil
	}
	return enc.entity(r, plan)
}

func (enc *encoder) value(p *metadata.Property, v any) (any, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case *entity.Entity:
		// Embedded primary key.
		return enc.entity(v, nil)
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	case uuid.UUID:
		return v.String(), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(v), nil
	case string, bool, int, int64, float64, float32, int32:
		return v, nil
	}
	return nil, fmt.Errorf("importexport: cannot serialize %s value of type %T", p, v)
}

func marshalEntities(entities []*entity.Entity, plan *fetchplan.FetchPlan) ([]byte, error) {
	enc := &encoder{path: make(map[*entity.Entity]struct{})}
	out := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		m, err := enc.entity(e, plan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return json.MarshalIndent(out, "", "  ")
}

// decoder builds source instances from JSON objects, typing values by the
// schema.
type decoder struct {
	reg *metadata.Registry
}

func (dec *decoder) entities(b []byte) ([]*entity.Entity, error) {
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	var raw []map[string]any
	if err := d.Decode(&raw); err != nil {
		return nil, fmt.Errorf("importexport: decoding entities: %w", err)
	}
	out := make([]*entity.Entity, 0, len(raw))
	for _, m := range raw {
		e, err := dec.entity(m, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// entity builds an instance of the class named in the object, or of the
// fallback class. Only present attributes are marked loaded.
func (dec *decoder) entity(m map[string]any, fallback *metadata.Class) (*entity.Entity, error) {
	class := fallback
	if name, ok := m[entityNameKey].(string); ok {
		c, err := dec.reg.Class(name)
		if err != nil {
			return nil, err
		}
		class = c
	}
	if class == nil {
		return nil, fmt.Errorf("importexport: object without %s", entityNameKey)
	}
	e := entity.Empty(class)
	for key, raw := range m {
		if key == entityNameKey {
			continue
		}
		p := class.Property(key)
		if p == nil {
			return nil, fmt.Errorf("importexport: property %q not found in %s", key, class.Name())
		}
		v, err := dec.value(p, raw)
		if err != nil {
			return nil, fmt.Errorf("importexport: %s: %w", p, err)
		}
		e.Set(key, v)
		e.MarkLoaded(key)
	}
	return e, nil
}

func (dec *decoder) value(p *metadata.Property, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch {
	case p.IsCollection():
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("expected a list, got %T", raw)
		}
		refs := make([]*entity.Entity, 0, len(list))
		for _, item := range list {
			r, err := dec.object(p, item)
			if err != nil {
				return nil, err
			}
			refs = append(refs, r)
		}
		return refs, nil
	case p.IsReference() || p.IsEmbedded():
		return dec.object(p, raw)
	}
	return scalar(p, raw)
}

func (dec *decoder) object(p *metadata.Property, raw any) (*entity.Entity, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", raw)
	}
	return dec.entity(m, p.Target())
}

// scalar converts a decoded JSON value to the Go type of the property.
func scalar(p *metadata.Property, raw any) (any, error) {
	switch p.Type() {
	case metadata.TypeString, metadata.TypeEnum:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	case metadata.TypeBool:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case metadata.TypeInt, metadata.TypeInt64:
		if n, ok := raw.(json.Number); ok {
			i, err := n.Int64()
			if err != nil {
				return nil, err
			}
			if p.Type() == metadata.TypeInt {
				return int(i), nil
			}
			return i, nil
		}
	case metadata.TypeFloat, metadata.TypeDecimal:
		if n, ok := raw.(json.Number); ok {
			return n.Float64()
		}
	case metadata.TypeTime:
		if s, ok := raw.(string); ok {
			return time.Parse(time.RFC3339Nano, s)
		}
	case metadata.TypeUUID:
		if s, ok := raw.(string); ok {
			return uuid.Parse(s)
		}
	case metadata.TypeBytes:
		if s, ok := raw.(string); ok {
			return base64.StdEncoding.DecodeString(s)
		}
	}
	return nil, fmt.Errorf("unexpected %s value of type %T", p.Type(), raw)
}

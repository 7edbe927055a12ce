package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"actionline/internal/domain"
)

// ValidationError lists every schema violation found in a set of inputs.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid inputs: " + strings.Join(e.Problems, "; ")
}

type inputSchema struct {
	schema   *huma.Schema
	registry huma.Registry
}

// compileSchema turns a JSON-schema map into a huma schema so the same
// validator that guards the HTTP API guards action inputs.
func compileSchema(raw map[string]any) (*inputSchema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	s, err := toHumaSchema(raw)
	if err != nil {
		return nil, err
	}
	return &inputSchema{
		schema:   s,
		registry: huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer),
	}, nil
}

func (s *inputSchema) validate(inputs map[string]any) error {
	if s == nil {
		return nil
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	res := &huma.ValidateResult{}
	huma.Validate(s.registry, s.schema, huma.NewPathBuffer([]byte(""), 0), huma.ModeWriteToServer, inputs, res)
	if len(res.Errors) == 0 {
		return nil
	}
	verr := &ValidationError{}
	for _, e := range res.Errors {
		verr.Problems = append(verr.Problems, e.Error())
	}
	return verr
}

// schemaKeywords lists the JSON-schema keywords toHumaSchema understands.
// Anything else is refused at registration rather than silently ignored.
var schemaKeywords = map[string]bool{
	"$schema": true, "title": true, "description": true, "type": true,
	"format": true, "pattern": true, "default": true, "enum": true,
	"minimum": true, "maximum": true, "exclusiveMinimum": true, "exclusiveMaximum": true, "multipleOf": true,
	"minLength": true, "maxLength": true, "minItems": true, "maxItems": true,
	"required": true, "properties": true, "items": true, "additionalProperties": true,
}

func toHumaSchema(raw map[string]any) (*huma.Schema, error) {
	for k := range raw {
		if !schemaKeywords[k] {
			return nil, fmt.Errorf("unsupported schema keyword %q", k)
		}
	}
	s := &huma.Schema{}
	if v, ok := raw["type"]; ok {
		t, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("schema type must be a single string, got %T", v)
		}
		switch t {
		case huma.TypeObject, huma.TypeArray, huma.TypeString, huma.TypeNumber, huma.TypeInteger, huma.TypeBoolean:
			s.Type = t
		default:
			return nil, fmt.Errorf("unsupported schema type %q", t)
		}
	}
	if v, ok := raw["title"].(string); ok {
		s.Title = v
	}
	if v, ok := raw["description"].(string); ok {
		s.Description = v
	}
	if v, ok := raw["format"].(string); ok {
		s.Format = v
	}
	if v, ok := raw["pattern"].(string); ok {
		s.Pattern = v
	}
	if v, ok := raw["default"]; ok {
		s.Default = v
	}
	if v, ok := raw["enum"].([]any); ok {
		s.Enum = v
	}
	if v, ok := raw["enum"].([]string); ok {
		for _, e := range v {
			s.Enum = append(s.Enum, e)
		}
	}
	if f, ok := domain.ToFloat(raw["minimum"]); ok {
		s.Minimum = &f
	}
	if f, ok := domain.ToFloat(raw["maximum"]); ok {
		s.Maximum = &f
	}
	if v, ok := raw["exclusiveMinimum"]; ok {
		f, ok := domain.ToFloat(v)
		if !ok {
			return nil, errors.New("exclusiveMinimum must be a number")
		}
		s.ExclusiveMinimum = &f
	}
	if v, ok := raw["exclusiveMaximum"]; ok {
		f, ok := domain.ToFloat(v)
		if !ok {
			return nil, errors.New("exclusiveMaximum must be a number")
		}
		s.ExclusiveMaximum = &f
	}
	if f, ok := domain.ToFloat(raw["multipleOf"]); ok {
		s.MultipleOf = &f
	}
	if f, ok := domain.ToFloat(raw["minLength"]); ok {
		n := int(f)
		s.MinLength = &n
	}
	if f, ok := domain.ToFloat(raw["maxLength"]); ok {
		n := int(f)
		s.MaxLength = &n
	}
	if f, ok := domain.ToFloat(raw["minItems"]); ok {
		n := int(f)
		s.MinItems = &n
	}
	if f, ok := domain.ToFloat(raw["maxItems"]); ok {
		n := int(f)
		s.MaxItems = &n
	}
	switch req := raw["required"].(type) {
	case []string:
		s.Required = append(s.Required, req...)
	case []any:
		for _, r := range req {
			name, ok := r.(string)
			if !ok {
				return nil, errors.New("required entries must be strings")
			}
			s.Required = append(s.Required, name)
		}
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*huma.Schema, len(props))
		for name, p := range props {
			pm, ok := p.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("property %s: schema must be an object", name)
			}
			ps, err := toHumaSchema(pm)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", name, err)
			}
			s.Properties[name] = ps
		}
	}
	if items, ok := raw["items"].(map[string]any); ok {
		is, err := toHumaSchema(items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		s.Items = is
	}
	if v, ok := raw["additionalProperties"]; ok {
		ap, ok := v.(bool)
		if !ok {
			return nil, errors.New("additionalProperties must be a boolean")
		}
		s.AdditionalProperties = ap
	}
	s.PrecomputeMessages()
	return s, nil
}

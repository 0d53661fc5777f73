package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileSchema compiles a registered node's raw schema document. A nil
// document compiles as an empty object schema, matching a node that declares
// no inputs or outputs.
func CompileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	if doc == nil {
		doc = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// SchemaProperties returns the declared property names mapped to their
// declared JSON type ("" when the property has no type keyword).
func SchemaProperties(doc map[string]any) map[string]string {
	out := make(map[string]string)
	if doc == nil {
		return out
	}
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		return out
	}
	for name, raw := range props {
		typ := ""
		if prop, ok := raw.(map[string]any); ok {
			if t, ok := prop["type"].(string); ok {
				typ = t
			}
		}
		out[name] = typ
	}
	return out
}

// RequiredFields returns the schema's required property names. A schema
// without a required keyword requires all of its declared properties.
func RequiredFields(doc map[string]any) []string {
	if doc == nil {
		return nil
	}
	if raw, ok := doc["required"].([]any); ok {
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	props := SchemaProperties(doc)
	out := make([]string, 0, len(props))
	for name := range props {
		out = append(out, name)
	}
	return out
}

// ValidateOutputs checks one output map against a node's output schema:
// every declared field must be present, and the document must satisfy the
// compiled schema. Output values are strings by construction, so a non-string
// declared type fails here.
func ValidateOutputs(doc map[string]any, outputs map[string]string) error {
	props := SchemaProperties(doc)
	for field, typ := range props {
		if _, ok := outputs[field]; !ok {
			return fmt.Errorf("output field %q is missing", field)
		}
		if typ != "" && typ != "string" {
			return fmt.Errorf("output field %q is declared %s, only string outputs are supported", field, typ)
		}
	}

	schema, err := CompileSchema(doc)
	if err != nil {
		return fmt.Errorf("output schema does not compile: %w", err)
	}
	generic := make(map[string]any, len(outputs))
	for k, v := range outputs {
		generic[k] = v
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("outputs do not satisfy schema: %w", err)
	}
	return nil
}

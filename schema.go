package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrNoUsableTools is returned when the normalized tool list for an
// endpoint is empty.
var ErrNoUsableTools = errors.New("schema: upstream has no usable tools")

// rawArrayTool is the array-form shape: [{ name, description?, inputSchema }, ...]
type rawArrayTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// normalizeSchema detects the upstream shape and produces a normalized tool
// list. Both shapes must yield the same descriptor set for the same tool
// set.
func normalizeSchema(raw json.RawMessage) ([]ToolDescriptor, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, ErrNoUsableTools
	}

	var descriptors []ToolDescriptor
	switch trimmed[0] {
	case '[':
		var arr []rawArrayTool
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, fmt.Errorf("schema: decode array form: %w", err)
		}
		descriptors = make([]ToolDescriptor, 0, len(arr))
		for _, t := range arr {
			schema, err := decodeInputSchema(t.InputSchema)
			if err != nil {
				return nil, err
			}
			descriptors = append(descriptors, ToolDescriptor{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}
	case '{':
		// Decoded into an OrderedMap rather than a plain Go map: the
		// object form's key order is the upstream's declared tool order,
		// and plain map iteration would scramble it.
		obj := orderedmap.New[string, json.RawMessage]()
		if err := json.Unmarshal(raw, obj); err != nil {
			return nil, fmt.Errorf("schema: decode object form: %w", err)
		}
		descriptors = make([]ToolDescriptor, 0, obj.Len())
		for pair := obj.Oldest(); pair != nil; pair = pair.Next() {
			schema, err := decodeInputSchema(pair.Value)
			if err != nil {
				return nil, err
			}
			description, _ := schema["description"].(string)
			delete(schema, "description")
			descriptors = append(descriptors, ToolDescriptor{
				Name:        pair.Key,
				Description: description,
				InputSchema: schema,
			})
		}
	default:
		return nil, fmt.Errorf("schema: unrecognized shape, first byte %q", trimmed[0])
	}

	return finalizeDescriptors(descriptors)
}

func decodeInputSchema(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}, "required": []any{}}, nil
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("schema: decode input schema: %w", err)
	}
	return schema, nil
}

// finalizeDescriptors drops lambda placeholders, synthesises missing
// descriptions, validates each schema, and rejects an empty result.
func finalizeDescriptors(descriptors []ToolDescriptor) ([]ToolDescriptor, error) {
	out := make([]ToolDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if strings.Contains(strings.ToLower(d.Name), "<lambda") {
			continue
		}
		if d.Description == "" {
			d.Description = d.Name + " tool"
		}
		if err := validateInputSchema(d.InputSchema); err != nil {
			return nil, fmt.Errorf("schema: tool %q: %w", d.Name, err)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, ErrNoUsableTools
	}
	return out, nil
}

func validateInputSchema(schema map[string]any) error {
	if schema == nil {
		return errors.New("nil input schema")
	}
	if t, _ := schema["type"].(string); t != "" && t != "object" {
		return fmt.Errorf("input schema type %q is not object", t)
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}
	if _, ok := schema["required"]; !ok {
		schema["required"] = []any{}
	}
	return nil
}

// schemaComplexity classifies a tool's input schema for the invoke
// convenience path.
type schemaComplexity int

const (
	schemaSimple schemaComplexity = iota
	schemaComplex
)

var primitiveSchemaTypes = map[string]bool{
	"string": true, "number": true, "integer": true, "boolean": true,
}

// classifyComplexity applies the simple/complex rule: every property must
// be a primitive, an enum of primitives, or an
// explicitly tagged FileData/ImageData parameter (a URL string); anything
// else (nested object, array-of-object, union) makes the schema complex.
func classifyComplexity(schema map[string]any) schemaComplexity {
	props, _ := schema["properties"].(map[string]any)
	for _, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			return schemaComplex
		}
		if isSimpleProperty(prop) {
			continue
		}
		return schemaComplex
	}
	return schemaSimple
}

func isSimpleProperty(prop map[string]any) bool {
	if t, _ := prop["type"].(string); primitiveSchemaTypes[t] {
		return true
	}
	if enumRaw, ok := prop["enum"].([]any); ok {
		for _, v := range enumRaw {
			switch v.(type) {
			case string, float64, bool:
				continue
			default:
				return false
			}
		}
		return true
	}
	if tag, _ := prop["x-mcp-type"].(string); tag == "FileData" || tag == "ImageData" {
		if t, _ := prop["type"].(string); t == "" || t == "string" {
			return true
		}
	}
	return false
}

// complexSchemaError is the structured error result surfaced when a
// complex schema is detected on the invoke convenience path: it points the
// caller at the passthrough tool.
type complexSchemaError struct {
	ToolName        string
	PassthroughTool string
}

func (e *complexSchemaError) Error() string {
	return fmt.Sprintf("tool %q has a complex input schema; use %q instead", e.ToolName, e.PassthroughTool)
}

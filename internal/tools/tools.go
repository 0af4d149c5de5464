// Package tools defines the Tool Descriptor data model (spec.md §3) shared
// by the registry, transport adapter, and planner/executor loop.
package tools

// Ident is the strong type for a tool identifier as exposed by a service's
// list_tools RPC (e.g., "create_campaign", "send_batch_emails").
type Ident string

// JSONCodec serializes and deserializes strongly typed values to and from
// JSON. Most tool payloads in this system flow as map[string]any and do not
// go through a JSONCodec.
type JSONCodec[T any] struct {
	ToJSON   func(T) ([]byte, error)
	FromJSON func([]byte) (T, error)
}

// Descriptor is the Tool Descriptor defined in spec.md §3: the metadata a
// service advertises for one of its tools, cached at startup (C7) and
// consulted by the planner/executor loop to classify batch-vs-iterate
// dispatch (spec.md §4.5.3).
type Descriptor struct {
	// Name is the tool identifier as returned by list_tools.
	Name Ident
	// Description is shown to the planner/model as planning context.
	Description string
	// Schema is the tool's declared JSON input shape: a map from property
	// name to a type descriptor (e.g., {"type": "array"}). Only the
	// top-level property types are modeled; this is sufficient for the
	// batch-vs-iterate classification in spec.md §4.5.3.
	Schema map[string]PropertySchema
}

// PropertySchema is a minimal JSON-shape descriptor for one input property.
// Only the fields the planner/executor loop needs are modeled: whether the
// property is an array (candidate batch parameter) and its item type.
type PropertySchema struct {
	Type  string // "string", "number", "boolean", "object", "array"
	Items *PropertySchema
}

// IsArray reports whether the property is declared as a JSON array.
func (p PropertySchema) IsArray() bool { return p.Type == "array" }

// FromSchema converts a tool's raw JSON-schema input shape (as returned by a
// service's list_tools RPC) into a Descriptor, keeping only the top-level
// property types the planner/executor loop needs for batch classification.
func FromSchema(name Ident, description string, raw map[string]any) Descriptor {
	d := Descriptor{Name: name, Description: description}
	props, _ := raw["properties"].(map[string]any)
	if len(props) == 0 {
		return d
	}
	d.Schema = make(map[string]PropertySchema, len(props))
	for propName, rawProp := range props {
		m, ok := rawProp.(map[string]any)
		if !ok {
			continue
		}
		d.Schema[propName] = propertySchemaFromMap(m)
	}
	return d
}

func propertySchemaFromMap(m map[string]any) PropertySchema {
	t, _ := m["type"].(string)
	ps := PropertySchema{Type: t}
	if items, ok := m["items"].(map[string]any); ok {
		child := propertySchemaFromMap(items)
		ps.Items = &child
	}
	return ps
}

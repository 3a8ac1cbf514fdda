package tools

import "github.com/invopop/jsonschema"

// schemaFor reflects the JSON Schema of an argument struct into the
// inline object form function-calling backends expect.
func schemaFor(v any) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  false,
	}
	s := r.Reflect(v)
	s.Version = ""
	s.ID = ""
	return s
}

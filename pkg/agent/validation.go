package agent

import (
	"bytes"
	"encoding/json"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "mem://schema.json"

// CompileJSONSchema compiles schema. An empty schema compiles to nil, which
// accepts every payload.
func CompileJSONSchema(schema []byte) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
}

// validateInstance checks data against a compiled schema. data is normalized
// through JSON first so structs and typed maps validate like decoded input.
func validateInstance(sch *jsonschema.Schema, data any) error {
	if sch == nil {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return err
	}
	return sch.Validate(v)
}

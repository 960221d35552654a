package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaBaseURL = "https://selene.schemas.local/"

// compileSchema compiles a schema declared inline in a catalog file. A nil
// or empty schema compiles to nil, which accepts any object.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaBaseURL + name + ".schema.json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema %s load failed: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
	}
	return compiled, nil
}

// validate checks v against schema after normalizing it to the generic JSON
// shape the validator expects.
func validate(schema *jsonschema.Schema, v any) error {
	if schema == nil {
		return nil
	}
	doc, err := normalize(v)
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

func normalize(v any) (any, error) {
	if v == nil {
		v = map[string]any{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

package optimistic

import (
	"bytes"
	"encoding/json"
	"fmt"

	gjs "github.com/google/jsonschema-go/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaFor derives a payload schema from a Go type. Unknown fields are
// allowed because household payloads carry extra attributes the rules ignore.
func SchemaFor[T any]() []byte {
	s, err := gjs.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("optimistic: schema for %T: %v", *new(T), err))
	}
	s.AdditionalProperties = nil
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("optimistic: marshal schema: %v", err))
	}
	return b
}

// compileSchema compiles a JSON schema held in memory. An empty schema compiles to nil.
func compileSchema(name string, schema []byte) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, err
	}
	url := "mem://" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validatePayload checks a raw payload against a compiled schema. A nil schema accepts anything.
func validatePayload(sch *jsonschema.Schema, payload json.RawMessage) error {
	if sch == nil {
		return nil
	}
	raw := payload
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return sch.Validate(v)
}

package envelope

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// headerSchemaJSON describes the header shape of section 3, giving
// "decoding errors ... are logged and dropped" (section 7) a concrete,
// schema-driven check beyond bare JSON-unmarshal success: a header with
// the wrong types for `retries`/`timeout`, or a `follow`/`after` object
// missing `ids`, is rejected here before it ever reaches the dispatcher.
const headerSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["msg_id"],
	"properties": {
		"msg_id": {"type": "string", "minLength": 1},
		"msg_type": {"type": "string"},
		"targets": {"type": "array", "items": {"type": "string"}},
		"retries": {"type": "integer", "minimum": 0},
		"timeout": {"type": "number", "minimum": 0},
		"dependencies_met": {"type": "boolean"},
		"status": {"type": "string"},
		"after": {"$ref": "#/$defs/depspec"},
		"follow": {"$ref": "#/$defs/depspec"}
	},
	"$defs": {
		"depspec": {
			"type": "object",
			"required": ["ids"],
			"properties": {
				"ids": {"type": "array", "items": {"type": "string"}},
				"all": {"type": "boolean"},
				"success": {"type": "boolean"},
				"failure": {"type": "boolean"}
			}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(headerSchemaJSON)))
		if err != nil {
			schemaErr = fmt.Errorf("envelope: unmarshal schema: %w", err)
			return
		}
		const resource = "mem://header.schema.json"
		if err := c.AddResource(resource, doc); err != nil {
			schemaErr = fmt.Errorf("envelope: add schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile(resource)
	})
	return schema, schemaErr
}

// ValidateHeader checks raw header bytes against the header schema. It is
// called from DecodeHeader, after json.Unmarshal has already proven the
// bytes are well-formed JSON, so ValidateHeader only needs to re-parse for
// the schema library's own generic document representation.
func ValidateHeader(raw []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("envelope: reparse for schema: %w", err)
	}
	if err := s.Validate(inst); err != nil {
		return fmt.Errorf("envelope: schema: %w", err)
	}
	return nil
}

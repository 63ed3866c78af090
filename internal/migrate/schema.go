package migrate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Outbound payload schemas for the destination API. Deliberately loose: they
// pin field types and the handful of required fields, not the remote's whole
// contract, so a mapping bug fails locally instead of burning an upload
// attempt.
var payloadSchemas = map[EntityKind]string{
	KindRequest: `{
		"type": "object",
		"required": ["description"],
		"properties": {
			"title": {"type": "string"},
			"description": {"type": "string"},
			"status_id": {"type": "integer"},
			"priority_id": {"type": "integer"},
			"type_id": {"type": "integer"},
			"department_id": {"type": "integer"},
			"owner_id": {"type": "integer"},
			"user_id": {"type": "integer"},
			"user_email": {"type": "string"},
			"tags": {"type": "array"}
		}
	}`,
	KindContact: `{
		"type": "object",
		"required": ["email"],
		"properties": {
			"name": {"type": "string"},
			"lastname": {"type": "string"},
			"alias": {"type": "string"},
			"email": {"type": "string"},
			"phone": {"type": "string"},
			"website": {"type": "string"},
			"organization": {"type": "string"},
			"organiz_id": {"type": "integer"},
			"status": {"type": "string"},
			"language": {"type": "string"},
			"notifications": {"type": "integer"},
			"group_id": {"type": "integer"},
			"custom_fields": {"type": "array"},
			"password": {"type": "string"}
		}
	}`,
	KindComment: `{
		"type": "object",
		"required": ["text", "user_id"],
		"properties": {
			"text": {"type": "string"},
			"user_id": {"type": "integer"},
			"files": {"type": "array"}
		}
	}`,
	KindAnswer: `{
		"type": "object",
		"required": ["text", "user_id"],
		"properties": {
			"text": {"type": "string"},
			"user_id": {"type": "integer"}
		}
	}`,
}

type PayloadValidator struct {
	schemas map[EntityKind]*jsonschema.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	for kind, schemaText := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaText)))
		if err != nil {
			return nil, fmt.Errorf("schema for %s is malformed: %w", kind, err)
		}
		if err := compiler.AddResource(string(kind)+".json", doc); err != nil {
			return nil, err
		}
	}
	schemas := make(map[EntityKind]*jsonschema.Schema, len(payloadSchemas))
	for kind := range payloadSchemas {
		schema, err := compiler.Compile(string(kind) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compiling schema for %s: %w", kind, err)
		}
		schemas[kind] = schema
	}
	return &PayloadValidator{schemas: schemas}, nil
}

// Validate checks a transformed payload against the kind's schema. Kinds
// without a schema pass. The payload is round-tripped through JSON so the
// validator sees canonical types regardless of how the map was built.
func (v *PayloadValidator) Validate(kind EntityKind, payload map[string]any) error {
	if v == nil {
		return nil
	}
	schema, ok := v.schemas[kind]
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

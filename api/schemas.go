package api

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/whatsgate-project/whatsgate/types"
)

// Request schemas, compiled once at startup. Validation failures never
// reach the session layer.
var (
	createSessionSchema = mustCompile(`{
		"type": "object",
		"required": ["sessionId"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"organizationId": {"type": "string"},
			"funnelId": {"type": "string"}
		}
	}`)

	pairSchema = mustCompile(`{
		"type": "object",
		"required": ["sessionId", "phoneNumber"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"phoneNumber": {"type": "string", "minLength": 1}
		}
	}`)

	sendMessageSchema = mustCompile(`{
		"type": "object",
		"required": ["sessionId", "number", "body"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"number": {"type": "string", "minLength": 1},
			"body": {"type": "string"}
		}
	}`)
)

func mustCompile(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(err)
	}
	return schema
}

func validate(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return types.NewValidationError(types.ErrCodeInvalidField, "body", "invalid JSON body")
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return types.NewValidationError(types.ErrCodeMissingField, first.Field(), first.Description())
	}
	return nil
}

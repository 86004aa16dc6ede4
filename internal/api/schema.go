package api

import "github.com/xeipuuv/gojsonschema"

// ProcessRequestSchemaDefinition is the JSON schema for POST /process's
// body, compiled once at startup the way the teacher precompiles its
// TranscodeSegment/UploadVOD schemas in handlers/json_schema.go.
const ProcessRequestSchemaDefinition = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["items"],
	"properties": {
		"items": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["platform", "code"],
				"properties": {
					"platform": {"type": "string", "minLength": 1},
					"code": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

var processRequestSchema = compileSchema(ProcessRequestSchemaDefinition)

func compileSchema(text string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
	if err != nil {
		panic(err)
	}
	return schema
}

package task

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/jsonval"
)

// The worker accepts either a list of field objects with a name, or an
// object mapping field names to descriptions.
const fieldsSchemaText = `{
  "oneOf": [
    {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {"name": {"type": "string", "minLength": 1}}
      }
    },
    {"type": "object", "minProperties": 1}
  ]
}`

var fieldsSchema = jsonschema.MustCompileString("extract_fields.json", fieldsSchemaText)

// ValidateFields checks the shape of a field schema before it is stored.
func ValidateFields(fields jsonval.Value) error {
	if fields.IsNull() {
		return common.InvalidInput("extract fields are required")
	}
	if err := fieldsSchema.Validate(fields.Interface()); err != nil {
		return common.NewAppError("INVALID_INPUT", fmt.Sprintf("extract fields: %v", err), common.ErrValidation)
	}
	return nil
}

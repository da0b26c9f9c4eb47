// internal/common/validation/metaschema.go
package validation

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	apperrors "sheetbridge/internal/common/errors"
)

// contractMetaSchema describes a valid contract document.
const contractMetaSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "columns": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "type": {"enum": ["string", "number", "integer", "boolean", "date", "datetime"]},
          "required": {"type": "boolean"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var metaSchema = gojsonschema.NewStringLoader(contractMetaSchema)

// CheckContractDocument validates a raw contract document. Failures wrap
// ErrBadRequest and list every schema violation.
func CheckContractDocument(doc []byte) error {
	result, err := gojsonschema.Validate(metaSchema, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: contract is not valid JSON: %v", apperrors.ErrBadRequest, err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("%w: invalid contract: %s", apperrors.ErrBadRequest, strings.Join(errs, "; "))
	}
	return nil
}

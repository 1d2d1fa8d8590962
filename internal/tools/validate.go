package tools

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateArgs checks model-supplied arguments against the tool's input
// schema. A schema violation is an INVALID_ARGS tool error fed back to the
// model, not a turn failure.
func ValidateArgs(def Definition, args map[string]any) *ToolError {
	if len(def.InputSchema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	schemaLoader := gojsonschema.NewBytesLoader(def.InputSchema)
	docLoader := gojsonschema.NewGoLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return NewToolError(ErrorCodeInvalidArgs, "argument validation failed: "+err.Error())
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return NewToolError(ErrorCodeInvalidArgs, "invalid arguments: "+strings.Join(problems, "; "))
}

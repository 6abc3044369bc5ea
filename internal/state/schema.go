package state

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/user/agentrail/internal/types"
)

//go:embed schema/canonical_event.schema.json
var canonicalEventSchema []byte

// eventSchema checks serialized events against the canonical event schema
// before they reach disk.
type eventSchema struct {
	schema *jsonschema.Schema
}

func newEventSchema() (*eventSchema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(canonicalEventSchema)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &eventSchema{schema: schema}, nil
}

func (s *eventSchema) validate(data []byte) error {
	result := s.schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	reasons := make([]string, 0, len(result.Errors))
	for field, evalErr := range result.Errors {
		reasons = append(reasons, fmt.Sprintf("%s: %v", field, evalErr))
	}
	sort.Strings(reasons)
	return &types.SchemaValidationError{Reason: strings.Join(reasons, "; ")}
}

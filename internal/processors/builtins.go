// Package processors provides the built-in transform implementations.
//
// These are deliberately thin: the pipeline treats artifact content as
// opaque, so each processor wraps the source payload into the envelope
// the next stage expects. Production deployments replace them by
// registering their own processors under the same names.
package processors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fulcrumlabs/stagegate/internal/domain"
	"github.com/fulcrumlabs/stagegate/internal/stage"
	"github.com/fulcrumlabs/stagegate/internal/transform"
)

// RegisterBuiltins registers the default processors for every transform
// named by the default stage table. Call once at startup.
func RegisterBuiltins() {
	transform.Register(transform.Processor{
		Name:        stage.TransformExtractDomainModel,
		Description: "Derives the domain model document from the root specification",
		Run:         derive("domain_model", "source_spec"),
	})
	transform.Register(transform.Processor{
		Name:        stage.TransformGenerateAPISpec,
		Description: "Derives the API specification from the domain model",
		Run:         derive("api_spec", "domain_model"),
	})
	transform.Register(transform.Processor{
		Name:        stage.TransformGenerateInterfaceSpec,
		Description: "Derives the interface description from the API specification",
		Run:         derive("interface_spec", "api_spec"),
	})
	transform.Register(transform.Processor{
		Name:        stage.TransformGenerateSchemas,
		Description: "Derives the validation and storage schemas from the interface description",
		Run:         generateSchemas,
	})
}

// derive returns a processor body that wraps the input payload into a
// derived-document envelope.
func derive(kind, sourceKey string) func(context.Context, json.RawMessage) (json.RawMessage, error) {
	return func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		if !json.Valid(input) {
			return nil, domain.ErrValidation(fmt.Sprintf("%s input is not valid JSON", kind))
		}

		out, err := json.Marshal(map[string]json.RawMessage{
			"kind":    json.RawMessage(fmt.Sprintf("%q", kind)),
			sourceKey: input,
		})
		if err != nil {
			return nil, domain.ErrExecutionFailure(fmt.Sprintf("marshaling %s output", kind), err.Error())
		}
		return out, nil
	}
}

// generateSchemas is the branch transform: one call produces both schema
// payloads, keyed by successor artifact type.
func generateSchemas(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	if !json.Valid(input) {
		return nil, domain.ErrValidation("schema generator input is not valid JSON")
	}

	validation, err := json.Marshal(map[string]json.RawMessage{
		"kind":           json.RawMessage(`"validation_schema"`),
		"interface_spec": input,
	})
	if err != nil {
		return nil, domain.ErrExecutionFailure("marshaling validation schema", err.Error())
	}

	storageSchema, err := json.Marshal(map[string]json.RawMessage{
		"kind":           json.RawMessage(`"storage_schema"`),
		"interface_spec": input,
	})
	if err != nil {
		return nil, domain.ErrExecutionFailure("marshaling storage schema", err.Error())
	}

	out, err := json.Marshal(map[string]json.RawMessage{
		string(domain.TypeValidationSchema): validation,
		string(domain.TypeStorageSchema):    storageSchema,
	})
	if err != nil {
		return nil, domain.ErrExecutionFailure("marshaling schema fan-out", err.Error())
	}
	return out, nil
}

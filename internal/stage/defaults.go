package stage

import "github.com/fulcrumlabs/stagegate/internal/domain"

// Transform names dispatched between stages.
const (
	TransformExtractDomainModel    = "extract_domain_model"
	TransformGenerateAPISpec       = "generate_api_spec"
	TransformGenerateInterfaceSpec = "generate_interface_spec"
	TransformGenerateSchemas       = "generate_schemas"
)

// Defaults returns the built-in six-stage pipeline used when no stage
// table is configured.
func Defaults() []Stage {
	return []Stage{
		{
			Order:             0,
			Type:              domain.TypeRootSpec,
			Title:             "Root Specification",
			RequiredApprovals: 1,
			Approvers:         []string{"product-lead"},
			Successors:        []domain.ArtifactType{domain.TypeDomainModel},
			Transform:         TransformExtractDomainModel,
		},
		{
			Order:             1,
			Type:              domain.TypeDomainModel,
			Title:             "Domain Model",
			RequiredApprovals: 1,
			Approvers:         []string{"domain-architect"},
			Successors:        []domain.ArtifactType{domain.TypeAPISpec},
			Transform:         TransformGenerateAPISpec,
		},
		{
			Order:             2,
			Type:              domain.TypeAPISpec,
			Title:             "API Specification",
			RequiredApprovals: 2,
			Approvers:         []string{"api-architect", "tech-lead"},
			Successors:        []domain.ArtifactType{domain.TypeInterfaceSpec},
			Transform:         TransformGenerateInterfaceSpec,
		},
		{
			Order:             3,
			Type:              domain.TypeInterfaceSpec,
			Title:             "Interface Description",
			RequiredApprovals: 1,
			Approvers:         []string{"tech-lead"},
			Successors:        []domain.ArtifactType{domain.TypeValidationSchema, domain.TypeStorageSchema},
			Transform:         TransformGenerateSchemas,
		},
		{
			Order:             4,
			Type:              domain.TypeValidationSchema,
			Title:             "Validation Schema",
			RequiredApprovals: 2,
			Approvers:         []string{"qa-lead", "tech-lead"},
		},
		{
			Order:             5,
			Type:              domain.TypeStorageSchema,
			Title:             "Storage Schema",
			RequiredApprovals: 2,
			Approvers:         []string{"data-engineer", "tech-lead"},
		},
	}
}

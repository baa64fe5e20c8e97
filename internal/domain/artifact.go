// Package domain provides the canonical types for the artifact pipeline.
package domain

import (
	"encoding/json"
	"time"
)

// ArtifactType identifies which pipeline stage produced an artifact.
// Exactly one stage is configured per type.
type ArtifactType string

const (
	TypeRootSpec         ArtifactType = "ROOT_SPEC"
	TypeDomainModel      ArtifactType = "DOMAIN_MODEL"
	TypeAPISpec          ArtifactType = "API_SPEC"
	TypeInterfaceSpec    ArtifactType = "INTERFACE_SPEC"
	TypeValidationSchema ArtifactType = "VALIDATION_SCHEMA"
	TypeStorageSchema    ArtifactType = "STORAGE_SCHEMA"
)

// ArtifactTypes returns all artifact types in pipeline order.
func ArtifactTypes() []ArtifactType {
	return []ArtifactType{
		TypeRootSpec,
		TypeDomainModel,
		TypeAPISpec,
		TypeInterfaceSpec,
		TypeValidationSchema,
		TypeStorageSchema,
	}
}

// IsValid reports whether t is one of the known artifact types.
func (t ArtifactType) IsValid() bool {
	switch t {
	case TypeRootSpec, TypeDomainModel, TypeAPISpec, TypeInterfaceSpec,
		TypeValidationSchema, TypeStorageSchema:
		return true
	}
	return false
}

// ArtifactStatus is the lifecycle state of an artifact.
// APPROVED, REJECTED, and FAILED are terminal.
type ArtifactStatus string

const (
	StatusDraft           ArtifactStatus = "DRAFT"
	StatusPendingApproval ArtifactStatus = "PENDING_APPROVAL"
	StatusApproved        ArtifactStatus = "APPROVED"
	StatusRejected        ArtifactStatus = "REJECTED"
	StatusFailed          ArtifactStatus = "FAILED"
)

// Terminal reports whether no further status transitions are allowed.
func (s ArtifactStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusFailed
}

// Artifact is a versioned document produced at one pipeline stage and
// consumed as input to the next. Status is mutated only by the engine's
// quorum evaluation; the content itself is opaque to the pipeline.
type Artifact struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      ArtifactType    `json:"type"`
	Content   json.RawMessage `json:"content"`
	Status    ArtifactStatus  `json:"status"`
	CreatedBy string          `json:"created_by"`
	// ParentID references the artifact this one was derived from.
	// Empty for the root artifact.
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApprovalStatus is the state of a single stakeholder's approval record.
// Once a record leaves PENDING it is immutable.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// IsDecision reports whether s is a valid terminal decision.
func (s ApprovalStatus) IsDecision() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// Approval is one stakeholder's recorded decision on an artifact.
// At most one record exists per (artifact, stakeholder) pair.
type Approval struct {
	ID            string         `json:"id"`
	ArtifactID    string         `json:"artifact_id"`
	StakeholderID string         `json:"stakeholder_id"`
	Status        ApprovalStatus `json:"status"`
	Comment       string         `json:"comment,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Completion records that both sibling artifacts produced by the branch
// stage reached APPROVED. At most one exists per parent artifact; the
// store guarantees the first insert wins.
type Completion struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id"`
	SiblingA  string    `json:"sibling_a"`
	SiblingB  string    `json:"sibling_b"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// CompletionStatusCompleted is the terminal status written by finalize.
const CompletionStatusCompleted = "COMPLETED"

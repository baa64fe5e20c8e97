// Package stage provides the read-only pipeline stage configuration table.
package stage

import (
	"context"
	"fmt"
	"sort"

	"github.com/fulcrumlabs/stagegate/internal/domain"
)

// Stage binds an artifact type to its required approvals, approver set,
// and successor type(s). Configuration is read-only at run time.
type Stage struct {
	// Order is the stage's position in the pipeline, strictly increasing.
	Order int

	// Type is the artifact type this stage governs. Exactly one stage
	// exists per type.
	Type domain.ArtifactType

	// Title is the human-readable stage name, used to derive child
	// artifact names.
	Title string

	// RequiredApprovals is the quorum threshold. Always positive.
	RequiredApprovals int

	// Approvers is the static stakeholder assignment consumed by the
	// default resolver. A custom ApproverResolver may ignore it.
	Approvers []string

	// Successors lists the artifact type(s) produced once this stage's
	// artifact is approved: zero for terminal stages, one for a linear
	// step, two only at the branch stage.
	Successors []domain.ArtifactType

	// Transform names the processor that derives the successor
	// payload(s) from this stage's artifact content. Empty for terminal
	// stages.
	Transform string
}

// IsBranch reports whether this stage fans out into two sibling artifacts.
func (s Stage) IsBranch() bool {
	return len(s.Successors) == 2
}

// ApproverResolver selects the stakeholders whose approval a stage
// requires. Decoupled from stage lookup so assignment policy can change
// without touching the stage table.
type ApproverResolver interface {
	Resolve(ctx context.Context, s Stage) ([]string, error)
}

// StaticResolver resolves approvers from the stage's configured set.
type StaticResolver struct{}

func (StaticResolver) Resolve(_ context.Context, s Stage) ([]string, error) {
	if len(s.Approvers) == 0 {
		return nil, domain.ErrConfig(fmt.Sprintf("stage %s has no approvers configured", s.Type))
	}
	return s.Approvers, nil
}

// Registry is the keyed stage configuration table. Lookup by type is a
// map access, invoked on every approval-check and creation event.
type Registry struct {
	byType  map[domain.ArtifactType]Stage
	byOrder []Stage
}

// NewRegistry validates the stage table and builds the lookup structures.
func NewRegistry(stages []Stage) (*Registry, error) {
	if len(stages) == 0 {
		return nil, domain.ErrConfig("no pipeline stages configured")
	}

	sorted := make([]Stage, len(stages))
	copy(sorted, stages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	byType := make(map[domain.ArtifactType]Stage, len(sorted))
	for i, s := range sorted {
		if !s.Type.IsValid() {
			return nil, domain.ErrUnknownType(s.Type)
		}
		if _, dup := byType[s.Type]; dup {
			return nil, domain.ErrConfig(fmt.Sprintf("artifact type %s mapped to more than one stage", s.Type))
		}
		if i > 0 && sorted[i-1].Order == s.Order {
			return nil, domain.ErrConfig(fmt.Sprintf("stages %s and %s share order index %d", sorted[i-1].Type, s.Type, s.Order))
		}
		if s.RequiredApprovals <= 0 {
			return nil, domain.ErrConfig(fmt.Sprintf("stage %s requires a positive approval count", s.Type))
		}
		// An empty approver set defers to a custom resolver; a non-empty
		// one is the quorum pool and must be able to reach the threshold.
		if len(s.Approvers) > 0 && s.RequiredApprovals > len(s.Approvers) {
			return nil, domain.ErrConfig(fmt.Sprintf(
				"stage %s requires %d approvals but assigns only %d approvers", s.Type, s.RequiredApprovals, len(s.Approvers)))
		}
		if len(s.Successors) > 2 {
			return nil, domain.ErrConfig(fmt.Sprintf("stage %s has %d successors, at most 2 allowed", s.Type, len(s.Successors)))
		}
		if len(s.Successors) > 0 && s.Transform == "" {
			return nil, domain.ErrConfig(fmt.Sprintf("stage %s has successors but no transform", s.Type))
		}
		byType[s.Type] = s
	}

	// Every type the pipeline can produce must have a stage, and every
	// successor must point at a configured stage.
	for _, t := range domain.ArtifactTypes() {
		if _, ok := byType[t]; !ok {
			return nil, domain.ErrConfig(fmt.Sprintf("artifact type %s has no configured stage", t))
		}
	}
	for _, s := range sorted {
		for _, succ := range s.Successors {
			next, ok := byType[succ]
			if !ok {
				return nil, domain.ErrConfig(fmt.Sprintf("stage %s names unconfigured successor %s", s.Type, succ))
			}
			if next.Order <= s.Order {
				return nil, domain.ErrConfig(fmt.Sprintf("successor %s of stage %s does not advance the pipeline", succ, s.Type))
			}
		}
	}

	return &Registry{byType: byType, byOrder: sorted}, nil
}

// ByType returns the stage governing the given artifact type. An unknown
// type is a deployment misconfiguration: fatal, never retried.
func (r *Registry) ByType(t domain.ArtifactType) (Stage, error) {
	s, ok := r.byType[t]
	if !ok {
		return Stage{}, domain.ErrUnknownType(t)
	}
	return s, nil
}

// ByOrder returns the Nth stage in pipeline order.
func (r *Registry) ByOrder(index int) (Stage, error) {
	if index < 0 || index >= len(r.byOrder) {
		return Stage{}, domain.ErrConfig(fmt.Sprintf("stage index %d out of range [0,%d)", index, len(r.byOrder))).
			WithCode(domain.CodeIndexOutOfRange)
	}
	return r.byOrder[index], nil
}

// Len returns the number of configured stages.
func (r *Registry) Len() int {
	return len(r.byOrder)
}

// Stages returns the stage table in pipeline order.
func (r *Registry) Stages() []Stage {
	out := make([]Stage, len(r.byOrder))
	copy(out, r.byOrder)
	return out
}

// Package memory provides an in-memory store for tests and single-process
// development runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fulcrumlabs/stagegate/internal/domain"
	"github.com/fulcrumlabs/stagegate/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu          sync.RWMutex
	artifacts   map[string]*domain.Artifact
	approvals   map[string]*domain.Approval
	approvalKey map[string]string // (artifactID, stakeholderID) -> approval id
	completions map[string]*domain.Completion
	events      []*storage.Event
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		artifacts:   make(map[string]*domain.Artifact),
		approvals:   make(map[string]*domain.Approval),
		approvalKey: make(map[string]string),
		completions: make(map[string]*domain.Completion),
	}
}

func pairKey(artifactID, stakeholderID string) string {
	return artifactID + "\x00" + stakeholderID
}

func (s *Store) CreateArtifact(ctx context.Context, art *domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.artifacts[art.ID]; exists {
		return domain.ErrConflict(fmt.Sprintf("artifact %s already exists", art.ID))
	}

	art.CreatedAt = time.Now()
	art.UpdatedAt = art.CreatedAt

	cp := *art
	s.artifacts[art.ID] = &cp
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (*domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	art, exists := s.artifacts[id]
	if !exists {
		return nil, domain.ErrNotFound(fmt.Sprintf("artifact %s not found", id))
	}

	cp := *art
	return &cp, nil
}

func (s *Store) UpdateArtifactStatus(ctx context.Context, id string, from, to domain.ArtifactStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	art, exists := s.artifacts[id]
	if !exists {
		return domain.ErrNotFound(fmt.Sprintf("artifact %s not found", id))
	}
	if art.Status != from {
		return domain.ErrConflict(fmt.Sprintf("artifact %s is %s, not %s", id, art.Status, from)).
			WithCode(domain.CodeTerminalStatus)
	}

	art.Status = to
	art.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ListChildren(ctx context.Context, parentID string, typ domain.ArtifactType) ([]*domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Artifact
	for _, art := range s.artifacts {
		if art.ParentID == parentID && art.Type == typ {
			cp := *art
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *Store) CreateApproval(ctx context.Context, appr *domain.Approval) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(appr.ArtifactID, appr.StakeholderID)
	if _, exists := s.approvalKey[key]; exists {
		return false, nil
	}

	appr.CreatedAt = time.Now()
	appr.UpdatedAt = appr.CreatedAt

	cp := *appr
	s.approvals[appr.ID] = &cp
	s.approvalKey[key] = appr.ID
	return true, nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*domain.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	appr, exists := s.approvals[id]
	if !exists {
		return nil, domain.ErrNotFound(fmt.Sprintf("approval %s not found", id))
	}

	cp := *appr
	return &cp, nil
}

func (s *Store) ListApprovalsByArtifact(ctx context.Context, artifactID string) ([]*domain.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Approval
	for _, appr := range s.approvals {
		if appr.ArtifactID == artifactID {
			cp := *appr
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *Store) UpdateApprovalDecision(ctx context.Context, id string, decision domain.ApprovalStatus, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	appr, exists := s.approvals[id]
	if !exists {
		return domain.ErrNotFound(fmt.Sprintf("approval %s not found", id))
	}
	if appr.Status != domain.ApprovalPending {
		return domain.ErrApprovalConflict(id)
	}

	appr.Status = decision
	appr.Comment = comment
	appr.UpdatedAt = time.Now()
	return nil
}

func (s *Store) CreateCompletion(ctx context.Context, c *domain.Completion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.completions[c.ParentID]; exists {
		return false, nil
	}

	c.CreatedAt = time.Now()
	cp := *c
	s.completions[c.ParentID] = &cp
	return true, nil
}

func (s *Store) GetCompletionByParent(ctx context.Context, parentID string) (*domain.Completion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.completions[parentID]
	if !exists {
		return nil, domain.ErrNotFound(fmt.Sprintf("no completion for parent %s", parentID))
	}

	cp := *c
	return &cp, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev *storage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *Store) ListEventsByArtifact(ctx context.Context, artifactID string) ([]*storage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Event
	for _, ev := range s.events {
		if ev.ArtifactID == artifactID {
			cp := *ev
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *Store) Close() error {
	return nil
}

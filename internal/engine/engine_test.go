package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/fulcrumlabs/stagegate/internal/domain"
	"github.com/fulcrumlabs/stagegate/internal/stage"
	"github.com/fulcrumlabs/stagegate/internal/storage/memory"
	"github.com/fulcrumlabs/stagegate/internal/transform"
)

// testDispatcher mimics the built-in processors without touching the
// process-wide registry: linear transforms wrap the input, the schema
// transform fans out into both successor payloads.
func testDispatcher() transform.Dispatcher {
	return transform.Func(func(_ context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
		if name == stage.TransformGenerateSchemas {
			return json.Marshal(map[string]json.RawMessage{
				string(domain.TypeValidationSchema): input,
				string(domain.TypeStorageSchema):    input,
			})
		}
		return json.Marshal(map[string]json.RawMessage{"derived_from": input})
	})
}

func newTestEngine(t *testing.T, d transform.Dispatcher) (*Engine, *memory.Store) {
	t.Helper()

	store := memory.New()
	reg, err := stage.NewRegistry(stage.Defaults())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if d == nil {
		d = testDispatcher()
	}

	eng, err := New(Config{
		Store:      store,
		Stages:     reg,
		Dispatcher: d,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return eng, store
}

func approveAll(t *testing.T, eng *Engine, artifactID string) *domain.Artifact {
	t.Helper()
	ctx := context.Background()

	records, err := eng.store.ListApprovalsByArtifact(ctx, artifactID)
	if err != nil {
		t.Fatalf("ListApprovalsByArtifact() error = %v", err)
	}

	var art *domain.Artifact
	for _, appr := range records {
		if appr.Status != domain.ApprovalPending {
			continue
		}
		art, err = eng.RecordDecision(ctx, artifactID, appr.StakeholderID, domain.ApprovalApproved, "")
		if err != nil {
			t.Fatalf("RecordDecision(%s) error = %v", appr.StakeholderID, err)
		}
	}
	return art
}

func TestStartRunSeedsApprovals(t *testing.T) {
	// Scenario 1, first half: root stage requires 1 approval; after
	// seeding exactly one PENDING approval exists.
	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	root, err := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{"prd":"..."}`), "alice")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if root.Type != domain.TypeRootSpec {
		t.Errorf("Type = %s, want %s", root.Type, domain.TypeRootSpec)
	}
	if root.Status != domain.StatusPendingApproval {
		t.Errorf("Status = %s, want %s", root.Status, domain.StatusPendingApproval)
	}
	if root.CreatedBy != "alice" {
		t.Errorf("CreatedBy = %s, want alice", root.CreatedBy)
	}

	approvals, err := store.ListApprovalsByArtifact(ctx, root.ID)
	if err != nil {
		t.Fatalf("ListApprovalsByArtifact() error = %v", err)
	}
	if len(approvals) != 1 {
		t.Fatalf("approvals = %d, want 1", len(approvals))
	}
	if approvals[0].Status != domain.ApprovalPending {
		t.Errorf("approval status = %s, want PENDING", approvals[0].Status)
	}
}

func TestStartRunValidation(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := eng.StartRun(ctx, "", json.RawMessage(`{}`), ""); !domain.IsKind(err, domain.KindValidation) {
		t.Errorf("StartRun(no name) error = %v, want validation", err)
	}
	if _, err := eng.StartRun(ctx, "x", json.RawMessage(`{oops`), ""); !domain.IsKind(err, domain.KindValidation) {
		t.Errorf("StartRun(bad content) error = %v, want validation", err)
	}
}

func TestSingleApprovalAdvancesPipeline(t *testing.T) {
	// Scenario 1, second half: one APPROVED decision reaches quorum and
	// exactly one DOMAIN_MODEL child appears with parentId = root id.
	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	root, err := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{"prd":"..."}`), "")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	updated, err := eng.RecordDecision(ctx, root.ID, "product-lead", domain.ApprovalApproved, "ship it")
	if err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}
	if updated.Status != domain.StatusApproved {
		t.Errorf("root status = %s, want APPROVED", updated.Status)
	}

	children, err := store.ListChildren(ctx, root.ID, domain.TypeDomainModel)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("domain model children = %d, want 1", len(children))
	}
	if children[0].ParentID != root.ID {
		t.Errorf("ParentID = %s, want %s", children[0].ParentID, root.ID)
	}
	if children[0].Status != domain.StatusPendingApproval {
		t.Errorf("child status = %s, want PENDING_APPROVAL", children[0].Status)
	}
	if children[0].CreatedBy != DefaultIdentity {
		t.Errorf("child CreatedBy = %s, want %s", children[0].CreatedBy, DefaultIdentity)
	}
}

func TestTwoApprovalQuorum(t *testing.T) {
	// Scenario 2: an API_SPEC stage artifact requires 2 approvals; the
	// first decision leaves it pending, the second approves it.
	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	root, err := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	approveAll(t, eng, root.ID)

	model, _ := store.ListChildren(ctx, root.ID, domain.TypeDomainModel)
	approveAll(t, eng, model[0].ID)

	apiSpecs, _ := store.ListChildren(ctx, model[0].ID, domain.TypeAPISpec)
	if len(apiSpecs) != 1 {
		t.Fatalf("api spec children = %d, want 1", len(apiSpecs))
	}
	api := apiSpecs[0]

	after1, err := eng.RecordDecision(ctx, api.ID, "api-architect", domain.ApprovalApproved, "")
	if err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}
	if after1.Status != domain.StatusPendingApproval {
		t.Errorf("status after 1/2 approvals = %s, want PENDING_APPROVAL", after1.Status)
	}

	after2, err := eng.RecordDecision(ctx, api.ID, "tech-lead", domain.ApprovalApproved, "")
	if err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}
	if after2.Status != domain.StatusApproved {
		t.Errorf("status after 2/2 approvals = %s, want APPROVED", after2.Status)
	}
}

func TestRejectionVoteDoesNotRejectArtifact(t *testing.T) {
	// Scenario 3: a REJECTED vote is tallied but the artifact stays
	// AWAITING_APPROVAL until the explicit reject action.
	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	root, err := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	approveAll(t, eng, root.ID)
	model, _ := store.ListChildren(ctx, root.ID, domain.TypeDomainModel)
	approveAll(t, eng, model[0].ID)
	apiSpecs, _ := store.ListChildren(ctx, model[0].ID, domain.TypeAPISpec)
	api := apiSpecs[0]

	after, err := eng.RecordDecision(ctx, api.ID, "api-architect", domain.ApprovalRejected, "needs rework")
	if err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}
	if after.Status != domain.StatusPendingApproval {
		t.Errorf("status after rejection vote = %s, want PENDING_APPROVAL", after.Status)
	}

	ok, tally, err := eng.Ledger().Quorum(ctx, api.ID, 2)
	if err != nil {
		t.Fatalf("Quorum() error = %v", err)
	}
	if ok {
		t.Error("quorum true with only a rejection")
	}
	if tally.Rejected != 1 || tally.Approved != 0 {
		t.Errorf("tally = %+v, want 1 rejected, 0 approved", tally)
	}
}

func TestExplicitReject(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	root, err := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	rejected, err := eng.RejectArtifact(ctx, root.ID, "product-lead", "wrong direction")
	if err != nil {
		t.Fatalf("RejectArtifact() error = %v", err)
	}
	if rejected.Status != domain.StatusRejected {
		t.Errorf("status = %s, want REJECTED", rejected.Status)
	}

	// REJECTED is terminal: further decisions are refused.
	_, err = eng.RecordDecision(ctx, root.ID, "product-lead", domain.ApprovalApproved, "")
	if !domain.IsKind(err, domain.KindConflict) {
		t.Errorf("RecordDecision() on rejected artifact error = %v, want conflict", err)
	}

	// And so is a second reject.
	if _, err := eng.RejectArtifact(ctx, root.ID, "", "again"); !domain.IsKind(err, domain.KindConflict) {
		t.Errorf("second RejectArtifact() error = %v, want conflict", err)
	}
}

func TestRejectDuringDispatchDiscardsResult(t *testing.T) {
	// A reject landing while the transform is in flight cancels the
	// branch: the artifact moves APPROVED to REJECTED and the transform
	// result is discarded without deriving a child.
	var (
		eng    *Engine
		rootID string
	)
	d := transform.Func(func(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
		if _, err := eng.RejectArtifact(ctx, rootID, "", "superseded mid-flight"); err != nil {
			t.Errorf("RejectArtifact() during dispatch error = %v", err)
		}
		return testDispatcher().Invoke(ctx, name, input)
	})
	built, store := newTestEngine(t, d)
	eng = built
	ctx := context.Background()

	root, err := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	rootID = root.ID

	after, err := eng.RecordDecision(ctx, rootID, "product-lead", domain.ApprovalApproved, "")
	if err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}
	if after.Status != domain.StatusRejected {
		t.Errorf("status = %s, want REJECTED", after.Status)
	}

	children, err := store.ListChildren(ctx, rootID, domain.TypeDomainModel)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	if len(children) != 0 {
		t.Errorf("children = %d, want 0 after cancellation", len(children))
	}
}

func TestDecisionOnTerminalArtifact(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	root, _ := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{}`), "")
	if _, err := eng.RecordDecision(ctx, root.ID, "product-lead", domain.ApprovalApproved, ""); err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}

	_, err := eng.RecordDecision(ctx, root.ID, "product-lead", domain.ApprovalApproved, "")
	if !domain.IsKind(err, domain.KindConflict) {
		t.Errorf("second decision error = %v, want conflict", err)
	}
}

func TestDecisionUnknownStakeholder(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	root, _ := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{}`), "")
	_, err := eng.RecordDecision(ctx, root.ID, "stranger", domain.ApprovalApproved, "")
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("RecordDecision(stranger) error = %v, want not found", err)
	}
}

func TestDispatchIdempotence(t *testing.T) {
	// Re-running advancement for the same parent never creates a second
	// child of the target type.
	invocations := 0
	d := transform.Func(func(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
		invocations++
		return testDispatcher().Invoke(ctx, name, input)
	})

	eng, store := newTestEngine(t, d)
	ctx := context.Background()

	root, _ := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{}`), "")
	if _, err := eng.RecordDecision(ctx, root.ID, "product-lead", domain.ApprovalApproved, ""); err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}

	if err := eng.Resume(ctx, root.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if err := eng.Resume(ctx, root.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	children, _ := store.ListChildren(ctx, root.ID, domain.TypeDomainModel)
	if len(children) != 1 {
		t.Errorf("children = %d, want 1 after replays", len(children))
	}
	if invocations != 1 {
		t.Errorf("transform invocations = %d, want 1 (replays deduplicated)", invocations)
	}
}

func TestTransformFailureMarksArtifactFailed(t *testing.T) {
	d := transform.Func(func(_ context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
		return nil, domain.ErrExecutionFailure("transform service down", "exit 1").
			WithCode(domain.CodeRetriesExceeded)
	})
	eng, store := newTestEngine(t, d)
	ctx := context.Background()

	root, _ := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{}`), "")
	_, err := eng.RecordDecision(ctx, root.ID, "product-lead", domain.ApprovalApproved, "")
	if !domain.IsKind(err, domain.KindExecutionFailure) {
		t.Fatalf("RecordDecision() error = %v, want execution failure", err)
	}

	art, _ := store.GetArtifact(ctx, root.ID)
	if art.Status != domain.StatusFailed {
		t.Errorf("status = %s, want FAILED", art.Status)
	}

	children, _ := store.ListChildren(ctx, root.ID, domain.TypeDomainModel)
	if len(children) != 0 {
		t.Errorf("children = %d, want 0 after failure", len(children))
	}
}

func TestRetryTransformAfterFailure(t *testing.T) {
	healthy := false
	d := transform.Func(func(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
		if !healthy {
			return nil, domain.ErrExecutionFailure("still down", "")
		}
		return testDispatcher().Invoke(ctx, name, input)
	})
	eng, store := newTestEngine(t, d)
	ctx := context.Background()

	root, _ := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{}`), "")
	if _, err := eng.RecordDecision(ctx, root.ID, "product-lead", domain.ApprovalApproved, ""); err == nil {
		t.Fatal("RecordDecision() error = nil, want execution failure")
	}

	healthy = true
	retried, err := eng.RetryTransform(ctx, root.ID)
	if err != nil {
		t.Fatalf("RetryTransform() error = %v", err)
	}
	if retried.Status != domain.StatusApproved {
		t.Errorf("status after retry = %s, want APPROVED", retried.Status)
	}

	children, _ := store.ListChildren(ctx, root.ID, domain.TypeDomainModel)
	if len(children) != 1 {
		t.Errorf("children = %d, want 1 after retry", len(children))
	}
}

func TestRetryTransformOnPendingArtifact(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	root, _ := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{}`), "")
	_, err := eng.RetryTransform(ctx, root.ID)
	if !domain.IsKind(err, domain.KindConflict) {
		t.Errorf("RetryTransform() on pending artifact error = %v, want conflict", err)
	}
}

func TestBranchOutputMissingPayloadIsFatal(t *testing.T) {
	d := transform.Func(func(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
		if name == stage.TransformGenerateSchemas {
			// Branch contract violation: only one payload.
			return json.Marshal(map[string]json.RawMessage{
				string(domain.TypeValidationSchema): input,
			})
		}
		return testDispatcher().Invoke(ctx, name, input)
	})
	eng, store := newTestEngine(t, d)
	ctx := context.Background()

	branch := driveToBranch(t, eng, store)
	_, err := eng.RecordDecision(ctx, branch.ID, "tech-lead", domain.ApprovalApproved, "")
	if !domain.IsKind(err, domain.KindOutputParse) {
		t.Fatalf("RecordDecision() error = %v, want output parse", err)
	}

	// Fatal contract violations do not mark the artifact FAILED.
	art, _ := store.GetArtifact(ctx, branch.ID)
	if art.Status != domain.StatusApproved {
		t.Errorf("status = %s, want APPROVED", art.Status)
	}
}

// driveToBranch approves every stage up to and including API_SPEC and
// returns the INTERFACE_SPEC artifact awaiting approval.
func driveToBranch(t *testing.T, eng *Engine, store *memory.Store) *domain.Artifact {
	t.Helper()
	ctx := context.Background()

	root, err := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{"prd":"x"}`), "")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	approveAll(t, eng, root.ID)

	models, _ := store.ListChildren(ctx, root.ID, domain.TypeDomainModel)
	approveAll(t, eng, models[0].ID)

	apis, _ := store.ListChildren(ctx, models[0].ID, domain.TypeAPISpec)
	approveAll(t, eng, apis[0].ID)

	specs, _ := store.ListChildren(ctx, apis[0].ID, domain.TypeInterfaceSpec)
	if len(specs) != 1 {
		t.Fatalf("interface specs = %d, want 1", len(specs))
	}
	return specs[0]
}

func TestResumeDraftArtifact(t *testing.T) {
	// Simulates a crash between artifact creation and activation.
	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	art := &domain.Artifact{
		ID:        "stuck-draft",
		Name:      "Checkout Flow",
		Type:      domain.TypeRootSpec,
		Content:   json.RawMessage(`{}`),
		Status:    domain.StatusDraft,
		CreatedBy: "api",
	}
	if err := store.CreateArtifact(ctx, art); err != nil {
		t.Fatalf("CreateArtifact() error = %v", err)
	}

	if err := eng.Resume(ctx, art.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	resumed, _ := store.GetArtifact(ctx, art.ID)
	if resumed.Status != domain.StatusPendingApproval {
		t.Errorf("status = %s, want PENDING_APPROVAL", resumed.Status)
	}
	approvals, _ := store.ListApprovalsByArtifact(ctx, art.ID)
	if len(approvals) != 1 {
		t.Errorf("approvals = %d, want 1", len(approvals))
	}
}

func TestFullPipelineRun(t *testing.T) {
	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	branch := driveToBranch(t, eng, store)
	approveAll(t, eng, branch.ID)

	for _, typ := range []domain.ArtifactType{domain.TypeValidationSchema, domain.TypeStorageSchema} {
		children, _ := store.ListChildren(ctx, branch.ID, typ)
		if len(children) != 1 {
			t.Fatalf("%s children = %d, want 1", typ, len(children))
		}
		approveAll(t, eng, children[0].ID)
	}

	completion, err := store.GetCompletionByParent(ctx, branch.ID)
	if err != nil {
		t.Fatalf("GetCompletionByParent() error = %v", err)
	}
	if completion.Status != domain.CompletionStatusCompleted {
		t.Errorf("completion status = %s, want %s", completion.Status, domain.CompletionStatusCompleted)
	}
	if completion.SiblingA == completion.SiblingB {
		t.Error("completion references the same sibling twice")
	}
}

func TestEngineConfigValidation(t *testing.T) {
	reg, _ := stage.NewRegistry(stage.Defaults())
	store := memory.New()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing store", Config{Stages: reg, Dispatcher: testDispatcher()}},
		{"missing stages", Config{Store: store, Dispatcher: testDispatcher()}},
		{"missing dispatcher", Config{Store: store, Stages: reg}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() error = nil")
			}
		})
	}
}

func TestDerivedArtifactNames(t *testing.T) {
	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	root, _ := eng.StartRun(ctx, "Checkout Flow", json.RawMessage(`{}`), "")
	approveAll(t, eng, root.ID)

	children, _ := store.ListChildren(ctx, root.ID, domain.TypeDomainModel)
	want := fmt.Sprintf("Domain Model for %s", root.Name)
	if children[0].Name != want {
		t.Errorf("child name = %q, want %q", children[0].Name, want)
	}
}

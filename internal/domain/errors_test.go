package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorMessageFormat(t *testing.T) {
	err := ErrUnknownType(ArtifactType("BOGUS")).WithArtifact("art-1", "DOMAIN_MODEL")

	want := `config (unknown_artifact_type): no pipeline stage configured for artifact type "BOGUS" [artifact=art-1 stage=DOMAIN_MODEL]`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want int
	}{
		{KindConfig, http.StatusInternalServerError},
		{KindNotFound, http.StatusNotFound},
		{KindValidation, http.StatusBadRequest},
		{KindConflict, http.StatusConflict},
		{KindApprovalConflict, http.StatusConflict},
		{KindProcessorNotFound, http.StatusInternalServerError},
		{KindExecutionFailure, http.StatusBadGateway},
		{KindOutputParse, http.StatusBadRequest},
	}

	for _, tt := range tests {
		err := NewError(tt.kind, "boom")
		if got := err.HTTPStatusCode(); got != tt.want {
			t.Errorf("HTTPStatusCode(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !ErrExecutionFailure("transform crashed", "exit 1").Retryable() {
		t.Error("execution failure should be retryable")
	}
	if ErrOutputParse("bad payload").Retryable() {
		t.Error("output parse error must not be retryable")
	}
	if ErrProcessorNotFound("nope").Retryable() {
		t.Error("processor not found must not be retryable")
	}
}

func TestKindOfUnwraps(t *testing.T) {
	inner := ErrApprovalConflict("appr-1")
	wrapped := fmt.Errorf("recording decision: %w", inner)

	if KindOf(wrapped) != KindApprovalConflict {
		t.Errorf("KindOf() = %q, want %q", KindOf(wrapped), KindApprovalConflict)
	}
	if !IsKind(wrapped, KindApprovalConflict) {
		t.Error("IsKind() = false, want true")
	}
	if IsKind(errors.New("plain"), KindApprovalConflict) {
		t.Error("IsKind() on plain error = true, want false")
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []ArtifactStatus{StatusApproved, StatusRejected, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []ArtifactStatus{StatusDraft, StatusPendingApproval} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrTransientExternal, "model endpoint failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithTarget("llm:judge")

	if GetErrorCode(err) != ErrTransientExternal {
		t.Fatalf("expected code %s, got %s", ErrTransientExternal, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := NewPermanentError("bad config", nil)
	wrapped := fmt.Errorf("node n1: %w", inner)

	if !IsErrorCode(wrapped, ErrPermanentNode) {
		t.Fatalf("expected wrapped permanent error to be detected")
	}
	if IsRetryable(wrapped) {
		t.Fatalf("permanent errors must not be retryable")
	}
	e, ok := AsError(wrapped)
	if !ok || e.HTTPStatus != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected AsError result: %v %v", e, ok)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want ErrorCode
	}{
		{nil, ""},
		{NewValidationError("missing %s", "workflow_id"), ErrValidation},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), ErrTimeout},
		{errors.New("connection reset"), ErrTransientExternal},
		{NewNotFoundError("instance", "x"), ErrNotFound},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
)

// apiError is a minimal smithy.APIError for exercising the mapping table.
type apiError struct {
	code string
	msg  string
}

func (e *apiError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.msg) }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.msg }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func TestClassifyProviderError(t *testing.T) {
	cases := []struct {
		code string
		want Kind
	}{
		{"ConditionalCheckFailedException", KindConditionalCheckFailed},
		{"ProvisionedThroughputExceededException", KindThrottled},
		{"ThrottlingException", KindThrottled},
		{"TransactionConflictException", KindConflict},
		{"TransactionCanceledException", KindConflict},
		{"InternalServerError", KindInternalError},
		{"ResourceNotFoundException", KindResourceNotFound},
		{"NoSuchKey", KindResourceNotFound},
		{"PreconditionFailed", KindExists},
		{"SlowDown", KindThrottled},
		{"SomethingNovel", KindOther},
	}
	for _, c := range cases {
		err := ClassifyProviderError(&apiError{code: c.code, msg: "detail"}, "op")
		if err.Kind != c.want {
			t.Errorf("code %s: kind = %s, want %s", c.code, err.Kind, c.want)
		}
	}
}

func TestClassifyAccessDeniedRewritesMessage(t *testing.T) {
	src := &apiError{code: "AccessDeniedException", msg: "arn:aws:iam::123:role/secret is not authorized"}
	err := ClassifyProviderError(src, "PutItem")
	if err.Kind != KindAccessDenied {
		t.Fatalf("kind = %s, want %s", err.Kind, KindAccessDenied)
	}
	if err.Message != "Access denied" {
		t.Errorf("message = %q, want %q", err.Message, "Access denied")
	}
	if err.Err != nil {
		t.Error("access-denied errors must not carry the provider cause")
	}
}

func TestClassifyNonAPIError(t *testing.T) {
	err := ClassifyProviderError(errors.New("dial tcp: timeout"), "Query")
	if err.Kind != KindOther {
		t.Errorf("kind = %s, want %s", err.Kind, KindOther)
	}
}

func TestClassifyNil(t *testing.T) {
	if err := ClassifyProviderError(nil, "op"); err != nil {
		t.Errorf("nil input should classify to nil, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	inner := NewError(KindValidation, "bad name")
	wrapped := fmt.Errorf("create tree: %w", inner)
	if got := KindOf(wrapped); got != KindValidation {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindValidation)
	}
	if got := KindOf(errors.New("plain")); got != KindOther {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindOther)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %s, want empty", got)
	}
	if !IsKind(wrapped, KindValidation) {
		t.Error("IsKind should see through wrapping")
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusCreating, StatusCompleted, StatusFailed, StatusDeleting} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Status("DONE").Valid() {
		t.Error("DONE should not be valid")
	}
	if Status("").Valid() {
		t.Error("empty status should not be valid")
	}
}

// Package storage defines the types shared by the object-store and
// key-value-store adapters: the persisted record schemas, the whitelist
// status model, and the failure taxonomy that provider-specific errors
// collapse into.
package storage

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// Kind classifies a storage failure. Kinds are stable strings surfaced to
// API clients as error codes.
type Kind string

const (
	// KindValidation covers malformed input and application-level
	// precondition violations.
	KindValidation Kind = "Validation"
	// KindResourceNotFound covers reads of records that do not exist.
	KindResourceNotFound Kind = "ResourceNotFound"
	// KindConditionalCheckFailed covers lost conditional-write races.
	KindConditionalCheckFailed Kind = "ConditionalCheckFailed"
	// KindExists covers overwrite refusals in the object store.
	KindExists Kind = "Exists"
	// KindThrottled covers provider throughput rejections.
	KindThrottled Kind = "Throttled"
	// KindConflict covers transaction and replication conflicts.
	KindConflict Kind = "Conflict"
	// KindInternalError covers provider-side internal failures, including
	// batches that remained partially unprocessed after all retries.
	KindInternalError Kind = "InternalError"
	// KindAccessDenied covers authorization failures from the provider.
	KindAccessDenied Kind = "AccessDenied"
	// KindOther covers everything else.
	KindOther Kind = "Other"
)

// accessDeniedMessage replaces provider access-denied detail, which can leak
// ARNs and policy names, before the error leaves the adapter.
const accessDeniedMessage = "Access denied"

// Error is a classified storage failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error without an underlying cause.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a classified error wrapping an underlying cause.
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindOther; nil reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// providerKinds maps provider error codes to failure kinds. Both DynamoDB
// and S3 codes appear here so the two adapters share one table.
var providerKinds = map[string]Kind{
	// DynamoDB
	"ConditionalCheckFailedException":          KindConditionalCheckFailed,
	"ProvisionedThroughputExceededException":   KindThrottled,
	"ThrottlingException":                      KindThrottled,
	"RequestLimitExceeded":                     KindThrottled,
	"LimitExceededException":                   KindThrottled,
	"TransactionConflictException":             KindConflict,
	"TransactionCanceledException":             KindConflict,
	"TransactionInProgressException":           KindConflict,
	"ReplicatedWriteConflictException":         KindConflict,
	"InternalServerError":                      KindInternalError,
	"ResourceNotFoundException":                KindResourceNotFound,
	"AccessDeniedException":                    KindAccessDenied,
	"UnrecognizedClientException":              KindAccessDenied,
	"ItemCollectionSizeLimitExceededException": KindOther,

	// S3
	"NoSuchKey":           KindResourceNotFound,
	"NoSuchBucket":        KindResourceNotFound,
	"NotFound":            KindResourceNotFound,
	"PreconditionFailed":  KindExists,
	"SlowDown":            KindThrottled,
	"AccessDenied":        KindAccessDenied,
	"InvalidAccessKeyId":  KindAccessDenied,
	"SignatureDoesNotMatch": KindAccessDenied,
}

// ClassifyProviderError maps an AWS SDK error into the failure taxonomy.
// Access-denied detail is rewritten to a constant message; all other errors
// keep the provider message as the cause.
func ClassifyProviderError(err error, op string) *Error {
	if err == nil {
		return nil
	}
	kind := KindOther
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if k, ok := providerKinds[apiErr.ErrorCode()]; ok {
			kind = k
		}
	}
	if kind == KindAccessDenied {
		return &Error{Kind: kind, Message: accessDeniedMessage}
	}
	return WrapError(kind, err, "%s", op)
}

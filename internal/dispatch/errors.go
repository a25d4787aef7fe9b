package dispatch

import (
	"errors"
	"fmt"
)

// Failure classifies why a dispatch operation failed. Every failure is
// reported back to the originating connection; none of them crash the
// dispatch loop.
type Failure string

const (
	FailureAuthorization Failure = "authorization"
	FailureNotFound      Failure = "not_found"
	FailurePersistence   Failure = "persistence"
	FailureValidation    Failure = "validation"
)

// Stage names the point in the dispatch pipeline an operation reached.
type Stage string

const (
	StageReceived   Stage = "received"
	StageAuthorized Stage = "authorized"
	StagePersisted  Stage = "persisted"
	StageFannedOut  Stage = "fanned_out"
	StageAccounted  Stage = "accounted"
)

// Error is a classified dispatch failure carrying the stage it occurred at.
type Error struct {
	Kind    Failure
	Stage   Stage
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("dispatch %s at %s: %s: %v", e.Kind, e.Stage, e.Message, e.cause)
	}
	return fmt.Sprintf("dispatch %s at %s: %s", e.Kind, e.Stage, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NotAMember is the authorization failure for senders outside the target room.
func NotAMember(userID, roomID string) *Error {
	return &Error{
		Kind:    FailureAuthorization,
		Stage:   StageAuthorized,
		Message: fmt.Sprintf("user %s is not a member of room %s", userID, roomID),
	}
}

// NotAuthorized covers non-membership authorization failures, such as joining
// a private room.
func NotAuthorized(message string) *Error {
	return &Error{Kind: FailureAuthorization, Stage: StageAuthorized, Message: message}
}

// TargetNotFound reports an unresolvable message or room id.
func TargetNotFound(what, id string) *Error {
	return &Error{
		Kind:    FailureNotFound,
		Stage:   StageAuthorized,
		Message: fmt.Sprintf("%s %s not found", what, id),
	}
}

// Persistence wraps a storage collaborator failure. Retryable from the
// client's point of view; fatal only to this one operation.
func Persistence(stage Stage, err error) *Error {
	return &Error{Kind: FailurePersistence, Stage: stage, Message: "storage operation failed", cause: err}
}

// Invalid reports a malformed payload.
func Invalid(message string, cause error) *Error {
	return &Error{Kind: FailureValidation, Stage: StageReceived, Message: message, cause: cause}
}

// FailureOf extracts the failure kind from an error chain, defaulting to
// persistence for unclassified errors.
func FailureOf(err error) Failure {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return FailurePersistence
}

package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents a subscription lifecycle or dead-letter error.
//
// Handler failures are not RuntimeErrors: they are recorded as dead
// letters and returned as-is from ReplayDeadLetter.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	AgentID        string
	SubscriptionID string

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeUnknownSubscription indicates no subscription is registered
	// under the (agent, subscription) pair.
	ErrCodeUnknownSubscription RuntimeErrorCode = "UNKNOWN_SUBSCRIPTION"

	// ErrCodeDuplicateSubscription indicates the pair is already registered.
	ErrCodeDuplicateSubscription RuntimeErrorCode = "DUPLICATE_SUBSCRIPTION"

	// ErrCodeInvalidSubscription indicates a malformed subscription.
	ErrCodeInvalidSubscription RuntimeErrorCode = "INVALID_SUBSCRIPTION"

	// ErrCodeInvalidTransition indicates a lifecycle change not allowed
	// from the checkpoint's current status.
	ErrCodeInvalidTransition RuntimeErrorCode = "INVALID_TRANSITION"

	// ErrCodeDeadLetterNotPending indicates a replay or ignore of a dead
	// letter that was already replayed or ignored.
	ErrCodeDeadLetterNotPending RuntimeErrorCode = "DEAD_LETTER_NOT_PENDING"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.AgentID != "" && e.SubscriptionID != "" {
		return fmt.Sprintf("%s: %s (agent=%s, subscription=%s)", e.Code, e.Message, e.AgentID, e.SubscriptionID)
	}
	if e.AgentID != "" {
		return fmt.Sprintf("%s: %s (agent=%s)", e.Code, e.Message, e.AgentID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsUnknownSubscription reports whether err names an unregistered subscription.
func IsUnknownSubscription(err error) bool {
	return hasCode(err, ErrCodeUnknownSubscription)
}

// IsInvalidTransition reports whether err is a refused lifecycle change.
func IsInvalidTransition(err error) bool {
	return hasCode(err, ErrCodeInvalidTransition)
}

// IsDeadLetterNotPending reports whether err is a second resolution of a
// dead letter.
func IsDeadLetterNotPending(err error) bool {
	return hasCode(err, ErrCodeDeadLetterNotPending)
}

func newUnknownSubscriptionError(agentID, subscriptionID string) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeUnknownSubscription,
		Message:        "subscription is not registered",
		AgentID:        agentID,
		SubscriptionID: subscriptionID,
	}
}

func newTransitionError(agentID, subscriptionID, from, to string) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeInvalidTransition,
		Message:        fmt.Sprintf("cannot move from %s to %s", from, to),
		AgentID:        agentID,
		SubscriptionID: subscriptionID,
		Details:        map[string]string{"from": from, "to": to},
	}
}

func newDeadLetterStateError(agentID, eventID, status string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeDeadLetterNotPending,
		Message: fmt.Sprintf("dead letter for event %s is %s", eventID, status),
		AgentID: agentID,
		Details: map[string]string{"event_id": eventID, "status": status},
	}
}

// handlerError marks a failure raised by subscription code, as opposed to
// the store. Only handler failures are dead-lettered.
type handlerError struct {
	err error
}

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

func asHandlerError(err error) (*handlerError, bool) {
	var he *handlerError
	ok := errors.As(err, &he)
	return he, ok
}

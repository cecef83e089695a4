package journeys

import (
	stderrors "errors"
	"fmt"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeInvalidMessage      = "JOURNEY_INVALID_MESSAGE"
	ErrCodeInvalidJourney      = "JOURNEY_INVALID_DEFINITION"
	ErrCodeUnknownJourney      = "JOURNEY_UNKNOWN"
	ErrCodeUnknownStep         = "JOURNEY_UNKNOWN_STEP"
	ErrCodeInvalidTransition   = "JOURNEY_INVALID_TRANSITION"
	ErrCodeVersionConflict     = "JOURNEY_VERSION_CONFLICT"
	ErrCodeDuplicateTransition = "JOURNEY_DUPLICATE_TRANSITION"
	ErrCodeStateExists         = "JOURNEY_STATE_EXISTS"
	ErrCodeStateNotFound       = "JOURNEY_STATE_NOT_FOUND"
	ErrCodeStateTerminal       = "JOURNEY_STATE_TERMINAL"
	ErrCodeActionFailed        = "JOURNEY_ACTION_FAILED"
	ErrCodeUnknownAction       = "JOURNEY_UNKNOWN_ACTION"
)

var (
	ErrInvalidJourney = apperrors.New("invalid journey definition", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidJourney)
	ErrUnknownJourney = apperrors.New("unknown journey", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnknownJourney)
	ErrUnknownStep = apperrors.New("unknown journey step", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeUnknownStep)
	ErrInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrVersionConflict = apperrors.New("state version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
	ErrDuplicateTransition = apperrors.New("transition already applied", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateTransition)
	ErrStateExists = apperrors.New("contact journey state already exists", apperrors.CategoryConflict).
			WithTextCode(ErrCodeStateExists)
	ErrStateTerminal = apperrors.New("contact journey state is terminal", apperrors.CategoryConflict).
				WithTextCode(ErrCodeStateTerminal)
	ErrStateNotFound = apperrors.New("contact journey state not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeStateNotFound)
	ErrUnknownAction = apperrors.New("unknown job action", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnknownAction)
)

func invalidMessage(format string, args ...any) error {
	return apperrors.New(fmt.Sprintf(format, args...), apperrors.CategoryValidation).
		WithTextCode(ErrCodeInvalidMessage)
}

func invalidJourney(format string, args ...any) error {
	return apperrors.New(fmt.Sprintf(format, args...), apperrors.CategoryValidation).
		WithTextCode(ErrCodeInvalidJourney)
}

// ActionFailed wraps an adapter failure.
func ActionFailed(action ActionType, err error) error {
	return apperrors.Wrap(err, apperrors.CategoryExternal, fmt.Sprintf("action %s failed", action)).
		WithTextCode(ErrCodeActionFailed)
}

// ErrorCode extracts the text code from a wrapped error, or "".
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// Discardable reports whether an error describes an expected, documented
// reason to drop a message: duplicates, version-conflict losers, terminal
// states, and malformed input. Consumers acknowledge these instead of
// redelivering; everything else is treated as transient.
func Discardable(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeInvalidMessage,
		ErrCodeInvalidJourney,
		ErrCodeUnknownJourney,
		ErrCodeUnknownStep,
		ErrCodeInvalidTransition,
		ErrCodeVersionConflict,
		ErrCodeDuplicateTransition,
		ErrCodeStateExists,
		ErrCodeStateNotFound,
		ErrCodeStateTerminal,
		ErrCodeUnknownAction:
		return true
	}
	return false
}

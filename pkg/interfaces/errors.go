package interfaces

import (
	"errors"

	"classsync/pkg/types"
)

// Error taxonomy shared by the store adapters and the router
var (
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrStoreRejected          = errors.New("store rejected request")
	ErrUnknownLesson          = errors.New("unknown lesson")
	ErrParticipantRowNotFound = errors.New("participant answer row not found")
	ErrProtocolViolation      = errors.New("protocol violation")
)

// ErrorCode maps an error onto the code sent to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		return types.ErrCodeStoreUnavailable
	case errors.Is(err, ErrStoreRejected):
		return types.ErrCodeStoreRejected
	case errors.Is(err, ErrUnknownLesson):
		return types.ErrCodeUnknownLesson
	case errors.Is(err, ErrParticipantRowNotFound):
		return types.ErrCodeParticipantRowNotFound
	case errors.Is(err, ErrProtocolViolation):
		return types.ErrCodeProtocolViolation
	case errors.Is(err, types.ErrInvalidDisplayName), errors.Is(err, types.ErrInvalidLessonTitle):
		return types.ErrCodeInvalidPayload
	default:
		return types.ErrCodeInternalError
	}
}

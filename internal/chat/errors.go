package chat

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service failures for callers.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindForbidden        ErrorKind = "forbidden"
	KindInvalidState     ErrorKind = "invalid_state"
	KindValidationFailed ErrorKind = "validation_failed"
	KindConflict         ErrorKind = "conflict"
	KindInternal         ErrorKind = "internal"
)

var (
	// ErrNotFound matches conversations or messages that are absent or not visible to the caller.
	ErrNotFound = errors.New("chat: not found")
	// ErrForbidden matches callers that are not participants or lack the required role.
	ErrForbidden = errors.New("chat: forbidden")
	// ErrInvalidState matches operations rejected by the current lifecycle state.
	ErrInvalidState = errors.New("chat: invalid state")
	// ErrValidationFailed matches payload constraint violations.
	ErrValidationFailed = errors.New("chat: validation failed")
	// ErrConflict matches lost races such as a concurrent ownership transfer.
	ErrConflict = errors.New("chat: conflict")
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries a stable code of the form <operation>.<reason>.
type ServiceError struct {
	code  string
	kind  ErrorKind
	field string
	err   error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Is matches the kind sentinels so callers can use errors.Is(err, ErrNotFound).
func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.kind == KindNotFound
	case ErrForbidden:
		return e.kind == KindForbidden
	case ErrInvalidState:
		return e.kind == KindInvalidState
	case ErrValidationFailed:
		return e.kind == KindValidationFailed
	case ErrConflict:
		return e.kind == KindConflict
	default:
		return false
	}
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

// Field names the offending input for validation failures.
func (e *ServiceError) Field() string {
	return e.field
}

// KindOf extracts the ErrorKind of err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return KindInternal
}

const (
	opServiceNew           = "chat.service.new"
	opCreateConversation   = "chat.create_conversation"
	opInvite               = "chat.invite"
	opRemove               = "chat.remove"
	opLeave                = "chat.leave"
	opSetRole              = "chat.set_role"
	opTransferOwnership    = "chat.transfer_ownership"
	opUpdateInfo           = "chat.update_info"
	opSend                 = "chat.send"
	opRecall               = "chat.recall"
	opDeleteForMe          = "chat.delete_for_me"
	opHistory              = "chat.history"
	opMessage              = "chat.message"
	opMarkRead             = "chat.mark_read"
	opOverlay              = "chat.overlay"
	opViewerConversations  = "chat.viewer_conversations"
	opConversation         = "chat.conversation"
	opPrivateCounterparts  = "chat.private_counterparts"
	opActiveParticipants   = "chat.active_participants"
	opValidatePayload      = "chat.validate_payload"
	reasonMissingDatabase  = "missing_database"
	reasonQueryFailed      = "query_failed"
	reasonWriteFailed      = "write_failed"
	reasonNotParticipant   = "not_participant"
	reasonParticipantLeft  = "participant_left"
	reasonInsufficientRole = "insufficient_role"
	reasonConversation     = "conversation_not_found"
	reasonPrivateFixed     = "private_membership_fixed"
)

func newServiceError(operation, reason string, kind ErrorKind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

func newValidationError(operation, field, reason string) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{
		code:  code,
		kind:  KindValidationFailed,
		field: field,
		err:   fmt.Errorf("%s: %s", field, reason),
	}
}

func notFound(operation, reason string) error {
	return newServiceError(operation, reason, KindNotFound, nil)
}

func forbidden(operation, reason string) error {
	return newServiceError(operation, reason, KindForbidden, nil)
}

func invalidState(operation, reason string) error {
	return newServiceError(operation, reason, KindInvalidState, nil)
}

package models

import (
	"errors"
)

// Errors returned across the coordinator. Callers wrap them with context and
// the gateway maps them to wire codes with Code.
var (
	ErrValidation        = errors.New("validation error")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotFound          = errors.New("not found")
	ErrDuplicateRoomCode = errors.New("duplicate room code")
	ErrRateLimited       = errors.New("rate limited")
	ErrCatalogLoad       = errors.New("catalog load error")
	ErrEmptyCatalog      = errors.New("catalog has no rounds")
	ErrInvalidState      = errors.New("action not allowed in current state")
)

// Wire error codes.
const (
	CodeValidation   = "validation_error"
	CodePermission   = "permission_denied"
	CodeNotFound     = "not_found"
	CodeDuplicate    = "duplicate_room_code"
	CodeRateLimited  = "rate_limited"
	CodeInvalidState = "invalid_state"
	CodeEmptyCatalog = "empty_catalog"
	CodeInternal     = "internal_error"
)

// Code maps an error to the code sent back to the caller.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrPermissionDenied):
		return CodePermission
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrDuplicateRoomCode):
		return CodeDuplicate
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrEmptyCatalog):
		return CodeEmptyCatalog
	default:
		return CodeInternal
	}
}

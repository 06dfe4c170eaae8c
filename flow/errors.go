package flow

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeNotFound           = "CALC_NOT_FOUND"
	ErrCodeInvalidToken       = "CALC_INVALID_TOKEN"
	ErrCodeNotReady           = "CALC_NOT_READY"
	ErrCodeAllocationConflict = "CALC_ALLOCATION_CONFLICT"
	ErrCodeInvalidTransition  = "CALC_INVALID_TRANSITION"
	ErrCodeMaterialExists     = "CALC_MATERIAL_EXISTS"
	ErrCodeInvalidConfig      = "CALC_INVALID_CONFIG"
)

var (
	// ErrNotFound reports an unknown material, calculation or workflow.
	ErrNotFound = apperrors.New("not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeNotFound)
	// ErrInvalidToken reports a malformed or unknown stage token.
	ErrInvalidToken = apperrors.New("invalid stage token", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidToken)
	// ErrNotReady is a no-op signal: the calculation is not completed or was already processed.
	ErrNotReady = apperrors.New("calculation not ready", apperrors.CategoryConflict).
			WithTextCode(ErrCodeNotReady)
	// ErrAllocationConflict reports a lost race on identifier allocation.
	ErrAllocationConflict = apperrors.New("allocation conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeAllocationConflict)
	ErrInvalidTransition = apperrors.New("invalid status transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrMaterialExists = apperrors.New("material already exists", apperrors.CategoryConflict).
				WithTextCode(ErrCodeMaterialExists)
	ErrInvalidConfig = apperrors.New("invalid workflow configuration", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidConfig)
)

func cloneFlowError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidConfig
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of the first go-errors error in the chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsCode reports whether err carries the given text code.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	return ErrorCode(err) == code
}

func IsNotFound(err error) bool           { return IsCode(err, ErrCodeNotFound) }
func IsInvalidToken(err error) bool       { return IsCode(err, ErrCodeInvalidToken) }
func IsNotReady(err error) bool           { return IsCode(err, ErrCodeNotReady) }
func IsAllocationConflict(err error) bool { return IsCode(err, ErrCodeAllocationConflict) }
func IsInvalidTransition(err error) bool  { return IsCode(err, ErrCodeInvalidTransition) }

func notFound(kind, id string) error {
	return cloneFlowError(ErrNotFound, kind+" "+id+" not found", nil, map[string]any{
		"kind": kind,
		"id":   id,
	})
}

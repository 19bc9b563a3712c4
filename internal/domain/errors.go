package domain

import (
	"errors"
	"strings"
)

var (
	// ErrDiscussionNotFound is returned when the referenced discussion does not exist.
	ErrDiscussionNotFound = errors.New("discussion not found")
	// ErrReplyNotFound is returned when the referenced reply or parent reply does not exist.
	ErrReplyNotFound = errors.New("reply not found")
	// ErrForbidden indicates the actor lacks ownership or role for the attempted mutation.
	ErrForbidden = errors.New("actor may not perform this action")
	// ErrInvalidNesting indicates an attempt to nest a reply under a second-level reply.
	ErrInvalidNesting = errors.New("replies may be nested at most one level deep")
	// ErrInvalidSelection indicates the target reply cannot answer the discussion
	// (it is nested, or belongs to another discussion).
	ErrInvalidSelection = errors.New("only a first-level reply of the discussion can be selected")
	// ErrConflict indicates a concurrent mutation invalidated the caller's assumed state.
	ErrConflict = errors.New("conflicting concurrent mutation")
)

// FieldError points an input error at a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed or empty input, optionally per field.
type ValidationError struct {
	Fields []FieldError
}

func NewValidationError(fields ...FieldError) *ValidationError {
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid input"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

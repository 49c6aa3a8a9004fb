package core

import (
	"errors"
	"fmt"

	"github.com/JonMunkholm/recordio/internal/format"
	"github.com/JonMunkholm/recordio/internal/mapping"
	"github.com/JonMunkholm/recordio/internal/schema"
)

var (
	// ErrUnresolvedReference is returned when a relation value names a record
	// that cannot be found.
	ErrUnresolvedReference = errors.New("unresolved reference")

	// ErrMissingTarget is returned when a reference is coerced without a
	// target model.
	ErrMissingTarget = errors.New("reference target model missing")

	// ErrPolicyViolation is reported when a record hits a raise policy.
	ErrPolicyViolation = errors.New("import policy violation")

	// ErrInvalidPolicy is returned for unknown policy names.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrInvalidValue is returned when text cannot be coerced to a field type.
	ErrInvalidValue = errors.New("invalid value")

	// ErrPayloadTooLarge is returned when a payload exceeds the configured limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	ErrUnknownField      = schema.ErrUnknownField
	ErrUnknownModel      = schema.ErrUnknownModel
	ErrMalformedInput    = format.ErrMalformedInput
	ErrMappingConflict   = mapping.ErrMappingConflict
	ErrInvalidPrimaryKey = mapping.ErrInvalidPrimaryKey
)

// ImportError aborts an import running under the raise policy. It carries
// every message recorded so far; errors.Is matches the first cause.
type ImportError struct {
	Messages []string
	cause    error
}

func (e *ImportError) Error() string {
	if len(e.Messages) == 0 {
		return "import failed"
	}
	msg := "import failed: " + e.Messages[0]
	if n := len(e.Messages) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

func (e *ImportError) Unwrap() error { return e.cause }

// ExportError reports an unusable export descriptor or row.
type ExportError struct {
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s: %v", e.Path, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

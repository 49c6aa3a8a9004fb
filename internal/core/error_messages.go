// # Error Codes Reference
//
// This file maps errors to user-friendly messages with codes for support
// reference. Users quote the code; support staff look it up here.
//
// Known sentinels are matched first with errors.Is. Errors coming from
// outside the package (driver messages, wrapped strings) fall back to
// case-insensitive pattern matching.
//
// # Mapping Errors (MAP001-MAP099)
//
//	MAP001 - Mapping conflict: The external key is already bound to another record
//	         Action: Use a different key or import with overwrite
//	         Sentinel: ErrMappingConflict
//
//	MAP002 - Invalid primary key: The key does not match the model's primary key fields
//	         Action: Provide every primary key field and nothing else
//	         Sentinel: ErrInvalidPrimaryKey
//
//	MAP003 - Unresolved reference: A referenced record could not be found
//	         Action: Import the referenced records first or fix the key
//	         Sentinel: ErrUnresolvedReference
//
// # Import Errors (IMP001-IMP099)
//
//	IMP001 - Policy violation: The record exists (or does not) against a raise policy
//	         Action: Change if_exist / if_does_not_exist or fix the payload
//	         Sentinel: ErrPolicyViolation
//
//	IMP002 - Invalid policy: The policy name is not recognised
//	         Action: Use one of the documented policy values
//	         Sentinel: ErrInvalidPolicy
//
//	IMP003 - Invalid value: A value cannot be read as the field's type
//	         Action: Check the value format for the field type
//	         Sentinel: ErrInvalidValue
//
//	IMP004 - Malformed payload: The file could not be parsed
//	         Action: Check the CSV header or XML structure
//	         Sentinel: ErrMalformedInput
//
//	IMP005 - Payload too large: The file exceeds the configured size limit
//	         Action: Split the file into smaller chunks
//	         Sentinel: ErrPayloadTooLarge
//
//	IMP006 - Missing target: A reference was given without a model
//	         Action: Add a model attribute to the field
//	         Sentinel: ErrMissingTarget
//
// # Export Errors (EXP001-EXP099)
//
//	EXP001 - Unknown field: The model has no such field
//	         Action: Check the field names against the catalog
//	         Sentinel: ErrUnknownField
//
//	EXP002 - Unknown model: The model is not in the catalog
//	         Action: Check the model name against the catalog
//	         Sentinel: ErrUnknownModel
//
// # Storage Errors (STO001-STO099)
//
//	STO001 - Duplicate key: A record with this primary key already exists
//	         Action: Import with if_exist=update
//	         Sentinel: storage.ErrDuplicateKey, pattern "duplicate key"
//
//	STO002 - Record not found: The record was removed in the meantime
//	         Action: Re-run the operation
//	         Sentinel: storage.ErrNotFound
//
//	STO003 - Missing primary key: The record has no primary key value
//	         Action: Provide the primary key columns
//	         Sentinel: storage.ErrMissingPrimaryKey
//
//	STO004 - Connection refused: Unable to connect to the database
//	         Action: Please try again in a few moments
//	         Patterns: "connection refused", "connection reset"
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: An unexpected error occurred
//	         Action: Please try again or contact support
package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/recordio/internal/storage"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

// Order matters: ErrUnresolvedReference is often wrapped together with
// storage errors, so reference and mapping errors come first.
var sentinelMessages = []sentinelMessage{
	{ErrMappingConflict, UserMessage{
		Message: "The external key is already bound to another record",
		Action:  "Use a different key or import with overwrite",
		Code:    "MAP001",
	}},
	{ErrInvalidPrimaryKey, UserMessage{
		Message: "The key does not match the model's primary key fields",
		Action:  "Provide every primary key field and nothing else",
		Code:    "MAP002",
	}},
	{ErrUnresolvedReference, UserMessage{
		Message: "A referenced record could not be found",
		Action:  "Import the referenced records first or fix the key",
		Code:    "MAP003",
	}},
	{ErrPolicyViolation, UserMessage{
		Message: "The record exists (or does not) against a raise policy",
		Action:  "Change if_exist / if_does_not_exist or fix the payload",
		Code:    "IMP001",
	}},
	{ErrInvalidPolicy, UserMessage{
		Message: "The policy name is not recognised",
		Action:  "Use one of the documented policy values",
		Code:    "IMP002",
	}},
	{ErrInvalidValue, UserMessage{
		Message: "A value cannot be read as the field's type",
		Action:  "Check the value format for the field type",
		Code:    "IMP003",
	}},
	{ErrMalformedInput, UserMessage{
		Message: "The file could not be parsed",
		Action:  "Check the CSV header or XML structure",
		Code:    "IMP004",
	}},
	{ErrPayloadTooLarge, UserMessage{
		Message: "The file exceeds the configured size limit",
		Action:  "Split the file into smaller chunks",
		Code:    "IMP005",
	}},
	{ErrMissingTarget, UserMessage{
		Message: "A reference was given without a model",
		Action:  "Add a model attribute to the field",
		Code:    "IMP006",
	}},
	{ErrUnknownField, UserMessage{
		Message: "The model has no such field",
		Action:  "Check the field names against the catalog",
		Code:    "EXP001",
	}},
	{ErrUnknownModel, UserMessage{
		Message: "The model is not in the catalog",
		Action:  "Check the model name against the catalog",
		Code:    "EXP002",
	}},
	{storage.ErrDuplicateKey, duplicateKeyMessage},
	{storage.ErrNotFound, UserMessage{
		Message: "The record was removed in the meantime",
		Action:  "Re-run the operation",
		Code:    "STO002",
	}},
	{storage.ErrMissingPrimaryKey, UserMessage{
		Message: "The record has no primary key value",
		Action:  "Provide the primary key columns",
		Code:    "STO003",
	}},
}

var duplicateKeyMessage = UserMessage{
	Message: "A record with this primary key already exists",
	Action:  "Import with if_exist=update",
	Code:    "STO001",
}

var connectionMessage = UserMessage{
	Message: "Unable to connect to the database",
	Action:  "Please try again in a few moments",
	Code:    "STO004",
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns catch driver errors that arrive as plain strings.
var errorPatterns = []errorPattern{
	{pattern: "duplicate key", msg: duplicateKeyMessage},
	{pattern: "unique constraint", msg: duplicateKeyMessage},
	{pattern: "connection refused", msg: connectionMessage},
	{pattern: "connection reset", msg: connectionMessage},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
// Example:
//
//	msg := MapError(fmt.Errorf("set key: %w", ErrMappingConflict))
//	// msg.Code == "MAP001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.err) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific code rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

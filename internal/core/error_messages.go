package core

// error_messages.go maps technical errors to user-facing messages with codes
// for support reference.
//
// # Report Errors (RPT001-RPT099)
//
//	RPT001 - Duplicate report: a report already exists for this entity and year
//	         Action: Delete the existing report before uploading a new one
//	RPT002 - Quota exceeded: the owner has reached the report limit
//	         Action: Delete an older report first
//	RPT003 - Report not found
//	RPT004 - Artifact not found: the stored file is missing
//	RPT005 - Entity not found
//	RPT006 - Invalid year
//	RPT007 - Invalid request parameter
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large
//	FILE002 - Unsupported file type
//	FILE004 - No file provided
//	FILE005 - Empty file
//
// # Register Errors (REG001-REG099)
//
//	REG001 - Rebuild already running on another instance
//	REG002 - Unknown export format
//
// # Service Errors (SVC001-SVC099)
//
//	SVC001 - Missing owner identity
//	SVC002 - Shutting down
//
// # Pattern Matching
//
// Sentinel errors are matched with errors.Is first. Anything else falls
// back to case-insensitive substring patterns; the first match wins.
// Unmatched errors map to ERR000 and the technical error is only logged.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/esgregister/internal/database"
	"github.com/JonMunkholm/esgregister/internal/register"
	"github.com/JonMunkholm/esgregister/internal/resolver"
)

var (
	// ErrDuplicateReport is returned when the (entity, year) pair is taken.
	ErrDuplicateReport = errors.New("a report already exists for this entity and year")

	// ErrQuotaExceeded is returned when the owner has reached MaxReportsPerOwner.
	ErrQuotaExceeded = errors.New("report quota exceeded")

	// ErrReportNotFound is returned for unknown reports and for reports of
	// another owner.
	ErrReportNotFound = errors.New("report not found")

	// ErrArtifactNotFound is returned when a report has no stored file of the
	// requested kind, or the file has gone missing.
	ErrArtifactNotFound = errors.New("artifact not found")

	ErrEntityNotFound  = errors.New("entity not found")
	ErrInvalidYear     = errors.New("invalid reporting year")
	ErrFileTooLarge    = errors.New("file too large")
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrNoFile          = errors.New("no file provided")
	ErrEmptyFile       = errors.New("empty file")
	ErrMissingOwner    = errors.New("missing owner")
	ErrShuttingDown    = errors.New("service is shutting down")
	ErrUnknownFormat   = errors.New("unknown export format")
	ErrInvalidParam    = errors.New("invalid request parameter")
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

var sentinelMessages = []sentinelMessage{
	{ErrDuplicateReport, UserMessage{"A report already exists for this entity and year", "Delete the existing report before uploading a new one", "RPT001"}},
	{database.ErrUniqueViolation, UserMessage{"A report already exists for this entity and year", "Delete the existing report before uploading a new one", "RPT001"}},
	{ErrQuotaExceeded, UserMessage{"You have reached the maximum number of reports", "Delete an older report first", "RPT002"}},
	{ErrReportNotFound, UserMessage{"Report not found", "Check the report id", "RPT003"}},
	{ErrArtifactNotFound, UserMessage{"The requested file is not available", "Upload the document again if you still need it", "RPT004"}},
	{ErrEntityNotFound, UserMessage{"Entity not found", "Check the entity id or pass an entity name instead", "RPT005"}},
	{ErrInvalidYear, UserMessage{"Invalid reporting year", "Use a four digit year between 1900 and 2100", "RPT006"}},
	{ErrInvalidParam, UserMessage{"Invalid request parameter", "Check the request parameters and try again", "RPT007"}},
	{ErrFileTooLarge, UserMessage{"File exceeds the maximum upload size", "Upload a smaller package", "FILE001"}},
	{ErrUnsupportedFile, UserMessage{"Unsupported file type", "Upload an .xhtml, .html or .zip report package", "FILE002"}},
	{resolver.ErrUnsupportedExtension, UserMessage{"Unsupported file type", "Upload an .xhtml, .html or .zip report package", "FILE002"}},
	{ErrNoFile, UserMessage{"No file was selected", "Please select a report document to upload", "FILE004"}},
	{ErrEmptyFile, UserMessage{"The uploaded file is empty", "Please upload a non-empty document", "FILE005"}},
	{ErrUnknownFormat, UserMessage{"Unknown export format", "Use format=csv or format=xlsx", "REG002"}},
	{register.ErrLocked, UserMessage{"A register rebuild is already running", "Please wait for it to finish", "REG001"}},
	{ErrMissingOwner, UserMessage{"Missing user identity", "Sign in again", "SVC001"}},
	{ErrShuttingDown, UserMessage{"The service is restarting", "Please try again in a few moments", "SVC002"}},
	{database.ErrNotFound, UserMessage{"Not found", "Check the identifier", "RPT003"}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error text (case-insensitive) to user
// messages for errors that carry no sentinel.
var errorPatterns = []errorPattern{
	// =========================================================================
	// Database Connection Errors (DB004-DB007)
	// =========================================================================
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB005",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB007",
		},
	},

	// =========================================================================
	// Request Errors (UPL004-UPL005)
	// =========================================================================
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "UPL004",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try a smaller document or check your connection",
			Code:    "UPL005",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Please try again later",
			Code:    "DB006",
		},
	},
	{
		pattern: "request body too large",
		msg: UserMessage{
			Message: "File exceeds the maximum upload size",
			Action:  "Upload a smaller package",
			Code:    "FILE001",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000). Support staff
// should check the logs for the original error.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
// Example:
//
//	msg := MapError(fmt.Errorf("upload: %w", ErrDuplicateReport))
//	// msg.Code == "RPT001"
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

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

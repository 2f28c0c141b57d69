package mes

import (
	"errors"
	"fmt"
)

// Stable machine-readable error codes. Callers branch on these, not on
// message strings.
const (
	CodeMONotFound               = "MO_NOT_FOUND"
	CodeMOTargetReached          = "MO_TARGET_REACHED"
	CodeInvalidBarcode           = "INVALID_BARCODE"
	CodeBarcodeMOMismatch        = "BARCODE_MO_MISMATCH"
	CodeSequenceAlreadyUsed      = "SEQUENCE_ALREADY_USED"
	CodeSequenceExceedsTarget    = "SEQUENCE_EXCEEDS_TARGET"
	CodeBarcodeDuplicate         = "BARCODE_DUPLICATE"
	CodeOrderNumberDuplicate     = "ORDER_NUMBER_DUPLICATE"
	CodeInvalidPanelType         = "INVALID_PANEL_TYPE"
	CodeInvalidStatusChange      = "INVALID_STATUS_CHANGE"
	CodeClosureBlocked           = "CLOSURE_BLOCKED"
	CodeCounterInvariantViolated = "COUNTER_INVARIANT_VIOLATED"
	CodeDatabaseError            = "DATABASE_ERROR"
)

// Error is a domain error with a stable code
type Error struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
	Err     error    `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a domain error
func E(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// dbErr wraps an underlying persistence failure. No partial commits are
// ever exposed behind this code; the transaction has been rolled back.
func dbErr(err error) *Error {
	return &Error{Code: CodeDatabaseError, Message: "persistence failure", Err: err}
}

// CodeOf extracts the stable code from an error, or DATABASE_ERROR for
// anything unclassified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeDatabaseError
}

package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies domain failures so boundary layers can map them onto
// transport codes without inspecting messages.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotEligible
	KindMissingPollingStation
	KindVoteNotFound
	KindPrintJobNotFound
	KindConflict
	KindValidation
	KindPrintProcessingFailed
	KindLedgerUnavailable
)

var kindNames = map[ErrorKind]string{
	KindInternal:              "Internal",
	KindNotEligible:           "NotEligible",
	KindMissingPollingStation: "MissingPollingStation",
	KindVoteNotFound:          "VoteNotFound",
	KindPrintJobNotFound:      "PrintJobNotFound",
	KindConflict:              "Conflict",
	KindValidation:            "ValidationError",
	KindPrintProcessingFailed: "PrintProcessingFailed",
	KindLedgerUnavailable:     "LedgerUnavailable",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a typed domain error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying cause.
func WrapError(kind ErrorKind, err error, message string) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

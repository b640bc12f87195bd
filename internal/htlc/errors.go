package htlc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies action failures.
type ErrorKind string

const (
	InvalidInput       ErrorKind = "invalid_input"
	PreconditionFailed ErrorKind = "precondition_failed"
	AdapterError       ErrorKind = "adapter_error"
	UserRejected       ErrorKind = "user_rejected"
	Timeout            ErrorKind = "timeout"
)

// ErrNotFound is returned by adapters when a record is absent where one is required.
var ErrNotFound = errors.New("htlc not found")

// RejectedMessage is shown in place of the raw error for user rejections.
const RejectedMessage = "Transaction rejected, please try again"

// Phrases wallets and signers use when the user declines to sign.
var rejectionPhrases = []string{
	"user rejected",
	"user denied",
	"user declined",
	"rejected by user",
	"denied transaction signature",
	"request rejected",
	"user canceled",
	"user cancelled",
	"signature request was cancelled",
	"transaction was rejected",
}

// Error is an action failure with its classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns the text surfaced to users.
func (e *Error) Message() string {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return UserMessage(e.Kind, msg)
}

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a classified error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or AdapterError when unclassified.
func KindOf(err error) ErrorKind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return AdapterError
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	var he *Error
	return errors.As(err, &he) && he.Kind == kind
}

// Classify normalises an adapter failure. Already-classified errors are
// returned unchanged; rejections are detected from the message text.
// Deadlines are adapter errors: Timeout only marks the manual-claim
// fallback and is never produced here.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	if IsUserRejection(err) {
		return NewError(UserRejected, op, err)
	}
	return NewError(AdapterError, op, err)
}

// IsUserRejection reports whether err looks like a declined signature.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range rejectionPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// UserMessage renders the user-facing text for a failure.
func UserMessage(kind ErrorKind, msg string) string {
	if kind == UserRejected {
		return RejectedMessage
	}
	return msg
}

package kdc

import (
	"fmt"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/pkg/errors"
)

// ProtocolError is a failure reported to the client as a KRB-ERROR.
type ProtocolError struct {
	Code int32
	// Text is sent as e-text. Empty means no e-text.
	Text string
}

func (e *ProtocolError) Error() string {
	if e.Text == "" {
		return errorcode.Lookup(e.Code)
	}
	return fmt.Sprintf("%s: %s", errorcode.Lookup(e.Code), e.Text)
}

func protoErr(code int32, text string) *ProtocolError {
	return &ProtocolError{Code: code, Text: text}
}

// InternalError is a broken invariant inside the KDC, such as an encoder
// producing a different length than it declared. It is never retried.
type InternalError struct {
	cause error
}

func (e *InternalError) Error() string {
	return "kdc internal error: " + e.cause.Error()
}

func (e *InternalError) Unwrap() error {
	return e.cause
}

// internalErr wraps err with a stack trace and marks it fatal.
func internalErr(err error, msg string) error {
	return &InternalError{cause: errors.Wrap(err, msg)}
}

// ErrReferral is returned by Process when the client principal exists but
// its secrets are held by another KDC. No reply is produced.
var ErrReferral = errors.New("kdc: client principal is not served here")

// asProtocolError maps any pipeline failure onto the code and text sent to
// the client.
func asProtocolError(err error) *ProtocolError {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	return protoErr(errorcode.KRB_ERR_GENERIC, "KDC internal error")
}

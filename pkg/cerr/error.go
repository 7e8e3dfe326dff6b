package cerr

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

type Error struct {
	Code    Code
	Msg     string   // message shown to the operator together with the code
	Err     error    // underlying error kept for logs
	Stack   string   // stack trace, captured for Internal-class codes
	Details []string // structured reasons returned by the platform (e.g. publish validation)
}

func NewError(code Code, msg string, underlying error) *Error {
	err := &Error{
		Code: code,
		Msg:  msg,
		Err:  underlying,
	}
	switch code {
	case Internal, Unknown, DataLoss:
		buf := make([]byte, 2048)
		n := runtime.Stack(buf, false)
		err.Stack = string(buf[:n])
	}
	return err
}

func NewErrorWithDetails(code Code, msg string, underlying error, details []string) *Error {
	err := NewError(code, msg, underlying)
	err.Details = details
	return err
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Err == nil {
		fmt.Fprintf(&b, "[%s] %s", e.Code, e.Msg)
	} else {
		fmt.Fprintf(&b, "[%s] %s: %s", e.Code, e.Msg, e.Err.Error())
	}
	if len(e.Details) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Details, "; "))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) AddDetail(detail string) *Error {
	e.Details = append(e.Details, detail)
	return e
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code Code) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

// DetailsOf returns the structured details of err, if any.
func DetailsOf(err error) []string {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Details
	}
	return nil
}

package api

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks failures caused by the request body. Handlers
// answer them with 400.
var ErrInvalidRequest = errors.New("invalid request")

// RequestError is an invalid request. Param names the offending
// GenerationRequest field in its JSON spelling and is empty when no single
// field is at fault.
type RequestError struct {
	Param string
	Msg   string
}

func (e *RequestError) Error() string {
	return e.Msg
}

func (e *RequestError) Unwrap() error {
	return ErrInvalidRequest
}

func invalidParam(param, format string, args ...any) error {
	return &RequestError{Param: param, Msg: fmt.Sprintf(format, args...)}
}

// errorParam returns the field named by err, if any.
func errorParam(err error) string {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Param
	}
	return ""
}

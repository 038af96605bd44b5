package broker

import (
	"errors"
	"fmt"

	"github.com/zoro11031/winebasin/internal/common"
)

// Wire protocol between the unprivileged client and the elevated helper:
// newline-delimited JSON over the helper's stdin (requests) and stdout
// (a Hello line, then one Response per Request, matched by ID).

// Operations the helper accepts. There is deliberately no generic exec.
const (
	OpMount   = "mount"
	OpUnmount = "unmount"
)

// Error codes carried in a Response
const (
	CodeInvalidPath     = "invalid_path"
	CodePrivilegeDenied = "privilege_denied"
	CodeSyscallFailed   = "syscall_failed"
	CodeBadRequest      = "bad_request"
)

// Hello is the first line written by the helper once it runs
type Hello struct {
	Ready bool `json:"ready"`
	EUID  int  `json:"euid"`
}

// Request asks the helper for one privileged operation
type Request struct {
	ID     int    `json:"id"`
	Op     string `json:"op"`
	Lower  string `json:"lower,omitempty"`
	Upper  string `json:"upper,omitempty"`
	Work   string `json:"work,omitempty"`
	Target string `json:"target"`
}

// Response reports the outcome of a Request
type Response struct {
	ID      int    `json:"id"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// errorResponse converts a handler error into its wire form
func errorResponse(id int, err error) Response {
	code := CodeSyscallFailed
	switch {
	case errors.Is(err, common.ErrInvalidPath):
		code = CodeInvalidPath
	case errors.Is(err, common.ErrPrivilegeDenied):
		code = CodePrivilegeDenied
	case errors.Is(err, errBadRequest):
		code = CodeBadRequest
	}
	return Response{ID: id, OK: false, Code: code, Message: err.Error()}
}

// Err converts a Response back into an error wrapping the matching sentinel
func (r Response) Err() error {
	if r.OK {
		return nil
	}

	var sentinel error
	switch r.Code {
	case CodeInvalidPath:
		sentinel = common.ErrInvalidPath
	case CodePrivilegeDenied:
		sentinel = common.ErrPrivilegeDenied
	case CodeBadRequest:
		sentinel = errBadRequest
	default:
		sentinel = common.ErrMountSyscallFailed
	}
	return &remoteError{message: r.Message, sentinel: sentinel}
}

var errBadRequest = errors.New("bad broker request")

// remoteError carries the helper's message verbatim while still matching
// the sentinel through errors.Is
type remoteError struct {
	message  string
	sentinel error
}

func (e *remoteError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("broker: %v", e.sentinel)
	}
	return "broker: " + e.message
}

func (e *remoteError) Unwrap() error {
	return e.sentinel
}

package api

import (
	"errors"
	"fmt"

	"github.com/moonbeam-foundation/lazyfork/storage/lazyloading"
)

// JSON-RPC error codes returned by the API.
const (
	codeInvalidParams = -32602
	codeInternal      = -32603

	// Substrate reports chain and state errors in these ranges.
	codeUnknownBlock = 3000
	codeUnsupported  = 4000
)

var (
	// ErrBadRequest is returned when the provided request parameters are
	// malformed.
	ErrBadRequest = errors.New("invalid request parameters")
)

// Error is a JSON-RPC error with a code, as understood by go-ethereum's
// rpc server.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	// Error shouldn't be constructed with a nil Err, but format it just in case.
	return fmt.Sprintf("rpc error %d", e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode implements rpc.Error.
func (e *Error) ErrorCode() int {
	return e.Code
}

// CodeForError maps backend errors to JSON-RPC error codes.
func CodeForError(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return codeInvalidParams
	case errors.Is(err, lazyloading.ErrUnknownBlock):
		return codeUnknownBlock
	case errors.Is(err, lazyloading.ErrUnsupported):
		return codeUnsupported
	default:
		return codeInternal
	}
}

func rpcError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return err
	}
	return &Error{Code: CodeForError(err), Err: err}
}

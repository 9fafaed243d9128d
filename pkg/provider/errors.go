package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"tally/pkg/types"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// KindTransport indicates the backend could not be reached or the stream broke.
	KindTransport Kind = "transport"
	// KindTimeout indicates the internal request timeout expired.
	KindTimeout Kind = "timeout"
	// KindAPI indicates the backend answered with an error status.
	KindAPI Kind = "api"
	// KindMalformed indicates the backend answered with something unparseable.
	KindMalformed Kind = "malformed"
	// KindConfig indicates a provider was misconfigured.
	KindConfig Kind = "config"
	// KindNoProvider indicates no provider could be resolved.
	KindNoProvider Kind = "no_provider"
	// KindIterationLimit indicates the tool-use loop hit its round-trip cap.
	KindIterationLimit Kind = "iteration_limit"
)

// Error wraps an error with kind and human-friendly message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(kind Kind, msg string, err error) *Error { return &Error{Kind: kind, Message: msg, Err: err} }
func NewError(kind Kind, msg string) *Error        { return &Error{Kind: kind, Message: msg} }

// KindOf returns the kind of err, defaulting to KindTransport.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindTransport
}

// Failure converts err into a failed GenerationResult.
func Failure(err error) *types.GenerationResult {
	return &types.GenerationResult{
		Success:      false,
		ErrorKind:    string(KindOf(err)),
		ErrorMessage: err.Error(),
	}
}

// Guard runs fn under an internal timeout and classifies its outcome.
//
// Expiry of the internal timeout is reported as a failed result. Cancellation of
// ctx by the caller is returned as ctx.Err() so it propagates instead of being
// swallowed. Any other error becomes a failed result.
func Guard(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (*types.GenerationResult, error)) (*types.GenerationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := fn(callCtx)
	if err == nil {
		if res == nil {
			return Failure(NewError(KindMalformed, "empty response")), nil
		}
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return Failure(Wrap(KindTimeout, fmt.Sprintf("no response within %s", timeout), err)), nil
	}
	return Failure(err), nil
}

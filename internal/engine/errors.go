package engine

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("invalid order")
	ErrNoLiquidity = errors.New("no liquidity on the opposite side")
	ErrClosed      = errors.New("engine closed")
)

// ValidationError rejects a request before it touches the book
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InternalError reports an invariant violation detected while processing a
// request. The operation is aborted before any state is mutated.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error in %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

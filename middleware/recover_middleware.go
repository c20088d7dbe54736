package middleware

import (
	"context"
	"fmt"
	"runtime/debug"
)

// PanicError is returned when the handler panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Recover turns a panicking handler into a PanicError.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (result any, err error) {
			defer func() {
				if v := recover(); v != nil {
					result, err = nil, &PanicError{Value: v, Stack: debug.Stack()}
				}
			}()
			return next(ctx, req)
		}
	}
}

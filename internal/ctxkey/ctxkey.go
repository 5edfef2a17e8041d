// Package ctxkey provides typed request-scoped context values
package ctxkey

import (
	"context"
	"fmt"
)

// Key identifies a value of type T stored in a context. Two keys never collide, even with the same name.
type Key[T any] struct {
	name *string
}

// New creates a key. The name is only used for debugging.
func New[T any](name string) Key[T] {
	return Key[T]{name: &name}
}

func (k Key[T]) String() string {
	return fmt.Sprintf("ctxkey[%T](%s)", *new(T), *k.name)
}

// With returns a copy of ctx carrying value under k
func (k Key[T]) With(ctx context.Context, value T) context.Context {
	return context.WithValue(ctx, k, value)
}

// From returns the value stored under k, if any
func (k Key[T]) From(ctx context.Context) (T, bool) {
	value, ok := ctx.Value(k).(T)
	return value, ok
}

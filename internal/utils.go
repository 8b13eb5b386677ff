package internal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// https://adithayyil.tech/posts/go-type-safe-contexts/

// CtxKey is a context key bound to the type of the value it stores
type CtxKey[T any] struct {
	name string
}

// NewCtxKey creates a new typed context key
func NewCtxKey[T any](name string) CtxKey[T] {
	return CtxKey[T]{name: name}
}

func (k CtxKey[T]) String() string {
	return fmt.Sprintf("CtxKey[%T](%s)", *new(T), k.name)
}

// WithValue stores value under key
func WithValue[T any](ctx context.Context, key CtxKey[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

// Value retrieves the value stored under key, if any
func Value[T any](ctx context.Context, key CtxKey[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}

var requestIDKey = NewCtxKey[string]("requestID")

// WithRequestID tags ctx with the ID of the client request being served. Forwarded writes keep the ID of the
// original request so a single write can be followed across nodes in the logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID carried by ctx, generating a fresh one when there is none.
func RequestID(ctx context.Context) string {
	if id, ok := Value(ctx, requestIDKey); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

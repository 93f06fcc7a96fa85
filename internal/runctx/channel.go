// Package runctx holds channel helpers for goroutines that stop with a
// context.
package runctx

import (
	"context"

	"backendlink/internal/logging"
)

// RecvOrDone receives from in unless ctx ends first. ok is false once the
// caller should stop.
func RecvOrDone[T any](ctx context.Context, name string, logger *logging.Logger, in <-chan T) (T, bool) {
	if logger == nil {
		panic("runctx.RecvOrDone: logger must not be nil")
	}
	select {
	case <-ctx.Done():
		logger.Debug("stopping "+name+": context canceled", logging.Field("error", context.Cause(ctx)))
		var zero T
		return zero, false
	case v, ok := <-in:
		if !ok {
			logger.Debug("stopping " + name + ": input channel closed")
		}
		return v, ok
	}
}

// Offer sends value without blocking. A full channel drops the value and
// logs it under name.
func Offer[T any](name string, logger *logging.Logger, out chan<- T, value T) bool {
	if logger == nil {
		panic("runctx.Offer: logger must not be nil")
	}
	select {
	case out <- value:
		return true
	default:
		logger.Warn("dropping "+name+": consumer is behind", logging.Field("capacity", cap(out)))
		return false
	}
}

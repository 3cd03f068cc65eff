package runctx

import (
	"context"

	"hapanel/internal/logging"
)

// RecvOrDone receives from in unless ctx ends first. ok is false when the
// context ended or in was closed.
func RecvOrDone[T any](ctx context.Context, name string, logger *logging.Logger, in <-chan T) (value T, ok bool) {
	select {
	case <-ctx.Done():
		logger.Debug("stopping "+name+": context canceled", logging.Field("error", ctx.Err()))
		return value, false
	case value, ok = <-in:
		if !ok {
			logger.Debug("stopping " + name + ": input channel closed")
		}
		return value, ok
	}
}

// SendOrDone delivers value on out unless ctx ends first.
func SendOrDone[T any](ctx context.Context, name string, logger *logging.Logger, out chan<- T, value T) bool {
	select {
	case <-ctx.Done():
		logger.Debug("stopping "+name+": context canceled before send", logging.Field("error", ctx.Err()))
		return false
	case out <- value:
		return true
	}
}

// Forward copies values from in to out until either side ends, then closes out.
func Forward[T any](ctx context.Context, name string, logger *logging.Logger, in <-chan T, out chan<- T) {
	defer close(out)
	for {
		value, ok := RecvOrDone(ctx, name, logger, in)
		if !ok {
			return
		}
		if !SendOrDone(ctx, name, logger, out, value) {
			return
		}
	}
}

package helpers

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/core/telegram/sender"
)

var globalDispatcher atomic.Pointer[sender.Dispatcher]

// SetDispatcher wires the asynchronous sender used by Deliver.
func SetDispatcher(d *sender.Dispatcher) {
	globalDispatcher.Store(d)
}

// Deliver hands run to the shared dispatcher, ordered with other jobs of the
// same key. Without a dispatcher, or when its queue is saturated, run executes
// inline so replies are never dropped.
func Deliver(ctx context.Context, key, action, endpoint string, run func() error) error {
	disp := globalDispatcher.Load()
	if disp == nil {
		return run()
	}
	err := disp.Enqueue(ctx, key, action, endpoint, run)
	if errors.Is(err, sender.ErrQueueFull) || errors.Is(err, sender.ErrQueueClosed) {
		logger.Warn(ctx, "tg.sender", "queue.fallback",
			slog.String("action", action),
			slog.String("endpoint", endpoint),
			slog.String("err", err.Error()),
		)
		return run()
	}
	return err
}

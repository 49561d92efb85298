package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/liteim/core/logger"
)

// Task is a startup step run against the migrated database, such as pruning
// rows that expired while the process was down.
type Task interface {
	Name() string
	Run(ctx context.Context, db *sqlx.DB) error
}

// TaskFunc adapts a named function to the Task interface.
type TaskFunc struct {
	Label string
	Fn    func(ctx context.Context, db *sqlx.DB) error
}

// Name reports the label used in logs.
func (f TaskFunc) Name() string { return f.Label }

// Run executes the underlying function.
func (f TaskFunc) Run(ctx context.Context, db *sqlx.DB) error {
	return f.Fn(ctx, db)
}

func runTasks(db *sqlx.DB, tasks []Task) error {
	for _, task := range tasks {
		if task == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		start := time.Now()
		err := task.Run(ctx, db)
		cancel()
		if err != nil {
			return fmt.Errorf("task %s: %w", task.Name(), err)
		}
		logger.DB.Info("startup task done",
			slog.String("event", "db.task"),
			slog.String("task", task.Name()),
			slog.Duration("duration", logger.RoundMS(time.Since(start))),
		)
	}
	return nil
}

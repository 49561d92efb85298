package bootstrap

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	coreconfig "github.com/m3rciful/liteim/core/config"
	coredatabase "github.com/m3rciful/liteim/core/database"
)

func noLogger(*coreconfig.Config) error { return nil }

func TestRunMigratesAndRunsTasks(t *testing.T) {
	var ran []string
	res, err := Run(Options{
		Config:     &coreconfig.Config{},
		Database:   coredatabase.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "boot.db")},
		LoggerInit: noLogger,
		Tasks: []Task{TaskFunc{Label: "count", Fn: func(ctx context.Context, db *sqlx.DB) error {
			var n int
			if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM owners`); err != nil {
				return err
			}
			ran = append(ran, "count")
			return nil
		}}},
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { _ = res.DB.Close() })
	if len(ran) != 1 {
		t.Fatalf("expected the task to run once, got %v", ran)
	}
}

func TestRunFailsOnTaskError(t *testing.T) {
	_, err := Run(Options{
		Config:     &coreconfig.Config{},
		Database:   coredatabase.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "boot.db")},
		LoggerInit: noLogger,
		Tasks: []Task{TaskFunc{Label: "broken", Fn: func(context.Context, *sqlx.DB) error {
			return errors.New("nope")
		}}},
	})
	if err == nil {
		t.Fatal("expected task failure to abort bootstrap")
	}
}

func TestRunRejectsNilConfig(t *testing.T) {
	if _, err := Run(Options{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}

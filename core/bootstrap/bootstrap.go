package bootstrap

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	coreconfig "github.com/m3rciful/liteim/core/config"
	coredatabase "github.com/m3rciful/liteim/core/database"
	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/migrations"
)

// Options control the generic bootstrap pipeline.
type Options struct {
	Config   *coreconfig.Config
	Database coredatabase.Config

	LoggerInit func(*coreconfig.Config) error
	Connect    func(coredatabase.Config) (*sqlx.DB, error)
	Migrate    func(db *sqlx.DB, driver string) error
	// Tasks run in order after migrations.
	Tasks []Task
}

// Result exposes infrastructure initialized by the bootstrap pipeline.
type Result struct {
	DB *sqlx.DB
}

// Run initializes the logger, connects to the database, applies migrations
// and runs the startup tasks.
func Run(opts Options) (*Result, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(opts.Config); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	if err := opts.Database.Normalize(); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	connect := opts.Connect
	if connect == nil {
		connect = coredatabase.Connect
	}
	db, err := connect(opts.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: database initialization failed: %w", err)
	}

	migrate := opts.Migrate
	if migrate == nil {
		migrate = func(db *sqlx.DB, driver string) error {
			return coredatabase.RunMigrations(db, driver, migrations.FS)
		}
	}
	if err := migrate(db, opts.Database.Driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: migrations failed: %w", err)
	}

	if err := runTasks(db, opts.Tasks); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &Result{DB: db}, nil
}

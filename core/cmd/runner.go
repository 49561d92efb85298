package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	coreconfig "github.com/m3rciful/liteim/core/config"
	"github.com/m3rciful/liteim/core/logger"
)

// ConfigCarrier exposes access to the embedded core configuration.
type ConfigCarrier interface {
	CoreConfig() *coreconfig.Config
}

// Service is one long running part of the process, such as a transport or
// the HTTP listener. Run blocks until ctx is done or the service fails.
type Service struct {
	Name string
	Run  func(ctx context.Context) error
}

// App lists the services to run. An App implementing io.Closer is closed
// after every service returned.
type App interface {
	Services() ([]Service, error)
}

// Options describe how to load configuration, bootstrap the app, and run it.
type Options struct {
	ConfigEnvVar      string
	DefaultConfigPath string
	// ConfigPath wins over the environment when set, e.g. from a flag.
	ConfigPath string

	LoadConfig func(path string) (ConfigCarrier, error)
	Bootstrap  func(cfg ConfigCarrier) (App, error)

	ShutdownLogger func() error
}

// Run loads configuration, bootstraps the app and runs its services until a
// signal arrives or one of them fails. The first failure stops the others.
func Run(opts Options) error {
	if opts.LoadConfig == nil {
		return fmt.Errorf("cmd: LoadConfig is required")
	}
	if opts.Bootstrap == nil {
		return fmt.Errorf("cmd: Bootstrap is required")
	}

	cfgPath, env := resolveConfigPath(opts)
	if cfgPath == "" {
		return fmt.Errorf("cmd: config path not provided via %s or DefaultConfigPath", env)
	}

	log.Printf("loading config: %s", cfgPath)
	cfg, err := opts.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}
	if cfg.CoreConfig() == nil {
		return fmt.Errorf("cmd: loaded config is missing core configuration")
	}

	startedAt := time.Now()
	application, err := opts.Bootstrap(cfg)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}

	shutdownLogger := opts.ShutdownLogger
	if shutdownLogger == nil {
		shutdownLogger = logger.Shutdown
	}
	defer func() {
		if err := shutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()
	if c, ok := application.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				log.Printf("app close error: %v", err)
			}
		}()
	}

	services, err := application.Services()
	if err != nil {
		return fmt.Errorf("cmd: services build failed: %w", err)
	}
	if len(services) == 0 {
		return fmt.Errorf("cmd: nothing to run")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return runServices(ctx, services, startedAt)
}

func resolveConfigPath(opts Options) (path, env string) {
	env = opts.ConfigEnvVar
	if env == "" {
		env = "CONFIG_PATH"
	}
	if opts.ConfigPath != "" {
		return opts.ConfigPath, env
	}
	if p := os.Getenv(env); p != "" {
		return p, env
	}
	return opts.DefaultConfigPath, env
}

func runServices(ctx context.Context, services []Service, startedAt time.Time) error {
	appLog := logger.Component("app")
	g, gctx := errgroup.WithContext(ctx)
	names := make([]string, 0, len(services))
	for _, svc := range services {
		if svc.Run == nil {
			continue
		}
		names = append(names, svc.Name)
		g.Go(func() error {
			err := svc.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("service failed",
					slog.String("event", "service.failed"),
					slog.String("service", svc.Name),
					slog.String("err", err.Error()),
				)
				return fmt.Errorf("%s: %w", svc.Name, err)
			}
			return nil
		})
	}

	preview, _ := logger.SummarizeStrings(names, 8)
	appLog.Info("app ready",
		slog.String("event", "ready"),
		slog.String("services", preview),
		slog.Duration("startup_duration", logger.RoundMS(time.Since(startedAt))),
	)

	err := g.Wait()
	appLog.Info("shutting down...", slog.String("event", "shutdown"))
	return err
}

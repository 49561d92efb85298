package cmd

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunServicesStopsOthersOnFailure(t *testing.T) {
	boom := errors.New("boom")
	stopped := make(chan struct{})
	services := []Service{
		{Name: "failing", Run: func(context.Context) error { return boom }},
		{Name: "waiting", Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return ctx.Err()
		}},
		{Name: "skipped"},
	}

	err := runServices(context.Background(), services, time.Now())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatal("waiting service was not cancelled")
	}
}

func TestRunServicesCleanShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	services := []Service{{Name: "idle", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}}
	if err := runServices(ctx, services, time.Now()); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("LITEIM_CONFIG", "/etc/liteim.yaml")

	if p, _ := resolveConfigPath(Options{ConfigEnvVar: "LITEIM_CONFIG", ConfigPath: "flag.yaml"}); p != "flag.yaml" {
		t.Fatalf("flag should win, got %q", p)
	}
	if p, _ := resolveConfigPath(Options{ConfigEnvVar: "LITEIM_CONFIG", DefaultConfigPath: "config.yaml"}); p != "/etc/liteim.yaml" {
		t.Fatalf("env should win over default, got %q", p)
	}
	p, env := resolveConfigPath(Options{DefaultConfigPath: "config.yaml"})
	if p != "config.yaml" || env != "CONFIG_PATH" {
		t.Fatalf("unexpected default resolution %q %q", p, env)
	}
}

func TestRunRequiresLoaders(t *testing.T) {
	if err := Run(Options{}); err == nil {
		t.Fatal("expected error without LoadConfig")
	}
}

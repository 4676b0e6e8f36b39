// Command exprec-server runs the experiment recording server: it accepts
// recording connections on the configured endpoint, stores samples through
// the buffered writer, and exports the consolidated artifacts on shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/exprec-hq/exprec/internal/config"
	"github.com/exprec-hq/exprec/internal/experiment"
	"github.com/exprec-hq/exprec/internal/export"
	"github.com/exprec-hq/exprec/internal/logger"
	"github.com/exprec-hq/exprec/internal/server"
	"github.com/exprec-hq/exprec/internal/store"
	"github.com/exprec-hq/exprec/internal/store/postgres"
	"github.com/exprec-hq/exprec/internal/store/sqlite"
)

// countFlag makes -v repeatable: -v -v raises verbosity twice.
type countFlag int

func (c *countFlag) String() string     { return strconv.Itoa(int(*c)) }
func (c *countFlag) IsBoolFlag() bool   { return true }
func (c *countFlag) Set(s string) error { *c++; return nil }

func main() {
	var (
		configPath string
		verbose    countFlag
	)
	flag.StringVar(&configPath, "config", "", "path to the TOML configuration file")
	flag.Var(&verbose, "v", "increase log verbosity (repeatable)")
	flag.Parse()

	if configPath == "" && flag.NArg() > 0 {
		configPath = flag.Arg(0)
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: exprec-server [-v] -config <file>")
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "exprec-server: %v\n", err)
		os.Exit(1)
	}

	logger.Initialize(logger.LevelFromVerbosity(int(verbose)), cfg.Log.Format)

	if err := run(cfg); err != nil {
		logger.Get().Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	engine, err := cfg.ParseEngine()
	if err != nil {
		return err
	}

	var st store.Store
	switch engine.Kind {
	case config.EngineSQLite:
		st, err = sqlite.Open(engine.Path)
	case config.EnginePostgres:
		st, err = postgres.Open(engine.DSN)
	}
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	exporter := export.New(export.Config{
		RecordPath:   cfg.RecordPath(),
		MetadataPath: cfg.MetadataPath(),
		TimesPath:    cfg.TimesPath(),
		Compress:     cfg.Output.Compress,
	})

	iface := experiment.New(st, cfg.Database.RecordChunkSize, defaultMetadata(cfg), exporter.Run)

	srv := server.New(cfg, iface)
	if err := srv.Start(ctx); err != nil {
		iface.Close(ctx)
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	received := <-sig
	logger.Get().Info().Str("signal", received.String()).Msg("shutting down")

	if err := srv.Shutdown(ctx); err != nil {
		return err
	}

	if engine.Kind == config.EngineSQLite && !cfg.Database.Persist {
		if err := os.Remove(engine.Path); err != nil && !os.IsNotExist(err) {
			logger.Get().Warn().Err(err).Str("path", engine.Path).
				Msg("failed to remove database file")
		}
	}

	logger.Get().Info().Msg("shutdown complete")
	return nil
}

// defaultMetadata is stamped onto every new experiment instance: the
// configured experiment name and description, plus any user-supplied pairs.
func defaultMetadata(cfg *config.Config) map[string]string {
	defaults := map[string]string{
		"experiment_name": cfg.Experiment.Name,
		"experiment_desc": cfg.Experiment.Description,
	}
	for label, value := range cfg.Experiment.DefaultMetadata {
		defaults[label] = value
	}
	return defaults
}

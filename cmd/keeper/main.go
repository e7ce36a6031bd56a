// Command keeper is a general purpose CLI interface to keeper backends.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/bobg/subcmd"
	"go.uber.org/zap"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend/logging"
)

type maincmd struct {
	s      *keeper.Store
	logger *zap.Logger
}

func main() {
	var (
		config  = flag.String("config", "keeper.json", "path to config file")
		verbose = flag.Bool("v", false, "log every backend operation")
	)
	flag.Parse()

	if *config == "" {
		log.Fatal("Config value not set")
	}

	logger, err := newLogger(*verbose)
	if err != nil {
		log.Fatalf("Creating logger: %s", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	b, err := backendFromConfig(ctx, *config)
	if err != nil {
		logger.Fatal("creating backend", zap.String("config", *config), zap.Error(err))
	}
	if *verbose {
		b = logging.New(b, logger)
	}

	// With closes the backend on the way out,
	// so a write cache is drained before the process exits.
	err = keeper.With(b, func(s *keeper.Store) error {
		return subcmd.Run(ctx, maincmd{s: s, logger: logger}, flag.Args())
	})
	if err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"add":    c.add,
		"get":    c.get,
		"ingest": c.ingest,
		"ls":     c.ls,
		"sync":   c.sync,
	}
}

// barstore ingests and queries the OHLC and scalar series store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/logging"
	"github.com/xtxerr/barstore/internal/storage"
	"github.com/xtxerr/barstore/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "barstore.yaml", "config file path")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	backend := flag.String("backend", "", "storage backend: local or timescale (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = usage
	flag.Parse()

	if *version {
		fmt.Println("barstore", Version)
		return 0
	}
	if flag.NArg() == 0 {
		usage()
		return errs.CodeValidation
	}

	config.LoadDotenvOnce()

	cfg, fromFile, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "barstore: %v\n", err)
		return errs.ErrorToCode(err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "barstore: %v\n", err)
		return errs.CodeValidation
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	if !fromFile {
		logging.Info("no config file found, using defaults", "path", *cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := storage.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "barstore: %v\n", err)
		return errs.ErrorToCode(err)
	}
	if err := svc.Start(); err != nil {
		svc.Stop()
		fmt.Fprintf(os.Stderr, "barstore: %v\n", err)
		return errs.ErrorToCode(err)
	}

	a := &app{svc: svc, out: os.Stdout}
	err = a.dispatch(ctx, flag.Args())
	if stopErr := svc.Stop(); stopErr != nil {
		logging.Warn("shutdown failed", "error", stopErr)
		if err == nil {
			err = stopErr
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "barstore: %v\n", err)
		code := errs.ErrorToCode(err)
		logging.Debug("exit", "code", code, "name", errs.CodeName(code))
		return code
	}
	return 0
}

// loadConfig reads the config file, falling back to defaults plus
// environment overrides when the file does not exist.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errs.Is(err, os.ErrNotExist) {
		return nil, false, errs.Wrapf(errs.ErrInvalidConfig, "%v", err)
	}
	cfg = config.DefaultConfig()
	cfg.ApplyEnv()
	return cfg, false, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: barstore [flags] <command> [args]

commands:
  ingest [-series ID] [-policy overwrite|skip|fail] [-dry-run] FILE...
  query -series ID [-from KEY] [-to KEY] [-bucket DURATION] [-limit N]
  latest ID
  describe ID
  series
  evict -series ID -before KEY
  partition -series ID -key KEY
  flush
  retention [-dry-run]
  usage
  requirements [-horizon DURATION]
  sql QUERY
  stats
  shell

flags:
`)
	flag.PrintDefaults()
}

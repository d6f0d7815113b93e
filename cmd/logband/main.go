// oreon/defense · watchthelight <wtl>

// Command logband is the logban daemon.
//
//	logband [-config DIR] [run|initdb|check]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/oreonproject/logban/internal/daemon"
	"github.com/oreonproject/logban/internal/matcher"
	"github.com/oreonproject/logban/internal/store"
	"github.com/oreonproject/logban/internal/trigger"
	"github.com/oreonproject/logban/pkg/config"
)

var version = "0.1.0-dev"

func main() {
	configDir := flag.String("config", config.DefaultDir, "configuration directory")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config DIR] [run|initdb|check]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd := "run"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}
	if flag.NArg() > 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logband: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logband: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	switch cmd {
	case "run":
		err = run(cfg, logger)
	case "initdb":
		err = initDB(cfg, logger)
	case "check":
		err = check(cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("logband failed", "command", cmd, "error", err)
		closeLog()
		os.Exit(1)
	}
}

// newLogger builds the slog handler described by [log].
func newLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeFn, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting logband", "version", version, "backend", cfg.Action.Backend)

	st, err := store.Open(ctx, cfg.DB.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	d, err := daemon.New(cfg, st, logger, daemon.WithVersion(version))
	if err != nil {
		return err
	}
	if err := d.Configure(ctx); err != nil {
		return err
	}
	if len(cfg.Filters) == 0 {
		logger.Warn("no filters configured, nothing to watch")
	}

	if err := d.RunForever(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("logband stopped")
	return nil
}

func initDB(cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(context.Background(), cfg.DB.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	fmt.Printf("database ready at %s\n", st.Path())
	return nil
}

// check compiles every filter and verifies every trigger type without
// touching the database or the firewall.
func check(cfg *config.Config) error {
	var errs []error
	for _, f := range cfg.Filters {
		if _, err := matcher.New(f.Event, f.LogPath, f.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Source, err))
		}
	}
	types := trigger.Types()
	for _, id := range slices.Sorted(maps.Keys(cfg.Triggers)) {
		if t := cfg.Triggers[id].Type; !slices.Contains(types, t) {
			errs = append(errs, fmt.Errorf("trigger %s: %w %q", id, trigger.ErrUnknownType, t))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	fmt.Printf("configuration ok: %d filters, %d triggers\n", len(cfg.Filters), len(cfg.Triggers))
	return nil
}

// Package cli is the command-line surface: it assembles configuration,
// logging, cache and metrics, then hands off to the pipeline.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"bundleweaver/internal/cache"
	"bundleweaver/internal/config"
	"bundleweaver/internal/logging"
	"bundleweaver/internal/metrics"
	"bundleweaver/internal/pipeline"
)

const Version = "0.1.0"

// Run executes the command line in args (without argv[0]) and returns the
// process exit code. Errors are reported on stderr.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := NewApp(stdout, stderr)
	err := app.RunContext(ctx, append([]string{app.Name}, args...))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", err)
	}
	return ExitCode(err)
}

// NewApp builds the command tree.
func NewApp(stdout, stderr io.Writer) *cli.App {
	app := &cli.App{
		Name:      "bundleweaver",
		Usage:     "Build, preview and publish a split, content-hashed web bundle",
		Version:   Version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default: <root>/" + config.FileName + ")",
			},
			&cli.StringFlag{
				Name:  "root",
				Usage: "Project root `DIR`",
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Read toolchain flags from `FILE` (repeatable)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Override the configured log format (console|json)",
			},
		},
		Commands: []*cli.Command{
			buildCommand(),
			planCommand(),
			serveCommand(),
			watchCommand(),
			publishCommand(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 0 {
				return invalidInvocationf("unknown command %q", c.Args().First())
			}
			return cli.ShowAppHelp(c)
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return invalidInvocationf("%v", err)
		},
		ExitErrHandler: func(*cli.Context, error) {},
	}
	for _, cmd := range app.Commands {
		cmd.OnUsageError = app.OnUsageError
	}
	return app
}

// env is the assembled runtime of one command.
type env struct {
	cfg      *config.Config
	log      zerolog.Logger
	metrics  *metrics.Collector
	pipeline *pipeline.Pipeline
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(config.Options{
		Path:     c.String("config"),
		Root:     c.String("root"),
		EnvFiles: c.StringSlice("env-file"),
	})
	if err != nil {
		return nil, &configError{err}
	}

	level, format := cfg.Log.Level, cfg.Log.Format
	if v := c.String("log-level"); v != "" {
		level = v
	}
	if v := c.String("log-format"); v != "" {
		format = v
	}
	log, err := logging.New(level, format, c.App.ErrWriter)
	if err != nil {
		return nil, invalidInvocationf("%v", err)
	}

	store, err := newCache(cfg)
	if err != nil {
		return nil, &configError{err}
	}

	m := metrics.New()
	return &env{
		cfg:     cfg,
		log:     log,
		metrics: m,
		pipeline: &pipeline.Pipeline{
			Config:   cfg,
			Registry: pipeline.NewRegistry(cfg.Root, cfg.Stages, os.Getenv),
			Cache:    store,
			Metrics:  m,
			Log:      log,
		},
	}, nil
}

func newCache(cfg *config.Config) (cache.Store, error) {
	if cfg.Cache.Disabled {
		return nil, nil
	}
	var disk cache.Store
	if cfg.Cache.Dir != "" {
		disk = cache.NewFileStore(cache.Dir(cfg.Cache.Dir, cfg.Cache.Version))
	}
	layered, err := cache.NewLayered(cfg.Cache.MemoryEntries, disk)
	if err != nil {
		return nil, err
	}
	return layered, nil
}

func noArgs(c *cli.Context) error {
	if c.NArg() != 0 {
		return invalidInvocationf("unexpected arguments: %q", c.Args().Slice())
	}
	return nil
}

// ignoreCancel treats a cancelled context as a clean shutdown.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

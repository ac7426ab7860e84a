package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"bundleweaver/internal/chunk"
	"bundleweaver/internal/devserver"
	"bundleweaver/internal/pipeline"
	"bundleweaver/internal/publish"
	"bundleweaver/internal/trace"
	"bundleweaver/internal/watch"
)

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "Run a production build into the output directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "trace",
				Usage: "Write the canonical planning trace to `FILE`",
			},
		},
		Action: func(c *cli.Context) error {
			if err := noArgs(c); err != nil {
				return err
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			rep := e.pipeline.Build(c.Context)
			if rep.Err != nil {
				return rep.Err
			}
			if path := c.String("trace"); path != "" {
				if err := writeTrace(path, rep.Plan.Trace); err != nil {
					return err
				}
			}
			printArtifacts(c.App.Writer, rep)
			return nil
		},
	}
}

func writeTrace(path string, t trace.PlanTrace) error {
	b, err := t.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func printArtifacts(w io.Writer, rep *pipeline.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ARTIFACT\tSIZE\tCATEGORY")
	for _, a := range rep.Artifacts {
		if a.Emitted() {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", a.Path, a.Size, a.Category)
		}
	}
	tw.Flush()
	for _, ev := range rep.Warnings {
		fmt.Fprintf(w, "warning: %s\n", ev)
	}
}

// planView is the machine-readable form of a chunk plan.
type planView struct {
	GraphHash string      `json:"graph_hash" yaml:"graph_hash"`
	TraceHash string      `json:"trace_hash" yaml:"trace_hash"`
	Chunks    []chunkView `json:"chunks" yaml:"chunks"`
	Warnings  []string    `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

type chunkView struct {
	Name       string   `json:"name" yaml:"name"`
	Kind       string   `json:"kind" yaml:"kind"`
	Group      string   `json:"group,omitempty" yaml:"group,omitempty"`
	Size       int64    `json:"size" yaml:"size"`
	Initial    bool     `json:"initial" yaml:"initial"`
	Requesters []string `json:"requesters" yaml:"requesters"`
	Modules    []string `json:"modules" yaml:"modules"`
}

func newPlanView(p *chunk.Plan) (planView, error) {
	th, err := p.Trace.Hash()
	if err != nil {
		return planView{}, fmt.Errorf("hash trace: %w", err)
	}
	v := planView{GraphHash: p.GraphHash, TraceHash: th}
	for _, c := range p.Chunks {
		v.Chunks = append(v.Chunks, chunkView{
			Name:       c.Name,
			Kind:       string(c.Kind),
			Group:      c.Group,
			Size:       c.Size,
			Initial:    c.Initial,
			Requesters: c.Requesters,
			Modules:    c.Modules,
		})
	}
	for _, w := range p.Warnings() {
		v.Warnings = append(v.Warnings, w.String())
	}
	return v, nil
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Show the chunk plan without writing output",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format: text|json|yaml",
				Value: "text",
			},
		},
		Action: func(c *cli.Context) error {
			if err := noArgs(c); err != nil {
				return err
			}
			format := c.String("format")
			switch format {
			case "text", "json", "yaml":
			default:
				return invalidInvocationf("invalid --format %q (expected text|json|yaml)", format)
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			p, err := e.pipeline.Plan(c.Context)
			if err != nil {
				return err
			}
			v, err := newPlanView(p)
			if err != nil {
				return err
			}
			return printPlan(c.App.Writer, format, v)
		},
	}
}

func printPlan(w io.Writer, format string, v planView) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	fmt.Fprintf(w, "graph %s\ntrace %s\n\n", v.GraphHash, v.TraceHash)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHUNK\tKIND\tSIZE\tMODULES\tREQUESTERS")
	for _, c := range v.Chunks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", c.Name, c.Kind, c.Size, len(c.Modules), len(c.Requesters))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, msg := range v.Warnings {
		fmt.Fprintf(w, "warning: %s\n", msg)
	}
	return nil
}

func addrFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "addr",
		Usage: "Listen on `ADDR` (default: serve.addr from configuration)",
	}
}

func serveAddr(c *cli.Context, e *env) string {
	if v := c.String("addr"); v != "" {
		return v
	}
	return e.cfg.Serve.Addr
}

func statusOf(rep *pipeline.Report) devserver.Status {
	st := devserver.Status{BuildID: rep.BuildID, OK: rep.Err == nil, Finished: time.Now().UTC()}
	if rep.Err != nil {
		st.Error = rep.Err.Error()
	}
	for _, w := range rep.Warnings {
		st.Warnings = append(st.Warnings, w.String())
	}
	return st
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Build once and serve the output directory",
		Flags: []cli.Flag{addrFlag()},
		Action: func(c *cli.Context) error {
			if err := noArgs(c); err != nil {
				return err
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			rep := e.pipeline.Build(c.Context)
			if rep.Err != nil {
				return rep.Err
			}
			srv := &devserver.Server{Dir: e.cfg.OutDir, Gatherer: e.metrics.Registry(), Log: e.log}
			srv.SetStatus(statusOf(rep))
			return ignoreCancel(srv.ListenAndServe(c.Context, serveAddr(c, e)))
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Rebuild on source changes, optionally serving the output",
		Flags: []cli.Flag{
			addrFlag(),
			&cli.BoolFlag{
				Name:  "serve",
				Usage: "Serve the output directory while watching",
			},
		},
		Action: func(c *cli.Context) error {
			if err := noArgs(c); err != nil {
				return err
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			return runWatch(c.Context, e, c.Bool("serve"), serveAddr(c, e))
		},
	}
}

func runWatch(ctx context.Context, e *env, serve bool, addr string) error {
	srv := &devserver.Server{Dir: e.cfg.OutDir, Gatherer: e.metrics.Registry(), Log: e.log}
	// Every rebuild is a fresh build; a failed one keeps the last good
	// output on disk and is reported through the status endpoint.
	rebuild := func(ctx context.Context) {
		srv.SetStatus(statusOf(e.pipeline.Build(ctx)))
	}
	rebuild(ctx)

	w := &watch.Watcher{
		Dirs:     []string{e.cfg.SrcDir},
		Ignore:   []string{e.cfg.OutDir, filepath.Join(e.cfg.Root, e.cfg.VendorDir), e.cfg.Cache.Dir},
		Debounce: e.cfg.Watch.Debounce,
		Log:      e.log,
		OnChange: func(ctx context.Context, changed []string) {
			e.log.Info().Int("files", len(changed)).Msg("rebuilding")
			rebuild(ctx)
		},
	}

	if !serve {
		return ignoreCancel(w.Run(ctx))
	}
	errCh := make(chan error, 2)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { errCh <- w.Run(ctx) }()
	go func() { errCh <- srv.ListenAndServe(ctx, addr) }()
	err := <-errCh
	cancel()
	if err2 := <-errCh; err == nil {
		err = err2
	}
	return ignoreCancel(err)
}

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "Upload the output directory to an S3-compatible bucket",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "skip-build",
				Usage: "Publish the existing output without rebuilding",
			},
		},
		Action: func(c *cli.Context) error {
			if err := noArgs(c); err != nil {
				return err
			}
			e, err := setup(c)
			if err != nil {
				return err
			}
			pc := e.cfg.Publish
			target, err := publish.NewS3Target(publish.S3Config{
				Endpoint:  pc.Endpoint,
				Region:    pc.Region,
				AccessKey: pc.AccessKey,
				SecretKey: pc.SecretKey,
				Bucket:    pc.Bucket,
				UseSSL:    pc.UseSSL,
			})
			if err != nil {
				return &configError{err}
			}
			if !c.Bool("skip-build") {
				if rep := e.pipeline.Build(c.Context); rep.Err != nil {
					return rep.Err
				}
			}
			p := &publish.Publisher{
				Target:      target,
				Prefix:      pc.Prefix,
				Exclude:     pc.Exclude,
				Concurrency: e.cfg.Concurrency,
				Log:         e.log,
			}
			res, err := p.Publish(c.Context, e.cfg.OutDir)
			if err != nil {
				return err
			}
			for _, k := range res.Keys {
				fmt.Fprintln(c.App.Writer, k)
			}
			return nil
		},
	}
}

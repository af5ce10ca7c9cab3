package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/VladMinzatu/yaca/internal/attach"
	"github.com/VladMinzatu/yaca/internal/callgraph"
	"github.com/VladMinzatu/yaca/internal/exporter"
	"github.com/VladMinzatu/yaca/internal/metrics"
	"github.com/VladMinzatu/yaca/internal/profiler"
	"github.com/VladMinzatu/yaca/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	addr          string
	interval      time.Duration
	allow         string
	deny          string
	pid           int
	mainClass     string
	dumper        string
	otlpEndpoint  string
	pushInterval  time.Duration
	maxStacks     int
	allowedOrigin string
	traceIngest   bool
}

func newServeCmd(newLogger func() (*logrus.Logger, error)) *cobra.Command {
	var o serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sample a JVM continuously and serve its call graph over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), o, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", ":8082", "HTTP listen address")
	f.DurationVar(&o.interval, "interval", 10*time.Millisecond, "delay between thread dumps (must be > 1ms)")
	f.StringVar(&o.allow, "allow", "", "only keep frames matching this regular expression")
	f.StringVar(&o.deny, "deny", "", "drop frames matching this regular expression")
	f.IntVar(&o.pid, "pid", 0, "process to attach to (0 selects one automatically)")
	f.StringVar(&o.mainClass, "main-class", "org.apache.catalina.startup.Bootstrap", "main class preferred when selecting a process")
	f.StringVar(&o.dumper, "dumper", string(attach.Jstack), "thread dump tool: jstack or jcmd")
	f.StringVar(&o.otlpEndpoint, "otlp-endpoint", "", "push profiles to this OTLP gRPC collector")
	f.DurationVar(&o.pushInterval, "push-interval", 10*time.Second, "how often profiles are pushed to the collector")
	f.IntVar(&o.maxStacks, "max-stacks", 10000, "distinct stacks kept for export between pushes")
	f.StringVar(&o.allowedOrigin, "allowed-origin", "*", "value of Access-Control-Allow-Origin")
	f.BoolVar(&o.traceIngest, "trace-ingest", false, "log every node and link resolution at debug level")
	return cmd
}

func runServe(ctx context.Context, o serveOptions, logger *logrus.Logger) error {
	tool, err := attach.ParseTool(o.dumper)
	if err != nil {
		return err
	}

	m := metrics.New()
	graph := callgraph.New(callgraph.WithLogger(logger), callgraph.WithTrace(o.traceIngest))
	p, err := profiler.NewProfiler(graph, attach.NewProcScanner(logger), attach.NewCommandDumper(tool, logger), profiler.Config{
		Interval:  o.interval,
		Allow:     o.allow,
		Deny:      o.deny,
		PID:       o.pid,
		MainClass: o.mainClass,
		Logger:    logger,
		Recorder:  m,
	})
	if err != nil {
		return err
	}

	var pusher *exporter.OTLPPusher
	if o.otlpEndpoint != "" {
		pusher, err = exporter.NewOTLPPusher(o.otlpEndpoint, 5*time.Second, logger)
		if err != nil {
			return err
		}
		defer pusher.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples := exporter.NewSampleSet(o.maxStacks)
	srv := server.New(server.Options{
		Graph:         graph,
		Control:       p,
		Samples:       samples,
		Gatherer:      m.Registry(),
		Interval:      o.interval,
		AllowedOrigin: o.allowedOrigin,
		Shutdown:      cancel,
		Logger:        logger,
	})
	httpServer := &http.Server{
		Addr:              o.addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := p.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for batch := range p.Samples() {
			for _, s := range batch {
				samples.Add(s)
			}
		}
		return nil
	})
	if pusher != nil {
		g.Go(func() error {
			ticker := time.NewTicker(o.pushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := pusher.Push(ctx, samples.Drain()); err != nil {
						logger.WithError(err).Warn("Failed to push profile")
					}
				}
			}
		})
	}
	g.Go(func() error {
		logger.WithField("addr", o.addr).Info("Listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		err := httpServer.Shutdown(shutdownCtx)
		_ = p.Stop()
		return err
	})
	return g.Wait()
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/VladMinzatu/yaca/internal/attach"
	"github.com/VladMinzatu/yaca/internal/callgraph"
	"github.com/VladMinzatu/yaca/internal/exporter"
	"github.com/VladMinzatu/yaca/internal/pprof"
	"github.com/VladMinzatu/yaca/internal/profiler"
	"github.com/VladMinzatu/yaca/internal/report"
	"github.com/VladMinzatu/yaca/internal/stack"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const dumpHeader = "Full thread dump"

type analyzeOptions struct {
	allow  string
	deny   string
	top    int
	folded string
	pprof  string
	json   bool
}

func newAnalyzeCmd(newLogger func() (*logrus.Logger, error)) *cobra.Command {
	var o analyzeOptions
	cmd := &cobra.Command{
		Use:   "analyze FILE",
		Short: "Build a call graph from saved thread dumps",
		Long: `analyze reads jstack or jcmd Thread.print output from FILE. Several dumps may be
concatenated in one file; each one is folded into the graph as a separate capture.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			return runAnalyze(cmd.OutOrStdout(), args[0], o, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.allow, "allow", "", "only keep frames matching this regular expression")
	f.StringVar(&o.deny, "deny", "", "drop frames matching this regular expression")
	f.IntVarP(&o.top, "top", "n", 20, "number of methods in the table")
	f.StringVar(&o.folded, "folded", "", "also write folded stacks to this file")
	f.StringVar(&o.pprof, "pprof", "", "also write a gzipped pprof profile to this file")
	f.BoolVar(&o.json, "json", false, "print the snapshot as JSON instead of a table")
	return cmd
}

// splitDumps cuts a file into the thread dumps it contains.
func splitDumps(lines []string) [][]string {
	var dumps [][]string
	start := 0
	for i, line := range lines {
		if i > start && strings.HasPrefix(line, dumpHeader) {
			dumps = append(dumps, lines[start:i])
			start = i
		}
	}
	if start < len(lines) {
		dumps = append(dumps, lines[start:])
	}
	return dumps
}

func runAnalyze(w io.Writer, path string, o analyzeOptions, logger *logrus.Logger) error {
	filter, err := stack.NewFilter(o.allow, o.deny)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	lines, err := attach.NewFileDumper(path).Dump(context.Background(), 0)
	if err != nil {
		return fmt.Errorf("error reading %s: %w", path, err)
	}

	graph := callgraph.New(callgraph.WithLogger(logger))
	extractor := stack.NewExtractor(filter, logger, nil)
	var samples []profiler.Sample
	captures := 0
	for i, dump := range splitDumps(lines) {
		ts := info.ModTime().Add(time.Duration(i) * time.Millisecond)
		var sites []stack.CallSite
		for _, thread := range stack.Threads(dump) {
			threadSites := slices.Collect(extractor.CallSites(thread))
			if len(threadSites) == 0 {
				continue
			}
			sites = append(sites, threadSites...)
			samples = append(samples, profiler.Sample{Timestamp: ts, Stack: threadSites, Count: 1})
		}
		if len(sites) > 0 {
			captures++
		}
		graph.Ingest(sites)
	}
	logger.WithFields(logrus.Fields{"file": path, "dumps": captures, "stacks": len(samples)}).Debug("analyzed thread dumps")

	snap, stats := graph.RenderStats()
	if o.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
	} else if err := report.WriteTable(w, path, snap, stats, o.top); err != nil {
		return err
	}

	if o.folded != "" {
		if err := exporter.WriteFoldedStacksToFile(exporter.BuildFoldedStacks(samples), o.folded); err != nil {
			return fmt.Errorf("error writing folded stacks: %w", err)
		}
	}
	if o.pprof != "" {
		if err := writePprof(samples, o.pprof); err != nil {
			return fmt.Errorf("error writing pprof profile: %w", err)
		}
	}
	return nil
}

func writePprof(samples []profiler.Sample, filename string) error {
	p, err := pprof.BuildPprofProfile(samples, "samples", "count", 0)
	if err != nil {
		return err
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := pprof.WriteProfileGzip(p, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Package attach finds JVM processes on the host and captures their thread dumps.
package attach

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/sirupsen/logrus"
)

var ErrNoTarget = errors.New("no target process")

// Tool selects the JDK command used to take a thread dump.
type Tool string

const (
	Jstack Tool = "jstack"
	Jcmd   Tool = "jcmd"
)

func ParseTool(s string) (Tool, error) {
	switch Tool(s) {
	case Jstack, Jcmd:
		return Tool(s), nil
	}
	return "", fmt.Errorf("unknown dump tool %q: want jstack or jcmd", s)
}

// CommandDumper runs jstack or jcmd against the target for every dump.
type CommandDumper struct {
	Tool   Tool
	Logger *logrus.Logger
}

func NewCommandDumper(tool Tool, logger *logrus.Logger) *CommandDumper {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &CommandDumper{Tool: tool, Logger: logger}
}

func (d *CommandDumper) args(pid int) []string {
	if d.Tool == Jcmd {
		return []string{strconv.Itoa(pid), "Thread.print"}
	}
	return []string{strconv.Itoa(pid)}
}

func (d *CommandDumper) Dump(ctx context.Context, pid int) ([]string, error) {
	if pid <= 0 {
		return nil, ErrNoTarget
	}
	tool := string(d.Tool)
	if tool == "" {
		tool = string(Jstack)
	}
	cmd := exec.CommandContext(ctx, tool, d.args(pid)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %d failed: %w (%s)", tool, pid, err, bytes.TrimSpace(stderr.Bytes()))
	}
	d.Logger.WithFields(logrus.Fields{"tool": tool, "pid": pid, "bytes": stdout.Len()}).Trace("captured thread dump")
	return ReadLines(&stdout)
}

// FileDumper replays a thread dump saved to disk, ignoring the pid.
type FileDumper struct {
	Path string
}

func NewFileDumper(path string) *FileDumper {
	return &FileDumper{Path: path}
}

func (d *FileDumper) Dump(_ context.Context, _ int) ([]string, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadLines(f)
}

func ReadLines(r io.Reader) ([]string, error) {
	var lines []string
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

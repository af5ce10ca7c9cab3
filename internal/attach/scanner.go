package attach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const defaultProcRoot = "/proc"

// ProcScanner lists JVM processes by walking a procfs tree.
type ProcScanner struct {
	Root   string
	Self   int
	Logger *logrus.Logger
}

func NewProcScanner(logger *logrus.Logger) *ProcScanner {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &ProcScanner{Root: defaultProcRoot, Self: unix.Getpid(), Logger: logger}
}

// List returns the pids of all java processes except our own, highest first.
func (s *ProcScanner) List(ctx context.Context) ([]int, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", s.Root, err)
	}

	var pids []int
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == s.Self {
			continue
		}
		ok, err := s.isJava(pid)
		if err != nil {
			// processes come and go while we scan
			s.Logger.WithFields(logrus.Fields{"pid": pid, "error": err}).Trace("skipping process")
			continue
		}
		if ok {
			pids = append(pids, pid)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(pids)))
	s.Logger.WithField("pids", pids).Debug("VirtualMachines")
	return pids, nil
}

func (s *ProcScanner) isJava(pid int) (bool, error) {
	comm, err := os.ReadFile(filepath.Join(s.Root, strconv.Itoa(pid), "comm"))
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(string(comm)) == "java" {
		return true, nil
	}
	args, err := s.args(pid)
	if err != nil {
		return false, err
	}
	return len(args) > 0 && filepath.Base(args[0]) == "java", nil
}

func (s *ProcScanner) args(pid int) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(s.Root, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimRight(raw, "\x00")
	if len(raw) == 0 {
		return nil, nil
	}
	return strings.Split(string(raw), "\x00"), nil
}

// CommandLine returns the space separated command line of pid.
func (s *ProcScanner) CommandLine(pid int) (string, error) {
	args, err := s.args(pid)
	if err != nil {
		return "", err
	}
	return strings.Join(args, " "), nil
}

// Alive reports whether a process with this pid exists, even if we are not
// allowed to signal it.
func (s *ProcScanner) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

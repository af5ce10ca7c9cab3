package stack

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	framePrefix    = "\tat "
	minFrameLength = 10
)

var ErrMalformedFrame = errors.New("malformed frame")

// Recorder observes the outcome of every frame line the extractor looks at.
type Recorder interface {
	FrameAccepted()
	FrameFiltered()
	FrameRejected()
}

type noopRecorder struct{}

func (noopRecorder) FrameAccepted() {}
func (noopRecorder) FrameFiltered() {}
func (noopRecorder) FrameRejected() {}

// QualifiedName returns the fully qualified method of a frame line, e.g.
// "java.lang.Thread.run" for "\tat java.lang.Thread.run(Thread.java:829)".
// Thread headers, lock lines and anything else that is not a frame report false.
func QualifiedName(line string) (string, bool) {
	if len(line) <= minFrameLength || !strings.HasPrefix(line, framePrefix) {
		return "", false
	}
	name := line[len(framePrefix):]
	if idx := strings.IndexByte(name, '('); idx >= 0 {
		name = name[:idx]
	}
	return strings.TrimSpace(name), true
}

// Split breaks a qualified name into package, class and method. Everything
// before the last two segments is the package.
func Split(qualified string) (CallSite, error) {
	parts := strings.Split(qualified, ".")
	if len(parts) < 3 {
		return CallSite{}, fmt.Errorf("%w: %q has %d segments", ErrMalformedFrame, qualified, len(parts))
	}
	n := len(parts)
	return CallSite{
		Package: strings.Join(parts[:n-2], "."),
		Class:   parts[n-2],
		Method:  parts[n-1],
	}, nil
}

type Extractor struct {
	filter   *Filter
	logger   *logrus.Logger
	recorder Recorder
}

func NewExtractor(filter *Filter, logger *logrus.Logger, recorder Recorder) *Extractor {
	if filter == nil {
		filter = &Filter{}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Extractor{filter: filter, logger: logger, recorder: recorder}
}

// CallSites lazily yields the call sites of one dump in the order they appear,
// top of stack first. Each call returns a fresh sequence over lines.
func (e *Extractor) CallSites(lines []string) iter.Seq[CallSite] {
	return func(yield func(CallSite) bool) {
		for _, line := range lines {
			name, ok := QualifiedName(line)
			if !ok {
				continue
			}
			if !e.filter.Match(name) {
				e.recorder.FrameFiltered()
				continue
			}
			site, err := Split(name)
			if err != nil {
				e.recorder.FrameRejected()
				e.logger.WithField("line", line).Warn("Can't process frame")
				continue
			}
			e.recorder.FrameAccepted()
			if !yield(site) {
				return
			}
		}
	}
}

package profiler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VladMinzatu/yaca/internal/callgraph"
	"github.com/VladMinzatu/yaca/internal/stack"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const NoProcess = "----"

var (
	ErrAlreadyStarted   = errors.New("profiler already started")
	ErrInvalidProcessID = errors.New("invalid process id")
)

type Discoverer interface {
	List(ctx context.Context) ([]int, error)
	CommandLine(pid int) (string, error)
	Alive(pid int) bool
}

type Dumper interface {
	Dump(ctx context.Context, pid int) ([]string, error)
}

// Recorder observes the sampling loop. stack.Recorder is embedded so one
// implementation can also count frames.
type Recorder interface {
	stack.Recorder
	CycleCompleted(stats callgraph.Stats)
	CaptureFailed()
	GraphReset()
}

type noopRecorder struct{}

func (noopRecorder) FrameAccepted()                 {}
func (noopRecorder) FrameFiltered()                 {}
func (noopRecorder) FrameRejected()                 {}
func (noopRecorder) CycleCompleted(callgraph.Stats) {}
func (noopRecorder) CaptureFailed()                 {}
func (noopRecorder) GraphReset()                    {}

type Sample struct {
	Timestamp time.Time
	PID       int
	Stack     []stack.CallSite
	Count     uint64
}

type Config struct {
	Interval  time.Duration
	Allow     string
	Deny      string
	PID       int
	MainClass string
	Logger    *logrus.Logger
	Recorder  Recorder
}

type Status struct {
	Available []int  `json:"process_id_available"`
	Active    string `json:"process_id_active"`
	Connected bool   `json:"connected"`
	Session   string `json:"session"`
	Allow     string `json:"filter_white"`
	Deny      string `json:"filter_black"`
}

type Profiler struct {
	interval   time.Duration
	mainClass  string
	graph      *callgraph.Graph
	discoverer Discoverer
	dumper     Dumper
	logger     *logrus.Logger
	recorder   Recorder

	samplesCh chan []Sample

	// guards everything below; lock order is p.mu before the graph lock
	mu        sync.Mutex
	filter    *stack.Filter
	requested int
	active    int
	available []int
	connected bool
	session   uuid.UUID

	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewProfiler(graph *callgraph.Graph, discoverer Discoverer, dumper Dumper, cfg Config) (*Profiler, error) {
	if cfg.Interval <= 1*time.Millisecond {
		return nil, errors.New("invalid interval; must be > 1ms")
	}
	if cfg.PID < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidProcessID, cfg.PID)
	}
	filter, err := stack.NewFilter(cfg.Allow, cfg.Deny)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetLevel(logrus.WarnLevel)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Profiler{
		interval:   cfg.Interval,
		mainClass:  cfg.MainClass,
		graph:      graph,
		discoverer: discoverer,
		dumper:     dumper,
		logger:     cfg.Logger,
		recorder:   cfg.Recorder,
		samplesCh:  make(chan []Sample, 1),
		filter:     filter,
		requested:  cfg.PID,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Samples delivers the thread stacks of each cycle, one Sample per thread.
func (p *Profiler) Samples() <-chan []Sample { return p.samplesCh }

func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	p.wg.Add(1)
	go p.collector()
	return nil
}

func (p *Profiler) Stop() error {
	p.cancel()
	// Wait for collector to exit
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		close(p.samplesCh)
		p.started = false
	}
	return nil
}

func (p *Profiler) collector() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-ticker.C:
			p.cycle(p.ctx, t)
		}
	}
}

// cycle takes one dump of the target and folds it into the graph. The whole
// dump is one Ingest; samples keep one stack per thread.
func (p *Profiler) cycle(ctx context.Context, t time.Time) {
	pid, filter, ok := p.target(ctx)
	if !ok {
		return
	}

	lines, err := p.dumper.Dump(ctx, pid)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.WithFields(logrus.Fields{"pid": pid, "error": err}).Warn("Failed to capture thread dump")
		p.recorder.CaptureFailed()
		p.disconnect(pid)
		return
	}
	p.markConnected(pid)

	extractor := stack.NewExtractor(filter, p.logger, p.recorder)
	var sites []stack.CallSite
	var samples []Sample
	for _, thread := range stack.Threads(lines) {
		threadSites := slices.Collect(extractor.CallSites(thread))
		if len(threadSites) == 0 {
			continue
		}
		sites = append(sites, threadSites...)
		samples = append(samples, Sample{Timestamp: t, PID: pid, Stack: threadSites, Count: 1})
	}
	p.graph.Ingest(sites)
	p.recorder.CycleCompleted(p.graph.Stats())

	if len(samples) == 0 {
		return
	}
	select {
	case p.samplesCh <- samples:
	default:
		p.logger.Debug("consumer wasn't ready, sample dropped")
	}
}

// target attaches to the requested process, discovering one first if
// nothing was requested, and returns the pid to dump in this cycle.
// Discovery touches procfs, so it runs without holding p.mu.
func (p *Profiler) target(ctx context.Context) (int, *stack.Filter, bool) {
	p.mu.Lock()
	discover := p.active == 0 || p.requested != p.active
	requested := p.requested
	p.mu.Unlock()

	var pids []int
	listed := false
	preferred := 0
	if discover {
		var err error
		pids, err = p.discoverer.List(ctx)
		if err != nil {
			p.logger.WithError(err).Warn("Failed to list processes")
		} else {
			listed = true
			if requested == 0 && len(pids) > 0 {
				preferred = p.preferred(pids)
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if listed {
		p.available = pids
	}
	if p.requested == 0 {
		if preferred == 0 {
			return 0, nil, false
		}
		p.requested = preferred
		p.logger.WithFields(logrus.Fields{"pid": p.requested, "available": p.available}).Debug("Select pid")
	}

	if p.requested != p.active {
		p.logger.WithFields(logrus.Fields{"pid": p.requested, "available": p.available}).Info("Request change to pid")
		p.active = p.requested
		p.connected = false
		p.session = uuid.New()
		p.graph.Reset()
		p.recorder.GraphReset()
	}
	return p.active, p.filter, true
}

func (p *Profiler) markConnected(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == pid {
		p.connected = true
	}
}

func (p *Profiler) preferred(pids []int) int {
	if p.mainClass != "" {
		for _, pid := range pids {
			cmdline, err := p.discoverer.CommandLine(pid)
			if err == nil && strings.Contains(cmdline, p.mainClass) {
				return pid
			}
		}
	}
	return pids[0]
}

// disconnect forgets a target that could not be dumped so the next cycle
// rediscovers. The graph is kept until a new target is attached.
func (p *Profiler) disconnect(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != pid {
		return
	}
	p.connected = false
	p.active = 0
	p.requested = 0
	p.available = nil
}

// SetProcessID requests a switch to another target, taking effect on the
// next cycle. Invalid ids are rejected and the current target is kept.
func (p *Profiler) SetProcessID(value string) error {
	value = strings.TrimSpace(value)
	pid, err := strconv.Atoi(value)
	if err != nil || pid <= 0 || !p.discoverer.Alive(pid) {
		p.logger.WithField("pid", value).Error("Invalid id")
		return fmt.Errorf("%w: %q", ErrInvalidProcessID, value)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.WithField("pid", pid).Info("Set new process id")
	p.requested = pid
	return nil
}

func (p *Profiler) SetAllow(pattern string) error {
	return p.updateFilter(func(f *stack.Filter) (*stack.Filter, error) { return f.WithAllow(pattern) })
}

func (p *Profiler) SetDeny(pattern string) error {
	return p.updateFilter(func(f *stack.Filter) (*stack.Filter, error) { return f.WithDeny(pattern) })
}

func (p *Profiler) updateFilter(update func(*stack.Filter) (*stack.Filter, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := update(p.filter)
	if err != nil {
		p.logger.WithError(err).Error("Rejected filter, keeping previous one")
		return err
	}
	p.filter = f
	p.logger.WithFields(logrus.Fields{"allow": f.Allow(), "deny": f.Deny()}).Info("Updated filter")
	return nil
}

// Reset clears the graph and forgets the target. The next cycle attaches
// again, to the requested process if there is one.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = 0
	p.available = nil
	p.connected = false
	p.graph.Reset()
	p.recorder.GraphReset()
}

func (p *Profiler) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Available: slices.Clone(p.available),
		Active:    NoProcess,
		Connected: p.connected,
		Allow:     p.filter.Allow(),
		Deny:      p.filter.Deny(),
	}
	if s.Available == nil {
		s.Available = []int{}
	}
	if p.active != 0 {
		s.Active = strconv.Itoa(p.active)
		s.Session = p.session.String()
	}
	return s
}

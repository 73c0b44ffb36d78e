package engine

import (
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Stage identifies one of the fixed scheduler stages. Stages always execute
// in declaration order.
type Stage int

const (
	StageStartup Stage = iota
	StageSimulation
	StageRender
	StageEditor
	stageCount
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageStartup:
		return "startup"
	case StageSimulation:
		return "simulation"
	case StageRender:
		return "render"
	case StageEditor:
		return "editor"
	}
	return "unknown"
}

// Stages lists every stage in execution order.
func Stages() []Stage {
	return []Stage{StageStartup, StageSimulation, StageRender, StageEditor}
}

// Access declares how a system touches the world.
type Access int

const (
	// ReadWrite systems run sequentially in registration order.
	ReadWrite Access = iota
	// ReadOnly systems may run in parallel after the sequential portion of
	// their stage completes.
	ReadOnly
)

// SystemFunc is the body of a system. Returning an error logs the failure;
// the rest of the stage still runs.
type SystemFunc func(w *World) error

// System is a registered scheduler entry.
type System struct {
	Stage  Stage
	Name   string
	Access Access
	Fn     SystemFunc
}

// violationLog accumulates read-only violations for one frame.
type violationLog struct {
	mu       sync.Mutex
	count    uint64
	offender string
}

func (l *violationLog) record(name string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.count++
	l.offender = name
	l.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"system_name": name,
	}).Warn("read-only system attempted world mutation")
}

// Scheduler executes registered systems across the fixed stages, running
// read-only systems on a bounded worker pool and profiling every stage.
type Scheduler struct {
	systems [stageCount][]System
	workers int

	slowThreshold time.Duration
	profile       FrameProfile
	frame         uint64

	totalViolations uint64
	lastOffender    string
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithWorkers sets the parallel worker count (minimum 1).
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n >= 1 {
			s.workers = n
		}
	}
}

// WithSlowSystemThreshold sets the sequential duration above which a
// slow-system warning is recorded.
func WithSlowSystemThreshold(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.slowThreshold = d }
}

// NewScheduler creates a scheduler with a worker pool sized to the machine.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		workers:       max(1, runtime.NumCPU()-1),
		slowThreshold: 4 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddSystem registers a system. Registration order is execution order within
// the sequential portion of a stage.
func (s *Scheduler) AddSystem(sys System) {
	if sys.Stage < 0 || sys.Stage >= stageCount {
		logrus.WithFields(logrus.Fields{
			"system_name": sys.Name,
			"stage":       int(sys.Stage),
		}).Error("system registered against unknown stage")
		return
	}
	s.systems[sys.Stage] = append(s.systems[sys.Stage], sys)
}

// SetSlowSystemThreshold adjusts the slow-system warning threshold at runtime.
func (s *Scheduler) SetSlowSystemThreshold(d time.Duration) {
	if d > 0 {
		s.slowThreshold = d
	}
}

// Tick runs every stage once against the world and publishes a FrameProfile.
func (s *Scheduler) Tick(w *World) FrameProfile {
	s.frame++
	violations := &violationLog{}

	for _, stage := range Stages() {
		s.runStage(stage, w, violations)
	}

	violations.mu.Lock()
	s.totalViolations += violations.count
	if violations.offender != "" {
		s.lastOffender = violations.offender
	}
	violations.mu.Unlock()

	s.profile.Frame = s.frame
	s.profile.ReadOnlyViolations = s.totalViolations
	s.profile.LastViolator = s.lastOffender
	return s.profile
}

// Profile returns the most recent frame profile.
func (s *Scheduler) Profile() FrameProfile {
	return s.profile
}

func (s *Scheduler) runStage(stage Stage, w *World, violations *violationLog) {
	var sequential, parallel []System
	for _, sys := range s.systems[stage] {
		if sys.Access == ReadWrite {
			sequential = append(sequential, sys)
		} else {
			parallel = append(parallel, sys)
		}
	}

	seqStart := time.Now()
	var slow []string
	for _, sys := range sequential {
		sysStart := time.Now()
		if err := sys.Fn(w); err != nil {
			logrus.WithFields(logrus.Fields{
				"system_name": sys.Name,
				"stage":       stage.String(),
			}).WithError(err).Error("system returned error")
		}
		if d := time.Since(sysStart); d > s.slowThreshold {
			slow = append(slow, sys.Name)
			logrus.WithFields(logrus.Fields{
				"system_name": sys.Name,
				"stage":       stage.String(),
				"duration_ms": d.Milliseconds(),
			}).Warn("slow system")
		}
	}
	seqDuration := time.Since(seqStart)

	parStart := time.Now()
	if len(parallel) > 0 {
		s.runParallel(stage, parallel, w, violations)
	}
	parDuration := time.Since(parStart)

	sp := &s.profile.Stages[stage]
	sp.Stage = stage
	sp.LastSequential = seqDuration
	sp.LastParallel = parDuration
	sp.SequentialEWMA = ewma(sp.SequentialEWMA, seqDuration)
	sp.ParallelEWMA = ewma(sp.ParallelEWMA, parDuration)
	sp.SlowSystems = slow
	sp.SystemCount = len(s.systems[stage])
}

func (s *Scheduler) runParallel(stage Stage, systems []System, w *World, violations *violationLog) {
	jobs := make(chan System, len(systems))
	for _, sys := range systems {
		jobs <- sys
	}
	close(jobs)

	workers := min(s.workers, len(systems))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sys := range jobs {
				s.runGuarded(stage, sys, w, violations)
			}
		}()
	}
	wg.Wait()
}

// runGuarded executes one read-only system against a restricted view,
// recovering panics so the stage always completes.
func (s *Scheduler) runGuarded(stage Stage, sys System, w *World, violations *violationLog) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"system_name": sys.Name,
				"stage":       stage.String(),
				"panic":       r,
			}).Error("parallel system panicked")
		}
	}()
	view := w.readOnlyView(sys.Name, violations)
	if err := sys.Fn(view); err != nil {
		logrus.WithFields(logrus.Fields{
			"system_name": sys.Name,
			"stage":       stage.String(),
		}).WithError(err).Error("system returned error")
	}
}

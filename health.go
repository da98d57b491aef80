package imscore

import (
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Interval between liveness evaluations
const defaultHealthCheckInterval = 60 * time.Second

// Top bit of the dump word serializes concurrent fault recording
const dumpInProgress = 1 << 31

// ExceptionHandler is the recovery point for programming faults caught in
// worker trampolines. The first fault of a concurrent burst has its stack
// recorded; all faults are counted and reported to the HealthChecker, which
// decides whether the process is still making progress.
type ExceptionHandler struct {
	checker *HealthChecker

	// Single-word CAS flag so exactly one stack is recorded per burst
	dumpFlag atomic.Uint32
	faults   atomic.Int64
}

// NewExceptionHandler returns a handler reporting to the given checker. A nil
// checker is allowed; faults are then only logged and counted.
func NewExceptionHandler(checker *HealthChecker) *ExceptionHandler {
	return &ExceptionHandler{checker: checker}
}

// HandlePanic records a recovered panic. Safe to call from any goroutine.
func (h *ExceptionHandler) HandlePanic(v interface{}) {
	h.faults.Add(1)
	if h.dumpFlag.CompareAndSwap(0, dumpInProgress) {
		Log.WithField("panic", v).Errorf("worker fault:\n%s", debug.Stack())
		h.dumpFlag.Store(0)
	} else {
		// Another goroutine is already recording a stack
		Log.WithField("panic", v).Error("worker fault (concurrent, stack suppressed)")
	}
	if h.checker != nil {
		h.checker.ReportException()
	}
}

// Faults returns the total number of faults handled.
func (h *ExceptionHandler) Faults() int64 {
	return h.faults.Load()
}

// HealthChecker runs a periodic liveness evaluation: if an exception was
// reported during the window and no health-check pass happened in the same
// window, the process exits with non-zero status. Counters reset every tick.
type HealthChecker struct {
	opt  HealthCheckerOptions
	exit func(int)

	exceptions atomic.Int64
	passes     atomic.Int64
	done       chan struct{}
}

type HealthCheckerOptions struct {
	// Evaluation period. Defaults to 60s.
	Interval time.Duration

	// Called to terminate the process. Defaults to os.Exit.
	Exit func(int)
}

// NewHealthChecker returns a stopped checker; call Start to begin evaluating.
func NewHealthChecker(opt HealthCheckerOptions) *HealthChecker {
	if opt.Interval == 0 {
		opt.Interval = defaultHealthCheckInterval
	}
	exit := opt.Exit
	if exit == nil {
		exit = os.Exit
	}
	return &HealthChecker{
		opt:  opt,
		exit: exit,
		done: make(chan struct{}),
	}
}

// Start launches the evaluation loop.
func (c *HealthChecker) Start() {
	go c.run()
}

// Stop terminates the evaluation loop.
func (c *HealthChecker) Stop() {
	close(c.done)
}

// ReportException notes that a fault occurred in the current window.
func (c *HealthChecker) ReportException() {
	c.exceptions.Add(1)
}

// HealthCheckPassed notes that the process did useful work in the current
// window, e.g. successfully handled a request.
func (c *HealthChecker) HealthCheckPassed() {
	c.passes.Add(1)
}

func (c *HealthChecker) run() {
	ticker := time.NewTicker(c.opt.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evaluate()
		case <-c.done:
			return
		}
	}
}

func (c *HealthChecker) evaluate() {
	exceptions := c.exceptions.Swap(0)
	passes := c.passes.Swap(0)
	if exceptions > 0 && passes == 0 {
		Log.WithFields(map[string]interface{}{
			"exceptions": exceptions,
		}).Error("faults without a passing health check, terminating")
		c.exit(1)
	}
}

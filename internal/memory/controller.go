// Package memory implements tiered backpressure for the pipeline.
//
// Dataset sizes are unbounded while memory is not. The controller
// samples process memory at fixed pipeline checkpoints (once per
// batch) and classifies usage into tiers; the driver consumes the
// resulting action. The top tier turns a would-be OOM crash into a
// clean, checkpointed, resumable stop.
package memory

import (
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Tier classifies memory usage against the configured ceiling.
type Tier int

const (
	TierNominal Tier = iota
	TierInfo
	TierWarning
	TierCritical
	TierEmergency
)

func (t Tier) String() string {
	switch t {
	case TierNominal:
		return "nominal"
	case TierInfo:
		return "info"
	case TierWarning:
		return "warning"
	case TierCritical:
		return "critical"
	case TierEmergency:
		return "emergency"
	}
	return "unknown"
}

// Action is the control signal the driver consumes.
type Action int

const (
	ActionNone Action = iota
	ActionCollectGarbage
	ActionAggressiveGC
	ActionFlushAndExit
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionCollectGarbage:
		return "collect_garbage"
	case ActionAggressiveGC:
		return "aggressive_gc"
	case ActionFlushAndExit:
		return "flush_and_exit"
	}
	return "unknown"
}

// Reading is one sample of the controller.
type Reading struct {
	Tier     Tier
	Action   Action
	Usage    float64 // fraction of the ceiling, 0 when disabled
	UsedByte int64
}

// Thresholds are the four tier boundaries as fractions of the ceiling.
type Thresholds struct {
	Info      float64
	Warning   float64
	Critical  float64
	Emergency float64
}

// DefaultThresholds mirror the tuning the archiver has run with in
// production: 0.60 / 0.70 / 0.85 / 0.95.
func DefaultThresholds() Thresholds {
	return Thresholds{Info: 0.60, Warning: 0.70, Critical: 0.85, Emergency: 0.95}
}

// Sampler returns the current process memory usage in bytes.
// Injectable so tests can drive synthetic readings.
type Sampler func() int64

// aggressivePasses is how many GC rounds a critical-tier check runs.
const aggressivePasses = 3

// warnBackoffs spaces repeated same-tier warnings so a long run under
// sustained pressure does not flood the log.
var warnBackoffs = []time.Duration{0, 30 * time.Second, 2 * time.Minute, 10 * time.Minute}

// Controller classifies memory samples into tiers and performs the
// collection actions itself; only the emergency signal is left to the
// driver. A zero limit disables all checks. One controller is shared
// across community workers, so checks serialize on an internal lock.
type Controller struct {
	limit      int64
	thresholds Thresholds
	sample     Sampler
	logger     *slog.Logger

	mu           sync.Mutex
	lastTier     Tier
	lastWarnAt   time.Time
	warnBackoff  int
	gcRuns       int64
	samplesTaken int64
}

// Option configures a Controller.
type Option func(*Controller)

// WithSampler replaces the default runtime-based sampler.
func WithSampler(s Sampler) Option {
	return func(c *Controller) { c.sample = s }
}

// WithLogger sets the logger used for tier transitions.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController builds a controller with the given ceiling and
// thresholds. limit <= 0 disables monitoring entirely.
func NewController(limit int64, thresholds Thresholds, opts ...Option) *Controller {
	c := &Controller{
		limit:      limit,
		thresholds: thresholds,
		sample:     heapSample,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// heapSample approximates process memory from the Go runtime: live
// heap plus stacks. Cheaper than reading /proc and close enough for
// threshold classification.
func heapSample() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc + ms.StackInuse)
}

// Enabled reports whether monitoring is active.
func (c *Controller) Enabled() bool { return c.limit > 0 }

// Limit returns the configured ceiling in bytes, 0 when disabled.
func (c *Controller) Limit() int64 { return c.limit }

// Check samples memory once and returns the classification plus the
// action already taken (GC passes run inside Check; FlushAndExit is
// returned for the driver to honor).
func (c *Controller) Check() Reading {
	if !c.Enabled() {
		return Reading{Tier: TierNominal, Action: ActionNone}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	used := c.sample()
	usage := float64(used) / float64(c.limit)
	tier := c.classify(usage)
	c.samplesTaken++

	reading := Reading{Tier: tier, Usage: usage, UsedByte: used}

	switch tier {
	case TierNominal:
		c.resetWarnInterval()
	case TierInfo:
		c.logTier(tier, usage, used)
	case TierWarning:
		c.logTier(tier, usage, used)
		runtime.GC()
		c.gcRuns++
		reading.Action = ActionCollectGarbage
	case TierCritical:
		c.logTier(tier, usage, used)
		for i := 0; i < aggressivePasses; i++ {
			runtime.GC()
			c.gcRuns++
		}
		debug.FreeOSMemory()
		reading.Action = ActionAggressiveGC
	case TierEmergency:
		c.logger.Error("memory pressure at emergency tier, requesting checkpoint and exit",
			"usage", usage, "used_bytes", used, "limit_bytes", c.limit)
		reading.Action = ActionFlushAndExit
	}

	c.lastTier = tier
	return reading
}

func (c *Controller) classify(usage float64) Tier {
	switch {
	case usage >= c.thresholds.Emergency:
		return TierEmergency
	case usage >= c.thresholds.Critical:
		return TierCritical
	case usage >= c.thresholds.Warning:
		return TierWarning
	case usage >= c.thresholds.Info:
		return TierInfo
	}
	return TierNominal
}

// logTier logs a tier observation, suppressing repeats of the same
// tier with an increasing interval.
func (c *Controller) logTier(tier Tier, usage float64, used int64) {
	if tier == c.lastTier && time.Since(c.lastWarnAt) < c.warnInterval() {
		return
	}
	if tier != c.lastTier {
		c.warnBackoff = 0
	} else if c.warnBackoff < len(warnBackoffs)-1 {
		c.warnBackoff++
	}
	c.lastWarnAt = time.Now()

	log := c.logger.Info
	if tier >= TierWarning {
		log = c.logger.Warn
	}
	log("memory usage tier reached",
		"tier", tier.String(), "usage", usage,
		"used_bytes", used, "limit_bytes", c.limit)
}

func (c *Controller) warnInterval() time.Duration {
	if c.warnBackoff >= len(warnBackoffs) {
		return warnBackoffs[len(warnBackoffs)-1]
	}
	return warnBackoffs[c.warnBackoff]
}

func (c *Controller) resetWarnInterval() {
	c.warnBackoff = 0
	c.lastWarnAt = time.Time{}
}

// GCRuns returns how many GC passes the controller has triggered.
func (c *Controller) GCRuns() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gcRuns
}

// Samples returns how many times Check has sampled memory.
func (c *Controller) Samples() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samplesTaken
}

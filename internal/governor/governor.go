// Package governor implements the Resource Governor: periodic sampling of
// process memory, live goroutines, connections, projects, and in-flight
// executions; Prometheus gauges/counters and an execution-latency
// histogram backing the `/metrics` scrape route; and a coarse
// soft-memory-limit backpressure valve:
// run a GC generation, re-sample, and if still over, reject new
// connections and executions until the next clean sample.
package governor

import (
	"os"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/streamroom/streamroom/internal/logger"
)

// ConnCounter is the subset of the Connection Hub the governor samples.
type ConnCounter interface {
	Count() int
	DroppedFrames() int64
}

// ProjectCounter is the subset of the Project Manager the governor samples.
type ProjectCounter interface {
	Count() int
}

// ExecCounter is the subset of the Execution Engine the governor samples.
type ExecCounter interface {
	ActiveCount() int
	ErrorsTotal() int64
}

// Config bounds the governor's sampling and backpressure behavior.
type Config struct {
	SoftMemoryLimitBytes uint64
	SampleInterval       time.Duration
	MetricsLogInterval   time.Duration
}

// Snapshot is a point-in-time view of the governor's samples, the data
// behind the `/health` HTTP route.
type Snapshot struct {
	Uptime            time.Duration `json:"uptime"`
	Connections       int           `json:"connections"`
	Projects          int           `json:"projects"`
	ActiveExecutions  int           `json:"active_executions"`
	Goroutines        int           `json:"goroutines"`
	MemoryBytes       uint64        `json:"memory_bytes"`
	DroppedBroadcasts int64         `json:"dropped_broadcasts"`
	ExecutionErrors   int64         `json:"execution_errors"`
	OverSoftLimit     bool          `json:"over_soft_limit"`
}

// Governor is the Resource Governor.
type Governor struct {
	cfg   Config
	conns ConnCounter
	projs ProjectCounter
	execs ExecCounter

	startedAt time.Time
	overLimit atomic.Bool

	lastDropped    int64
	lastExecErrors int64

	sched *cron.Cron

	gaugeConnections  prometheus.Gauge
	gaugeProjects     prometheus.Gauge
	gaugeExecutions   prometheus.Gauge
	gaugeGoroutines   prometheus.Gauge
	gaugeMemoryBytes  prometheus.Gauge
	counterDropped    prometheus.Counter
	counterExecErrors prometheus.Counter
	histExecDuration  prometheus.Histogram
}

// New constructs a Governor. registry may be nil to use the default
// Prometheus registerer.
func New(cfg Config, conns ConnCounter, projs ProjectCounter, execs ExecCounter, registry prometheus.Registerer) *Governor {
	factory := promauto.With(registry)
	return &Governor{
		cfg:       cfg,
		conns:     conns,
		projs:     projs,
		execs:     execs,
		startedAt: time.Now(),

		gaugeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamroom_active_connections",
			Help: "Number of live WebSocket connections.",
		}),
		gaugeProjects: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamroom_active_projects",
			Help: "Number of registered projects.",
		}),
		gaugeExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamroom_active_executions",
			Help: "Number of in-flight agent CLI executions.",
		}),
		gaugeGoroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamroom_goroutines",
			Help: "Number of live goroutines (runtime.NumGoroutine).",
		}),
		gaugeMemoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamroom_resident_memory_bytes",
			Help: "Resident memory of the server process, in bytes.",
		}),
		counterDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamroom_dropped_broadcasts_total",
			Help: "Cumulative count of broadcast frames dropped due to a full outbound queue.",
		}),
		counterExecErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamroom_execution_errors_total",
			Help: "Cumulative count of agent CLI executions that ended in ERROR.",
		}),
		histExecDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamroom_execution_duration_seconds",
			Help:    "Duration of agent CLI executions, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
}

// ObserveExecutionDuration records one completed execution's wall time,
// called by the Execution Engine alongside its own state broadcast.
func (g *Governor) ObserveExecutionDuration(d time.Duration) {
	g.histExecDuration.Observe(d.Seconds())
}

// Start schedules the periodic sample and metrics-log ticks on cron's
// "@every" syntax, converting the configured durations the same way the
// Message Log turns its retention sweep interval into a cron spec.
func (g *Governor) Start() error {
	g.sched = cron.New()
	if _, err := g.sched.AddFunc("@every "+g.cfg.SampleInterval.String(), g.sampleOnce); err != nil {
		return err
	}
	if _, err := g.sched.AddFunc("@every "+g.cfg.MetricsLogInterval.String(), g.logMetricsOnce); err != nil {
		return err
	}
	g.sched.Start()
	g.sampleOnce()
	return nil
}

// Stop halts the periodic ticks.
func (g *Governor) Stop() {
	if g.sched != nil {
		ctx := g.sched.Stop()
		<-ctx.Done()
	}
}

func processMemoryBytes() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

// sampleOnce takes one sample, updates gauges, and applies the soft-limit
// backpressure valve: over limit -> GC -> re-sample -> still over -> reject
// new work until the next clean sample.
func (g *Governor) sampleOnce() {
	mem := processMemoryBytes()
	if g.cfg.SoftMemoryLimitBytes > 0 && mem > g.cfg.SoftMemoryLimitBytes {
		debug.FreeOSMemory()
		mem = processMemoryBytes()
	}
	over := g.cfg.SoftMemoryLimitBytes > 0 && mem > g.cfg.SoftMemoryLimitBytes
	g.overLimit.Store(over)
	if over {
		logger.Governor().Warn().Uint64("memory_bytes", mem).Uint64("soft_limit", g.cfg.SoftMemoryLimitBytes).
			Msg("over soft memory limit; rejecting new connections and executions")
	}

	g.gaugeMemoryBytes.Set(float64(mem))
	g.gaugeGoroutines.Set(float64(runtime.NumGoroutine()))
	if g.conns != nil {
		g.gaugeConnections.Set(float64(g.conns.Count()))
	}
	if g.projs != nil {
		g.gaugeProjects.Set(float64(g.projs.Count()))
	}
	if g.execs != nil {
		g.gaugeExecutions.Set(float64(g.execs.ActiveCount()))

		errs := g.execs.ErrorsTotal()
		if delta := errs - g.lastExecErrors; delta > 0 {
			g.counterExecErrors.Add(float64(delta))
		}
		g.lastExecErrors = errs
	}
	if g.conns != nil {
		dropped := g.conns.DroppedFrames()
		if delta := dropped - g.lastDropped; delta > 0 {
			g.counterDropped.Add(float64(delta))
		}
		g.lastDropped = dropped
	}
}

func (g *Governor) logMetricsOnce() {
	snap := g.Snapshot()
	logger.Governor().Info().
		Dur("uptime", snap.Uptime).
		Int("connections", snap.Connections).
		Int("projects", snap.Projects).
		Int("active_executions", snap.ActiveExecutions).
		Int("goroutines", snap.Goroutines).
		Uint64("memory_bytes", snap.MemoryBytes).
		Int64("dropped_broadcasts", snap.DroppedBroadcasts).
		Int64("execution_errors", snap.ExecutionErrors).
		Bool("over_soft_limit", snap.OverSoftLimit).
		Msg("resource governor sample")
}

// Allow reports whether new connections or executions should be admitted.
// It is the sole enforcement point for the "reject new work until the next
// clean sample" rule; both the Connection Hub and the Execution Engine
// consult it independently.
func (g *Governor) Allow() bool {
	return !g.overLimit.Load()
}

// Snapshot returns the governor's current view, read by the `/health`
// HTTP route. No wire frame is built from it.
func (g *Governor) Snapshot() Snapshot {
	var connections, projects, active int
	var dropped, execErrors int64
	if g.conns != nil {
		connections = g.conns.Count()
		dropped = g.conns.DroppedFrames()
	}
	if g.projs != nil {
		projects = g.projs.Count()
	}
	if g.execs != nil {
		active = g.execs.ActiveCount()
		execErrors = g.execs.ErrorsTotal()
	}
	return Snapshot{
		Uptime:            time.Since(g.startedAt),
		Connections:       connections,
		Projects:          projects,
		ActiveExecutions:  active,
		Goroutines:        runtime.NumGoroutine(),
		MemoryBytes:       processMemoryBytes(),
		DroppedBroadcasts: dropped,
		ExecutionErrors:   execErrors,
		OverSoftLimit:     g.overLimit.Load(),
	}
}

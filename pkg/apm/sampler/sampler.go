// Package sampler implements component F: a background loop that
// samples CPU and memory at a fixed cadence and ships them as metric
// batches through the ingest client.
package sampler

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/krojew/tracing-elastic-apm/pkg/apm"
)

const (
	keyCPUTotal        = "system.cpu.total.norm.pct"
	keyProcessCPUTotal = "system.process.cpu.total.norm.pct"
	keyMemoryTotal     = "system.memory.total"
	keyMemoryFree      = "system.memory.actual.free"
	keyProcessMemSize  = "system.process.memory.size"
	keyProcessMemRSS   = "system.process.memory.rss.bytes"

	// DefaultInterval is the fixed sampling cadence the spec requires.
	DefaultInterval = 30 * time.Second
)

// snapshot is one reading in the units emitted: CPU usage as a fraction
// of total CPU time (0..1), memory in bytes.
type snapshot struct {
	cpuTotalPct        float64
	processCPUTotalPct float64
	memTotal           float64
	memFree            float64
	processMemSize     float64
	processMemRSS      float64
}

// gatherer is implemented per-OS: sampler_linux.go reads /proc directly,
// sampler_other.go falls back to runtime.MemStats for memory and reports
// zero CPU usage where no portable stdlib source exists.
type gatherer interface {
	gather() (snapshot, error)
}

// Sampler runs the background sampling loop. Enabled is an atomic.Bool
// so Start/Stop never races with the loop's own check of whether it
// should keep running — the design notes explicitly call out replacing
// a global mutable flag with exactly this.
type Sampler struct {
	sink     apm.Sink
	metaOf   func() apm.Metadata
	interval time.Duration
	gather   gatherer

	enabled atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a sampler that reports through sink, stamping each metric
// batch with metaOf().
func New(sink apm.Sink, metaOf func() apm.Metadata) *Sampler {
	return &Sampler{
		sink:     sink,
		metaOf:   metaOf,
		interval: DefaultInterval,
		gather:   newPlatformGatherer(),
		done:     make(chan struct{}),
	}
}

// Start begins the sampling loop. It is a no-op if already started.
func (s *Sampler) Start(ctx context.Context) {
	if !s.enabled.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(ctx)
}

// Stop halts the sampling loop and waits for it to exit.
func (s *Sampler) Stop() {
	if !s.enabled.CompareAndSwap(true, false) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sampler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := s.gather.gather()
			if err != nil {
				log.Printf("apm/sampler: gather failed: %v", err)
				continue
			}
			s.emit(snap)
		}
	}
}

func (s *Sampler) emit(snap snapshot) {
	metric := &apm.Metric{
		Timestamp: time.Now().UnixMicro(),
		Samples: map[string]apm.Sample{
			keyCPUTotal:        {Value: snap.cpuTotalPct},
			keyProcessCPUTotal: {Value: snap.processCPUTotalPct},
			keyMemoryTotal:     {Value: snap.memTotal},
			keyMemoryFree:      {Value: snap.memFree},
			keyProcessMemSize:  {Value: snap.processMemSize},
			keyProcessMemRSS:   {Value: snap.processMemRSS},
		},
	}
	s.sink.Send(apm.Batch{Metadata: s.metaOf(), Metricset: metric})
}

package apm

import (
	"context"
	"os"
	"runtime"
)

// Layer is the assembled, ready-to-use telemetry layer: an Engine plus
// the background sampler, wired to a Sink the caller supplies (normally
// pkg/apm/transport.Client). It owns nothing about how batches are
// shipped — only how spans become batches.
type Layer struct {
	*Engine
	sampler Sampler
}

// Sampler is the subset of pkg/apm/sampler.Sampler the layer needs to
// start and stop; declared here as an interface so this package does
// not import the sampler package (which would import this one for
// apm.Sink, apm.Metadata, apm.Metric — the dependency runs one way).
type Sampler interface {
	Start(ctx context.Context)
	Stop()
}

// NewLayer builds a Layer from process metadata and a sink. The sampler
// is optional; pass nil to disable metrics collection entirely.
func NewLayer(meta Metadata, sink Sink, ignoreURL URLFilter, sampler Sampler) *Layer {
	l := &Layer{
		Engine:  NewEngine(meta, sink, ignoreURL),
		sampler: sampler,
	}
	if l.sampler != nil {
		l.sampler.Start(context.Background())
	}
	return l
}

// Shutdown stops the metrics sampler. The engine itself holds no
// background resources to release; in-flight batches already handed to
// the Sink are that Sink's responsibility to drain (see
// transport.Client.Stop).
func (l *Layer) Shutdown() {
	if l.sampler != nil {
		l.sampler.Stop()
	}
}

// BuildProcessMetadata assembles the Process and System sections of
// Metadata from the running program's own environment — the information
// spec.md treats as an out-of-scope "process/host inventory probe" the
// host is expected to supply, here grounded on Go's own os/runtime
// stdlib since no pack repository carries a dedicated host-inventory
// library either.
func BuildProcessMetadata() (Process, System) {
	hostname, _ := os.Hostname()
	return Process{
			Pid:  os.Getpid(),
			Argv: os.Args,
		}, System{
			Hostname:     hostname,
			Architecture: runtime.GOARCH,
			Platform:     runtime.GOOS,
		}
}

//go:build !linux

package sampler

import "runtime"

// otherGatherer is the degraded fallback for platforms this layer has no
// raw metrics source for: it reports process memory via runtime.MemStats
// and zero for every CPU percentage, matching the teacher's own
// unix/windows build-tag split texture (filesize_unix.go/
// filesize_windows.go, storage_unix.go/storage_windows.go).
type otherGatherer struct{}

func newPlatformGatherer() gatherer { return otherGatherer{} }

func (otherGatherer) gather() (snapshot, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return snapshot{
		processMemSize: float64(m.Sys),
		processMemRSS:  float64(m.HeapInuse + m.StackInuse),
	}, nil
}

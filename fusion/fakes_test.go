package fusion

import (
	"context"
	"sync"

	"github.com/lucidvr/headtrack/spatialmath"
)

// fakeVisual is a canned visual backend.
type fakeVisual struct {
	mu        sync.Mutex
	features  int
	relocPose spatialmath.Pose
	relocOK   bool
	relocs    int
}

func (f *fakeVisual) Relocalize(ctx context.Context) (spatialmath.Pose, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relocs++
	return f.relocPose, f.relocOK
}

func (f *fakeVisual) FeatureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.features
}

// fakeIMUSource replays a fixed sample log.
type fakeIMUSource struct {
	mu      sync.Mutex
	samples []IMUSample
}

func (f *fakeIMUSource) record(samples ...IMUSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, samples...)
}

func (f *fakeIMUSource) MeasurementsInRange(start, end float64) []IMUSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []IMUSample
	for _, s := range f.samples {
		if s.Timestamp >= start && s.Timestamp <= end {
			out = append(out, s)
		}
	}
	return out
}

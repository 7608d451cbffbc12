package motion

import (
	"github.com/golang/geo/r3"

	"github.com/lucidvr/headtrack/spatialmath"
)

const (
	// historyCapacity bounds both history stores.
	historyCapacity = 100
	// poseMaxAgeS evicts pose records older than this relative to the newest.
	poseMaxAgeS = 1.0
)

// PoseRecord is one timestamped pose observation.
type PoseRecord struct {
	Pose      spatialmath.Pose
	Timestamp float64 // seconds
}

// IMURecord is one timestamped IMU sample.
type IMURecord struct {
	AngularVelocity    r3.Vector // rad/s, body frame
	LinearAcceleration r3.Vector // m/s^2, body frame
	Timestamp          float64   // seconds
}

// poseHistory is a bounded newest-first deque of pose records. Records are
// evicted by capacity and by age relative to the newest record.
type poseHistory struct {
	records []PoseRecord
}

func (h *poseHistory) push(rec PoseRecord) {
	h.records = append([]PoseRecord{rec}, h.records...)
	if len(h.records) > historyCapacity {
		h.records = h.records[:historyCapacity]
	}
	cutoff := h.records[0].Timestamp - poseMaxAgeS
	for len(h.records) > 1 && h.records[len(h.records)-1].Timestamp < cutoff {
		h.records = h.records[:len(h.records)-1]
	}
}

func (h *poseHistory) len() int { return len(h.records) }

// at returns the i-th newest record.
func (h *poseHistory) at(i int) PoseRecord { return h.records[i] }

func (h *poseHistory) clear() { h.records = nil }

// imuHistory is a bounded newest-first deque of IMU records, evicted by
// capacity only.
type imuHistory struct {
	records []IMURecord
}

func (h *imuHistory) push(rec IMURecord) {
	h.records = append([]IMURecord{rec}, h.records...)
	if len(h.records) > historyCapacity {
		h.records = h.records[:historyCapacity]
	}
}

func (h *imuHistory) len() int { return len(h.records) }

func (h *imuHistory) at(i int) IMURecord { return h.records[i] }

func (h *imuHistory) clear() { h.records = nil }

package fusion

// State is the tracking state of the fusion machine. Exactly one state is
// active at a time and only the processing loop mutates it (LoadState may set
// it while the loop is stopped).
type State int

const (
	// Uninitialized means no measurements of either kind have arrived yet.
	Uninitialized State = iota
	// Initializing means both streams have been seen and gravity/visual
	// bootstrap is in progress.
	Initializing
	// TrackingNominal is healthy visual-inertial tracking.
	TrackingNominal
	// TrackingRapid is tracking through motion too fast for the visual
	// pipeline to be trusted; the IMU dominates.
	TrackingRapid
	// TrackingVisual is tracking with degraded visual quality.
	TrackingVisual
	// Lost means the motion-state update failed and the tracker needs
	// relocalization.
	Lost
	// Relocalizing means a relocalization attempt is in progress.
	Relocalizing
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case TrackingNominal:
		return "tracking_nominal"
	case TrackingRapid:
		return "tracking_rapid"
	case TrackingVisual:
		return "tracking_visual"
	case Lost:
		return "lost"
	case Relocalizing:
		return "relocalizing"
	default:
		return "unknown"
	}
}

// tracking reports whether the state counts as tracking for the
// tracking-percentage metric.
func (s State) tracking() bool {
	switch s {
	case TrackingNominal, TrackingRapid, TrackingVisual:
		return true
	default:
		return false
	}
}

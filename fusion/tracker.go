// Package fusion fuses asynchronous visual pose updates with IMU samples into
// a single kinematic state for the headset. A background worker drives a
// state machine through initialization (gravity + visual bootstrap), nominal
// and rapid tracking, loss and relocalization, preintegrating IMU windows and
// pushing every fused pose into the motion model the render loop predicts
// from.
package fusion

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"github.com/lucidvr/headtrack/motion"
	"github.com/lucidvr/headtrack/spatialmath"
)

const (
	// nominalIMUPeriodS is assumed for the first sample of a stream, which
	// has no predecessor to difference against.
	nominalIMUPeriodS = 0.001
	// maxIMUGapS clamps the interval a single sample may integrate over, so
	// a stall in the producer cannot fling the state.
	maxIMUGapS = 0.05
)

// Tracker is the visual-inertial fusion state machine. Producers feed it from
// arbitrary goroutines through ProcessIMUMeasurements and
// ProcessVisualTracking, which never block; a single background worker owns
// all state transitions.
//
// Three mutexes guard disjoint state: poseMu (fused kinematic state, machine
// state, visual bookkeeping, and all motion-model access), imuMu (sample
// queue, preintegrator, bias), and the metrics' own lock. No code path holds
// two of them at once.
type Tracker struct {
	cfg    Config
	logger golog.Logger
	clock  clock.Clock

	model  *motion.Model
	visual VisualBackend
	imuSrc IMUSource

	poseMu           sync.Mutex
	state            State
	pose             spatialmath.Pose
	velocity         r3.Vector
	acceleration     r3.Vector
	angularVelocity  r3.Vector
	gravityDir       r3.Vector
	hasGravity       bool
	visualPose       spatialmath.Pose
	visualPoseTS     float64
	appliedVisualTS  float64
	visualGood       bool
	seenVisual       bool
	initStarted      time.Time

	imuMu      sync.Mutex
	pending    []IMUSample
	gravityBuf []IMUSample
	preint     *Preintegrator
	lastIMUTS  float64
	hasLastIMU bool
	maxIMUTS   float64
	seenIMU    bool

	metrics *metrics

	wake chan struct{}

	lifecycleMu             sync.Mutex
	cancelCtx               context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
	started                 bool
}

// NewTracker returns a stopped tracker. The motion model is required and
// becomes single-writer property of the tracker; visual and imuSrc are
// optional collaborators (without them relocalization and the IMU-only
// fallback are unavailable).
func NewTracker(
	cfg Config,
	model *motion.Model,
	visual VisualBackend,
	imuSrc IMUSource,
	calib IMUCalibration,
	logger golog.Logger,
) (*Tracker, error) {
	if err := cfg.Validate("fusion"); err != nil {
		return nil, errors.Wrap(err, "invalid fusion config")
	}
	if model == nil {
		return nil, errors.New("motion model is required")
	}
	return &Tracker{
		cfg:     cfg,
		logger:  logger,
		clock:   clock.New(),
		model:   model,
		visual:  visual,
		imuSrc:  imuSrc,
		preint:  NewPreintegrator(calib),
		pose:    spatialmath.NewZeroPose(),
		metrics: newMetrics(cfg.TrackingEMA, cfg.TimingEMA),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Initialize clears all fused and queued state back to Uninitialized. It must
// not be called while the worker is running.
func (t *Tracker) Initialize() error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	if t.started {
		return errors.New("cannot initialize a running tracker")
	}

	t.poseMu.Lock()
	t.state = Uninitialized
	t.pose = spatialmath.NewZeroPose()
	t.velocity = r3.Vector{}
	t.acceleration = r3.Vector{}
	t.angularVelocity = r3.Vector{}
	t.gravityDir = r3.Vector{}
	t.hasGravity = false
	t.visualPose = spatialmath.NewZeroPose()
	t.visualPoseTS = 0
	t.appliedVisualTS = 0
	t.visualGood = false
	t.seenVisual = false
	t.model.Reset()
	t.poseMu.Unlock()

	t.imuMu.Lock()
	t.pending = nil
	t.gravityBuf = nil
	t.preint.Reset()
	t.lastIMUTS = 0
	t.hasLastIMU = false
	t.maxIMUTS = 0
	t.seenIMU = false
	t.imuMu.Unlock()
	return nil
}

// Start launches the background worker.
func (t *Tracker) Start() error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	if t.started {
		return errors.New("tracker already started")
	}
	t.cancelCtx, t.cancel = context.WithCancel(context.Background())
	t.started = true
	t.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer t.activeBackgroundWorkers.Done()
		t.processLoop()
	})
	return nil
}

// Stop cancels the worker and waits for it to exit. Safe to call repeatedly.
func (t *Tracker) Stop() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	if !t.started {
		return
	}
	t.cancel()
	t.activeBackgroundWorkers.Wait()
	t.started = false
}

// Reset is Stop + Initialize + Start.
func (t *Tracker) Reset() error {
	t.Stop()
	return multierr.Combine(t.Initialize(), t.Start())
}

// Close stops the tracker.
func (t *Tracker) Close() error {
	t.Stop()
	return nil
}

// ProcessIMUMeasurements appends a batch of IMU samples to the queue and
// wakes the worker. Callable from any goroutine; never blocks. An empty
// batch is a no-op.
func (t *Tracker) ProcessIMUMeasurements(batch []IMUSample) {
	if len(batch) == 0 {
		return
	}
	t.imuMu.Lock()
	t.pending = append(t.pending, batch...)
	for _, s := range batch {
		if len(t.gravityBuf) < t.cfg.GravitySamples {
			t.gravityBuf = append(t.gravityBuf, s)
		}
		if s.Timestamp > t.maxIMUTS {
			t.maxIMUTS = s.Timestamp
		}
	}
	t.seenIMU = true
	t.imuMu.Unlock()
	t.notify()
}

// ProcessVisualTracking records a visual pose update with its per-camera
// keypoint and map-point counts, derives the visual-quality boolean from the
// total feature count, and wakes the worker. Callable from any goroutine;
// never blocks.
func (t *Tracker) ProcessVisualTracking(pose spatialmath.Pose, timestamp float64, keypoints, mapPoints []int) {
	features := 0
	for _, n := range keypoints {
		features += n
	}
	for _, n := range mapPoints {
		features += n
	}
	t.poseMu.Lock()
	t.visualPose = pose
	t.visualPoseTS = timestamp
	t.visualGood = features >= t.cfg.MinTrackingFeatures
	t.seenVisual = true
	t.poseMu.Unlock()
	t.notify()
}

func (t *Tracker) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// processLoop runs one cycle per wake, with a poll-interval timeout bounding
// staleness when no producer is pushing.
func (t *Tracker) processLoop() {
	ticker := t.clock.Ticker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.cancelCtx.Done():
			return
		case <-t.wake:
		case <-ticker.C:
		}
		if t.cancelCtx.Err() != nil {
			return
		}
		start := t.clock.Now()
		t.runCycle(t.cancelCtx)
		t.metrics.recordCycle(t.clock.Since(start), t.State().tracking())
	}
}

func (t *Tracker) runCycle(ctx context.Context) {
	switch t.State() {
	case Uninitialized:
		t.imuMu.Lock()
		seenIMU := t.seenIMU
		t.imuMu.Unlock()
		t.poseMu.Lock()
		if seenIMU && t.seenVisual {
			t.state = Initializing
			t.initStarted = t.clock.Now()
			t.logger.Info("both measurement streams seen; initializing")
		}
		t.poseMu.Unlock()
	case Initializing:
		t.tryInitialize()
	case TrackingNominal, TrackingRapid, TrackingVisual:
		t.trackCycle()
	case Lost, Relocalizing:
		t.relocalize(ctx)
	}
}

// tryInitialize completes initialization once gravity is estimated and visual
// tracking is good, seeding the fused pose from the latest visual pose and
// the velocity to zero.
func (t *Tracker) tryInitialize() {
	if !t.InitializeGravity() {
		return
	}
	t.poseMu.Lock()
	defer t.poseMu.Unlock()
	if !t.visualGood {
		return
	}
	t.pose = t.visualPose
	t.appliedVisualTS = t.visualPoseTS
	t.velocity = r3.Vector{}
	t.state = TrackingNominal
	t.metrics.recordInit(t.clock.Since(t.initStarted))
	t.logger.Infow("tracking initialized", "gravity_dir", t.gravityDir)
}

// InitializeGravity estimates the gravity direction in the body frame by
// averaging the oldest buffered accelerometer samples. It fails until enough
// samples are buffered or if the average is degenerate.
func (t *Tracker) InitializeGravity() bool {
	t.imuMu.Lock()
	if len(t.gravityBuf) < t.cfg.GravitySamples {
		t.imuMu.Unlock()
		return false
	}
	var sum r3.Vector
	for _, s := range t.gravityBuf[:t.cfg.GravitySamples] {
		sum = sum.Add(s.Accel)
	}
	t.imuMu.Unlock()

	avg := sum.Mul(1 / float64(t.cfg.GravitySamples))
	if avg.Norm() <= 0.1 {
		return false
	}
	dir := avg.Normalize()

	t.poseMu.Lock()
	t.gravityDir = dir
	t.hasGravity = true
	t.poseMu.Unlock()
	return true
}

// trackCycle runs one tracking iteration: integrate pending IMU data, then
// rebranch among the tracking states. A cycle with nothing to integrate is a
// hard failure and drops to Lost.
func (t *Tracker) trackCycle() {
	if !t.updateMotionState() {
		t.setState(Lost)
		t.logger.Warn("no pending IMU data to integrate; tracking lost")
		return
	}
	t.poseMu.Lock()
	rapid := t.angularVelocity.Norm() > t.cfg.RapidAngularVelocity ||
		t.acceleration.Norm() > t.cfg.RapidLinearAcceleration
	switch {
	case rapid:
		t.state = TrackingRapid
	case t.visualGood:
		t.state = TrackingNominal
	default:
		t.state = TrackingVisual
	}
	t.poseMu.Unlock()
}

// updateMotionState drains the IMU queue, preintegrates it, and applies
// strapdown mechanization to the fused state. Returns false if there was
// nothing to integrate.
func (t *Tracker) updateMotionState() bool {
	t.imuMu.Lock()
	if len(t.pending) == 0 {
		t.imuMu.Unlock()
		return false
	}
	batch := t.pending
	t.pending = nil

	// producers on different goroutines can interleave batches out of order
	sort.Slice(batch, func(i, j int) bool { return batch[i].Timestamp < batch[j].Timestamp })

	for _, s := range batch {
		if !t.hasLastIMU {
			t.preint.Integrate(s, nominalIMUPeriodS)
			t.lastIMUTS = s.Timestamp
			t.hasLastIMU = true
			continue
		}
		dt := s.Timestamp - t.lastIMUTS
		if dt <= 0 {
			continue
		}
		if dt > maxIMUGapS {
			dt = maxIMUGapS
		}
		t.preint.Integrate(s, dt)
		t.lastIMUTS = s.Timestamp
	}

	deltaR := t.preint.DeltaRotation()
	deltaV := t.preint.DeltaVelocity()
	dt := t.preint.DeltaT()
	bias := t.preint.Bias()
	latest := batch[len(batch)-1]
	t.preint.Reset()
	t.imuMu.Unlock()

	if dt <= 0 {
		// every sample was a duplicate timestamp; the queue was consumed but
		// there is nothing to mechanize
		return true
	}

	t.poseMu.Lock()
	defer t.poseMu.Unlock()

	// a visual pose that arrived since the last cycle anchors the state
	// before the new IMU deltas apply
	if t.seenVisual && t.visualPoseTS > t.appliedVisualTS {
		t.pose = t.visualPose
		t.appliedVisualTS = t.visualPoseTS
	}

	g := r3.Vector{Z: -t.cfg.GravityMagnitude}
	q := t.pose.Orientation()
	worldDV := spatialmath.Rotate(q, deltaV)

	newPos := t.pose.Point().
		Add(t.velocity.Mul(dt)).
		Add(worldDV.Mul(0.5 * dt)).
		Add(g.Mul(0.5 * dt * dt))
	t.pose = spatialmath.NewPose(newPos, quat.Mul(q, deltaR))
	t.velocity = t.velocity.Add(worldDV).Add(g.Mul(dt))

	gyro := latest.Gyro.Sub(bias.Gyro)
	accel := latest.Accel.Sub(bias.Accel)
	t.angularVelocity = spatialmath.Rotate(t.pose.Orientation(), gyro)
	t.acceleration = spatialmath.Rotate(t.pose.Orientation(), accel).Add(g)

	t.model.AddPose(t.pose, latest.Timestamp)
	t.model.AddIMU(gyro, accel, latest.Timestamp)
	return true
}

// relocalize attempts visual relocalization and, failing that, continues on
// IMU alone by re-preintegrating the most recent window of raw measurements.
func (t *Tracker) relocalize(ctx context.Context) {
	if t.visual != nil {
		if pose, ok := t.visual.Relocalize(ctx); ok {
			t.poseMu.Lock()
			t.pose = pose
			t.velocity = r3.Vector{}
			t.state = TrackingNominal
			t.poseMu.Unlock()
			t.metrics.recordRelocalization()
			t.logger.Info("relocalization succeeded")
			return
		}
	}
	if !t.cfg.EnableIMUFallback || t.imuSrc == nil {
		return
	}

	t.imuMu.Lock()
	end := t.maxIMUTS
	t.imuMu.Unlock()
	window := t.imuSrc.MeasurementsInRange(end-t.cfg.IMUFallbackWindowS, end)
	if len(window) == 0 {
		return
	}

	t.imuMu.Lock()
	// the replayed window re-anchors the integration timeline
	t.preint.Reset()
	t.hasLastIMU = false
	t.pending = append(t.pending, window...)
	t.imuMu.Unlock()

	if t.updateMotionState() {
		t.setState(TrackingRapid)
		t.logger.Warn("relocalization failed; continuing on IMU only")
	}
}

func (t *Tracker) setState(s State) {
	t.poseMu.Lock()
	t.state = s
	t.poseMu.Unlock()
}

// State returns the current fusion state.
func (t *Tracker) State() State {
	t.poseMu.Lock()
	defer t.poseMu.Unlock()
	return t.state
}

// Pose returns the current fused pose.
func (t *Tracker) Pose() spatialmath.Pose {
	t.poseMu.Lock()
	defer t.poseMu.Unlock()
	return t.pose
}

// Velocity returns the fused linear velocity in m/s, world frame.
func (t *Tracker) Velocity() r3.Vector {
	t.poseMu.Lock()
	defer t.poseMu.Unlock()
	return t.velocity
}

// Acceleration returns the gravity-compensated linear acceleration in m/s²,
// world frame.
func (t *Tracker) Acceleration() r3.Vector {
	t.poseMu.Lock()
	defer t.poseMu.Unlock()
	return t.acceleration
}

// AngularVelocity returns the fused angular velocity in rad/s, world frame.
func (t *Tracker) AngularVelocity() r3.Vector {
	t.poseMu.Lock()
	defer t.poseMu.Unlock()
	return t.angularVelocity
}

// Gravity returns the estimated unit gravity direction in the body frame and
// whether it has been initialized.
func (t *Tracker) Gravity() (r3.Vector, bool) {
	t.poseMu.Lock()
	defer t.poseMu.Unlock()
	return t.gravityDir, t.hasGravity
}

// Bias returns the current IMU bias estimate.
func (t *Tracker) Bias() Bias {
	t.imuMu.Lock()
	defer t.imuMu.Unlock()
	return t.preint.Bias()
}

// SetBias replaces the IMU bias estimate applied to subsequent samples.
func (t *Tracker) SetBias(b Bias) {
	t.imuMu.Lock()
	defer t.imuMu.Unlock()
	t.preint.SetBias(b)
}

// GetPredictedPose extrapolates the fused pose horizonMs milliseconds ahead
// through the motion model. Synchronous and bounded; safe to call from the
// render loop concurrently with the worker.
func (t *Tracker) GetPredictedPose(horizonMs float64) spatialmath.Pose {
	t.poseMu.Lock()
	defer t.poseMu.Unlock()
	return t.model.PredictPose(horizonMs)
}

// Metrics returns a snapshot of the performance counters.
func (t *Tracker) Metrics() PerformanceMetrics {
	return t.metrics.snapshot()
}

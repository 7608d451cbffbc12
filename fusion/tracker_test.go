package fusion

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/lucidvr/headtrack/motion"
	"github.com/lucidvr/headtrack/spatialmath"
)

func newTestTracker(t *testing.T, mutate func(*Config)) (*Tracker, *fakeVisual, *fakeIMUSource) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	model, err := motion.NewModel(motion.DefaultPredictionConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	visual := &fakeVisual{}
	imuSrc := &fakeIMUSource{}
	tr, err := NewTracker(cfg, model, visual, imuSrc, IMUCalibration{}, logger)
	test.That(t, err, test.ShouldBeNil)
	return tr, visual, imuSrc
}

func imuBatch(n int, gyro, accel r3.Vector, start, period float64) []IMUSample {
	batch := make([]IMUSample, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, IMUSample{
			Gyro:      gyro,
			Accel:     accel,
			Timestamp: start + float64(i)*period,
		})
	}
	return batch
}

// restingAccel is what a stationary accelerometer reads: the gravity reaction.
var restingAccel = r3.Vector{Z: 9.81}

// driveToTracking walks the state machine synchronously through
// initialization; the worker is not running.
func driveToTracking(t *testing.T, tr *Tracker) {
	t.Helper()
	ctx := context.Background()
	tr.ProcessIMUMeasurements(imuBatch(100, r3.Vector{}, restingAccel, 0, 0.001))
	tr.ProcessVisualTracking(spatialmath.NewZeroPose(), 0.1, []int{60}, []int{40})

	tr.runCycle(ctx)
	test.That(t, tr.State(), test.ShouldEqual, Initializing)
	tr.runCycle(ctx)
	test.That(t, tr.State(), test.ShouldEqual, TrackingNominal)
}

func TestNewTrackerValidatesConfig(t *testing.T) {
	logger := golog.NewTestLogger(t)
	model, err := motion.NewModel(motion.DefaultPredictionConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	cfg := DefaultConfig()
	cfg.GravitySamples = 0
	_, err = NewTracker(cfg, model, nil, nil, IMUCalibration{}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewTracker(DefaultConfig(), nil, nil, nil, IMUCalibration{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGravityInitialization(t *testing.T) {
	t.Run("exactly enough samples", func(t *testing.T) {
		tr, _, _ := newTestTracker(t, nil)
		tr.ProcessIMUMeasurements(imuBatch(100, r3.Vector{}, r3.Vector{Z: 9.8}, 0, 0.001))
		test.That(t, tr.InitializeGravity(), test.ShouldBeTrue)
		dir, ok := tr.Gravity()
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, dir.Norm(), test.ShouldAlmostEqual, 1, 1e-9)
		test.That(t, dir.Z, test.ShouldAlmostEqual, 1, 1e-9)
	})
	t.Run("one sample short", func(t *testing.T) {
		tr, _, _ := newTestTracker(t, nil)
		tr.ProcessIMUMeasurements(imuBatch(99, r3.Vector{}, r3.Vector{Z: 9.8}, 0, 0.001))
		test.That(t, tr.InitializeGravity(), test.ShouldBeFalse)
		_, ok := tr.Gravity()
		test.That(t, ok, test.ShouldBeFalse)
	})
	t.Run("degenerate average", func(t *testing.T) {
		tr, _, _ := newTestTracker(t, nil)
		tr.ProcessIMUMeasurements(imuBatch(100, r3.Vector{}, r3.Vector{Z: 0.01}, 0, 0.001))
		test.That(t, tr.InitializeGravity(), test.ShouldBeFalse)
	})
}

func TestEmptyIMUBatchIsNoOp(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)
	tr.ProcessIMUMeasurements(nil)
	tr.runCycle(context.Background())
	test.That(t, tr.State(), test.ShouldEqual, Uninitialized)
}

func TestInitializationRequiresVisualQuality(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)
	ctx := context.Background()
	tr.ProcessIMUMeasurements(imuBatch(100, r3.Vector{}, restingAccel, 0, 0.001))
	// 10 features is below the default minimum of 30
	tr.ProcessVisualTracking(spatialmath.NewZeroPose(), 0.1, []int{10}, nil)

	tr.runCycle(ctx)
	test.That(t, tr.State(), test.ShouldEqual, Initializing)
	tr.runCycle(ctx)
	test.That(t, tr.State(), test.ShouldEqual, Initializing)

	// quality recovers, initialization completes with zero velocity
	tr.ProcessVisualTracking(spatialmath.NewPoseFromPoint(r3.Vector{X: 1}), 0.2, []int{60}, nil)
	tr.runCycle(ctx)
	test.That(t, tr.State(), test.ShouldEqual, TrackingNominal)
	test.That(t, tr.Pose().Point().X, test.ShouldAlmostEqual, 1)
	test.That(t, tr.Velocity(), test.ShouldResemble, r3.Vector{})
}

func TestEmptyQueueDropsToLost(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)
	ctx := context.Background()
	driveToTracking(t, tr)

	// first tracking cycle consumes the buffered batch
	tr.runCycle(ctx)
	test.That(t, tr.State().tracking(), test.ShouldBeTrue)

	// nothing pending: hard failure
	tr.runCycle(ctx)
	test.That(t, tr.State(), test.ShouldEqual, Lost)
}

func TestRapidMotionTransition(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)
	ctx := context.Background()
	driveToTracking(t, tr)
	tr.runCycle(ctx) // drain the init batch
	test.That(t, tr.State(), test.ShouldEqual, TrackingNominal)

	// 2 rad/s exceeds the 1.5 rad/s rapid threshold; acceleration stays
	// negligible after gravity compensation
	tr.ProcessIMUMeasurements(imuBatch(10, r3.Vector{Z: 2.0}, restingAccel, 0.1, 0.001))
	tr.runCycle(ctx)
	test.That(t, tr.State(), test.ShouldEqual, TrackingRapid)
	test.That(t, tr.AngularVelocity().Norm(), test.ShouldAlmostEqual, 2.0, 1e-6)
}

func TestDegradedVisualTransition(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)
	ctx := context.Background()
	driveToTracking(t, tr)
	tr.runCycle(ctx)

	// visual quality collapses; gentle motion continues
	tr.ProcessVisualTracking(spatialmath.NewZeroPose(), 0.2, []int{5}, nil)
	tr.ProcessIMUMeasurements(imuBatch(10, r3.Vector{}, restingAccel, 0.2, 0.001))
	tr.runCycle(ctx)
	test.That(t, tr.State(), test.ShouldEqual, TrackingVisual)
}

func TestRelocalizationSuccess(t *testing.T) {
	tr, visual, _ := newTestTracker(t, nil)
	ctx := context.Background()
	driveToTracking(t, tr)
	tr.runCycle(ctx)
	tr.runCycle(ctx) // empty queue -> Lost
	test.That(t, tr.State(), test.ShouldEqual, Lost)

	target := spatialmath.NewPoseFromPoint(r3.Vector{X: 2, Y: 1})
	visual.mu.Lock()
	visual.relocOK = true
	visual.relocPose = target
	visual.mu.Unlock()

	tr.runCycle(ctx)
	test.That(t, tr.State(), test.ShouldEqual, TrackingNominal)
	test.That(t, tr.Pose().AlmostEqual(target, 1e-9, 1e-9), test.ShouldBeTrue)
	test.That(t, tr.Metrics().RelocalizationCount, test.ShouldEqual, 1)
}

func TestIMUOnlyFallback(t *testing.T) {
	tr, visual, imuSrc := newTestTracker(t, nil)
	ctx := context.Background()

	batch := imuBatch(100, r3.Vector{}, restingAccel, 0, 0.001)
	imuSrc.record(batch...)

	driveToTracking(t, tr)
	tr.runCycle(ctx)
	tr.runCycle(ctx)
	test.That(t, tr.State(), test.ShouldEqual, Lost)

	visual.mu.Lock()
	visual.relocOK = false
	visual.mu.Unlock()

	tr.runCycle(ctx)
	test.That(t, tr.State(), test.ShouldEqual, TrackingRapid)
}

func TestIMUOnlyFallbackDisabled(t *testing.T) {
	tr, _, imuSrc := newTestTracker(t, func(cfg *Config) {
		cfg.EnableIMUFallback = false
	})
	ctx := context.Background()
	imuSrc.record(imuBatch(100, r3.Vector{}, restingAccel, 0, 0.001)...)

	driveToTracking(t, tr)
	tr.runCycle(ctx)
	tr.runCycle(ctx)
	test.That(t, tr.State(), test.ShouldEqual, Lost)

	tr.runCycle(ctx)
	test.That(t, tr.State(), test.ShouldEqual, Lost)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)
	tr.poseMu.Lock()
	tr.pose = spatialmath.NewPose(
		r3.Vector{X: 1.5, Y: -0.3, Z: 0.8},
		spatialmath.R3ToQuat(r3.Vector{X: 0.2, Z: -0.4}),
	)
	tr.velocity = r3.Vector{X: 0.1, Y: 0.2, Z: 0.3}
	tr.acceleration = r3.Vector{X: -0.5}
	tr.angularVelocity = r3.Vector{Y: 0.7}
	tr.gravityDir = r3.Vector{Z: 1}
	tr.poseMu.Unlock()
	tr.SetBias(Bias{Accel: r3.Vector{X: 0.01}, Gyro: r3.Vector{Z: 0.002}})

	var buf bytes.Buffer
	test.That(t, tr.SaveState(&buf), test.ShouldBeNil)

	fresh, _, _ := newTestTracker(t, nil)
	test.That(t, fresh.State(), test.ShouldEqual, Uninitialized)
	test.That(t, fresh.LoadState(&buf), test.ShouldBeNil)

	test.That(t, fresh.State(), test.ShouldEqual, TrackingNominal)
	test.That(t, fresh.Pose().AlmostEqual(tr.Pose(), 1e-9, 1e-9), test.ShouldBeTrue)
	test.That(t, fresh.Velocity().Sub(tr.Velocity()).Norm(), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, fresh.Acceleration().Sub(tr.Acceleration()).Norm(), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, fresh.AngularVelocity().Sub(tr.AngularVelocity()).Norm(), test.ShouldAlmostEqual, 0, 1e-9)
	dir, ok := fresh.Gravity()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, dir.Z, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, fresh.Bias().Accel.X, test.ShouldAlmostEqual, 0.01, 1e-12)
	test.That(t, fresh.Bias().Gyro.Z, test.ShouldAlmostEqual, 0.002, 1e-12)
}

func TestLoadStateLegacyLayout(t *testing.T) {
	// the headerless layout: 34 raw little-endian float64s
	pose := spatialmath.NewPoseFromPoint(r3.Vector{X: 2})
	var payload [34]float64
	m := pose.Matrix4()
	copy(payload[0:16], m[:])
	payload[16] = 0.5 // velocity x
	payload[27] = 1   // gravity z

	var buf bytes.Buffer
	test.That(t, binary.Write(&buf, binary.LittleEndian, payload), test.ShouldBeNil)

	tr, _, _ := newTestTracker(t, nil)
	test.That(t, tr.LoadState(&buf), test.ShouldBeNil)
	test.That(t, tr.State(), test.ShouldEqual, TrackingNominal)
	test.That(t, tr.Pose().Point().X, test.ShouldAlmostEqual, 2, 1e-9)
	test.That(t, tr.Velocity().X, test.ShouldAlmostEqual, 0.5, 1e-12)
}

func TestLoadStateRejectsGarbage(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)
	test.That(t, tr.LoadState(bytes.NewReader([]byte("short"))), test.ShouldNotBeNil)
	test.That(t, tr.State(), test.ShouldEqual, Uninitialized)

	// right magic, wrong version
	blob := append([]byte("HTK1"), 0xFF, 0xFF, 0, 0, 0, 0)
	test.That(t, tr.LoadState(bytes.NewReader(blob)), test.ShouldNotBeNil)
}

func TestSaveLoadFile(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)
	path := t.TempDir() + "/state.bin"
	test.That(t, tr.SaveStateToFile(path), test.ShouldBeNil)

	fresh, _, _ := newTestTracker(t, nil)
	test.That(t, fresh.LoadStateFromFile(path), test.ShouldBeNil)
	test.That(t, fresh.State(), test.ShouldEqual, TrackingNominal)

	test.That(t, fresh.LoadStateFromFile(path+".missing"), test.ShouldNotBeNil)
}

func TestInitializeClearsState(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)
	driveToTracking(t, tr)
	tr.runCycle(context.Background())

	test.That(t, tr.Initialize(), test.ShouldBeNil)
	test.That(t, tr.State(), test.ShouldEqual, Uninitialized)
	identity := spatialmath.NewZeroPose()
	test.That(t, tr.Pose().AlmostEqual(identity, 1e-12, 1e-12), test.ShouldBeTrue)
	// prediction on an empty history is the identity pose
	test.That(t, tr.GetPredictedPose(20).AlmostEqual(identity, 1e-12, 1e-12), test.ShouldBeTrue)
}

func TestStartStopAndWakeOnPush(t *testing.T) {
	tr, _, _ := newTestTracker(t, func(cfg *Config) {
		// make the poll fallback too slow to matter: a fast transition
		// proves the wake path works
		cfg.PollInterval = time.Second
	})
	test.That(t, tr.Start(), test.ShouldBeNil)
	test.That(t, tr.Start(), test.ShouldNotBeNil)
	test.That(t, tr.Initialize(), test.ShouldNotBeNil)
	defer tr.Stop()

	tr.ProcessIMUMeasurements(imuBatch(10, r3.Vector{}, restingAccel, 0, 0.001))
	tr.ProcessVisualTracking(spatialmath.NewZeroPose(), 0.01, []int{60}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.State() == Initializing {
			break
		}
		tr.ProcessIMUMeasurements(imuBatch(1, r3.Vector{}, restingAccel, 0.02, 0.001))
		time.Sleep(2 * time.Millisecond)
	}
	test.That(t, tr.State(), test.ShouldEqual, Initializing)

	tr.Stop()
	tr.Stop() // idempotent
}

func TestResetRestartsTracking(t *testing.T) {
	tr, _, _ := newTestTracker(t, nil)
	driveToTracking(t, tr)
	test.That(t, tr.Reset(), test.ShouldBeNil)
	defer tr.Stop()
	// Reset re-initializes and restarts the worker from scratch
	tr.Stop()
	test.That(t, tr.State(), test.ShouldEqual, Uninitialized)
}

func TestMetricsEMA(t *testing.T) {
	m := newMetrics(0.99, 0.95)
	for i := 0; i < 100; i++ {
		m.recordCycle(time.Millisecond, true)
	}
	snap := m.snapshot()
	test.That(t, snap.TrackingPercentage, test.ShouldBeGreaterThan, 50)
	test.That(t, snap.AverageFusionTimeMs, test.ShouldBeGreaterThan, 0)

	// loss decays the percentage smoothly rather than zeroing it
	m.recordCycle(time.Millisecond, false)
	after := m.snapshot().TrackingPercentage
	test.That(t, after, test.ShouldBeLessThan, snap.TrackingPercentage)
	test.That(t, after, test.ShouldBeGreaterThan, snap.TrackingPercentage-2)

	m.recordInit(2 * time.Second)
	m.recordInit(4 * time.Second)
	test.That(t, m.snapshot().AverageInitTimeS, test.ShouldAlmostEqual, 3.0, 1e-9)
}

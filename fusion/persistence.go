package fusion

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/lucidvr/headtrack/spatialmath"
)

// State blobs carry a magic/version header ahead of a length-prefixed payload
// so fields can be added without breaking old saves. The original format had
// no header; LoadState still accepts those headerless blobs.
const (
	stateVersion = 1

	// payload: 16 pose matrix + 3 velocity + 3 acceleration +
	// 3 angular velocity + 3 gravity + 6 bias (ax,ay,az,gx,gy,gz)
	statePayloadFloats = 34
	statePayloadBytes  = statePayloadFloats * 8
)

var stateMagic = [4]byte{'H', 'T', 'K', '1'}

// SaveState writes the fused kinematic state to w.
func (t *Tracker) SaveState(w io.Writer) error {
	var payload [statePayloadFloats]float64

	t.poseMu.Lock()
	m := t.pose.Matrix4()
	copy(payload[0:16], m[:])
	vecInto(payload[16:19], t.velocity)
	vecInto(payload[19:22], t.acceleration)
	vecInto(payload[22:25], t.angularVelocity)
	vecInto(payload[25:28], t.gravityDir)
	t.poseMu.Unlock()

	t.imuMu.Lock()
	bias := t.preint.Bias()
	t.imuMu.Unlock()
	vecInto(payload[28:31], bias.Accel)
	vecInto(payload[31:34], bias.Gyro)

	header := struct {
		Magic   [4]byte
		Version uint16
		Length  uint32
	}{stateMagic, stateVersion, statePayloadBytes}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return errors.Wrap(err, "writing state header")
	}
	if err := binary.Write(w, binary.LittleEndian, payload); err != nil {
		return errors.Wrap(err, "writing state payload")
	}
	return nil
}

// LoadState restores the fused kinematic state from r. It accepts both the
// versioned format SaveState writes and the legacy headerless 34-float
// layout. Loading into an uninitialized tracker promotes it straight to
// TrackingNominal; call it only while the worker is stopped.
func (t *Tracker) LoadState(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "reading state blob")
	}

	var payloadBytes []byte
	if len(raw) >= 10 && bytes.Equal(raw[:4], stateMagic[:]) {
		version := binary.LittleEndian.Uint16(raw[4:6])
		if version != stateVersion {
			return errors.Errorf("unsupported state version %d", version)
		}
		length := binary.LittleEndian.Uint32(raw[6:10])
		if length < statePayloadBytes || len(raw) < 10+int(length) {
			return errors.New("truncated state payload")
		}
		payloadBytes = raw[10 : 10+statePayloadBytes]
	} else if len(raw) == statePayloadBytes {
		payloadBytes = raw
	} else {
		return errors.Errorf("state blob is %d bytes; not a recognized layout", len(raw))
	}

	var payload [statePayloadFloats]float64
	if err := binary.Read(bytes.NewReader(payloadBytes), binary.LittleEndian, &payload); err != nil {
		return errors.Wrap(err, "decoding state payload")
	}

	var m [16]float64
	copy(m[:], payload[0:16])
	pose := spatialmath.NewPoseFromMatrix4(m)
	gravity := vecFrom(payload[25:28])

	t.poseMu.Lock()
	t.pose = pose
	t.velocity = vecFrom(payload[16:19])
	t.acceleration = vecFrom(payload[19:22])
	t.angularVelocity = vecFrom(payload[22:25])
	t.gravityDir = gravity
	t.hasGravity = gravity.Norm() > 0.1
	if t.state == Uninitialized {
		t.state = TrackingNominal
	}
	t.poseMu.Unlock()

	t.imuMu.Lock()
	t.preint.SetBias(Bias{Accel: vecFrom(payload[28:31]), Gyro: vecFrom(payload[31:34])})
	t.imuMu.Unlock()
	return nil
}

// SaveStateToFile writes the state blob to path.
func (t *Tracker) SaveStateToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating state file %q", path)
	}
	if err := t.SaveState(f); err != nil {
		return multiCloseErr(err, f)
	}
	return errors.Wrap(f.Close(), "closing state file")
}

// LoadStateFromFile restores the state blob from path.
func (t *Tracker) LoadStateFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening state file %q", path)
	}
	if err := t.LoadState(f); err != nil {
		return multiCloseErr(err, f)
	}
	return errors.Wrap(f.Close(), "closing state file")
}

func multiCloseErr(err error, f *os.File) error {
	if cerr := f.Close(); cerr != nil {
		return errors.Wrapf(err, "also failed to close: %v", cerr)
	}
	return err
}

func vecInto(dst []float64, v r3.Vector) {
	dst[0], dst[1], dst[2] = v.X, v.Y, v.Z
}

func vecFrom(src []float64) r3.Vector {
	return r3.Vector{X: src[0], Y: src[1], Z: src[2]}
}

package quadem

import (
	"context"

	"go.uber.org/zap"
)

// Device is the vendor-specific half of a driver. The Driver calls these
// hooks from the control context after storing the new value in Params.
// Embed NopDevice to pick up no-op defaults for hooks a device lacks.
type Device interface {
	SetAcquire(on bool) error
	SetAcquireMode(mode AcquireMode) error
	SetAveragingTime(seconds float64) error
	SetBiasState(state int) error
	SetBiasVoltage(volts float64) error
	SetIntegrationTime(seconds float64) error
	SetNumChannels(n int) error
	SetNumAcquire(n int) error
	SetPingPong(v int) error
	SetRange(r int) error
	SetResolution(bits int) error
	SetTriggerMode(mode int) error
	SetValuesPerRead(n int) error

	// ReadStatus refreshes read-back parameters such as the sample time.
	ReadStatus() error
	// Reset returns the hardware to a known state before settings are
	// downloaded again.
	Reset() error
}

// NopDevice implements every Device hook as a successful no-op.
type NopDevice struct{}

func (NopDevice) SetAcquire(bool) error { return nil }
func (NopDevice) SetAcquireMode(AcquireMode) error { return nil }
func (NopDevice) SetAveragingTime(float64) error { return nil }
func (NopDevice) SetBiasState(int) error { return nil }
func (NopDevice) SetBiasVoltage(float64) error { return nil }
func (NopDevice) SetIntegrationTime(float64) error { return nil }
func (NopDevice) SetNumChannels(int) error { return nil }
func (NopDevice) SetNumAcquire(int) error { return nil }
func (NopDevice) SetPingPong(int) error { return nil }
func (NopDevice) SetRange(int) error { return nil }
func (NopDevice) SetResolution(int) error { return nil }
func (NopDevice) SetTriggerMode(int) error { return nil }
func (NopDevice) SetValuesPerRead(int) error { return nil }
func (NopDevice) ReadStatus() error { return nil }
func (NopDevice) Reset() error { return nil }

// Host is the view of the Driver a device adapter is constructed with.
type Host interface {
	// OnSampleReady hands one raw sample (up to MaxInputs channels) to the
	// core. Samples arriving while idle are dropped.
	OnSampleReady(raw []float64)
	// Acquiring is the advisory run flag producer loops poll between reads.
	Acquiring() bool
	// WaitAcquire parks an idle producer until acquisition starts.
	WaitAcquire(ctx context.Context) error
	// Trigger flushes the accumulated records now.
	Trigger()
	Params() *Params
	Logger() *zap.Logger
}

package quadem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrStopTimeout is returned when the producer does not acknowledge a stop
// request within Options.StopTimeout.
var ErrStopTimeout = errors.New("timed out waiting for reading to stop")

const (
	DefaultStopPollInterval = 10 * time.Millisecond
	DefaultStopTimeout      = 5 * time.Second
)

// Options configures a Driver.
type Options struct {
	Name     string
	RingSize int // records; 0 selects DefaultRingSize

	// A synchronous stop polls the producer's reading-active flag every
	// StopPollInterval, giving up after StopTimeout (0 waits forever).
	StopPollInterval time.Duration
	StopTimeout      time.Duration
}

// Status is a point-in-time view of the acquisition counters.
type Status struct {
	Name          string `json:"name"`
	Acquiring     bool   `json:"acquiring"`
	ReadingActive bool   `json:"readingActive"`
	RingCount     int    `json:"ringCount"`
	RingCapacity  int    `json:"ringCapacity"`
	RawCount      int    `json:"rawCount"`
	NumAverage    int    `json:"numAverage"`
	NumAcquired   int    `json:"numAcquired"`
	Overflows     int    `json:"overflows"`
	QueueDepth    int    `json:"queueDepth"`
}

// Driver is one electrometer instance: the shared core plus whichever Device
// is attached. Its mutex is the device lock guarding the ring, the counters
// and the calibration snapshot.
type Driver struct {
	name   string
	logger *zap.Logger

	mu       sync.Mutex
	params   *Params
	ring     *RingBuffer
	queue    *DispatchQueue
	ctrl     *Controller
	consumer *Consumer
	calib    Calibration

	devMu sync.Mutex
	dev   Device

	// ctlMu serialises control-context writes, from the parameter store
	// update through the device hook.
	ctlMu sync.Mutex

	readingActive atomic.Bool
	startEvent    chan struct{}

	stopPoll    time.Duration
	stopTimeout time.Duration
}

// NewDriver creates a driver publishing to pub. A NopDevice is attached
// until Attach is called.
func NewDriver(opts Options, pub Publisher, logger *zap.Logger) *Driver {
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.StopPollInterval <= 0 {
		opts.StopPollInterval = DefaultStopPollInterval
	}
	if opts.StopTimeout < 0 {
		opts.StopTimeout = 0
	}
	logger = logger.With(zap.String("driver", opts.Name))

	d := &Driver{
		name:        opts.Name,
		logger:      logger,
		params:      NewParams(),
		ring:        NewRingBuffer(opts.RingSize),
		queue:       NewDispatchQueue(opts.RingSize),
		dev:         NopDevice{},
		startEvent:  make(chan struct{}, 1),
		stopPoll:    opts.StopPollInterval,
		stopTimeout: opts.StopTimeout,
	}
	d.ctrl = NewController(d.ring, d.queue, logger)
	d.consumer = NewConsumer(&d.mu, d.ctrl, d.queue, d.params, pub, d.Stop, logger)

	ps := d.params
	_ = ps.SetInt(ParamNumChannels, 0, NumCurrents)
	_ = ps.SetInt(ParamNumAcquire, 0, 1)
	_ = ps.SetInt(ParamResolution, 0, 16)
	_ = ps.SetInt(ParamValuesPerRead, 0, 1)
	for i := 0; i < NumCurrents; i++ {
		_ = ps.SetFloat(ParamCurrentScale, i, 1)
	}
	for i := 0; i < 2; i++ {
		_ = ps.SetFloat(ParamPositionScale, i, 1)
	}
	d.calib = d.readCalibration()
	return d
}

// Attach binds the device adapter. Call it before Run.
func (d *Driver) Attach(dev Device) {
	if dev == nil {
		dev = NopDevice{}
	}
	d.devMu.Lock()
	d.dev = dev
	d.devMu.Unlock()
}

func (d *Driver) device() Device {
	d.devMu.Lock()
	defer d.devMu.Unlock()
	return d.dev
}

// Name returns the driver name.
func (d *Driver) Name() string { return d.name }

// Params returns the driver's parameter store.
func (d *Driver) Params() *Params { return d.params }

// Logger returns the driver's logger.
func (d *Driver) Logger() *zap.Logger { return d.logger }

// Run runs the consumer task until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("[driver] consumer started", zap.Int("ringSize", d.ring.Cap()))
	return d.consumer.Run(ctx)
}

// OnSampleReady computes a record from raw and appends it to the ring.
func (d *Driver) OnSampleReady(raw []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ctrl.Acquiring() {
		return
	}
	before := d.ctrl.Overflows()
	d.ctrl.Append(Compute(raw, d.calib))
	if after := d.ctrl.Overflows(); after != before {
		_ = d.params.SetInt(ParamRingOverflows, 0, after)
	}
}

// Trigger flushes the records accumulated since the last batch.
func (d *Driver) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctrl.Trigger()
}

// Acquiring reports whether acquisition is on.
func (d *Driver) Acquiring() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctrl.Acquiring()
}

// WaitAcquire is the producer's idle point: it clears reading-active, waits
// for acquisition to start, then sets reading-active again.
func (d *Driver) WaitAcquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			d.readingActive.Store(false)
			return err
		}
		if d.Acquiring() {
			d.readingActive.Store(true)
			return nil
		}
		d.readingActive.Store(false)
		select {
		case <-d.startEvent:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Status returns the current counters.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Name:          d.name,
		Acquiring:     d.ctrl.Acquiring(),
		ReadingActive: d.readingActive.Load(),
		RingCount:     d.ctrl.RingCount(),
		RingCapacity:  d.ring.Cap(),
		RawCount:      d.ctrl.RawCount(),
		NumAverage:    d.ctrl.NumAverage(),
		NumAcquired:   d.ctrl.NumAcquired(),
		Overflows:     d.ctrl.Overflows(),
		QueueDepth:    d.queue.Len(),
	}
}

// Start begins acquisition.
func (d *Driver) Start() error {
	return d.WriteInt(ParamAcquire, 0, 1)
}

// Stop ends acquisition and waits for the producer to go idle.
func (d *Driver) Stop() error {
	return d.WriteInt(ParamAcquire, 0, 0)
}

// setAcquire runs with ctlMu held. Stopping releases it while the producer
// winds down and skips the device hook if a start got in meanwhile.
func (d *Driver) setAcquire(on bool) error {
	dev := d.device()
	if on {
		d.mu.Lock()
		if d.ctrl.Acquiring() {
			d.mu.Unlock()
			return nil
		}
		d.ctrl.Start()
		d.mu.Unlock()
		_ = d.params.SetInt(ParamNumAcquired, 0, 0)
		err := dev.SetAcquire(true)
		select {
		case d.startEvent <- struct{}{}:
		default:
		}
		d.logger.Info("[driver] acquisition started")
		return err
	}

	d.mu.Lock()
	d.ctrl.Stop()
	d.mu.Unlock()

	d.ctlMu.Unlock()
	err := d.waitReadingIdle()
	d.ctlMu.Lock()
	if d.Acquiring() {
		d.logger.Info("[driver] acquisition restarted while stopping")
		return err
	}
	err = multierr.Append(err, dev.SetAcquire(false))
	d.logger.Info("[driver] acquisition stopped")
	return err
}

// waitReadingIdle polls the producer's acknowledgement. Stop is
// cooperative: the producer notices within one read timeout.
func (d *Driver) waitReadingIdle() error {
	var deadline time.Time
	if d.stopTimeout > 0 {
		deadline = time.Now().Add(d.stopTimeout)
	}
	for d.readingActive.Load() {
		if !deadline.IsZero() && time.Now().After(deadline) {
			d.logger.Warn("[driver] producer still reading after stop request", zap.Duration("timeout", d.stopTimeout))
			return ErrStopTimeout
		}
		time.Sleep(d.stopPoll)
	}
	return nil
}

var readOnly = map[Param]bool{
	ParamNumAcquired:   true,
	ParamNumAverage:    true,
	ParamRingOverflows: true,
	ParamDoubleData:    true,
	ParamModel:         true,
	ParamFirmware:      true,
}

// WriteInt stores an integer parameter and applies it to the core and the
// device.
func (d *Driver) WriteInt(p Param, addr int, v int) error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()
	return d.writeInt(p, addr, v)
}

// WriteFloat stores a float parameter and applies it to the core and the
// device. Integer parameters are forwarded to WriteInt.
func (d *Driver) WriteFloat(p Param, addr int, v float64) error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()
	return d.writeFloat(p, addr, v)
}

// writeInt and writeFloat run with ctlMu held.
func (d *Driver) writeInt(p Param, addr int, v int) (err error) {
	kind, err := KindOf(p)
	if err != nil {
		return err
	}
	if kind == KindFloat {
		return d.writeFloat(p, addr, float64(v))
	}
	if readOnly[p] {
		return fmt.Errorf("%w: %s is read-only", ErrInvalidParam, p)
	}
	if err := validateInt(p, v); err != nil {
		return err
	}
	if err := d.params.SetInt(p, addr, v); err != nil {
		return err
	}
	defer func() { d.logWrite(p, addr, float64(v), err) }()

	dev := d.device()
	switch p {
	case ParamAcquire:
		return d.setAcquire(v != 0)
	case ParamAcquireMode:
		err = dev.SetAcquireMode(AcquireMode(v))
	case ParamNumAcquire:
		err = dev.SetNumAcquire(v)
	case ParamReadData:
		if v != 0 {
			d.Trigger()
			_ = d.params.SetInt(p, addr, 0)
		}
	case ParamNumChannels:
		err = dev.SetNumChannels(v)
	case ParamRange:
		err = dev.SetRange(v)
	case ParamPingPong:
		err = dev.SetPingPong(v)
	case ParamBiasState:
		err = dev.SetBiasState(v)
	case ParamResolution:
		err = dev.SetResolution(v)
	case ParamTriggerMode:
		err = dev.SetTriggerMode(v)
	case ParamValuesPerRead:
		err = dev.SetValuesPerRead(v)
	case ParamReset:
		if v != 0 {
			err = d.reset()
			_ = d.params.SetInt(p, addr, 0)
		}
	}
	err = multierr.Append(err, dev.ReadStatus())
	d.refresh()
	return err
}

func (d *Driver) writeFloat(p Param, addr int, v float64) (err error) {
	kind, err := KindOf(p)
	if err != nil {
		return err
	}
	if kind == KindInt {
		return d.writeInt(p, addr, int(v))
	}
	if kind != KindFloat {
		return fmt.Errorf("%w: %s is a %s parameter", ErrInvalidParam, p, kind)
	}
	if readOnly[p] {
		return fmt.Errorf("%w: %s is read-only", ErrInvalidParam, p)
	}
	if err := d.params.SetFloat(p, addr, v); err != nil {
		return err
	}
	defer func() { d.logWrite(p, addr, v, err) }()

	dev := d.device()
	switch p {
	case ParamAveragingTime:
		err = dev.SetAveragingTime(v)
	case ParamIntegrationTime:
		err = dev.SetIntegrationTime(v)
	case ParamBiasVoltage:
		err = dev.SetBiasVoltage(v)
	}
	err = multierr.Append(err, dev.ReadStatus())
	d.refresh()
	return err
}

func (d *Driver) logWrite(p Param, addr int, v float64, err error) {
	if err != nil {
		d.logger.Warn("[driver] parameter write failed",
			zap.String("param", string(p)), zap.Int("addr", addr), zap.Float64("value", v), zap.Error(err))
		return
	}
	d.logger.Debug("[driver] parameter written",
		zap.String("param", string(p)), zap.Int("addr", addr), zap.Float64("value", v))
}

func validateInt(p Param, v int) error {
	switch p {
	case ParamGeometry:
		if !Geometry(v).Valid() {
			return fmt.Errorf("%w: %d", ErrInvalidGeometry, v)
		}
	case ParamAcquireMode:
		if v < int(Continuous) || v > int(Single) {
			return fmt.Errorf("%w: acquire mode %d", ErrInvalidParam, v)
		}
	case ParamNumChannels:
		if v < 1 || v > NumCurrents {
			return fmt.Errorf("%w: %d channels", ErrInvalidParam, v)
		}
	case ParamNumAcquire:
		if v < 0 {
			return fmt.Errorf("%w: numAcquire %d", ErrInvalidParam, v)
		}
	}
	return nil
}

// refresh rebuilds the calibration snapshot and numAverage from Params.
func (d *Driver) refresh() {
	calib := d.readCalibration()
	sample := d.params.Float(ParamSampleTime, 0)
	averaging := d.params.Float(ParamAveragingTime, 0)

	numAverage := 0
	if d.params.Int(ParamTriggerMode, 0) != TriggerExtBulb && sample > 0 {
		numAverage = int(averaging/sample + 0.5)
	}

	d.mu.Lock()
	d.calib = calib
	numAverage = d.ctrl.SetNumAverage(numAverage)
	d.mu.Unlock()
	_ = d.params.SetInt(ParamNumAverage, 0, numAverage)
}

func (d *Driver) readCalibration() Calibration {
	ps := d.params
	cal := Calibration{
		Geometry:    Geometry(ps.Int(ParamGeometry, 0)),
		NumChannels: ps.Int(ParamNumChannels, 0),
	}
	for i := 0; i < NumCurrents; i++ {
		cal.CurrentOffset[i] = ps.Float(ParamCurrentOffset, i)
		cal.CurrentScale[i] = ps.Float(ParamCurrentScale, i)
	}
	for i := 0; i < 2; i++ {
		cal.PositionOffset[i] = ps.Float(ParamPositionOffset, i)
		cal.PositionScale[i] = ps.Float(ParamPositionScale, i)
	}
	return cal
}

// Reset resets the device and downloads every setting to it again, then
// re-applies the acquire state. Typically used after a power cycle.
func (d *Driver) Reset() error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()
	return d.reset()
}

func (d *Driver) reset() error {
	dev := d.device()
	ps := d.params
	err := dev.Reset()
	err = multierr.Append(err, dev.SetRange(ps.Int(ParamRange, 0)))
	err = multierr.Append(err, dev.SetTriggerMode(ps.Int(ParamTriggerMode, 0)))
	err = multierr.Append(err, dev.SetNumChannels(ps.Int(ParamNumChannels, 0)))
	err = multierr.Append(err, dev.SetBiasState(ps.Int(ParamBiasState, 0)))
	err = multierr.Append(err, dev.SetBiasVoltage(ps.Float(ParamBiasVoltage, 0)))
	err = multierr.Append(err, dev.SetResolution(ps.Int(ParamResolution, 0)))
	err = multierr.Append(err, dev.ReadStatus())
	err = multierr.Append(err, dev.SetAcquire(d.Acquiring()))
	d.refresh()
	if err != nil {
		d.logger.Warn("[driver] reset incomplete", zap.Error(err))
	}
	return err
}

// Close stops acquisition and closes the device if it is an io.Closer.
func (d *Driver) Close() error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()
	err := d.setAcquire(false)
	if c, ok := d.device().(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}

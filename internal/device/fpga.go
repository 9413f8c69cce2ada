//go:build linux

package device

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"sleepywoodpecker/quadem/internal/quadem"
)

// Register word offsets in the FPGA window.
const (
	RegFPGAVersion = 7
	RegSampleRate  = 8
	RegIRQEnable   = 9
	RegFrameNo     = 16
	RegGain        = 28
	RegHVBias      = 36
	RegAvg         = 44 // four consecutive words, one per current
)

const (
	DefaultDevMem       = "/dev/mem"
	DefaultBaseAddr     = 0x43C00000
	DefaultPollInterval = time.Millisecond
	regWindow           = 4096
)

// FPGAConfig locates the register window and the frame interrupt.
type FPGAConfig struct {
	DevMem   string
	BaseAddr int64
	// IRQDevice, when set, is put in async mode so every frame raises SIGIO.
	// Without it FRAME_NO is polled every PollInterval.
	IRQDevice    string
	PollInterval time.Duration
}

// FPGA reads averaged currents from memory-mapped registers, one sample per
// frame interrupt.
type FPGA struct {
	quadem.NopDevice
	cfg    FPGAConfig
	host   quadem.Host
	logger *zap.Logger

	mem  *os.File
	regs []byte
	irq  *os.File
	sigs chan os.Signal

	frames atomic.Int64
}

// OpenFPGA maps the register window and sets up frame notification.
func OpenFPGA(cfg FPGAConfig, host quadem.Host) (*FPGA, error) {
	if cfg.DevMem == "" {
		cfg.DevMem = DefaultDevMem
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	f := &FPGA{cfg: cfg, host: host, logger: host.Logger()}

	var err error
	f.mem, err = os.OpenFile(cfg.DevMem, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("[fpga] open %s: %w", cfg.DevMem, err)
	}
	f.regs, err = unix.Mmap(int(f.mem.Fd()), cfg.BaseAddr, regWindow, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.mem.Close()
		return nil, fmt.Errorf("[fpga] mmap %s at %#x: %w", cfg.DevMem, cfg.BaseAddr, err)
	}

	if cfg.IRQDevice != "" {
		if err := f.openIRQ(); err != nil {
			f.logger.Warn("[fpga] frame interrupt unavailable, polling frame counter",
				zap.String("irqDevice", cfg.IRQDevice), zap.Error(err))
		}
	}

	_ = host.Params().SetText(quadem.ParamModel, 0, "NSLS2_EM")
	return f, nil
}

// openIRQ asks the kernel to deliver SIGIO to this process on each frame.
func (f *FPGA) openIRQ() error {
	irq, err := os.OpenFile(f.cfg.IRQDevice, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	fd := int(irq.Fd())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGIO)

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETOWN, os.Getpid()); err != nil {
		signal.Stop(sigs)
		return multierr.Append(err, irq.Close())
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err == nil {
		_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_ASYNC)
	}
	if err != nil {
		signal.Stop(sigs)
		return multierr.Append(err, irq.Close())
	}
	f.irq = irq
	f.sigs = sigs
	return nil
}

func (f *FPGA) reg(n int) *uint32 {
	return (*uint32)(unsafe.Pointer(&f.regs[4*n]))
}

// ReadReg and WriteReg do single 32-bit accesses.
func (f *FPGA) ReadReg(n int) uint32 {
	return atomic.LoadUint32(f.reg(n))
}

func (f *FPGA) WriteReg(n int, v uint32) {
	atomic.StoreUint32(f.reg(n), v)
}

// readMeter returns the four averaged ADC values as signed counts.
func (f *FPGA) readMeter() []float64 {
	raw := make([]float64, quadem.NumCurrents)
	for i := range raw {
		raw[i] = float64(int32(f.ReadReg(RegAvg + i)))
	}
	return raw
}

// Frames returns how many frames have been read.
func (f *FPGA) Frames() int64 {
	return f.frames.Load()
}

func (f *FPGA) SetAcquire(on bool) error {
	var v uint32
	if on {
		v = 1
	}
	f.WriteReg(RegIRQEnable, v)
	return nil
}

func (f *FPGA) SetRange(r int) error {
	f.WriteReg(RegGain, uint32(r))
	return nil
}

// SetBiasVoltage writes the DAC code for volts.
func (f *FPGA) SetBiasVoltage(volts float64) error {
	f.WriteReg(RegHVBias, uint32(int32(volts*50.0/65535)))
	return nil
}

// ReadStatus publishes the firmware version and, when the FPGA reports a
// sample rate, the sample time.
func (f *FPGA) ReadStatus() error {
	ps := f.host.Params()
	_ = ps.SetText(quadem.ParamFirmware, 0, strconv.FormatUint(uint64(f.ReadReg(RegFPGAVersion)), 10))
	if rate := f.ReadReg(RegSampleRate); rate > 0 {
		_ = ps.SetFloat(quadem.ParamSampleTime, 0, 1/float64(rate))
	}
	return nil
}

// Run delivers one sample per frame while acquisition is on.
func (f *FPGA) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if f.sigs == nil {
		ticker := time.NewTicker(f.cfg.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	lastFrame := f.ReadReg(RegFrameNo)

	for {
		if err := f.host.WaitAcquire(ctx); err != nil {
			f.logger.Info("[fpga] received shutdown signal")
			return nil
		}
		select {
		case <-ctx.Done():
			f.logger.Info("[fpga] received shutdown signal")
			return nil
		case <-f.sigs:
		case <-tick:
			frame := f.ReadReg(RegFrameNo)
			if frame == lastFrame {
				continue
			}
			lastFrame = frame
		}
		f.frames.Add(1)
		f.host.OnSampleReady(f.readMeter())
	}
}

func (f *FPGA) Close() error {
	var err error
	if f.sigs != nil {
		signal.Stop(f.sigs)
		err = multierr.Append(err, f.irq.Close())
	}
	if f.regs != nil {
		err = multierr.Append(err, unix.Munmap(f.regs))
		f.regs = nil
	}
	return multierr.Append(err, f.mem.Close())
}

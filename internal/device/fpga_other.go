//go:build !linux

package device

import (
	"context"
	"errors"
	"time"

	"sleepywoodpecker/quadem/internal/quadem"
)

var errNoFPGA = errors.New("[fpga] register access needs linux")

type FPGAConfig struct {
	DevMem       string
	BaseAddr     int64
	IRQDevice    string
	PollInterval time.Duration
}

type FPGA struct {
	quadem.NopDevice
}

func OpenFPGA(FPGAConfig, quadem.Host) (*FPGA, error) {
	return nil, errNoFPGA
}

func (f *FPGA) Run(context.Context) error { return errNoFPGA }
func (f *FPGA) Close() error              { return nil }

// Package device holds the electrometer adapters that feed a quadem.Driver.
package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/quadem/internal/quadem"
)

var (
	ErrNotConnected    = errors.New("device not connected")
	ErrBadSampleLength = errors.New("sample must hold exactly 4 currents")
)

// DefaultSimInterval paces the simulation when no sample time is set.
const DefaultSimInterval = time.Millisecond

// Soft takes currents written by software, one 4-element array at a time.
type Soft struct {
	quadem.NopDevice
	host   quadem.Host
	logger *zap.Logger
}

func NewSoft(host quadem.Host) *Soft {
	s := &Soft{host: host, logger: host.Logger()}
	_ = host.Params().SetText(quadem.ParamModel, 0, "Soft")
	return s
}

// Feed hands one set of currents to the driver. It is ignored while
// acquisition is off.
func (s *Soft) Feed(currents []float64) error {
	if len(currents) != quadem.NumCurrents {
		return fmt.Errorf("%w: got %d", ErrBadSampleLength, len(currents))
	}
	if !s.host.Acquiring() {
		return nil
	}
	s.host.OnSampleReady(currents)
	return nil
}

// Simulate feeds a beam circling the detector centre, one sample per sample
// time, until ctx is cancelled. It parks while acquisition is off.
func (s *Soft) Simulate(ctx context.Context) error {
	s.logger.Info("[soft] simulation started")
	start := time.Now()
	for {
		if err := s.host.WaitAcquire(ctx); err != nil {
			s.logger.Info("[soft] received shutdown signal")
			return nil
		}

		interval := DefaultSimInterval
		if st := s.host.Params().Float(quadem.ParamSampleTime, 0); st > 0 {
			interval = time.Duration(st * float64(time.Second))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("[soft] received shutdown signal")
			return nil
		case now := <-time.After(interval):
			_ = s.Feed(beam(now.Sub(start).Seconds()))
		}
	}
}

// beam returns diamond-geometry currents for a 1 uA beam orbiting at 0.1 Hz
// with radius 0.3.
func beam(t float64) []float64 {
	const total = 1e-6
	phase := 2 * math.Pi * 0.1 * t
	x, y := 0.3*math.Cos(phase), 0.3*math.Sin(phase)
	q := total / 4
	return []float64{
		q * (1 - x + y),
		q * (1 + x + y),
		q * (1 + x - y),
		q * (1 - x - y),
	}
}

package processing

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/quadem/internal/quadem"
)

const DefaultMeasurement = "quadem"

// influx field keys in record order
var fieldKeys = [quadem.NumFields]string{
	"c1", "c2", "c3", "c4",
	"sumX", "sumY", "sum",
	"diffX", "diffY",
	"posX", "posY",
}

type Sampler struct {
	samplingFrequency  time.Duration
	udpConn            io.Writer
	storesToSampleFrom []*LatestStore
	measurement        string
	logger             *zap.Logger
}

// NewSampler sends the newest mean of every store as Influx line protocol
// to udpConn each samplingFrequency.
func NewSampler(samplingFrequency time.Duration, udpConn io.Writer, stores []*LatestStore, measurement string, logger *zap.Logger) *Sampler {
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	return &Sampler{
		samplingFrequency:  samplingFrequency,
		udpConn:            udpConn,
		storesToSampleFrom: stores,
		measurement:        measurement,
		logger:             logger,
	}
}

// FormatLine renders one store's record as an Influx line.
func (s *Sampler) FormatLine(name string, rec quadem.Record, ts time.Time) string {
	var b strings.Builder
	b.WriteString(s.measurement)
	if name != "" {
		b.WriteString(",driver=")
		b.WriteString(name)
	}
	b.WriteByte(' ')
	for idx, v := range rec {
		if idx > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%g", fieldKeys[idx], v)
	}
	fmt.Fprintf(&b, " %d", ts.UnixNano())
	return b.String()
}

// SampleAndLog sends one line per store that has published at least one
// batch. Each line goes out as its own datagram.
func (s *Sampler) SampleAndLog(now time.Time) {
	for _, store := range s.storesToSampleFrom {
		rec, seq, _ := store.Latest()
		if seq == 0 {
			continue
		}
		influxString := s.FormatLine(store.Name, rec, now)
		if _, err := io.WriteString(s.udpConn, influxString); err != nil {
			s.logger.Warn("[sampler] error writing data to UDP connection", zap.Error(err))
			continue
		}
		s.logger.Debug("[sampler] collected sample", zap.String("influxString", influxString))
	}
}

func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.samplingFrequency)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.SampleAndLog(now)
		case <-ctx.Done():
			s.logger.Info("[sampler] received shutdown signal")
			return nil
		}
	}
}

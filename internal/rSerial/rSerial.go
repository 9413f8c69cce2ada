// r in rserial stands for "robust"
package rserial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// DefaultReadTimeout bounds each read so a stop request is noticed promptly.
const DefaultReadTimeout = 100 * time.Millisecond

// ErrReadTimeout is returned by ReadPacket when the port stays silent for a
// whole read timeout.
var ErrReadTimeout = errors.New("[rserial] read timed out")

// Port is the part of serial.Port the reader needs.
type Port interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Gate parks the read loop while acquisition is off. *quadem.Driver
// satisfies it.
type Gate interface {
	Acquiring() bool
	WaitAcquire(ctx context.Context) error
}

type RSerial struct {
	port          Port
	MessageQueue  chan<- []byte
	tempBuff      []byte
	logger        *zap.Logger
	portName      string
	stopSequence  []byte
	rawPacketSize int
	readTimeout   time.Duration
	gate          Gate
	resyncs       atomic.Int64
}

type OutOfSyncError struct {
	ByteSequence []byte
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("[rserial] incorrect stop sequence detected: %v", e.ByteSequence)
}

// Open opens portName, retrying with exponential back-off for a few seconds
// since USB serial devices often show up late after a power cycle.
func Open(portName string, baudrate int, logger *zap.Logger) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baudrate,
	}

	var port serial.Port
	op := func() error {
		var err error
		port, err = serial.Open(portName, mode)
		if err != nil {
			logger.Warn("[rserial] error opening serial port, retrying", zap.Error(err), zap.String("portName", portName))
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("[rserial] open %s: %w", portName, err)
	}
	return port, nil
}

// NewRSerial frames fixed-size packets ending in stopSequence from port and
// queues a copy of each valid one. gate may be nil to read continuously.
func NewRSerial(port Port, portName string, messageQueue chan<- []byte, logger *zap.Logger,
	rawPacketSize int, stopSequence []byte, readTimeout time.Duration, gate Gate) *RSerial {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &RSerial{
		port:          port,
		MessageQueue:  messageQueue,
		tempBuff:      make([]byte, rawPacketSize),
		logger:        logger,
		portName:      portName,
		stopSequence:  stopSequence,
		rawPacketSize: rawPacketSize,
		readTimeout:   readTimeout,
		gate:          gate,
	}
}

// Resyncs returns how many out-of-sync frames forced a realignment.
func (r *RSerial) Resyncs() int64 {
	return r.resyncs.Load()
}

func (r *RSerial) Close() error {
	return r.port.Close()
}

func (r *RSerial) initialize(ctx context.Context) {
	if err := r.port.SetReadTimeout(r.readTimeout); err != nil {
		r.logger.Warn("[rserial] could not set read timeout", zap.Error(err), zap.String("portName", r.portName))
	}
	if err := r.port.ResetInputBuffer(); err != nil {
		r.logger.Warn("[rserial] could not reset input buffer", zap.Error(err), zap.String("portName", r.portName))
	}
	r.sync(ctx)
}

// Run reads packets until ctx is cancelled, then closes MessageQueue.
func (r *RSerial) Run(ctx context.Context) {
	defer close(r.MessageQueue)
	r.initialize(ctx)

	for {
		// every pass goes through the gate so a stop waits for this read
		if r.gate != nil {
			idle := !r.gate.Acquiring()
			if err := r.gate.WaitAcquire(ctx); err != nil {
				r.logger.Info("[rserial] exiting from rserial read loop", zap.String("portName", r.portName))
				return
			}
			if idle {
				// whatever piled up while idle is stale
				r.initialize(ctx)
			}
		}

		select {
		case <-ctx.Done():
			r.logger.Info("[rserial] exiting from rserial read loop", zap.String("portName", r.portName))
			return
		default:
		}

		packet, err := r.ReadPacket()
		if err != nil {
			var oosError *OutOfSyncError
			switch {
			case errors.Is(err, ErrReadTimeout):
			case errors.As(err, &oosError):
				r.logger.Warn("[rserial] error while attempting to read packet from serial", zap.Error(err), zap.String("portName", r.portName), zap.ByteString("payload", oosError.ByteSequence))
				r.resyncs.Add(1)
				r.sync(ctx)
			default:
				r.logger.Warn("[rserial] error while attempting to read packet from serial", zap.Error(err), zap.String("portName", r.portName))
				select {
				case <-time.After(r.readTimeout):
				case <-ctx.Done():
				}
			}
			continue
		}

		select {
		case r.MessageQueue <- packet:
		case <-ctx.Done():
		}
	}
}

// ReadPacket reads one frame and returns a copy of it. A frame cut short by
// a read timeout is discarded; the next read then resyncs.
func (r *RSerial) ReadPacket() ([]byte, error) {
	count := 0
	for count < r.rawPacketSize {
		n, err := r.port.Read(r.tempBuff[count:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrReadTimeout
		}
		count += n
	}

	packet := make([]byte, r.rawPacketSize)
	copy(packet, r.tempBuff)

	// validate that the packet is valid by checking the trailing stop sequence
	if !bytes.Equal(packet[r.rawPacketSize-len(r.stopSequence):], r.stopSequence) {
		return nil, &OutOfSyncError{
			ByteSequence: packet,
		}
	}
	return packet, nil
}

// sync discards bytes up to and including the next stop sequence.
func (r *RSerial) sync(ctx context.Context) {
	r.logger.Warn("[rserial] resyncing serial port", zap.String("portName", r.portName))

	matched := 0
	onebyte := make([]byte, 1)
	for matched < len(r.stopSequence) {
		if ctx.Err() != nil {
			return
		}
		n, err := r.port.Read(onebyte)
		if err != nil {
			r.logger.Warn("[rserial] error while resyncing serial port", zap.Error(err), zap.String("portName", r.portName))
			return
		}
		if n == 0 {
			// line is silent; the next frame starts clean
			return
		}
		switch {
		case onebyte[0] == r.stopSequence[matched]:
			matched++
		case onebyte[0] == r.stopSequence[0]:
			matched = 1
		default:
			matched = 0
		}
	}
}

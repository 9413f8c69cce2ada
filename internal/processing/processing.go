package processing

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

const DEFAULT_QUEUE_SIZE = 20

// SampleSink takes decoded raw readings. *quadem.Driver satisfies it.
type SampleSink interface {
	OnSampleReady(raw []float64)
}

type Processor struct {
	Filename     string
	MessageQueue <-chan []byte
	logger       *zap.Logger
	sink         SampleSink

	havePacket bool
	lastPacket uint32
	gaps       atomic.Int64
}

const NumReadingsPerPacket = 8

type DataPacket struct {
	PacketNumber uint32
	Timestamp    uint32
	RawReadings  [NumReadingsPerPacket]float32
}

const PacketSize = int(unsafe.Sizeof(DataPacket{}))

var StopSequence = []byte{'\r', '\n'}

// FrameSize is a packet plus its trailing stop sequence as sent on the wire.
var FrameSize = PacketSize + len(StopSequence)

// NewProcessor decodes frames from messageQueue into sink. A non-empty
// filename also gets one CSV line of raw readings per packet.
func NewProcessor(filename string, messageQueue <-chan []byte, logger *zap.Logger, sink SampleSink) *Processor {
	return &Processor{
		Filename:     filename,
		MessageQueue: messageQueue,
		logger:       logger,
		sink:         sink,
	}
}

// Gaps returns how many breaks in the packet numbering have been seen.
func (p *Processor) Gaps() int64 {
	return p.gaps.Load()
}

func (p *Processor) Run(ctx context.Context) error {
	out := io.Discard
	if p.Filename != "" {
		file, err := os.OpenFile(p.Filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("[processor] error opening %s: %w", p.Filename, err)
		}
		defer file.Close()

		writer := bufio.NewWriter(file)
		defer writer.Flush()
		out = writer
	}

	for {
		select {
		case packet, ok := <-p.MessageQueue:
			if !ok {
				p.logger.Info("[processor] message queue closed", zap.String("outputFile", p.Filename))
				return nil
			}

			if err := p.ProcessPacket(packet, out); err != nil {
				p.logger.Warn(
					"[processor] error decoding byte packet",
					zap.Error(err),
					zap.Int("packetLength", len(packet)),
					zap.String("outputFile", p.Filename),
					zap.ByteString("rawBytes", packet),
				)
			}
		case <-ctx.Done():
			p.logger.Info("[processor] received shutdown signal", zap.String("outputFile", p.Filename))
			return nil
		}
	}
}

// ProcessPacket decodes one packet, logs its raw readings to outStream and
// hands them to the sink.
func (p *Processor) ProcessPacket(packet []byte, outStream io.Writer) error {
	if len(packet) < PacketSize {
		return fmt.Errorf("[processor] short packet: %d of %d bytes", len(packet), PacketSize)
	}
	var decodedStruct DataPacket
	if err := binary.Read(bytes.NewReader(packet[:PacketSize]), binary.LittleEndian, &decodedStruct); err != nil {
		return err
	}

	if p.havePacket && decodedStruct.PacketNumber != p.lastPacket+1 {
		p.gaps.Add(1)
		p.logger.Warn("[processor] packet numbering gap",
			zap.Uint32("expected", p.lastPacket+1), zap.Uint32("got", decodedStruct.PacketNumber))
	}
	p.havePacket = true
	p.lastPacket = decodedStruct.PacketNumber

	fmt.Fprintf(outStream, "%d,%d", decodedStruct.PacketNumber, decodedStruct.Timestamp)
	raw := make([]float64, NumReadingsPerPacket)
	for i, v := range decodedStruct.RawReadings {
		raw[i] = float64(v)
		fmt.Fprintf(outStream, ",%g", v)
	}
	fmt.Fprintln(outStream)

	p.sink.OnSampleReady(raw)
	return nil
}

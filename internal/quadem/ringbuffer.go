package quadem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// RecordSize is the serialized size of a Record in the ring.
const RecordSize = NumFields * 8

// DefaultRingSize is used when a driver is configured with a ring size of 0.
const DefaultRingSize = 2048

// ErrInsufficientData is returned by PopBatch when fewer records are
// resident than were asked for.
var ErrInsufficientData = errors.New("insufficient data in ring buffer")

// RingBuffer is a fixed-capacity byte ring of serialized Records. The
// writer never blocks: a push into a full ring evicts the oldest record.
//
// RingBuffer is not safe for concurrent use; the Driver serializes access
// with its device lock.
type RingBuffer struct {
	buf      []byte
	capacity int
	head     int // byte offset of the oldest record
	count    int // records resident
}

// NewRingBuffer allocates a ring holding capacity records.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &RingBuffer{
		buf:      make([]byte, capacity*RecordSize),
		capacity: capacity,
	}
}

// Cap returns the capacity in records.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}

// Len returns the number of resident records.
func (rb *RingBuffer) Len() int {
	return rb.count
}

// Push appends rec. It reports whether the oldest record had to be evicted
// to make room.
func (rb *RingBuffer) Push(rec Record) (evicted bool) {
	if rb.count == rb.capacity {
		rb.discard()
		evicted = true
	}
	tail := (rb.head + rb.count*RecordSize) % len(rb.buf)
	encodeRecord(rb.buf[tail:tail+RecordSize], &rec)
	rb.count++
	return evicted
}

// PopBatch removes and returns the n oldest records, oldest first.
func (rb *RingBuffer) PopBatch(n int) ([]Record, error) {
	if n < 0 {
		return nil, fmt.Errorf("ring buffer: negative batch size %d", n)
	}
	if n > rb.count {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrInsufficientData, n, rb.count)
	}
	out := make([]Record, n)
	for i := range out {
		decodeRecord(rb.buf[rb.head:rb.head+RecordSize], &out[i])
		rb.discard()
	}
	return out, nil
}

// Flush drops every resident record.
func (rb *RingBuffer) Flush() {
	rb.head = 0
	rb.count = 0
}

func (rb *RingBuffer) discard() {
	rb.head = (rb.head + RecordSize) % len(rb.buf)
	rb.count--
}

func encodeRecord(b []byte, rec *Record) {
	for i, v := range rec {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
}

func decodeRecord(b []byte, rec *Record) {
	for i := range rec {
		rec[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
}

package processing

import (
	"sync"
	"time"

	"sleepywoodpecker/quadem/internal/quadem"
)

type series struct {
	values    []float64
	seq       int
	timestamp time.Time
}

// SeriesStore is a Publisher that keeps the newest per-field time series,
// one value per record of the batch.
type SeriesStore struct {
	fields [quadem.NumFields]series
	mutex  sync.Mutex
}

func NewSeriesStore() *SeriesStore {
	return &SeriesStore{}
}

func (s *SeriesStore) PublishGroup([]quadem.Record, time.Time, int) {}

func (s *SeriesStore) PublishChannel(f quadem.Field, values []float64, ts time.Time, seq int) {
	if f < 0 || int(f) >= quadem.NumFields {
		return
	}
	cp := append([]float64(nil), values...)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.fields[f] = series{values: cp, seq: seq, timestamp: ts}
}

// Series returns a copy of the newest series of f; seq is 0 until the first
// batch arrives.
func (s *SeriesStore) Series(f quadem.Field) (values []float64, seq int, ts time.Time) {
	if f < 0 || int(f) >= quadem.NumFields {
		return nil, 0, time.Time{}
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cur := s.fields[f]
	return append([]float64(nil), cur.values...), cur.seq, cur.timestamp
}

package processing

import (
	"sync"
	"time"

	"sleepywoodpecker/quadem/internal/quadem"
)

// LatestStore is a Publisher that remembers the mean of the newest batch.
// The sampler reads it whenever its ticker fires.
type LatestStore struct {
	Name string

	mean      quadem.Record
	seq       int
	timestamp time.Time
	mutex     sync.Mutex
}

func NewLatestStore(name string) *LatestStore {
	return &LatestStore{Name: name}
}

func (d *LatestStore) PublishGroup(batch []quadem.Record, ts time.Time, seq int) {
	mean := quadem.Mean(batch)

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.mean = mean
	d.seq = seq
	d.timestamp = ts
}

func (d *LatestStore) PublishChannel(quadem.Field, []float64, time.Time, int) {}

// Latest returns the newest batch mean and its sequence number; seq is 0
// until the first batch arrives.
func (d *LatestStore) Latest() (mean quadem.Record, seq int, ts time.Time) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.mean, d.seq, d.timestamp
}

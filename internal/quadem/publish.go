package quadem

import "time"

// Publisher receives every consumed batch twice: once as a group of
// records and once per field as a time series.
type Publisher interface {
	PublishGroup(batch []Record, ts time.Time, seq int)
	PublishChannel(f Field, values []float64, ts time.Time, seq int)
}

// Publishers fans a batch out to several sinks in order.
type Publishers []Publisher

func (ps Publishers) PublishGroup(batch []Record, ts time.Time, seq int) {
	for _, p := range ps {
		p.PublishGroup(batch, ts, seq)
	}
}

func (ps Publishers) PublishChannel(f Field, values []float64, ts time.Time, seq int) {
	for _, p := range ps {
		p.PublishChannel(f, values, ts, seq)
	}
}

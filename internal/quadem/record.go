// Package quadem is the acquisition core shared by every quad electrometer
// device adapter: raw channel readings go in, averaged batches of derived
// records come out through a Publisher.
package quadem

import (
	"fmt"
	"strings"
)

// MaxInputs is the largest raw sample a device adapter may deliver.
const MaxInputs = 8

// NumCurrents is the number of current channels that feed the position math.
const NumCurrents = 4

// Field indexes the values of a Record.
type Field int

const (
	Current1 Field = iota
	Current2
	Current3
	Current4
	SumX
	SumY
	SumAll
	DiffX
	DiffY
	PositionX
	PositionY

	NumFields = int(PositionY) + 1
)

var fieldNames = [NumFields]string{
	"Current1", "Current2", "Current3", "Current4",
	"SumX", "SumY", "SumAll",
	"DiffX", "DiffY",
	"PositionX", "PositionY",
}

func (f Field) String() string {
	if f < 0 || int(f) >= NumFields {
		return fmt.Sprintf("Field(%d)", int(f))
	}
	return fieldNames[f]
}

// ParseField looks a field up by name, case insensitive.
func ParseField(s string) (Field, error) {
	for i, name := range fieldNames {
		if strings.EqualFold(name, s) {
			return Field(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown field %q", ErrInvalidParam, s)
}

// Fields returns every Field in record order.
func Fields() []Field {
	out := make([]Field, NumFields)
	for i := range out {
		out[i] = Field(i)
	}
	return out
}

// Record is one derived sample: four currents plus the sums, differences
// and positions computed from them.
type Record [NumFields]float64

// Get returns the value of field f.
func (r *Record) Get(f Field) float64 {
	return r[f]
}

// Mean averages each field over recs. It returns the zero Record for an
// empty batch.
func Mean(recs []Record) Record {
	var out Record
	if len(recs) == 0 {
		return out
	}
	for i := range recs {
		for f := 0; f < NumFields; f++ {
			out[f] += recs[i][f]
		}
	}
	for f := 0; f < NumFields; f++ {
		out[f] /= float64(len(recs))
	}
	return out
}

// Column extracts one field of every record in recs.
func Column(recs []Record, f Field) []float64 {
	out := make([]float64, len(recs))
	for i := range recs {
		out[i] = recs[i][f]
	}
	return out
}

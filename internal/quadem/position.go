package quadem

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidGeometry is returned when a geometry value is out of range.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Geometry selects how the four currents pair up into the X and Y axes.
type Geometry int

const (
	Diamond Geometry = iota
	Square
	SquareCC
)

func (g Geometry) String() string {
	switch g {
	case Diamond:
		return "Diamond"
	case Square:
		return "Square"
	case SquareCC:
		return "SquareCC"
	}
	return fmt.Sprintf("Geometry(%d)", int(g))
}

// Valid reports whether g is one of the known geometries.
func (g Geometry) Valid() bool {
	return g >= Diamond && g <= SquareCC
}

// ParseGeometry accepts a geometry name, case insensitive.
func ParseGeometry(s string) (Geometry, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "diamond", "":
		return Diamond, nil
	case "square":
		return Square, nil
	case "squarecc", "square_cc", "square-cc":
		return SquareCC, nil
	}
	return Diamond, fmt.Errorf("%w: %q", ErrInvalidGeometry, s)
}

// Calibration is the read-only snapshot Compute works from.
type Calibration struct {
	Geometry       Geometry
	NumChannels    int
	CurrentOffset  [NumCurrents]float64
	CurrentScale   [NumCurrents]float64
	PositionOffset [2]float64
	PositionScale  [2]float64
}

// DefaultCalibration is unity scale, zero offset, Diamond geometry and all
// four channels active. Positions are scaled by 1.
func DefaultCalibration() Calibration {
	return Calibration{
		Geometry:      Diamond,
		NumChannels:   NumCurrents,
		CurrentScale:  [NumCurrents]float64{1, 1, 1, 1},
		PositionScale: [2]float64{1, 1},
	}
}

// denom keeps a zero sum out of the position division.
func denom(s float64) float64 {
	if s == 0 {
		return 1
	}
	return s
}

// Compute derives a Record from one raw sample. Only the first four inputs
// are used; inputs at or beyond cal.NumChannels read as zero.
func Compute(raw []float64, cal Calibration) Record {
	var rec Record
	var c [NumCurrents]float64

	active := cal.NumChannels
	if active <= 0 || active > NumCurrents {
		active = NumCurrents
	}
	for i := 0; i < NumCurrents && i < len(raw) && i < active; i++ {
		c[i] = raw[i]*cal.CurrentScale[i] - cal.CurrentOffset[i]
	}
	copy(rec[Current1:Current4+1], c[:])

	switch cal.Geometry {
	case Square:
		rec[SumAll] = c[0] + c[1] + c[2] + c[3]
		rec[SumX] = rec[SumAll]
		rec[SumY] = rec[SumAll]
		rec[DiffX] = (c[2] + c[3]) - (c[0] + c[1])
		rec[DiffY] = (c[0] + c[3]) - (c[1] + c[2])
	case SquareCC:
		rec[SumX] = c[0] + c[1]
		rec[SumY] = c[2] + c[3]
		rec[SumAll] = rec[SumX] + rec[SumY]
		rec[DiffX] = c[1] - c[0]
		rec[DiffY] = c[3] - c[2]
	default:
		rec[SumAll] = c[0] + c[1] + c[2] + c[3]
		rec[SumX] = rec[SumAll]
		rec[SumY] = rec[SumAll]
		rec[DiffX] = (c[1] + c[2]) - (c[0] + c[3])
		rec[DiffY] = (c[0] + c[1]) - (c[2] + c[3])
	}

	rec[PositionX] = cal.PositionScale[0]*rec[DiffX]/denom(rec[SumX]) - cal.PositionOffset[0]
	rec[PositionY] = cal.PositionScale[1]*rec[DiffY]/denom(rec[SumY]) - cal.PositionOffset[1]
	return rec
}

package quadem

import (
	"errors"
	"math"
	"testing"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeDiamondPosition(t *testing.T) {
	cal := DefaultCalibration()
	cal.PositionScale = [2]float64{32767, 32767}

	rec := Compute([]float64{10, 20, 30, 40}, cal)

	want := map[Field]float64{
		Current1:  10,
		Current4:  40,
		SumAll:    100,
		SumX:      100,
		SumY:      100,
		DiffX:     0,
		DiffY:     -40,
		PositionX: 0,
		PositionY: -13106.8,
	}
	for f, v := range want {
		if !approx(rec[f], v) {
			t.Errorf("%s: expected %g, got %g", f, v, rec[f])
		}
	}
}

func TestComputeZeroSumUsesUnitDenominator(t *testing.T) {
	cal := DefaultCalibration()
	cal.PositionScale = [2]float64{2, 2}

	rec := Compute([]float64{5, -5, 0, 0}, cal)

	if rec[SumX] != 0 {
		t.Fatalf("expected zero sumX, got %g", rec[SumX])
	}
	// diffX = (c1+c2)-(c0+c3) = -5-5
	if !approx(rec[DiffX], -10) {
		t.Errorf("expected diffX -10, got %g", rec[DiffX])
	}
	if !approx(rec[PositionX], -20) {
		t.Errorf("expected positionX -20, got %g", rec[PositionX])
	}
	if math.IsInf(rec[PositionY], 0) || math.IsNaN(rec[PositionY]) {
		t.Errorf("positionY not finite: %g", rec[PositionY])
	}
}

func TestComputeGeometries(t *testing.T) {
	raw := []float64{1, 2, 4, 8}
	testCases := []struct {
		geometry             Geometry
		sumX, sumY, sumAll   float64
		diffX, diffY         float64
		positionX, positionY float64
	}{
		{Diamond, 15, 15, 15, 6 - 9, 3 - 12, -3.0 / 15, -9.0 / 15},
		{Square, 15, 15, 15, 12 - 3, 9 - 6, 9.0 / 15, 3.0 / 15},
		{SquareCC, 3, 12, 15, 1, 4, 1.0 / 3, 4.0 / 12},
	}
	for _, tc := range testCases {
		cal := DefaultCalibration()
		cal.Geometry = tc.geometry
		rec := Compute(raw, cal)
		got := []float64{rec[SumX], rec[SumY], rec[SumAll], rec[DiffX], rec[DiffY], rec[PositionX], rec[PositionY]}
		want := []float64{tc.sumX, tc.sumY, tc.sumAll, tc.diffX, tc.diffY, tc.positionX, tc.positionY}
		for i := range want {
			if !approx(got[i], want[i]) {
				t.Errorf("%s: value %d expected %g, got %g", tc.geometry, i, want[i], got[i])
			}
		}
	}
}

func TestComputeAppliesScaleThenOffset(t *testing.T) {
	cal := DefaultCalibration()
	cal.CurrentScale = [4]float64{2, 2, 2, 2}
	cal.CurrentOffset = [4]float64{1, 0, 0, 0}
	cal.PositionOffset = [2]float64{0.5, 0}

	rec := Compute([]float64{3, 1, 1, 1}, cal)

	if !approx(rec[Current1], 5) {
		t.Errorf("expected current1 5, got %g", rec[Current1])
	}
	// diffX = (2+2)-(5+2) = -3, sum = 11
	if !approx(rec[PositionX], -3.0/11-0.5) {
		t.Errorf("expected positionX %g, got %g", -3.0/11-0.5, rec[PositionX])
	}
}

func TestComputeInactiveChannelsReadZero(t *testing.T) {
	cal := DefaultCalibration()
	cal.NumChannels = 2

	rec := Compute([]float64{1, 2, 3, 4, 5, 6, 7, 8}, cal)

	if rec[Current3] != 0 || rec[Current4] != 0 {
		t.Errorf("expected channels 3 and 4 zeroed, got %g %g", rec[Current3], rec[Current4])
	}
	if !approx(rec[SumAll], 3) {
		t.Errorf("expected sumAll 3, got %g", rec[SumAll])
	}
}

func TestComputeShortRawSample(t *testing.T) {
	rec := Compute([]float64{7}, DefaultCalibration())
	if rec[Current1] != 7 || rec[Current2] != 0 {
		t.Errorf("unexpected currents %v", rec[:4])
	}
}

func TestParseGeometry(t *testing.T) {
	for in, want := range map[string]Geometry{"diamond": Diamond, "Square": Square, "SQUARECC": SquareCC} {
		got, err := ParseGeometry(in)
		if err != nil || got != want {
			t.Errorf("ParseGeometry(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseGeometry("hexagon"); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("expected ErrInvalidGeometry, got %v", err)
	}
}

package layout

import (
	"math"
	"testing"

	"quiz-autotap/src/config"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestMapDefault(t *testing.T) {
	l := Default()
	tests := []struct {
		option int
		want   Point
	}{
		{1, Point{X: 540, Y: 1152}},
		{2, Point{X: 540, Y: 1344}},
		{4, Point{X: 540, Y: 1728}},
	}
	for _, tt := range tests {
		got := l.Map(tt.option, 1080, 1920)
		if !approx(got.X, tt.want.X) || !approx(got.Y, tt.want.Y) {
			t.Errorf("Map(%d) = %+v, expected %+v", tt.option, got, tt.want)
		}
	}
}

func TestMapOffsets(t *testing.T) {
	l := FromConfig(config.Layout{StartYPercentage: 0.5, YOffsetPercentage: 0.05, XOffset: -20, YOffset: 10})
	got := l.Map(3, 1000, 2000)
	if !approx(got.X, 480) || !approx(got.Y, 1000+200+10) {
		t.Errorf("Expected (480, 1210), got %+v", got)
	}
}

func TestMapPure(t *testing.T) {
	l := Default()
	if l.Map(2, 720, 1280) != l.Map(2, 720, 1280) {
		t.Error("Expected identical results for identical inputs")
	}
}

// Package layout maps an answer option number to the point where its row sits
// on screen.
package layout

import "quiz-autotap/src/config"

// Point is a tap target in pixels, origin top-left.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Layout maps option numbers to screen coordinates. Answer rows are assumed to
// be horizontally centred and evenly spaced below StartYPercentage.
type Layout struct {
	StartYPercentage  float64
	YOffsetPercentage float64
	XOffset           float64
	YOffset           float64
}

// Default matches the stock quiz screen: first row at 60% of the height, rows 10% apart.
func Default() Layout {
	return Layout{StartYPercentage: 0.6, YOffsetPercentage: 0.1}
}

// FromConfig copies the calibration from cfg.
func FromConfig(cfg config.Layout) Layout {
	return Layout{
		StartYPercentage:  cfg.StartYPercentage,
		YOffsetPercentage: cfg.YOffsetPercentage,
		XOffset:           cfg.XOffset,
		YOffset:           cfg.YOffset,
	}
}

// Map returns the tap point for a 1-based option.
func (l Layout) Map(option int, screenWidth, screenHeight float64) Point {
	return Point{
		X: screenWidth/2 + l.XOffset,
		Y: screenHeight*l.StartYPercentage + float64(option-1)*screenHeight*l.YOffsetPercentage + l.YOffset,
	}
}

// Package detection turns raw classifier responses into canonical ripeness
// results.
package detection

import "strings"

// Ripeness categories known to the service.
const (
	Ripe     = "ripe"
	Unripe   = "unripe"
	Overripe = "overripe"
)

// NoDetectionLabel is shown when the classifier found nothing usable.
const NoDetectionLabel = "No banana detected"

// UnknownLabel is shown when the top prediction is outside the known categories.
const UnknownLabel = "Unknown"

// Counts tallies predictions per ripeness category.
type Counts struct {
	Ripe     int `json:"ripe"`
	Unripe   int `json:"unripe"`
	Overripe int `json:"overripe"`
}

// Total returns the sum of all categories.
func (c Counts) Total() int {
	return c.Ripe + c.Unripe + c.Overripe
}

// Add returns the element-wise sum of c and other.
func (c Counts) Add(other Counts) Counts {
	return Counts{
		Ripe:     c.Ripe + other.Ripe,
		Unripe:   c.Unripe + other.Unripe,
		Overripe: c.Overripe + other.Overripe,
	}
}

// Shape records which response layout the classifier used.
type Shape string

const (
	ShapeEmpty  Shape = "empty"
	ShapeFlat   Shape = "flat"
	ShapeNested Shape = "nested"
)

// Result is the canonical outcome of a single classification.
type Result struct {
	// Detected is false when the classifier returned no usable prediction.
	Detected bool
	// Recognized reports whether Label is one of the known categories.
	Recognized bool
	// Label is the raw class of the top prediction, lower-cased.
	Label      string
	Confidence float64
	Counts     Counts
	Shape      Shape
}

// NoDetection is the result for an empty prediction list.
func NoDetection(shape Shape) Result {
	return Result{Shape: shape}
}

// DisplayLabel renders the result for a human.
func (r Result) DisplayLabel() string {
	switch {
	case !r.Detected:
		return NoDetectionLabel
	case !r.Recognized:
		return UnknownLabel
	default:
		return strings.ToUpper(r.Label[:1]) + r.Label[1:]
	}
}

// DisplayConfidence is zero when nothing was detected.
func (r Result) DisplayConfidence() float64 {
	if !r.Detected {
		return 0
	}
	return r.Confidence
}

func countsFor(label string) (Counts, bool) {
	switch label {
	case Ripe:
		return Counts{Ripe: 1}, true
	case Unripe:
		return Counts{Unripe: 1}, true
	case Overripe:
		return Counts{Overripe: 1}, true
	default:
		return Counts{}, false
	}
}

package objectdetection

import (
	"github.com/samber/lo"
)

// Postprocessor defines a function that filters/modifies on an incoming array of Detections.
type Postprocessor func([]Detection) []Detection

// NewAreaFilter returns a function that filters out detections below a certain area.
func NewAreaFilter(area int) Postprocessor {
	return func(in []Detection) []Detection {
		return lo.Filter(in, func(d Detection, _ int) bool {
			return d.Box.Dx()*d.Box.Dy() >= area
		})
	}
}

// NewScoreFilter returns a function that filters out detections below a certain confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		return lo.Filter(in, func(d Detection, _ int) bool {
			return d.Probability >= conf
		})
	}
}

// Chain applies postprocessors in order. An empty chain is the identity.
func Chain(post ...Postprocessor) Postprocessor {
	return func(in []Detection) []Detection {
		for _, p := range post {
			if p != nil {
				in = p(in)
			}
		}
		return in
	}
}

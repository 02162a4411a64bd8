package objectdetection

import (
	"image"
	"math"
	"sync"
)

const (
	// DefaultFramesStory is how many past frames a detection can be matched against.
	DefaultFramesStory = 5
	// DefaultMaxDistance is the largest centre displacement in pixels that still counts as the
	// same object.
	DefaultMaxDistance = 40
)

// CentroidTracker continues track ids by matching box centres of the same class against the
// last few frames, newest first. Each remembered box hands its id to the nearest current box
// within the maximum distance, unless a nearer remembered box already claimed it or the id is
// already in use. A matched box takes the average width and height of itself and its match.
// Unmatched boxes get a new id from a counter that never repeats.
type CentroidTracker struct {
	mu            sync.Mutex
	framesStory   int
	maxDistance   int
	changeHistory bool
	history       [][]Detection
	nextID        int
}

// NewCentroidTracker returns a tracker remembering framesStory frames. When changeHistory is
// false, tracked frames are not added to the history.
func NewCentroidTracker(framesStory, maxDistance int, changeHistory bool) *CentroidTracker {
	if framesStory <= 0 {
		framesStory = DefaultFramesStory
	}
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}
	return &CentroidTracker{
		framesStory:   framesStory,
		maxDistance:   maxDistance,
		changeHistory: changeHistory,
		nextID:        1,
	}
}

// Track assigns track ids to cur in place and returns it.
func (ct *CentroidTracker) Track(cur []Detection) []Detection {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	for i := range cur {
		cur[i].TrackID = 0
		cur[i].FramesCounter = 0
	}

	dist := make([]int, len(cur))
	for i := range dist {
		dist[i] = math.MaxInt
	}
	for _, prevFrame := range ct.history {
		for _, prev := range prevFrame {
			match, best := -1, ct.maxDistance
			for m := range cur {
				if cur[m].ClassID != prev.ClassID {
					continue
				}
				d := centerDistance(prev.Box, cur[m].Box)
				if d < best && (cur[m].TrackID == 0 || d < dist[m]) {
					best, match = d, m
				}
			}
			if match < 0 || ct.idTaken(cur, prev) {
				continue
			}
			dist[match] = best
			cur[match].TrackID = prev.TrackID
			cur[match].FramesCounter = prev.FramesCounter + 1
			w := (cur[match].Box.Dx() + prev.Box.Dx()) / 2
			h := (cur[match].Box.Dy() + prev.Box.Dy()) / 2
			cur[match].Box.Max = cur[match].Box.Min.Add(image.Pt(w, h))
		}
	}

	for i := range cur {
		if cur[i].TrackID == 0 {
			cur[i].TrackID = ct.nextID
			ct.nextID++
		}
	}

	if ct.changeHistory {
		frame := make([]Detection, len(cur))
		copy(frame, cur)
		ct.history = append([][]Detection{frame}, ct.history...)
		if len(ct.history) > ct.framesStory {
			ct.history = ct.history[:ct.framesStory]
		}
	}
	return cur
}

func (ct *CentroidTracker) idTaken(cur []Detection, prev Detection) bool {
	for _, d := range cur {
		if d.TrackID == prev.TrackID && d.ClassID == prev.ClassID {
			return true
		}
	}
	return false
}

// centerDistance is the truncated euclidean distance between the centres of two boxes.
func centerDistance(a, b image.Rectangle) int {
	dx := float64(a.Min.X+a.Dx()/2) - float64(b.Min.X+b.Dx()/2)
	dy := float64(a.Min.Y+a.Dy()/2) - float64(b.Min.Y+b.Dy()/2)
	return int(math.Sqrt(dx*dx + dy*dy))
}

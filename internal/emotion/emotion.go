// Package emotion defines the closed emotion label set, prediction results and
// the JSON messages exchanged with the prediction service.
package emotion

import (
	"errors"
	"math"
	"strings"
)

// Label is one of the seven recognised emotions.
type Label string

const (
	Angry    Label = "Angry"
	Neutral  Label = "Neutral"
	Happy    Label = "Happy"
	Fear     Label = "Fear"
	Surprise Label = "Surprise"
	Sad      Label = "Sad"
	Disgust  Label = "Disgust"
)

// Labels lists every recognised label in display order.
var Labels = []Label{Angry, Neutral, Happy, Fear, Surprise, Sad, Disgust}

// ErrMalformed is returned for predictions that violate the wire contract.
var ErrMalformed = errors.New("malformed prediction")

var colors = map[Label]string{
	Angry:    "red",
	Neutral:  "lightgreen",
	Happy:    "orange",
	Fear:     "lightblue",
	Surprise: "yellow",
	Sad:      "gray",
	Disgust:  "pink",
}

// Key is the lowercase form used on the wire.
func (l Label) Key() string {
	return strings.ToLower(string(l))
}

// Color is the indicator colour used by the viewer UI.
func (l Label) Color() string {
	return colors[l]
}

// Valid reports whether l belongs to the closed label set.
func (l Label) Valid() bool {
	_, ok := colors[l]
	return ok
}

// ParseKey maps a lowercase wire key to its label. Only exact lowercase keys match.
func ParseKey(key string) (Label, bool) {
	for _, l := range Labels {
		if l.Key() == key {
			return l, true
		}
	}
	return "", false
}

// Result is one prediction for one frame. Seq is the capture tick that
// produced the frame; it is zero for results that did not come from a tick.
type Result struct {
	Seq      uint64
	Scores   map[Label]float64
	Dominant Label
}

// Percent returns the rendered percentage for label l.
func (r Result) Percent(l Label) int {
	return Percent(r.Scores[l])
}

// Percent converts a probability to round(score*100) clamped to [0,100].
func Percent(score float64) int {
	if math.IsNaN(score) {
		return 0
	}
	p := math.Round(score * 100)
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return int(p)
}

// Dominant returns the label with the highest score. Ties resolve to the label
// listed first in Labels.
func Dominant(scores map[Label]float64) Label {
	best := Label("")
	bestScore := math.Inf(-1)
	for _, l := range Labels {
		s, ok := scores[l]
		if !ok || math.IsNaN(s) {
			continue
		}
		if s > bestScore {
			best, bestScore = l, s
		}
	}
	return best
}

// Clamp returns a copy of scores with every value forced into [0,1].
func Clamp(scores map[Label]float64) map[Label]float64 {
	out := make(map[Label]float64, len(scores))
	for l, s := range scores {
		switch {
		case math.IsNaN(s) || s < 0:
			s = 0
		case s > 1:
			s = 1
		}
		out[l] = s
	}
	return out
}

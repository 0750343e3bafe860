package signal

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MeasuredPowerAt1m is the expected RSSI one metre from a phone advertiser.
const MeasuredPowerAt1m = -69.0

// Environment is the path-loss exponent n of the log-distance model.
type Environment float64

const (
	OpenAir  Environment = 2.0
	Disaster Environment = 3.0
	Rubble   Environment = 4.0

	DefaultEnvironment = Disaster
)

// ParseEnvironment accepts "open", "disaster", "rubble" or a numeric exponent.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disaster", "default":
		return Disaster, nil
	case "open", "open_air", "openair":
		return OpenAir, nil
	case "rubble", "indoor":
		return Rubble, nil
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid path loss environment %q", s)
	}
	return Environment(n), nil
}

// Distance estimates metres from rssi with the log-distance path loss model.
func Distance(rssi float64, env Environment) float64 {
	if env <= 0 {
		env = DefaultEnvironment
	}
	return math.Pow(10, (MeasuredPowerAt1m-rssi)/(10*float64(env)))
}

// Proximity is a coarse distance bucket suitable for display.
type Proximity string

const (
	ProximityImmediate Proximity = "immediate"
	ProximityNear      Proximity = "near"
	ProximityFar       Proximity = "far"
)

// Classify buckets a distance estimate.
func Classify(meters float64) Proximity {
	switch {
	case meters < 1:
		return ProximityImmediate
	case meters < 5:
		return ProximityNear
	default:
		return ProximityFar
	}
}

const (
	binWidth = 10.0
	binCount = 36
	// MinDirectionBins is how many headings must be covered before a bearing is reported.
	MinDirectionBins = 6
)

type bin struct {
	sum   float64
	count int
}

// DirectionFinder aggregates (heading, rssi) samples taken while the user
// turns in place and reports the heading with the strongest mean signal.
type DirectionFinder struct {
	bins [binCount]bin
}

// NewDirectionFinder returns an empty finder.
func NewDirectionFinder() *DirectionFinder {
	return &DirectionFinder{}
}

func binIndex(heading float64) int {
	h := math.Mod(heading, 360)
	if h < 0 {
		h += 360
	}
	return int(math.Round(h/binWidth)) % binCount
}

// Add records one sample.
func (d *DirectionFinder) Add(heading float64, rssi float64) {
	if math.IsNaN(heading) || math.IsInf(heading, 0) {
		return
	}
	b := &d.bins[binIndex(heading)]
	b.sum += rssi
	b.count++
}

// Coverage returns the number of non-empty bins.
func (d *DirectionFinder) Coverage() int {
	n := 0
	for _, b := range d.bins {
		if b.count > 0 {
			n++
		}
	}
	return n
}

// HasEnoughData reports whether enough distinct headings were sampled.
func (d *DirectionFinder) HasEnoughData() bool {
	return d.Coverage() >= MinDirectionBins
}

// StrongestHeading returns the centre of the bin with the highest mean RSSI.
// ok is false when no sample was recorded. Ties resolve to the lowest heading.
func (d *DirectionFinder) StrongestHeading() (heading float64, ok bool) {
	best := math.Inf(-1)
	for i, b := range d.bins {
		if b.count == 0 {
			continue
		}
		mean := b.sum / float64(b.count)
		if mean > best {
			best = mean
			heading = float64(i) * binWidth
			ok = true
		}
	}
	return heading, ok
}

// Reset drops all samples.
func (d *DirectionFinder) Reset() {
	d.bins = [binCount]bin{}
}

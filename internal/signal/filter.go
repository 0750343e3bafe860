// Package signal turns noisy RSSI samples into smoothed strength, rough
// distance and bearing estimates for locating nearby survivors.
//
// Every number produced here is an estimate. Received signal strength is
// distorted by multipath reflections, body shadowing, antenna orientation and
// the transmitter's own power setting, so a distance of "4 m" means "probably
// a few metres away", never a measured range.
package signal

const (
	// DefaultAlpha is the EMA smoothing factor.
	DefaultAlpha = 0.3

	DefaultProcessNoise     = 0.5
	DefaultMeasurementNoise = 4.0
	// DefaultInitialEstimate is a neutral starting RSSI for the Kalman filter.
	DefaultInitialEstimate = -70.0
	DefaultInitialError    = 1.0

	// DefaultHistorySize bounds the raw sample ring buffer.
	DefaultHistorySize = 10
)

// RingBuffer keeps the last N raw RSSI samples.
type RingBuffer struct {
	buf  []int
	next int
	full bool
}

// NewRingBuffer returns a buffer holding up to size samples.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &RingBuffer{buf: make([]int, size)}
}

// Push records a sample, evicting the oldest when full.
func (r *RingBuffer) Push(v int) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Len returns the number of stored samples.
func (r *RingBuffer) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Cap returns the buffer capacity.
func (r *RingBuffer) Cap() int {
	return len(r.buf)
}

// Values returns the samples oldest first.
func (r *RingBuffer) Values() []int {
	n := r.Len()
	out := make([]int, 0, n)
	start := 0
	if r.full {
		start = r.next
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Mean returns the arithmetic mean of the stored samples, or 0 when empty.
func (r *RingBuffer) Mean() float64 {
	n := r.Len()
	if n == 0 {
		return 0
	}
	sum := 0
	for _, v := range r.Values() {
		sum += v
	}
	return float64(sum) / float64(n)
}

// EMA is an exponential moving average seeded with its first sample.
type EMA struct {
	Alpha  float64
	value  float64
	seeded bool
}

// NewEMA returns an EMA using alpha, falling back to DefaultAlpha when alpha is out of (0,1].
func NewEMA(alpha float64) *EMA {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &EMA{Alpha: alpha}
}

// Update folds in a sample and returns the new average.
func (e *EMA) Update(sample float64) float64 {
	if !e.seeded {
		e.value = sample
		e.seeded = true
		return e.value
	}
	e.value = e.Alpha*sample + (1-e.Alpha)*e.value
	return e.value
}

// Value returns the current average.
func (e *EMA) Value() float64 { return e.value }

// Seeded reports whether at least one sample was seen.
func (e *EMA) Seeded() bool { return e.seeded }

// Kalman is a scalar Kalman filter over RSSI.
type Kalman struct {
	ProcessNoise     float64
	MeasurementNoise float64
	Estimate         float64
	ErrorEstimate    float64
}

// NewKalman returns a filter with the default tuning.
func NewKalman() *Kalman {
	return &Kalman{
		ProcessNoise:     DefaultProcessNoise,
		MeasurementNoise: DefaultMeasurementNoise,
		Estimate:         DefaultInitialEstimate,
		ErrorEstimate:    DefaultInitialError,
	}
}

// Update applies one measurement and returns the new estimate.
func (k *Kalman) Update(measurement float64) float64 {
	k.ErrorEstimate += k.ProcessNoise
	gain := k.ErrorEstimate / (k.ErrorEstimate + k.MeasurementNoise)
	k.Estimate += gain * (measurement - k.Estimate)
	k.ErrorEstimate *= 1 - gain
	return k.Estimate
}

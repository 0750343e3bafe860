package signal

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Estimate is the processed view of one sample.
type Estimate struct {
	PeerID    string    `json:"peer_id"`
	Raw       int       `json:"raw_rssi"`
	EMA       float64   `json:"ema_rssi"`
	Kalman    float64   `json:"kalman_rssi"`
	Distance  float64   `json:"distance_m"`
	Proximity Proximity `json:"proximity"`
}

// Snapshot is a copy of a peer's signal state.
type Snapshot struct {
	Estimate
	History        []int     `json:"history"`
	Samples        int       `json:"samples"`
	LastSeen       time.Time `json:"last_seen"`
	Heading        *float64  `json:"heading,omitempty"`
	HeadingReady   bool      `json:"heading_ready"`
	HeadingSamples int       `json:"heading_bins"`
}

type peerState struct {
	history   *RingBuffer
	ema       *EMA
	kalman    *Kalman
	direction *DirectionFinder
	last      Estimate
	samples   int
	lastSeen  time.Time
}

// Tracker holds per-peer signal state. It is safe for concurrent use and never persisted.
type Tracker struct {
	mu    sync.Mutex
	clock clock.Clock
	env   Environment
	peers map[string]*peerState
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the wall clock used for last-seen times.
func WithClock(c clock.Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

// WithEnvironment sets the path loss exponent used for distances.
func WithEnvironment(env Environment) TrackerOption {
	return func(t *Tracker) {
		if env > 0 {
			t.env = env
		}
	}
}

// NewTracker returns an empty tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		clock: clock.New(),
		env:   DefaultEnvironment,
		peers: make(map[string]*peerState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe feeds a sample for peerID. heading is the device compass heading
// in degrees when the sample was taken, or nil when unknown.
func (t *Tracker) Observe(peerID string, rssi int, heading *float64) Estimate {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.peers[peerID]
	if !ok {
		st = &peerState{
			history:   NewRingBuffer(DefaultHistorySize),
			ema:       NewEMA(DefaultAlpha),
			kalman:    NewKalman(),
			direction: NewDirectionFinder(),
		}
		t.peers[peerID] = st
	}

	st.history.Push(rssi)
	ema := st.ema.Update(float64(rssi))
	k := st.kalman.Update(float64(rssi))
	if heading != nil {
		st.direction.Add(*heading, float64(rssi))
	}
	st.samples++
	st.lastSeen = t.clock.Now()

	dist := Distance(k, t.env)
	st.last = Estimate{
		PeerID:    peerID,
		Raw:       rssi,
		EMA:       ema,
		Kalman:    k,
		Distance:  dist,
		Proximity: Classify(dist),
	}
	return st.last
}

// Peer returns a snapshot for peerID.
func (t *Tracker) Peer(peerID string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.peers[peerID]
	if !ok {
		return Snapshot{}, false
	}
	return st.snapshot(), true
}

// Peers returns snapshots ordered by strongest smoothed signal first.
func (t *Tracker) Peers() []Snapshot {
	t.mu.Lock()
	out := make([]Snapshot, 0, len(t.peers))
	for _, st := range t.peers {
		out = append(out, st.snapshot())
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kalman != out[j].Kalman {
			return out[i].Kalman > out[j].Kalman
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// ResetDirection clears the heading histogram for peerID, e.g. when the user starts a new sweep.
func (t *Tracker) ResetDirection(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.peers[peerID]
	if !ok {
		return false
	}
	st.direction.Reset()
	return true
}

// Prune forgets peers not heard from within ttl and returns how many were removed.
func (t *Tracker) Prune(ttl time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.clock.Now().Add(-ttl)
	removed := 0
	for id, st := range t.peers {
		if st.lastSeen.Before(cutoff) {
			delete(t.peers, id)
			removed++
		}
	}
	return removed
}

// Reset forgets every peer.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.peers = make(map[string]*peerState)
	t.mu.Unlock()
}

// Len returns the number of tracked peers.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

func (st *peerState) snapshot() Snapshot {
	s := Snapshot{
		Estimate:       st.last,
		History:        st.history.Values(),
		Samples:        st.samples,
		LastSeen:       st.lastSeen,
		HeadingReady:   st.direction.HasEnoughData(),
		HeadingSamples: st.direction.Coverage(),
	}
	if s.HeadingReady {
		if h, ok := st.direction.StrongestHeading(); ok {
			s.Heading = &h
		}
	}
	return s
}

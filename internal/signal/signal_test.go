package signal

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferEvictsOldest(t *testing.T) {
	r := NewRingBuffer(3)
	assert.Equal(t, 0, r.Len())
	assert.Zero(t, r.Mean())

	r.Push(-60)
	r.Push(-70)
	assert.Equal(t, []int{-60, -70}, r.Values())

	r.Push(-80)
	r.Push(-90)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{-70, -80, -90}, r.Values())
	assert.InDelta(t, -80.0, r.Mean(), 1e-9)

	assert.Equal(t, DefaultHistorySize, NewRingBuffer(0).Cap())
}

func TestEMASeedsWithFirstSample(t *testing.T) {
	e := NewEMA(DefaultAlpha)
	assert.False(t, e.Seeded())

	assert.Equal(t, -60.0, e.Update(-60))
	assert.True(t, e.Seeded())

	// 0.3*-70 + 0.7*-60
	assert.InDelta(t, -63.0, e.Update(-70), 1e-9)
	assert.InDelta(t, -63.0, e.Value(), 1e-9)

	assert.Equal(t, DefaultAlpha, NewEMA(5).Alpha)
}

func TestKalmanFirstStep(t *testing.T) {
	k := NewKalman()
	// error 1.0+0.5 = 1.5, gain 1.5/5.5
	gain := 1.5 / 5.5
	want := -70 + gain*(-50+70)

	assert.InDelta(t, want, k.Update(-50), 1e-9)
	assert.InDelta(t, 1.5*(1-gain), k.ErrorEstimate, 1e-9)
}

func TestKalmanConvergesMonotonically(t *testing.T) {
	for _, target := range []float64{-40, -95} {
		k := NewKalman()
		prevDist := math.Abs(k.Estimate - target)
		for i := 0; i < 200; i++ {
			est := k.Update(target)
			dist := math.Abs(est - target)
			require.LessOrEqual(t, dist, prevDist, "step %d", i)
			prevDist = dist
		}
		assert.InDelta(t, target, k.Estimate, 0.01)
	}
}

func TestDistanceModel(t *testing.T) {
	assert.InDelta(t, 1.0, Distance(MeasuredPowerAt1m, Disaster), 1e-9)
	assert.InDelta(t, 10.0, Distance(-89, OpenAir), 1e-9)
	assert.InDelta(t, 10.0, Distance(-99, Disaster), 1e-9)
	assert.InDelta(t, 10.0, Distance(-109, Rubble), 1e-9)
	assert.Less(t, Distance(-59, Disaster), 1.0)

	// Weaker signal always reads as farther away.
	assert.Greater(t, Distance(-90, Disaster), Distance(-80, Disaster))
	assert.InDelta(t, Distance(-80, Disaster), Distance(-80, 0), 1e-9)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ProximityImmediate, Classify(0.5))
	assert.Equal(t, ProximityNear, Classify(1))
	assert.Equal(t, ProximityNear, Classify(4.9))
	assert.Equal(t, ProximityFar, Classify(5))
}

func TestParseEnvironment(t *testing.T) {
	tests := []struct {
		in      string
		want    Environment
		wantErr bool
	}{
		{in: "", want: Disaster},
		{in: "open", want: OpenAir},
		{in: "Rubble", want: Rubble},
		{in: "2.5", want: 2.5},
		{in: "-1", wantErr: true},
		{in: "swamp", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEnvironment(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDirectionFinderNeedsSixBins(t *testing.T) {
	d := NewDirectionFinder()
	_, ok := d.StrongestHeading()
	assert.False(t, ok)

	headings := []float64{0, 60, 120, 180, 240}
	for _, h := range headings {
		d.Add(h, -80)
	}
	assert.Equal(t, 5, d.Coverage())
	assert.False(t, d.HasEnoughData())

	// Same bin as 240 does not add coverage.
	d.Add(243, -80)
	assert.False(t, d.HasEnoughData())

	d.Add(300, -55)
	assert.True(t, d.HasEnoughData())

	h, ok := d.StrongestHeading()
	require.True(t, ok)
	assert.Equal(t, 300.0, h)
}

func TestDirectionFinderBinning(t *testing.T) {
	d := NewDirectionFinder()
	d.Add(356, -50) // rounds to 0
	d.Add(-3, -60)  // also 0
	d.Add(14, -90)  // 10
	d.Add(math.NaN(), -10)

	assert.Equal(t, 2, d.Coverage())
	h, ok := d.StrongestHeading()
	require.True(t, ok)
	assert.Equal(t, 0.0, h)

	assert.Equal(t, 0, binIndex(360))
	assert.Equal(t, 35, binIndex(350))
	assert.Equal(t, 35, binIndex(-10))
	assert.Equal(t, 2, binIndex(740))

	d.Reset()
	assert.Equal(t, 0, d.Coverage())
}

func TestTrackerObserveAndPrune(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	tr := NewTracker(WithClock(mock), WithEnvironment(OpenAir))

	est := tr.Observe("peer-a", -60, nil)
	assert.Equal(t, -60, est.Raw)
	assert.Equal(t, -60.0, est.EMA)
	assert.Greater(t, est.Kalman, -70.0)
	assert.InDelta(t, Distance(est.Kalman, OpenAir), est.Distance, 1e-9)

	for i := 0; i < 12; i++ {
		h := float64(i * 30)
		tr.Observe("peer-a", -60-i, &h)
	}
	mock.Add(time.Minute)
	tr.Observe("peer-b", -90, nil)

	snap, ok := tr.Peer("peer-a")
	require.True(t, ok)
	assert.Len(t, snap.History, DefaultHistorySize)
	assert.Equal(t, 13, snap.Samples)
	assert.True(t, snap.HeadingReady)
	require.NotNil(t, snap.Heading)
	assert.Equal(t, 0.0, *snap.Heading)

	peers := tr.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "peer-a", peers[0].PeerID)

	assert.True(t, tr.ResetDirection("peer-a"))
	snap, _ = tr.Peer("peer-a")
	assert.False(t, snap.HeadingReady)
	assert.Nil(t, snap.Heading)
	assert.False(t, tr.ResetDirection("ghost"))

	mock.Add(30 * time.Second)
	assert.Equal(t, 1, tr.Prune(time.Minute))
	_, ok = tr.Peer("peer-a")
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Len())

	tr.Reset()
	assert.Equal(t, 0, tr.Len())
}

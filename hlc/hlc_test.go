package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareTotalOrder(t *testing.T) {
	base := time.Unix(1000, 0)
	a := HybridLogicalClock{Timestamp: base, Counter: 0, NodeID: "p1"}
	b := HybridLogicalClock{Timestamp: base, Counter: 1, NodeID: "p1"}
	c := HybridLogicalClock{Timestamp: base.Add(time.Second), Counter: 0, NodeID: "p1"}

	assert.Equal(t, -1, Compare(a, b))
	assert.Equal(t, 1, Compare(b, a))
	assert.Equal(t, 0, Compare(a, a))
	assert.Equal(t, -1, Compare(b, c))
}

func TestStringParseRoundTrip(t *testing.T) {
	h := HybridLogicalClock{
		Timestamp: time.UnixMilli(1234567).UTC(),
		Counter:   42,
		NodeID:    "node-a",
	}
	parsed, err := Parse("ts", h.String())
	require.NoError(t, err)
	assert.True(t, h.Equal(parsed))
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "1:2", "1:2:", "x:2:node", "1:x:node"} {
		_, err := Parse("ts", s)
		assert.Error(t, err, s)
	}
}

// S4 from spec §8: P1 at wall time 1000 emits (1000,0,P1). P2 at wall time
// 1000 observes it then emits; stamp is (1000,1,P2). P2 at wall 1001 emits;
// stamp is (1001,0,P2).
func TestScenarioS4HLCUpdate(t *testing.T) {
	wall := time.UnixMilli(1000)
	p1 := &Shared{current: HybridLogicalClock{NodeID: "P1"}, maxDrift: time.Minute, now: func() time.Time { return wall }}
	s1, err := p1.Get()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), s1.Counter)
	assert.Equal(t, wall.UnixMilli(), s1.Timestamp.UnixMilli())

	p2 := &Shared{current: HybridLogicalClock{NodeID: "P2"}, maxDrift: time.Minute, now: func() time.Time { return wall }}
	require.NoError(t, p2.Observe(s1))
	s2, err := p2.Get()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s2.Counter)
	assert.Equal(t, wall.UnixMilli(), s2.Timestamp.UnixMilli())

	wall2 := time.UnixMilli(1001)
	p2.now = func() time.Time { return wall2 }
	s3, err := p2.Get()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), s3.Counter)
	assert.Equal(t, wall2.UnixMilli(), s3.Timestamp.UnixMilli())
}

func TestObserveSameNodeIsNoop(t *testing.T) {
	wall := time.UnixMilli(5000)
	s := &Shared{current: HybridLogicalClock{Timestamp: wall, Counter: 3, NodeID: "self"}, maxDrift: time.Minute, now: func() time.Time { return wall }}
	before := s.current
	require.NoError(t, s.Observe(HybridLogicalClock{Timestamp: wall.Add(time.Hour), Counter: 99, NodeID: "self"}))
	assert.Equal(t, before, s.current)
}

func TestMonotonicEmission(t *testing.T) {
	wall := time.UnixMilli(9000)
	s := &Shared{current: HybridLogicalClock{NodeID: "p"}, maxDrift: time.Minute, now: func() time.Time { return wall }}
	var prev HybridLogicalClock
	for i := 0; i < 5; i++ {
		cur, err := s.Get()
		require.NoError(t, err)
		if i > 0 {
			assert.True(t, prev.Before(cur))
		}
		prev = cur
	}
}

func TestDriftExceededRejected(t *testing.T) {
	wall := time.UnixMilli(0)
	s := &Shared{current: HybridLogicalClock{NodeID: "self"}, maxDrift: time.Minute, now: func() time.Time { return wall }}
	remote := HybridLogicalClock{Timestamp: wall.Add(2 * time.Hour), NodeID: "other"}
	err := s.Observe(remote)
	require.Error(t, err)
	var driftErr *ErrClockDriftExceeded
	assert.ErrorAs(t, err, &driftErr)
}

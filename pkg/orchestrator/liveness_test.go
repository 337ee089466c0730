package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLiveness_DisabledNeverPulses(t *testing.T) {
	sup := &fakeSupervisor{interval: time.Second, enabled: false}
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := newLiveness(sup, clock.now, testLogger())

	for i := 0; i < 100; i++ {
		clock.advance(time.Second)
		require.NoError(t, l.tick())
	}
	assert.Equal(t, int32(0), sup.alive.Load())
}

func TestLiveness_ZeroIntervalCountsAsDisabled(t *testing.T) {
	sup := &fakeSupervisor{interval: 0, enabled: true}
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := newLiveness(sup, clock.now, testLogger())

	clock.advance(time.Hour)
	require.NoError(t, l.tick())
	assert.Equal(t, int32(0), sup.alive.Load())
}

func TestLiveness_PulsesAtHalfTheInterval(t *testing.T) {
	sup := &fakeSupervisor{interval: 10 * time.Second, enabled: true}
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := newLiveness(sup, clock.now, testLogger())

	clock.advance(5 * time.Second)
	require.NoError(t, l.tick())
	assert.Equal(t, int32(0), sup.alive.Load(), "exactly half elapsed is not yet exceeded")

	clock.advance(time.Millisecond)
	require.NoError(t, l.tick())
	assert.Equal(t, int32(1), sup.alive.Load())

	// Ticking quickly never pulses more than once per half interval.
	for i := 0; i < 49; i++ {
		clock.advance(100 * time.Millisecond)
		require.NoError(t, l.tick())
	}
	assert.Equal(t, int32(1), sup.alive.Load())

	clock.advance(101 * time.Millisecond)
	require.NoError(t, l.tick())
	assert.Equal(t, int32(2), sup.alive.Load())
}

func TestLiveness_AtMostOncePerInterval(t *testing.T) {
	sup := &fakeSupervisor{interval: time.Second, enabled: true}
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := newLiveness(sup, clock.now, testLogger())

	// 10s of 10ms ticks: pulses every >500ms, so at most 20.
	for i := 0; i < 1000; i++ {
		clock.advance(10 * time.Millisecond)
		require.NoError(t, l.tick())
	}
	assert.LessOrEqual(t, sup.alive.Load(), int32(20))
	assert.GreaterOrEqual(t, sup.alive.Load(), int32(19))
}

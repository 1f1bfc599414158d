package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNowMicrosMonotonic(t *testing.T) {
	a := NowMicros()
	time.Sleep(2 * time.Millisecond)
	b := NowMicros()
	assert.Greater(t, b, a)
	assert.InDelta(t, 2000, int(b-a), 3000)
}

func TestMicrosToTimespecRoundTrip(t *testing.T) {
	ts := MicrosToTimespec(1_500_250)
	assert.EqualValues(t, 1, ts.Sec)
	assert.EqualValues(t, 500_250_000, ts.Nsec)
	assert.EqualValues(t, 1_500_250, TimespecToMicros(ts))
}

func TestWallClockNowSanity(t *testing.T) {
	days, ms := WallClockNow()
	// Today is well after 1984, and comfortably before this wraps a uint16.
	assert.Greater(t, days, uint16(10000))
	assert.Less(t, ms, uint32(24*60*60*1000))
}

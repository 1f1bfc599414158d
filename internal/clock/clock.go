// Package clock provides the node's monotonic time base.
//
// Every Δt computation in the event loop and the gateway idle timer reads
// from here. WallClockNow converts wall-clock time into the CANopen TIME
// object's representation.
package clock

import (
	"time"

	"golang.org/x/sys/unix"
)

// Epoch used by the CANopen TIME object: days-since-1984, ms-since-midnight.
var TimeObjectEpoch = time.Date(1984, time.January, 1, 0, 0, 0, 0, time.UTC)

// NowMicros returns a monotonic timestamp in microseconds read from
// CLOCK_MONOTONIC, so it is unaffected by NTP/date jumps. Only if that
// clock cannot be read does it fall back to wall-clock time.
func NowMicros() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC can't meaningfully fail on Linux; fall back rather
		// than propagate an error type through every Δt call site.
		return uint64(time.Now().UnixMicro())
	}
	return uint64(ts.Sec)*1_000_000 + uint64(ts.Nsec)/1_000
}

// TimespecToMicros converts a kernel timespec (as returned in socket
// ancillary data, e.g. SO_TIMESTAMPNS) to a microsecond timestamp.
func TimespecToMicros(ts unix.Timespec) uint64 {
	return uint64(ts.Sec)*1_000_000 + uint64(ts.Nsec)/1_000
}

// TimevalToMicros converts a kernel timeval (as returned for
// SO_TIMESTAMP) to a microsecond timestamp.
func TimevalToMicros(tv unix.Timeval) uint64 {
	return uint64(tv.Sec)*1_000_000 + uint64(tv.Usec)
}

// MicrosToTimespec is the inverse of TimespecToMicros, used to arm
// timerfd expirations.
func MicrosToTimespec(us uint64) unix.Timespec {
	return unix.Timespec{
		Sec:  int64(us / 1_000_000),
		Nsec: int64((us % 1_000_000) * 1_000),
	}
}

// WallClockNow returns the current wall-clock time in the TIME object's
// days-since-1984 / ms-since-midnight representation. No code in this
// module calls it.
func WallClockNow() (daysSince1984 uint16, msSinceMidnight uint32) {
	now := time.Now().UTC()
	days := now.Sub(TimeObjectEpoch).Hours() / 24
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return uint16(days), uint32(now.Sub(midnight).Milliseconds())
}

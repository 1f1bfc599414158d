package errmonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jonnyyang123/CANopenLinux/pkg/can"
)

func TestStartsActive(t *testing.T) {
	m := New("vcan-test0")
	assert.Equal(t, Active, m.State())
	assert.Equal(t, Active, m.TxAttempt())
}

func TestAckMissThresholdTripsListenOnly(t *testing.T) {
	m := New("vcan-test0")
	for i := 0; i < NNoAckMax; i++ {
		m.HandleErrorFrame(ackFrame())
		assert.Equal(t, Active, m.State())
	}
	m.HandleErrorFrame(ackFrame())
	assert.Equal(t, ListenOnly, m.State())
}

func TestDataFrameClearsListenOnly(t *testing.T) {
	m := New("vcan-test0")
	for i := 0; i <= NNoAckMax; i++ {
		m.HandleErrorFrame(ackFrame())
	}
	assert.Equal(t, ListenOnly, m.State())

	m.DataFrameReceived()
	assert.Equal(t, Active, m.State())
}

func TestTxAttemptDropsWithinListenWindow(t *testing.T) {
	m := New("vcan-test0")
	for i := 0; i <= NNoAckMax; i++ {
		m.HandleErrorFrame(ackFrame())
	}
	assert.Equal(t, ListenOnly, m.TxAttempt())
}

func TestTxAttemptProbesAfterListenWindow(t *testing.T) {
	m := New("vcan-test0")
	m.mu.Lock()
	m.state = ListenOnly
	m.enteredAt = time.Now().Add(-TListen - time.Second)
	m.mu.Unlock()

	assert.Equal(t, Active, m.TxAttempt())
}

func TestControllerStatusSetsBusOffBitViaBusOffFrame(t *testing.T) {
	m := New("vcan-test0")
	frame := can.Frame{ID: can.ErrFlag | can.ErrClassBusOff}
	m.HandleErrorFrame(frame)
	assert.Equal(t, ListenOnly, m.State())
	assert.NotZero(t, m.Status()&can.ErrTxBusOff)
}

func ackFrame() can.Frame {
	return can.Frame{ID: can.ErrFlag | can.ErrClassAck}
}

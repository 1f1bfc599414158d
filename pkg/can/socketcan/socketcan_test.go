package socketcan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonnyyang123/CANopenLinux/pkg/can"
)

func TestRegistered(t *testing.T) {
	assert.Contains(t, can.Implemented(), "socketcan")
}

func TestNewBusUnknownInterface(t *testing.T) {
	_, err := NewBus("no-such-can-if-xyz")
	assert.Error(t, err)
}

func TestWireFrameSize(t *testing.T) {
	assert.EqualValues(t, 16, frameSize)
}

package candriver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonnyyang123/CANopenLinux/pkg/coerrors"
)

func TestNewStartsInConfigMode(t *testing.T) {
	m := New(nil, 4, 4)
	assert.False(t, m.CANnormal)
	assert.Len(t, m.RxArray, 4)
	assert.Len(t, m.TxArray, 4)
}

func TestAddInterfaceRefusedInNormalMode(t *testing.T) {
	m := New(nil, 2, 2)
	m.CANnormal = true
	err := m.AddInterface("socketcan", "vcan-test0")
	assert.Equal(t, coerrors.InvalidState, err)
}

func TestTxBufferInitOutOfRange(t *testing.T) {
	m := New(nil, 2, 2)
	_, err := m.TxBufferInit(5, 0x100, false, 8, false)
	assert.Equal(t, coerrors.IllegalArgument, err)
}

func TestTxBufferInitFoldsRtr(t *testing.T) {
	m := New(nil, 2, 2)
	buf, err := m.TxBufferInit(0, 0x100, true, 8, false)
	assert.NoError(t, err)
	assert.NotZero(t, buf.Ident&0x40000000)
}

func TestRxBufferInitRequiresObject(t *testing.T) {
	m := New(nil, 2, 2)
	err := m.RxBufferInit(0, 0x100, 0x7FF, false, nil)
	assert.Equal(t, coerrors.IllegalArgument, err)
}

func TestProcessNoOpWhenTxCountZero(t *testing.T) {
	m := New(nil, 2, 2)
	m.Process()
	assert.EqualValues(t, 0, m.CANtxCount)
}

func TestProcessResetsDriftedCounter(t *testing.T) {
	m := New(nil, 2, 2)
	m.CANtxCount = 3
	m.Process()
	assert.EqualValues(t, 0, m.CANtxCount)
}

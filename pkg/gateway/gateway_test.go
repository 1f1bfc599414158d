package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubParser struct {
	fed    [][]byte
	closed bool
	writer func([]byte) (int, error)
}

func (p *stubParser) FreeInputSpace() int                   { return 64 }
func (p *stubParser) Feed(data []byte)                      { p.fed = append(p.fed, append([]byte(nil), data...)) }
func (p *stubParser) SetWriter(w func([]byte) (int, error)) { p.writer = w }
func (p *stubParser) ConnectionClosed()                     { p.closed = true }

func TestIsBareCommandRejectsBracketPrefixed(t *testing.T) {
	assert.False(t, isBareCommand([]byte("[0] reset\n")))
}

func TestIsBareCommandRejectsHashComment(t *testing.T) {
	assert.False(t, isBareCommand([]byte("# comment\n")))
}

func TestIsBareCommandAcceptsPlainLine(t *testing.T) {
	assert.True(t, isBareCommand([]byte("reset\n")))
}

func TestIsBareCommandRejectsUnterminated(t *testing.T) {
	assert.False(t, isBareCommand([]byte("reset")))
}

func TestNewDefaultsNoActiveConnection(t *testing.T) {
	p := &stubParser{}
	s := New(nil, p, 0)
	assert.Equal(t, -1, s.activeFd)
	assert.Equal(t, -1, s.listenFd)
}

func TestAdvanceIdleNoopWithoutActiveConnection(t *testing.T) {
	p := &stubParser{}
	s := New(nil, p, 0)
	s.advanceIdle(1_000_000)
	assert.EqualValues(t, 0, s.idleUs)
}

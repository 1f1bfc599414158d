package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingWakeup struct{ calls int }

func (c *countingWakeup) RegisterWakeupCallback(trigger func()) { c.calls++ }

func TestWakeupSourcesSkipsNil(t *testing.T) {
	nmt := &countingWakeup{}
	stack := &Stack{NMT: nmt}
	sources := stack.WakeupSources()
	assert.Len(t, sources, 1)
	assert.Same(t, nmt, sources[0])
}

func TestWakeupSourcesCollectsAll(t *testing.T) {
	stack := &Stack{
		NMT:               &countingWakeup{},
		HeartbeatConsumer: &countingWakeup{},
		Emergency:         &countingWakeup{},
	}
	assert.Len(t, stack.WakeupSources(), 3)
}

func TestNoopWakeupSourceIsSafe(t *testing.T) {
	var s NoopWakeupSource
	s.RegisterWakeupCallback(func() {})
}

package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonnyyang123/CANopenLinux/pkg/protocol"
)

func testConfig() Config {
	return Config{
		IntervalUs:       10_000,
		RTPriority:       -1,
		SingleThreaded:   true,
		AutoSaveInterval: time.Minute,
	}
}

func multiThreadedTestConfig() Config {
	cfg := testConfig()
	cfg.SingleThreaded = false
	return cfg
}

func TestNewWiresEventLoopAndCANModule(t *testing.T) {
	n, err := New(testConfig(), 8, 8)
	require.NoError(t, err)
	defer n.loop.Close()

	assert.NotNil(t, n.EventLoop())
	assert.NotNil(t, n.CAN())
	assert.NotNil(t, n.Storage())
	assert.NotNil(t, n.Metrics())
}

func TestSetStackAndGatewayAccessors(t *testing.T) {
	n, err := New(testConfig(), 4, 4)
	require.NoError(t, err)
	defer n.loop.Close()

	stack := &protocol.Stack{Mainline: &stubMainline{}}
	n.SetStack(stack)
	assert.Same(t, stack, n.stack)
}

func TestShutdownSingleThreadedDoesNotBlock(t *testing.T) {
	n, err := New(testConfig(), 4, 4)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- n.shutdown(protocol.ResetNot) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown blocked: single-threaded mode should never wait on rtDone")
	}
}

func TestNewMultiThreadedCreatesDedicatedRTLoop(t *testing.T) {
	n, err := New(multiThreadedTestConfig(), 8, 8)
	require.NoError(t, err)
	defer n.loop.Close()
	defer n.rtLoop.Close()

	require.NotNil(t, n.rtLoop)
	assert.NotSame(t, n.loop, n.rtLoop)
}

func TestNewSingleThreadedHasNoRTLoop(t *testing.T) {
	n, err := New(testConfig(), 8, 8)
	require.NoError(t, err)
	defer n.loop.Close()

	assert.Nil(t, n.rtLoop)
}

func TestShutdownMultiThreadedWaitsForRTThread(t *testing.T) {
	n, err := New(multiThreadedTestConfig(), 4, 4)
	require.NoError(t, err)
	n.stack = &protocol.Stack{Mainline: &stubMainline{}}

	go n.runRealtimeThread()

	done := make(chan error, 1)
	go func() { done <- n.shutdown(protocol.ResetNot) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return once the RT thread stopped")
	}
}

type stubMainline struct{}

func (*stubMainline) RegisterWakeupCallback(func()) {}

func (*stubMainline) Process(nowUs uint64) protocol.ResetCommand { return protocol.ResetNot }

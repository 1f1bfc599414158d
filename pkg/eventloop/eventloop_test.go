package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndClose(t *testing.T) {
	l, err := Create(10_000)
	require.NoError(t, err)
	defer l.Close()

	assert.Greater(t, l.epfd, 0)
	assert.Greater(t, l.timerFd, 0)
	assert.Greater(t, l.wakeFd, 0)
}

func TestFirstWaitFiresImmediately(t *testing.T) {
	l, err := Create(50_000)
	require.NoError(t, err)
	defer l.Close()

	it, err := l.Wait()
	require.NoError(t, err)
	assert.Equal(t, SourceTimer, it.Source)
}

func TestTriggerWakeupIsObserved(t *testing.T) {
	l, err := Create(50_000)
	require.NoError(t, err)
	defer l.Close()

	// drain the immediate timer tick first
	_, err = l.Wait()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		l.TriggerWakeup()
		close(done)
	}()

	it, err := l.Wait()
	require.NoError(t, err)
	assert.Equal(t, SourceWakeup, it.Source)
	<-done
}

func TestLowerTNextRearmsTimer(t *testing.T) {
	l, err := Create(200_000)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Wait()
	require.NoError(t, err)

	it := &Iteration{TNext: l.intervalUs}
	it.Lower(5_000)
	l.FinishIteration(it)

	start := time.Now()
	next, err := l.Wait()
	require.NoError(t, err)
	assert.Equal(t, SourceTimer, next.Source)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestConsumeMatchesFd(t *testing.T) {
	it := &Iteration{Source: SourceFd, EventFd: 7}
	assert.False(t, it.Consume(8))
	assert.True(t, it.Consume(7))
	assert.True(t, it.consumed)
}

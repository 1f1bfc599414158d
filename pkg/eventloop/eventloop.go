// Package eventloop is the runtime's single multiplexer (§4.D): one
// epoll instance watching a periodic timerfd, a coalescing eventfd
// wake-up, and any number of collaborator fds (CAN sockets, gateway
// listeners/connections). Modeled on the upstream stack's reliance on
// golang.org/x/sys/unix for raw syscalls (pkg/can/socketcanv2,
// socketcanv3 use the same primitives for socket setup); the epoll/
// timerfd/eventfd composition itself has no upstream analogue, since
// the original stack never owned its own event loop.
package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/jonnyyang123/CANopenLinux/internal/clock"
	"github.com/jonnyyang123/CANopenLinux/pkg/colog"
)

// Source classifies why Wait returned.
type Source int

const (
	SourceNone Source = iota
	SourceWakeup
	SourceTimer
	SourceFd
)

// Iteration is the snapshot populated by Wait and consulted/mutated by
// collaborators before FinishIteration.
type Iteration struct {
	DeltaUs  uint64
	TNext    uint64 // microseconds; default IntervalUs, collaborators may lower it
	Source   Source
	EventFd  int    // valid iff Source == SourceFd
	Events   uint32 // epoll event bits for EventFd
	consumed bool
}

// Consume marks the current fd-sourced event as handled by a
// collaborator, matching fd against EventFd.
func (it *Iteration) Consume(fd int) bool {
	if it.Source != SourceFd || it.EventFd != fd {
		return false
	}
	it.consumed = true
	return true
}

// Lower requests an earlier next wake-up than the default interval.
func (it *Iteration) Lower(tNext uint64) {
	if tNext < it.TNext {
		it.TNext = tNext
	}
}

// Loop owns the epoll instance plus the timer and wake-up descriptors.
type Loop struct {
	epfd       int
	timerFd    int
	wakeFd     int
	intervalUs uint64
	lastTick   uint64
}

// Create provisions the epoll instance, a periodic timerfd armed with
// intervalUs (and a 1us initial expiration so the first iteration fires
// immediately), and a non-blocking coalescing eventfd.
func Create(intervalUs uint64) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}

	timerFd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: timerfd_create: %w", err)
	}
	spec := &unix.ItimerSpec{
		Value:    clock.MicrosToTimespec(1),
		Interval: clock.MicrosToTimespec(intervalUs),
	}
	if err := unix.TimerfdSettime(timerFd, 0, spec, nil); err != nil {
		unix.Close(epfd)
		unix.Close(timerFd)
		return nil, fmt.Errorf("eventloop: timerfd_settime: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		unix.Close(timerFd)
		return nil, fmt.Errorf("eventloop: eventfd: %w", err)
	}

	l := &Loop{epfd: epfd, timerFd: timerFd, wakeFd: wakeFd, intervalUs: intervalUs}

	if err := l.Register(timerFd, unix.EPOLLIN); err != nil {
		l.Close()
		return nil, err
	}
	if err := l.Register(wakeFd, unix.EPOLLIN); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Register adds fd to the epoll set with the given event mask.
func (l *Loop) Register(fd int, events uint32) error {
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add %d: %w", fd, err)
	}
	return nil
}

// Unregister removes fd from the epoll set.
func (l *Loop) Unregister(fd int) error {
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

// Rearm modifies the event mask of an already-registered fd, used to
// re-arm EPOLLONESHOT watches (e.g. the gateway listener) after they
// fire.
func (l *Loop) Rearm(fd int, events uint32) error {
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl mod %d: %w", fd, err)
	}
	return nil
}

// Close releases the epoll, timer and wake-up descriptors.
func (l *Loop) Close() error {
	var firstErr error
	for _, fd := range []int{l.wakeFd, l.timerFd, l.epfd} {
		if fd <= 0 {
			continue
		}
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Wait blocks until exactly one descriptor is ready and returns the
// populated iteration snapshot.
func (l *Loop) Wait() (*Iteration, error) {
	var events [1]unix.EpollEvent
	now := clock.NowMicros()
	n, err := unix.EpollWait(l.epfd, events[:], -1)

	it := &Iteration{TNext: l.intervalUs}
	if l.lastTick != 0 {
		it.DeltaUs = now - l.lastTick
	}
	l.lastTick = now

	if err != nil {
		if err == unix.EINTR {
			it.Source = SourceNone
			return it, nil
		}
		return it, fmt.Errorf("eventloop: epoll_wait: %w", err)
	}
	if n == 0 {
		it.Source = SourceNone
		return it, nil
	}

	fd := int(events[0].Fd)
	switch fd {
	case l.wakeFd:
		drainEventfd(l.wakeFd)
		it.Source = SourceWakeup
	case l.timerFd:
		drainTimerfd(l.timerFd)
		it.Source = SourceTimer
	default:
		it.Source = SourceFd
		it.EventFd = fd
		it.Events = events[0].Events
	}
	return it, nil
}

// FinishIteration logs any fd-sourced event nobody consumed, then, iff
// TNext was lowered below the interval, re-arms the timer for one
// accelerated one-shot expiration (plus a 1us guard against a zero
// timespec). The periodic interval itself is left untouched; the next
// natural tick restores it.
func (l *Loop) FinishIteration(it *Iteration) {
	if it.Source == SourceFd && !it.consumed {
		colog.Warnf("eventloop: fd %d ready but not consumed by any collaborator", it.EventFd)
	}
	if it.TNext >= l.intervalUs {
		return
	}
	oneShot := it.TNext + 1
	spec := &unix.ItimerSpec{
		Value:    clock.MicrosToTimespec(oneShot),
		Interval: clock.MicrosToTimespec(l.intervalUs),
	}
	if err := unix.TimerfdSettime(l.timerFd, 0, spec, nil); err != nil {
		colog.Warnf("eventloop: re-arm timer failed: %v", err)
	}
}

// TriggerWakeup writes a one-count value into the wake-up descriptor.
// Safe to call from any thread; concurrent writes coalesce into a
// single pending wake-up.
func (l *Loop) TriggerWakeup() {
	buf := make([]byte, 8)
	buf[0] = 1
	if _, err := unix.Write(l.wakeFd, buf); err != nil && err != unix.EAGAIN {
		colog.Warnf("eventloop: trigger_wakeup write failed: %v", err)
	}
}

func drainEventfd(fd int) {
	buf := make([]byte, 8)
	if _, err := unix.Read(fd, buf); err != nil && err != unix.EAGAIN {
		colog.Warnf("eventloop: eventfd drain failed: %v", err)
	}
}

func drainTimerfd(fd int) {
	buf := make([]byte, 8)
	if _, err := unix.Read(fd, buf); err != nil && err != unix.EAGAIN {
		colog.Warnf("eventloop: timerfd drain failed: %v", err)
	}
}

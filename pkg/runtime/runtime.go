// Package runtime is the orchestrator (§4.G): it composes the clock,
// event loop, CAN driver, storage engine, gateway and protocol stack
// into the reset-loop/inner-loop lifecycle, and owns the RT-vs-
// mainline thread split (§5). The per-object Process composition is
// grounded on the upstream Node.Process/InitPDO sequencing
// (canopen.go) — NMT first, then SDO servers, then TIME — generalized
// around this module's own event loop instead of a caller-supplied
// time_difference_us/timer_next_us pair of out-parameters.
package runtime

import (
	"os"
	"os/signal"
	goruntime "runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jonnyyang123/CANopenLinux/internal/clock"
	"github.com/jonnyyang123/CANopenLinux/pkg/candriver"
	"github.com/jonnyyang123/CANopenLinux/pkg/colog"
	"github.com/jonnyyang123/CANopenLinux/pkg/eventloop"
	"github.com/jonnyyang123/CANopenLinux/pkg/gateway"
	"github.com/jonnyyang123/CANopenLinux/pkg/metrics"
	"github.com/jonnyyang123/CANopenLinux/pkg/protocol"
	"github.com/jonnyyang123/CANopenLinux/pkg/storage"
)

// CansendDelayUs is the deferred-retransmit threshold from §4.G: if the
// CAN module has a pending TX count and the next wake-up would
// otherwise be later than this, pull it in.
const CansendDelayUs = 100

// Config bundles the orchestrator's startup parameters (§6's CLI
// surface maps onto this directly).
type Config struct {
	IntervalUs       uint64
	RTPriority       int // 1..99 enables SCHED_FIFO; <1 leaves default scheduling
	SingleThreaded   bool
	RebootOnAppReset bool
	AutoSaveInterval time.Duration
}

// Node owns every collaborator the reset-loop composes.
type Node struct {
	cfg      Config
	loop     *eventloop.Loop
	rtLoop   *eventloop.Loop // nil in single-threaded mode; owns the CAN sockets otherwise
	can      *candriver.Module
	storage  *storage.Engine
	gw       *gateway.Server
	stack    *protocol.Stack
	metrics  *metrics.Collector
	odLock   sync.Mutex
	stopFlag chan struct{}
	rtDone   chan struct{}
}

// New wires the event loop and CAN module; the caller still calls
// SetStack and SetGateway before Run, which opens the CAN interfaces
// itself. In multi-threaded mode
// a second event loop is created up front and given ownership of the
// CAN sockets, since §5 puts CAN event dispatch on the RT thread, not
// the mainline one.
func New(cfg Config, rxSize, txSize int) (*Node, error) {
	loop, err := eventloop.Create(cfg.IntervalUs)
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:      cfg,
		loop:     loop,
		metrics:  metrics.New(nil),
		stopFlag: make(chan struct{}),
		rtDone:   make(chan struct{}),
	}

	canLoop := loop
	if !cfg.SingleThreaded {
		rtLoop, err := eventloop.Create(cfg.IntervalUs)
		if err != nil {
			loop.Close()
			return nil, err
		}
		n.rtLoop = rtLoop
		canLoop = rtLoop
	}
	n.can = candriver.New(canLoop, rxSize, txSize)

	n.storage = storage.New(&n.odLock)
	return n, nil
}

func (n *Node) SetStack(stack *protocol.Stack) { n.stack = stack }
func (n *Node) SetGateway(gw *gateway.Server)  { n.gw = gw }
func (n *Node) Storage() *storage.Engine       { return n.storage }
func (n *Node) CAN() *candriver.Module         { return n.can }
func (n *Node) Metrics() *metrics.Collector    { return n.metrics }
func (n *Node) EventLoop() *eventloop.Loop     { return n.loop }

// Run drives the reset-loop: configure CAN, init the stack, spawn the
// RT thread on the first pass, bring CAN to normal mode, then iterate
// until a terminal reset command or signal arrives. backend selects
// which registered can.Bus implementation AddInterface opens (e.g.
// "socketcan", "brutella").
func (n *Node) Run(backend string, interfaces []string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	firstPass := true
	for {
		n.can.CANnormal = false
		for _, ifc := range interfaces {
			if err := n.can.AddInterface(backend, ifc); err != nil {
				return err
			}
			n.metrics.AddInterface(ifc, n.can.Monitor(ifc))
		}

		for _, src := range n.stack.WakeupSources() {
			src.RegisterWakeupCallback(n.loop.TriggerWakeup)
		}

		if firstPass && !n.cfg.SingleThreaded {
			go n.runRealtimeThread()
			firstPass = false
		}

		if err := n.can.SetNormalMode(); err != nil {
			return err
		}

		reset := n.innerLoop(sigCh)
		if reset == protocol.ResetCommunication {
			n.can.Shutdown()
			continue
		}
		return n.shutdown(reset)
	}
}

func (n *Node) innerLoop(sigCh chan os.Signal) protocol.ResetCommand {
	autoSaveAccumUs := uint64(0)
	autoSaveIntervalUs := uint64(n.cfg.AutoSaveInterval.Microseconds())

	for {
		select {
		case <-sigCh:
			return protocol.ResetQuit
		default:
		}

		it, err := n.loop.Wait()
		if err != nil {
			colog.Errorf("runtime: event loop wait failed: %v", err)
			return protocol.ResetQuit
		}

		switch it.Source {
		case eventloop.SourceTimer:
			n.metrics.IncWakeup("timer")
		case eventloop.SourceWakeup:
			n.metrics.IncWakeup("wakeup")
		}

		// The gateway's own PollEvent tells listener/active-connection fds
		// apart from everything else and falls back to advancing its idle
		// timer by Δt when fd matches neither — so it runs every iteration,
		// passing -1 on non-fd sources.
		fdForGw := -1
		if it.Source == eventloop.SourceFd {
			fdForGw = it.EventFd
		}
		// In multi-threaded mode the RT thread's own loop owns the CAN
		// sockets and dispatches them; mainline only does it when there
		// is no RT thread to do it instead.
		consumed := n.cfg.SingleThreaded && it.Source == eventloop.SourceFd && n.can.PollEvent(it.EventFd, it.Events)
		if n.gw != nil && n.gw.PollEvent(fdForGw, it.Events, it.DeltaUs) {
			consumed = true
		}
		if it.Source == eventloop.SourceFd && consumed {
			it.Consume(it.EventFd)
		}

		if n.cfg.SingleThreaded && n.stack.Realtime != nil {
			tNext := n.stack.Realtime.Step(clock.NowMicros(), false)
			it.Lower(tNext)
		}

		reset := protocol.ResetNot
		if n.stack.Mainline != nil {
			reset = n.stack.Mainline.Process(clock.NowMicros())
		}

		autoSaveAccumUs += it.DeltaUs
		if autoSaveIntervalUs > 0 && autoSaveAccumUs >= autoSaveIntervalUs {
			autoSaveAccumUs = 0
			n.storage.AutoSaveTick()
		}

		if n.can.CANtxCount > 0 && it.TNext > CansendDelayUs {
			it.Lower(CansendDelayUs)
		}
		n.can.Process()

		n.loop.FinishIteration(it)

		switch reset {
		case protocol.ResetCommunication, protocol.ResetApplication, protocol.ResetQuit:
			return reset
		}
	}
}

// runRealtimeThread drives the RT loop created by New: within one
// iteration, CAN event dispatch always runs first, and SYNC/RPDO/TPDO
// (Realtime.Step) only runs on the timer-fired iteration (§5).
func (n *Node) runRealtimeThread() {
	defer close(n.rtDone)
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()

	if n.cfg.RTPriority >= 1 {
		if err := setRealtimePriority(n.cfg.RTPriority); err != nil {
			colog.Warnf("runtime: failed to set SCHED_FIFO priority %d: %v", n.cfg.RTPriority, err)
		}
	}

	rtLoop := n.rtLoop
	for {
		select {
		case <-n.stopFlag:
			return
		default:
		}
		it, err := rtLoop.Wait()
		if err != nil {
			colog.Warnf("runtime: RT thread wait failed: %v", err)
			continue
		}

		if it.Source == eventloop.SourceFd {
			if consumed := n.can.PollEvent(it.EventFd, it.Events); consumed {
				it.Consume(it.EventFd)
			}
		}

		if n.stack.Realtime != nil && it.Source == eventloop.SourceTimer {
			tNext := n.stack.Realtime.Step(clock.NowMicros(), true)
			it.Lower(tNext)
		}
		rtLoop.FinishIteration(it)
	}
}

// shutdown stops the RT thread, forces a final storage save, closes
// the event loop and gateway, and optionally reboots.
func (n *Node) shutdown(reset protocol.ResetCommand) error {
	close(n.stopFlag)
	if !n.cfg.SingleThreaded {
		<-n.rtDone
	}
	n.storage.Shutdown()
	if n.gw != nil {
		n.gw.Close()
	}
	n.can.Shutdown()
	if err := n.loop.Close(); err != nil {
		colog.Warnf("runtime: event loop close failed: %v", err)
	}
	if n.rtLoop != nil {
		if err := n.rtLoop.Close(); err != nil {
			colog.Warnf("runtime: RT event loop close failed: %v", err)
		}
	}

	if reset == protocol.ResetApplication && n.cfg.RebootOnAppReset {
		unix.Sync()
		if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
			colog.Errorf("runtime: reboot request failed: %v", err)
		}
	}
	return nil
}

// setRealtimePriority puts the calling OS thread under SCHED_FIFO at
// the given priority (1..99). Best-effort: CAP_SYS_NICE is required
// and its absence is reported but not fatal.
func setRealtimePriority(priority int) error {
	param := &unix.SchedParam{Priority: int32(priority)}
	return unix.SchedSetscheduler(0, unix.SCHED_FIFO, param)
}

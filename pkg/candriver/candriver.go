// Package candriver is the CAN module (§4.C): it owns interface
// sockets, kernel filter installation, RX dispatch and deferred TX.
// Structurally grounded on the upstream CANModule (driver.go) — RX/TX
// buffer arrays, BufferFull/CANtxCount bookkeeping, RxBufferInit/
// TxBufferInit identifier and mask composition — generalized from a
// single bus to one-or-more interfaces each backed by an errmonitor
// state machine and registered with the shared event loop instead of
// a per-backend goroutine.
package candriver

import (
	"golang.org/x/sys/unix"

	"github.com/jonnyyang123/CANopenLinux/pkg/can"
	"github.com/jonnyyang123/CANopenLinux/pkg/coerrors"
	"github.com/jonnyyang123/CANopenLinux/pkg/colog"
	"github.com/jonnyyang123/CANopenLinux/pkg/errmonitor"
	"github.com/jonnyyang123/CANopenLinux/pkg/eventloop"
)

// RxFrame is one receive-filter slot.
type RxFrame struct {
	Ident      uint32
	Mask       uint32
	Object     can.FrameListener
	CANifindex int
	Timestamp  uint64
}

// TxFrame is one transmit-buffer slot.
type TxFrame struct {
	Ident      uint32
	DLC        uint8
	Data       [8]byte
	BufferFull bool
	SyncFlag   bool
	CANifindex int
}

// Optional per-backend capabilities, type-asserted against whatever
// can.Bus a backend's constructor returns. Only the native socketcan
// backend implements all four; a backend like brutella that drives
// its own goroutine implements none of them and is dispatched through
// Subscribe instead of epoll.
type filterSetter interface {
	SetFilters(filters []unix.CanFilter) error
}

type errorFilterSetter interface {
	SetErrorFilter(mask uint32) error
}

type ifindexer interface {
	Ifindex() int
}

type rxOverflowReporter interface {
	RxOverflowDrops() uint32
}

type ifaceState struct {
	name     string
	index    int
	bus      can.Bus
	pollable can.Pollable // nil for backends dispatched via Subscribe
	monitor  *errmonitor.Monitor
	lastRxq  uint32
}

// subscribedListener adapts a non-pollable backend's push-based
// Subscribe/Handle callback onto the shared frame-dispatch path.
type subscribedListener struct {
	module *Module
	ifc    *ifaceState
}

func (l *subscribedListener) Handle(frame can.Frame) {
	l.module.dispatchFrame(l.ifc, frame)
}

// Module is the CAN driver tying filters, buffers, error monitoring and
// event-loop registration together.
type Module struct {
	loop       *eventloop.Loop
	RxArray    []RxFrame
	TxArray    []TxFrame
	CANnormal  bool
	CANtxCount uint32
	ifaces     []*ifaceState
	errStatus  uint16
}

// New allocates a module with the given RX/TX array sizes, in
// "configuration mode" (CANnormal == false) until SetNormalMode.
func New(loop *eventloop.Loop, rxSize, txSize int) *Module {
	return &Module{
		loop:    loop,
		RxArray: make([]RxFrame, rxSize),
		TxArray: make([]TxFrame, txSize),
	}
}

// AddInterface opens channel on the named backend (e.g. "socketcan",
// "brutella"), arms its error monitor, installs an error-frame filter
// where the backend supports one, and registers it for dispatch: a
// Pollable backend's fd is registered with the event loop, anything
// else is driven through Subscribe/Connect. Refused once the module
// is in normal mode.
func (m *Module) AddInterface(backend, channel string) error {
	if m.CANnormal {
		return coerrors.InvalidState
	}

	bus, err := can.NewBus(backend, channel)
	if err != nil {
		return coerrors.WrapSyscall(err)
	}

	ifc := &ifaceState{name: channel, bus: bus}

	if efs, ok := bus.(errorFilterSetter); ok {
		if err := efs.SetErrorFilter(can.ErrClassAck | can.ErrClassCtrl | can.ErrClassBusOff | can.ErrClassBusError); err != nil {
			return coerrors.WrapSyscall(err)
		}
	}
	if fs, ok := bus.(filterSetter); ok {
		// Start with RX disabled; SetNormalMode applies the real filter set.
		if err := fs.SetFilters(nil); err != nil {
			return coerrors.WrapSyscall(err)
		}
	}
	if idx, ok := bus.(ifindexer); ok {
		ifc.index = idx.Ifindex()
	}

	if pollable, ok := bus.(can.Pollable); ok {
		if err := m.loop.Register(pollable.Fd(), unix.EPOLLIN); err != nil {
			return coerrors.WrapSyscall(err)
		}
		ifc.pollable = pollable
	} else {
		if err := bus.Subscribe(&subscribedListener{module: m, ifc: ifc}); err != nil {
			return coerrors.WrapSyscall(err)
		}
		if err := bus.Connect(); err != nil {
			return coerrors.WrapSyscall(err)
		}
	}

	mon := errmonitor.New(channel)
	mon.Arm()
	ifc.monitor = mon

	m.ifaces = append(m.ifaces, ifc)
	return nil
}

// Monitor returns the named interface's error monitor, or nil if no
// such interface was added — used to wire bus-state metrics.
func (m *Module) Monitor(name string) *errmonitor.Monitor {
	for _, ifc := range m.ifaces {
		if ifc.name == name {
			return ifc.monitor
		}
	}
	return nil
}

// SetNormalMode applies the current RX filter set on every interface
// and, iff every application succeeded, flips CANnormal to true.
func (m *Module) SetNormalMode() error {
	ok := true
	for _, ifc := range m.ifaces {
		fs, supported := ifc.bus.(filterSetter)
		if !supported {
			continue
		}
		if err := fs.SetFilters(m.buildFilters(ifc.index)); err != nil {
			colog.Warnf("candriver: apply filters on %s failed: %v", ifc.name, err)
			ok = false
		}
	}
	if ok {
		m.CANnormal = true
	}
	return nil
}

// buildFilters copies every RX slot whose (id,mask) is not both zero.
// nil/empty means match-nothing (mute RX), matching §4.C's filter rule.
func (m *Module) buildFilters(ifindex int) []unix.CanFilter {
	var filters []unix.CanFilter
	for _, slot := range m.RxArray {
		if slot.Object == nil {
			continue
		}
		if slot.CANifindex != 0 && slot.CANifindex != ifindex {
			continue
		}
		if slot.Ident == 0 && slot.Mask == 0 {
			continue
		}
		filters = append(filters, unix.CanFilter{Id: slot.Ident, Mask: slot.Mask})
	}
	return filters
}

// RxBufferInit stores callback and object, composing the effective
// identifier/mask per §4.C (EFF/RTR bits always compared). Reapplies
// filters immediately if already in normal mode.
func (m *Module) RxBufferInit(index uint32, ident, mask uint32, rtr bool, object can.FrameListener) error {
	if int(index) >= len(m.RxArray) || object == nil {
		return coerrors.IllegalArgument
	}
	slot := &m.RxArray[index]
	slot.Object = object
	slot.Ident = (ident & can.SffMask)
	if rtr {
		slot.Ident |= can.RtrFlag
	}
	slot.Mask = (mask & can.SffMask) | can.EffFlag | can.RtrFlag

	if m.CANnormal {
		return m.SetNormalMode()
	}
	return nil
}

// TxBufferInit sets identifier, DLC and flags on one TX slot.
func (m *Module) TxBufferInit(index uint32, ident uint32, rtr bool, dlc uint8, syncFlag bool) (*TxFrame, error) {
	if int(index) >= len(m.TxArray) {
		return nil, coerrors.IllegalArgument
	}
	slot := &m.TxArray[index]
	slot.Ident = ident & can.SffMask
	if rtr {
		slot.Ident |= can.RtrFlag
	}
	slot.DLC = dlc
	slot.SyncFlag = syncFlag
	slot.BufferFull = false
	return slot, nil
}

// Send transmits one buffer. In single-interface mode this drives the
// sole bus directly; in multi-interface mode it routes through each
// interface matching buffer.CANifindex (0 = all), consulting that
// interface's error monitor first.
func (m *Module) Send(index uint32) error {
	if int(index) >= len(m.TxArray) {
		return coerrors.IllegalArgument
	}
	slot := &m.TxArray[index]

	if len(m.ifaces) == 1 {
		return m.sendSingle(slot)
	}
	return m.sendMulti(slot)
}

func (m *Module) sendSingle(slot *TxFrame) error {
	wasFull := slot.BufferFull
	if wasFull {
		colog.Warnf("candriver: tx overflow on resend")
	}

	frame := can.Frame{ID: slot.Ident, DLC: slot.DLC, Data: slot.Data}
	err := m.ifaces[0].bus.Send(frame)
	return m.classifySendResult(slot, err, wasFull)
}

func (m *Module) sendMulti(slot *TxFrame) error {
	var lastErr error
	matched := false
	for _, ifc := range m.ifaces {
		if slot.CANifindex != 0 && slot.CANifindex != ifc.index {
			continue
		}
		matched = true

		switch ifc.monitor.TxAttempt() {
		case errmonitor.ListenOnly:
			continue
		case errmonitor.BusOff:
			lastErr = coerrors.InvalidState
			continue
		}

		frame := can.Frame{ID: slot.Ident, DLC: slot.DLC, Data: slot.Data}
		if err := ifc.bus.Send(frame); err != nil {
			lastErr = coerrors.TxBusy
		}
	}
	if !matched {
		return coerrors.IllegalArgument
	}
	return lastErr
}

func (m *Module) classifySendResult(slot *TxFrame, err error, wasFull bool) error {
	if err == nil {
		slot.BufferFull = false
		if m.CANtxCount > 0 {
			m.CANtxCount--
		}
		return nil
	}
	switch err {
	case unix.EINTR, unix.EAGAIN, unix.ENOBUFS:
		slot.BufferFull = true
		m.CANtxCount++
		return coerrors.TxBusy
	default:
		colog.Warnf("candriver: unexpected send error: %v", err)
		m.errStatus |= can.ErrTxOverflow
		return coerrors.Syscall
	}
}

// Process retries at most one TX slot per call — the first BufferFull
// slot in TX order — and resets CANtxCount if no slot is BufferFull
// (accounting drift).
func (m *Module) Process() {
	if m.CANtxCount == 0 {
		return
	}
	for i := range m.TxArray {
		if m.TxArray[i].BufferFull {
			m.TxArray[i].BufferFull = false
			_ = m.Send(uint32(i))
			return
		}
	}
	m.CANtxCount = 0
}

// PollEvent is called by the orchestrator once per iteration when an
// event-loop fd readiness matches one of this module's sockets. It
// returns true iff it consumed the event. Backends dispatched via
// Subscribe (ifc.pollable == nil) never match here; they push frames
// to dispatchFrame directly from their own goroutine.
func (m *Module) PollEvent(fd int, events uint32) bool {
	for _, ifc := range m.ifaces {
		if ifc.pollable == nil || ifc.pollable.Fd() != fd {
			continue
		}
		m.pollInterface(ifc, events)
		return true
	}
	return false
}

func (m *Module) pollInterface(ifc *ifaceState, events uint32) {
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		_, _, _ = ifc.pollable.ReadFrame()
		colog.Warnf("candriver: %s reported EPOLLERR/EPOLLHUP", ifc.name)
		return
	}
	if events&unix.EPOLLIN == 0 {
		return
	}

	frame, ok, err := ifc.pollable.ReadFrame()
	if err != nil {
		colog.Warnf("candriver: recv on %s failed: %v", ifc.name, err)
		return
	}
	if !ok {
		return
	}
	m.dispatchFrame(ifc, frame)
}

// dispatchFrame applies RX-overflow accounting, error-monitor routing
// and RX-filter matching to one frame, regardless of whether it
// arrived through the epoll path or a Subscribe callback.
func (m *Module) dispatchFrame(ifc *ifaceState, frame can.Frame) {
	if reporter, ok := ifc.bus.(rxOverflowReporter); ok {
		if drops := reporter.RxOverflowDrops(); drops > ifc.lastRxq {
			m.errStatus |= can.ErrRxOverflow
			ifc.lastRxq = drops
		}
	}

	if frame.IsError() {
		ifc.monitor.HandleErrorFrame(frame)
		return
	}

	ifc.monitor.DataFrameReceived()
	if !m.CANnormal {
		return
	}
	for i := range m.RxArray {
		slot := &m.RxArray[i]
		if slot.Object == nil {
			continue
		}
		if (frame.ID^slot.Ident)&slot.Mask == 0 {
			slot.CANifindex = ifc.index
			slot.Timestamp = frame.TimestampUs
			slot.Object.Handle(frame)
			return
		}
	}
}

// Shutdown disables normal mode, unregisters and closes every socket.
func (m *Module) Shutdown() {
	m.CANnormal = false
	for _, ifc := range m.ifaces {
		if ifc.pollable != nil {
			if err := m.loop.Unregister(ifc.pollable.Fd()); err != nil {
				colog.Warnf("candriver: unregister %s: %v", ifc.name, err)
			}
		}
		if err := ifc.bus.Disconnect(); err != nil {
			colog.Warnf("candriver: close %s: %v", ifc.name, err)
		}
	}
	m.ifaces = nil
}

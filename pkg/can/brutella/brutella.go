// Package brutella wraps github.com/brutella/can as an alternate,
// registered CAN backend. Unlike the native socketcan backend, it runs
// its own reader goroutine (github.com/brutella/can owns the socket
// internally) and pushes frames through Subscribe rather than exposing
// a pollable fd — it intentionally does not implement can.Pollable.
// Kept side by side with the native backend the way the upstream stack
// keeps its own hand-rolled SocketCAN alongside this same wrapper.
package brutella

import (
	"fmt"

	upstream "github.com/brutella/can"

	"github.com/jonnyyang123/CANopenLinux/pkg/can"
)

func init() {
	can.RegisterInterface("brutella", NewBus)
}

// Bus adapts an upstream *brutella_can.Bus to this module's can.Bus.
type Bus struct {
	bus      *upstream.Bus
	listener can.FrameListener
}

// NewBus opens the named interface through brutella/can's own socket
// setup.
func NewBus(channel string) (can.Bus, error) {
	ub, err := upstream.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, fmt.Errorf("brutella: %s: %w", channel, err)
	}
	b := &Bus{bus: ub}
	ub.Subscribe(b)
	return b, nil
}

// Handle implements brutella/can's Handler interface, translating its
// frame representation into this module's can.Frame.
func (b *Bus) Handle(frame upstream.Frame) {
	if b.listener == nil {
		return
	}
	b.listener.Handle(can.Frame{ID: frame.ID, DLC: frame.Length, Data: frame.Data})
}

func (b *Bus) Send(frame can.Frame) error {
	return b.bus.Publish(upstream.Frame{ID: frame.ID, Length: frame.DLC, Data: frame.Data})
}

func (b *Bus) Subscribe(listener can.FrameListener) error {
	b.listener = listener
	return nil
}

// Connect starts brutella/can's own read/dispatch loop in a goroutine
// and returns at once; frames reach the subscribed listener from that
// goroutine. This backend exposes no pollable fd.
func (b *Bus) Connect(...any) error {
	go b.bus.ConnectAndPublish()
	return nil
}

func (b *Bus) Disconnect() error {
	return b.bus.Disconnect()
}

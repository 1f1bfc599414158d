// Package protocol declares the minimal entry points this runtime
// drives on the CANopen stack's NMT, SDO, PDO, heartbeat, emergency,
// TIME and LSS modules. Their internal state-machine semantics are a
// separate concern (owned by the protocol stack itself, e.g. the
// upstream stack's pkg/nmt, pkg/sdo, pkg/pdo, pkg/emergency, pkg/lss);
// this package only fixes the shape of the callbacks and processing
// entry points the orchestrator (§4.G) calls into.
package protocol

// ResetCommand is what a mainline processing step reports wanting to
// happen next.
type ResetCommand int

const (
	ResetNot ResetCommand = iota
	ResetCommunication
	ResetApplication
	ResetQuit
)

// WakeupSource is any module whose internal events can make mainline
// work visible — it registers a trigger_wakeup-bound callback once per
// reset-loop entry (§4.G step 2).
type WakeupSource interface {
	RegisterWakeupCallback(trigger func())
}

// Mainline is the stack's single mainline processing step, returning
// the reset command the orchestrator should act on.
type Mainline interface {
	WakeupSource
	Process(nowUs uint64) ResetCommand
}

// RealtimeStep is the RT-thread step: CAN RX dispatch is driven
// separately by candriver; this only covers SYNC/RPDO/TPDO. The
// orchestrator calls it with realtime=true on the RT thread's
// timer-fired iterations, and with realtime=false on every mainline
// iteration in single-threaded mode (§4.G).
type RealtimeStep interface {
	Step(nowUs uint64, realtime bool) (tNextUs uint64)
}

// LSS is both master and slave entry points; node-id resolution can
// leave the node unconfigured until LSS completes.
type LSS interface {
	WakeupSource
	Configured() bool
}

// Stack bundles every protocol collaborator the orchestrator wires up
// during the reset-loop's module-initialisation step. Each field may be
// a no-op stub in configurations that don't need it (e.g. no LSS
// master).
type Stack struct {
	NMT               WakeupSource
	HeartbeatConsumer WakeupSource
	Emergency         WakeupSource
	SDOServer         WakeupSource
	SDOClient         WakeupSource
	Time              WakeupSource
	LSSMaster         LSS
	LSSSlave          LSS
	Mainline          Mainline
	Realtime          RealtimeStep
}

// WakeupSources lists every non-nil collaborator that needs its
// trigger_wakeup callback registered.
func (s *Stack) WakeupSources() []WakeupSource {
	var out []WakeupSource
	for _, src := range []WakeupSource{s.NMT, s.HeartbeatConsumer, s.Emergency, s.SDOServer, s.SDOClient, s.Time, s.LSSMaster, s.LSSSlave} {
		if src != nil {
			out = append(out, src)
		}
	}
	return out
}

// NoopWakeupSource is a trivial WakeupSource for stack slots the
// caller doesn't wire a real module into (e.g. tests, or a build
// without an LSS master).
type NoopWakeupSource struct{}

func (NoopWakeupSource) RegisterWakeupCallback(func()) {}

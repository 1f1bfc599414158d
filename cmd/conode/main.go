// Command conode is the CANopen node process: it wires the clock,
// event loop, CAN driver, storage engine and gateway server into a
// runtime.Node and drives it until an orderly shutdown. The CANopen
// protocol stack itself (NMT/SDO/PDO/heartbeat/LSS) is a separate
// collaborator; this binary only needs its entry points, so it wires a
// *protocol.Stack of no-op collaborators (see the SetStack call in
// main) where an embedding application supplies the real one.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jonnyyang123/CANopenLinux/pkg/can"
	_ "github.com/jonnyyang123/CANopenLinux/pkg/can/brutella"
	"github.com/jonnyyang123/CANopenLinux/pkg/coerrors"
	"github.com/jonnyyang123/CANopenLinux/pkg/colog"
	"github.com/jonnyyang123/CANopenLinux/pkg/gateway"
	"github.com/jonnyyang123/CANopenLinux/pkg/protocol"
	"github.com/jonnyyang123/CANopenLinux/pkg/runtime"
	"github.com/jonnyyang123/CANopenLinux/pkg/storage"
)

const (
	defaultIntervalUs  = 1000
	unconfiguredNodeID = 0xFF
)

func main() {
	log.SetLevel(log.InfoLevel)

	nodeID := flag.Int("i", unconfiguredNodeID, "node-id 1..127, or 0xFF for unconfigured (requires LSS)")
	priority := flag.Int("p", -1, "RT thread SCHED_FIFO priority 1..99, or -1 for normal scheduling")
	reboot := flag.Bool("r", false, "on NMT reset-app: sync and reboot")
	storagePrefix := flag.String("s", "", "prefix for storage filenames")
	gatewaySpec := flag.String("c", "", "gateway mode: stdio | local-<path> | tcp-<port> (default disabled)")
	idleTimeoutMs := flag.Int("T", 0, "gateway idle timeout in ms, socket modes only (0 = none)")
	singleThreaded := flag.Bool("single-threaded", false, "run CAN dispatch and SYNC/RPDO/TPDO inline on the mainline thread instead of spawning the RT thread")
	backend := flag.String("b", "socketcan", "CAN backend: "+strings.Join(can.Implemented(), ", "))
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}
	canDevice := flag.Arg(0)

	if err := validateNodeID(*nodeID); err != nil {
		colog.Critf("conode: %v", err)
		os.Exit(1)
	}
	if err := validatePriority(*priority); err != nil {
		colog.Critf("conode: %v", err)
		os.Exit(1)
	}
	if err := validateBackend(*backend); err != nil {
		colog.Critf("conode: %v", err)
		os.Exit(1)
	}

	cfg := runtime.Config{
		IntervalUs:       defaultIntervalUs,
		RTPriority:       *priority,
		SingleThreaded:   *singleThreaded,
		RebootOnAppReset: *reboot,
		AutoSaveInterval: storage.DefaultAutoSaveInterval,
	}

	node, err := runtime.New(cfg, 32, 32)
	if err != nil {
		colog.Critf("conode: failed to initialize event loop: %v", err)
		os.Exit(1)
	}

	if err := setupStorage(node, *storagePrefix); err != nil {
		colog.Critf("conode: storage setup failed: %v", err)
		os.Exit(1)
	}

	gw, err := setupGateway(node, *gatewaySpec, time.Duration(*idleTimeoutMs)*time.Millisecond)
	if err != nil {
		colog.Critf("conode: gateway setup failed: %v", err)
		os.Exit(1)
	}
	if gw != nil {
		node.SetGateway(gw)
	}

	// The protocol stack (NMT/SDO/PDO/heartbeat/emergency/LSS) is
	// supplied by the embedding application; conode itself only drives
	// the platform layer, so it wires a stack of no-op collaborators
	// and a mainline that never requests a reset.
	node.SetStack(&protocol.Stack{
		NMT:               protocol.NoopWakeupSource{},
		HeartbeatConsumer: protocol.NoopWakeupSource{},
		Emergency:         protocol.NoopWakeupSource{},
		SDOServer:         protocol.NoopWakeupSource{},
		SDOClient:         protocol.NoopWakeupSource{},
		Time:              protocol.NoopWakeupSource{},
		Mainline:          &idleMainline{},
	})

	if err := node.Run(*backend, []string{canDevice}); err != nil {
		colog.Critf("conode: %v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func validateNodeID(id int) error {
	if id == unconfiguredNodeID {
		return nil
	}
	if id < 1 || id > 127 {
		return fmt.Errorf("node-id %d out of range (1..127 or 0xFF)", id)
	}
	return nil
}

func validatePriority(p int) error {
	if p == -1 {
		return nil
	}
	if p < 1 || p > 99 {
		return fmt.Errorf("priority %d out of range (1..99 or -1)", p)
	}
	return nil
}

func validateBackend(name string) error {
	for _, b := range can.Implemented() {
		if b == name {
			return nil
		}
	}
	return fmt.Errorf("unknown CAN backend %q (have: %s)", name, strings.Join(can.Implemented(), ", "))
}

func setupStorage(node *runtime.Node, prefix string) error {
	manifestPath := filepath.Join(prefix, "storage.ini")
	entries, err := storage.LoadManifest(manifestPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		node.Storage().Register(filepath.Join(prefix, e.Path), make([]byte, 0), e.Attrs, e.SubIndex)
	}
	if errMask := node.Storage().Init(); errMask != 0 {
		colog.Warnf("conode: storage init reported error mask 0x%x", errMask)
	}
	return nil
}

func setupGateway(node *runtime.Node, spec string, idleTimeout time.Duration) (*gateway.Server, error) {
	if spec == "" {
		return nil, nil
	}

	parser := &nullParser{}
	gw := gateway.New(node.EventLoop(), parser, idleTimeout)

	switch {
	case spec == "stdio":
		if err := gw.ListenStdio(); err != nil {
			return nil, coerrors.WrapSyscall(err)
		}
	case strings.HasPrefix(spec, "local-"):
		path := strings.TrimPrefix(spec, "local-")
		if err := gw.ListenUnix(path); err != nil {
			return nil, coerrors.WrapSyscall(err)
		}
	case strings.HasPrefix(spec, "tcp-"):
		portStr := strings.TrimPrefix(spec, "tcp-")
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid tcp port %q: %w", portStr, err)
		}
		if err := gw.ListenTCP(port); err != nil {
			return nil, coerrors.WrapSyscall(err)
		}
	default:
		return nil, fmt.Errorf("unrecognised gateway mode %q", spec)
	}
	return gw, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "usage: conode [options] <can-device>\n\n")
	flag.PrintDefaults()
}

// idleMainline is the default protocol.Mainline used when no real
// CANopen stack is wired in: it never requests a reset and never
// needs a wake-up.
type idleMainline struct{}

func (*idleMainline) RegisterWakeupCallback(func()) {}

func (*idleMainline) Process(nowUs uint64) protocol.ResetCommand {
	return protocol.ResetNot
}

// nullParser discards gateway input until a real ASCII command parser
// is wired in; it reports ample free space so the gateway transport
// state machine still exercises its read path.
type nullParser struct{}

func (*nullParser) FreeInputSpace() int                 { return 256 }
func (*nullParser) Feed(data []byte)                    {}
func (*nullParser) SetWriter(func([]byte) (int, error)) {}
func (*nullParser) ConnectionClosed()                   {}

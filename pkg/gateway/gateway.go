// Package gateway is the ASCII gateway connection lifecycle (§4.F):
// listen/accept/read/timeout/close, multiplexed on the same event loop
// as the CAN driver. The ASCII command grammar itself is out of scope
// here — Parser is the thin collaborator interface the orchestrator's
// protocol stack implements; this package only owns the transport
// state machine. Socket setup (non-blocking, SO_REUSEADDR, accept4)
// follows the same golang.org/x/sys/unix conventions the native
// socketcan backend uses for its own construction.
package gateway

import (
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jonnyyang123/CANopenLinux/pkg/colog"
	"github.com/jonnyyang123/CANopenLinux/pkg/eventloop"
)

// Mode selects the transport the gateway listens on.
type Mode int

const (
	ModeDisabled Mode = iota
	ModeStdio
	ModeUnixSocket
	ModeTCP
)

const listenBacklog = 50

// Parser is the ASCII command parser's interface onto the transport.
// It is fed raw bytes and drives a write-back callback; its grammar is
// a separate concern from this package.
type Parser interface {
	FreeInputSpace() int
	Feed(data []byte)
	SetWriter(write func([]byte) (int, error))
	ConnectionClosed()
}

// Server owns the listener (absent in stdio mode) and at most one
// active connection at a time, per the one-shot accept rule.
type Server struct {
	loop      *eventloop.Loop
	mode      Mode
	parser    Parser
	listenFd  int
	activeFd  int
	idleUs    uint64
	idleLimit uint64 // 0 disables the idle timeout
	freshCmd  bool
}

// New constructs a gateway server bound to loop. idleTimeout of zero
// disables the idle-timeout teardown; it applies to socket modes only.
func New(loop *eventloop.Loop, parser Parser, idleTimeout time.Duration) *Server {
	return &Server{loop: loop, parser: parser, idleLimit: uint64(idleTimeout.Microseconds()), activeFd: -1, listenFd: -1}
}

// ListenStdio makes standard input the active descriptor immediately;
// there is no listener to accept from.
func (s *Server) ListenStdio() error {
	s.mode = ModeStdio
	s.activeFd = unix.Stdin
	s.freshCmd = true
	if err := unix.SetNonblock(unix.Stdin, true); err != nil {
		return err
	}
	return s.loop.Register(s.activeFd, unix.EPOLLIN)
}

// ListenUnix binds a SOCK_STREAM listener at path.
func (s *Server) ListenUnix(path string) error {
	_ = unix.Unlink(path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return err
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return err
	}
	return s.finishListen(fd, ModeUnixSocket)
}

// ListenTCP binds a SOCK_STREAM listener on 0.0.0.0:port with
// SO_REUSEADDR.
func (s *Server) ListenTCP(port int) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return err
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return err
	}
	return s.finishListen(fd, ModeTCP)
}

func (s *Server) finishListen(fd int, mode Mode) error {
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return err
	}
	s.listenFd = fd
	s.mode = mode
	suppressSigpipe()
	return s.loop.Register(fd, unix.EPOLLIN|unix.EPOLLONESHOT)
}

// PollEvent implements the per-iteration state machine. fd/events come
// from the current eventloop.Iteration; deltaUs advances the idle
// timer when neither the listener nor the active connection matches.
// Returns true iff it consumed the event.
func (s *Server) PollEvent(fd int, events uint32, deltaUs uint64) bool {
	switch {
	case fd == s.listenFd && s.listenFd >= 0:
		s.acceptOne()
		return true
	case fd == s.activeFd && s.activeFd >= 0:
		s.handleActive(events)
		return true
	default:
		s.advanceIdle(deltaUs)
		return false
	}
}

func (s *Server) acceptOne() {
	connFd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK)
	if err != nil {
		colog.Warnf("gateway: accept failed: %v", err)
		if rerr := s.loop.Rearm(s.listenFd, unix.EPOLLIN|unix.EPOLLONESHOT); rerr != nil {
			colog.Warnf("gateway: re-arm listener failed: %v", rerr)
		}
		return
	}
	// Leave the listener disarmed: only one connection is admitted at a
	// time, re-armed from closeActive once it ends.
	if err := s.loop.Register(connFd, unix.EPOLLIN); err != nil {
		colog.Warnf("gateway: register connection failed: %v", err)
		unix.Close(connFd)
		return
	}
	s.activeFd = connFd
	s.idleUs = 0
	s.freshCmd = true
	s.parser.SetWriter(func(b []byte) (int, error) {
		n, err := unix.Write(connFd, b)
		if err == unix.EAGAIN {
			return 0, nil
		}
		if err != nil || connFd != s.activeFd {
			return 0, errConnGone
		}
		return n, nil
	})
}

var errConnGone = &connGoneError{}

type connGoneError struct{}

func (e *connGoneError) Error() string { return "gateway: connection gone" }

func (s *Server) handleActive(events uint32) {
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		s.closeActive()
		return
	}
	if events&unix.EPOLLIN == 0 {
		return
	}

	free := s.parser.FreeInputSpace()
	if free <= 0 {
		return
	}
	buf := make([]byte, free)
	n, err := unix.Read(s.activeFd, buf)
	if err != nil {
		if err != unix.EAGAIN {
			s.closeActive()
		}
		return
	}
	if n == 0 {
		s.closeActive()
		return
	}
	chunk := buf[:n]
	if s.mode == ModeStdio && s.freshCmd && isBareCommand(chunk) {
		chunk = append([]byte("[0] "), chunk...)
	}
	s.freshCmd = chunk[len(chunk)-1] == '\n'
	s.parser.Feed(chunk)
	s.idleUs = 0
}

func isBareCommand(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	if chunk[len(chunk)-1] != '\n' {
		return false
	}
	first := chunk[0]
	return first >= 0x20 && first != '[' && first != '#'
}

func (s *Server) advanceIdle(deltaUs uint64) {
	if s.activeFd < 0 || s.idleLimit == 0 || s.mode == ModeStdio {
		return
	}
	s.idleUs += deltaUs
	if s.idleUs > s.idleLimit {
		s.closeActive()
	}
}

func (s *Server) closeActive() {
	if s.activeFd < 0 {
		return
	}
	_ = s.loop.Unregister(s.activeFd)
	unix.Close(s.activeFd)
	s.parser.ConnectionClosed()
	s.activeFd = -1
	if s.mode != ModeStdio && s.listenFd >= 0 {
		if err := s.loop.Rearm(s.listenFd, unix.EPOLLIN|unix.EPOLLONESHOT); err != nil {
			colog.Warnf("gateway: re-arm listener failed: %v", err)
		}
	}
}

// Close tears down the active connection and the listener, if any.
func (s *Server) Close() {
	s.closeActive()
	if s.listenFd >= 0 {
		_ = s.loop.Unregister(s.listenFd)
		unix.Close(s.listenFd)
		s.listenFd = -1
	}
}

func suppressSigpipe() {
	signal.Ignore(unix.SIGPIPE)
}

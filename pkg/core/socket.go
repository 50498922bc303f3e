package core

import (
	"errors"
	"net/netip"
)

// Errors returned by Stack and Socket implementations.
var (
	ErrWouldBlock       = errors.New("operation would block")
	ErrClosed           = errors.New("socket closed")
	ErrNotSupported     = errors.New("operation not supported")
	ErrAddrInUse        = errors.New("address already in use")
	ErrAddrNotAvailable = errors.New("address not available")
	ErrNotListening     = errors.New("socket not listening")
	ErrNoPeer           = errors.New("no passive peer")
)

// Option identifies a socket tuning option.
type Option int

// Socket options. Durations are expressed in seconds.
const (
	OptNoDelay Option = iota
	OptKeepInit
	OptKeepIdle
	OptKeepIntvl
	OptKeepCnt
	OptReassemblyDeadline
)

var optionNames = [...]string{
	OptNoDelay:            "nodelay",
	OptKeepInit:           "keepinit",
	OptKeepIdle:           "keepidle",
	OptKeepIntvl:          "keepintvl",
	OptKeepCnt:            "keepcnt",
	OptReassemblyDeadline: "reassembly-deadline",
}

func (o Option) String() string {
	if o >= 0 && int(o) < len(optionNames) {
		return optionNames[o]
	}
	return "unknown"
}

// Stack is a network stack capable of passively observing TCP flows.
type Stack interface {
	// Socket creates a new, unbound stream socket.
	Socket() (Socket, error)
}

// Socket is a stream socket owned by a Stack.
//
// Sockets are safe for concurrent use, but the passive package only touches
// a socket from the event loop that it is attached to.
type Socket interface {
	// SetNonBlocking puts the socket in non-blocking mode. Sockets returned
	// by Accept and PassivePeer inherit it.
	SetNonBlocking() error

	// SetPassive makes a listening socket observe flows instead of
	// terminating them.
	SetPassive() error

	// SetPromiscuous lets the socket observe traffic for any address on
	// interfaces belonging to the given collision domain.
	SetPromiscuous(cdom int) error

	// SetOption sets a tuning option.
	SetOption(opt Option, value int) error

	// Bind assigns the local address. A zero port or unspecified address
	// matches any.
	Bind(addr netip.AddrPort) error

	// Listen starts accepting flows. A negative backlog is unbounded.
	Listen(backlog int) error

	// Accept returns the next observed flow as the server-side socket.
	// It returns ErrWouldBlock when nothing is pending.
	Accept() (Socket, error)

	// PassivePeer returns the client-side view of an accepted flow.
	PassivePeer() (Socket, error)

	// Readable returns the number of bytes that can be read without
	// blocking. Orderly shutdown is reported as io.EOF once drained.
	Readable() (int, error)

	// Ready reports whether a watcher on this socket has work: pending
	// accepts, buffered data, EOF or an error.
	Ready() bool

	// Read reads buffered bytes into p.
	Read(p []byte) (int, error)

	// LocalAddr and RemoteAddr return the socket's view of the flow.
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort

	// TCPInfo returns a snapshot of the protocol state counters.
	TCPInfo() (TCPInfo, error)

	// SetNotify installs a function called, from any goroutine, whenever
	// the socket may have become ready. nil removes it.
	SetNotify(fn func())

	// Close releases the socket.
	Close() error
}

// PacketSource delivers captured frames for one interface.
type PacketSource interface {
	// Name returns the interface name.
	Name() string

	// Metrics returns capture counters.
	Metrics() CaptureMetrics

	// Close stops the capture. The packet channel is closed afterwards.
	Close() error
}

// CaptureMetrics contains metrics for a packet source.
type CaptureMetrics struct {
	// PacketsReceived is the number of frames read from the interface.
	PacketsReceived uint64

	// BytesReceived is the number of bytes read from the interface.
	BytesReceived uint64

	// DecodeErrors is the number of frames that could not be decoded.
	DecodeErrors uint64

	// Errors is the number of read errors encountered.
	Errors uint64
}

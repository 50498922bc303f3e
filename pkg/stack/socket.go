package stack

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/irctrakz/passivetap/pkg/core"
)

type role uint8

const (
	roleNone role = iota
	roleServer
	roleClient
)

const numOptions = int(core.OptReassemblyDeadline) + 1

// Option defaults for fresh sockets, in seconds.
var defaultOptions = [numOptions]int{
	core.OptNoDelay:            0,
	core.OptKeepInit:           75,
	core.OptKeepIdle:           7200,
	core.OptKeepIntvl:          75,
	core.OptKeepCnt:            8,
	core.OptReassemblyDeadline: 0,
}

var errInvalid = errors.New("invalid argument")

type socket struct {
	st *Stack
	id uint64

	mu        sync.Mutex
	nonblock  bool
	passive   bool
	promisc   bool
	cdom      int
	opts      [numOptions]int
	local     netip.AddrPort
	remote    netip.AddrPort
	bound     bool
	listening bool
	closed    bool
	notify    func()

	// listening sockets
	backlog int
	queue   []*socket

	// flow sockets
	stream *stream
	role   role
	peer   *socket
	rx     []byte
	eof    bool
}

var _ core.Socket = (*socket)(nil)

func newSocket(st *Stack, id uint64) *socket {
	return &socket{st: st, id: id, opts: defaultOptions}
}

func (s *socket) String() string {
	return fmt.Sprintf("socket#%d", s.id)
}

func (s *socket) SetNonBlocking() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	s.nonblock = true
	return nil
}

func (s *socket) SetPassive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	if s.listening || s.stream != nil {
		return fmt.Errorf("set passive: %w", errInvalid)
	}
	s.passive = true
	return nil
}

func (s *socket) SetPromiscuous(cdom int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	if cdom <= 0 || s.bound {
		return fmt.Errorf("set promiscuous (cdom %d): %w", cdom, errInvalid)
	}
	s.promisc = true
	s.cdom = cdom
	return nil
}

func (s *socket) SetOption(opt core.Option, value int) error {
	if opt < 0 || int(opt) >= numOptions {
		return fmt.Errorf("option %d: %w", opt, core.ErrNotSupported)
	}
	if value < 0 {
		return fmt.Errorf("option %s=%d: %w", opt, value, errInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	s.opts[opt] = value
	return nil
}

func (s *socket) Bind(addr netip.AddrPort) error {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if !addr.Addr().IsValid() {
		return fmt.Errorf("bind: %w", errInvalid)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrClosed
	}
	if s.bound {
		s.mu.Unlock()
		return fmt.Errorf("bind: already bound: %w", errInvalid)
	}
	promisc := s.promisc
	s.mu.Unlock()

	if !promisc && !addr.Addr().IsUnspecified() && !s.st.hasAlias(addr.Addr()) {
		return fmt.Errorf("bind %s: %w", addr, core.ErrAddrNotAvailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = addr
	s.bound = true
	return nil
}

func (s *socket) Listen(backlog int) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return core.ErrClosed
	case !s.bound:
		s.mu.Unlock()
		return fmt.Errorf("listen: not bound: %w", errInvalid)
	case !s.passive:
		// Terminating connections needs a transmit path this stack does not have.
		s.mu.Unlock()
		return fmt.Errorf("listen: active mode: %w", core.ErrNotSupported)
	case s.listening:
		s.mu.Unlock()
		return nil
	}
	key := listenKey{addr: s.local, promisc: s.promisc, cdom: s.cdom}
	s.mu.Unlock()

	if err := s.st.register(s, key); err != nil {
		return err
	}

	s.mu.Lock()
	s.listening = true
	s.backlog = backlog
	s.mu.Unlock()
	return nil
}

func (s *socket) Accept() (core.Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, core.ErrClosed
	case !s.listening:
		return nil, core.ErrNotListening
	case !s.nonblock:
		return nil, fmt.Errorf("blocking accept: %w", core.ErrNotSupported)
	case len(s.queue) == 0:
		return nil, core.ErrWouldBlock
	}
	c := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return c, nil
}

func (s *socket) PassivePeer() (core.Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrClosed
	}
	if s.peer == nil {
		return nil, core.ErrNoPeer
	}
	return s.peer, nil
}

func (s *socket) Readable() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return 0, core.ErrClosed
	case s.listening:
		return len(s.queue), nil
	case len(s.rx) > 0:
		return len(s.rx), nil
	case s.eof:
		return 0, io.EOF
	}
	return 0, nil
}

func (s *socket) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.listening {
		return len(s.queue) > 0
	}
	return len(s.rx) > 0 || s.eof
}

func (s *socket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, core.ErrClosed
	}
	if len(s.rx) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, core.ErrWouldBlock
	}
	n := copy(p, s.rx)
	s.rx = s.rx[n:]
	if len(s.rx) == 0 {
		s.rx = nil
	}
	return n, nil
}

func (s *socket) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *socket) RemoteAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *socket) TCPInfo() (core.TCPInfo, error) {
	s.mu.Lock()
	closed, listening, st, r := s.closed, s.listening, s.stream, s.role
	s.mu.Unlock()
	switch {
	case closed:
		return core.TCPInfo{}, core.ErrClosed
	case listening:
		return core.TCPInfo{State: core.StateListen}, nil
	case st == nil:
		return core.TCPInfo{}, fmt.Errorf("tcp info: %w", core.ErrNotSupported)
	}
	return st.info(r), nil
}

func (s *socket) SetNotify(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrClosed
	}
	s.closed = true
	s.rx = nil
	s.notify = nil
	pending := s.queue
	s.queue = nil
	listening, st := s.listening, s.stream
	s.mu.Unlock()

	if listening {
		s.st.deregister(s)
	}
	// Flows queued but never accepted are abandoned with both halves.
	for _, c := range pending {
		c.Close()
		if c.peer != nil {
			c.peer.Close()
		}
	}
	if st != nil {
		st.socketClosed()
	}
	return nil
}

func (s *socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// flowTimeouts returns the reassembly deadline and idle timeout that flows
// accepted through this listener are subject to.
func (s *socket) flowTimeouts() (deadline, idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline = time.Duration(s.opts[core.OptReassemblyDeadline]) * time.Second
	idle = time.Duration(s.opts[core.OptKeepIdle]+s.opts[core.OptKeepIntvl]*s.opts[core.OptKeepCnt]) * time.Second
	return deadline, idle
}

func (s *socket) keepInit() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.opts[core.OptKeepInit]) * time.Second
}

// newFlowSocket creates a socket for one side of an accepted flow. It
// inherits the listener's mode and options.
func (s *socket) newFlowSocket(st *stream, r role, local, remote netip.AddrPort) *socket {
	s.st.mu.Lock()
	s.st.nextID++
	id := s.st.nextID
	s.st.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return &socket{
		st:       s.st,
		id:       id,
		nonblock: s.nonblock,
		passive:  true,
		promisc:  s.promisc,
		cdom:     s.cdom,
		opts:     s.opts,
		local:    local,
		remote:   remote,
		bound:    true,
		stream:   st,
		role:     r,
	}
}

// enqueue offers an accepted flow to the listener.
func (s *socket) enqueue(c *socket) bool {
	s.mu.Lock()
	if s.closed || !s.listening || (s.backlog >= 0 && len(s.queue) >= s.backlog) {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, c)
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}

// deliver appends reassembled bytes; end marks the final segment.
func (s *socket) deliver(data []byte, end bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if room := maxSocketBuffer - len(s.rx); len(data) > room {
		s.st.stats.dropped.Add(uint64(len(data) - room))
		data = data[:room]
	}
	s.rx = append(s.rx, data...)
	s.st.stats.delivered.Add(uint64(len(data)))
	if end {
		s.eof = true
	}
	fn := s.notify
	s.mu.Unlock()
	if fn != nil && (len(data) > 0 || end) {
		fn()
	}
}

// finish marks the socket as shut down by the remote end.
func (s *socket) finish() {
	s.mu.Lock()
	if s.closed || s.eof {
		s.mu.Unlock()
		return
	}
	s.eof = true
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

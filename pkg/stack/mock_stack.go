package stack

import (
	"fmt"
	"io"
	"net/netip"
	"sync"

	"github.com/irctrakz/passivetap/pkg/core"
)

// MockStack is an in-memory core.Stack for testing consumers of the stack.
// Flows are queued on listeners explicitly with QueueFlow and data is pushed
// into sockets with MockSocket.Push.
type MockStack struct {
	mu       sync.Mutex
	failures map[string]error
	sockets  []*MockSocket
}

var _ core.Stack = (*MockStack)(nil)

// NewMockStack creates a new mock stack
func NewMockStack() *MockStack {
	return &MockStack{failures: make(map[string]error)}
}

// FailOn makes every socket call of the named operation return err. Names
// are method names ("Bind", "Accept", ...), "SetOption:<option>" for a
// single option, or "Socket" for the stack itself. A nil err clears it.
func (m *MockStack) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MockStack) failure(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[op]
}

// Socket creates a new mock socket
func (m *MockStack) Socket() (core.Socket, error) {
	if err := m.failure("Socket"); err != nil {
		return nil, err
	}
	return m.newSocket(), nil
}

func (m *MockStack) newSocket() *MockSocket {
	s := &MockSocket{stack: m, options: make(map[core.Option]int)}
	m.mu.Lock()
	m.sockets = append(m.sockets, s)
	m.mu.Unlock()
	return s
}

// Sockets returns every socket created so far, including accepted ones.
func (m *MockStack) Sockets() []*MockSocket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockSocket(nil), m.sockets...)
}

// OpenSockets returns the number of sockets not yet closed.
func (m *MockStack) OpenSockets() int {
	n := 0
	for _, s := range m.Sockets() {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// QueueFlow queues an observed flow on a listening socket and returns the
// server-side socket and its passive peer.
func (m *MockStack) QueueFlow(listener core.Socket, client, server netip.AddrPort) (*MockSocket, *MockSocket, error) {
	l, ok := listener.(*MockSocket)
	if !ok {
		return nil, nil, fmt.Errorf("not a mock socket: %T", listener)
	}
	srv := m.newSocket()
	cli := m.newSocket()
	srv.local, srv.remote = server, client
	cli.local, cli.remote = client, server
	srv.peer = cli

	l.mu.Lock()
	if !l.listening || l.closed {
		l.mu.Unlock()
		return nil, nil, core.ErrNotListening
	}
	l.queue = append(l.queue, srv)
	fn := l.notify
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
	return srv, cli, nil
}

// MockSocket is a mock implementation of core.Socket
type MockSocket struct {
	stack *MockStack

	mu          sync.Mutex
	nonblock    bool
	passive     bool
	promisc     bool
	cdom        int
	options     map[core.Option]int
	local       netip.AddrPort
	remote      netip.AddrPort
	listening   bool
	backlog     int
	queue       []*MockSocket
	peer        *MockSocket
	rx          []byte
	eof         bool
	err         error
	spurious    bool
	info        core.TCPInfo
	notify      func()
	closed      bool
	closeCalls  int
	readCalls   int
	maxReadSize int
}

var _ core.Socket = (*MockSocket)(nil)

func (s *MockSocket) fail(op string) error {
	return s.stack.failure(op)
}

// Push appends bytes to the receive buffer and signals readiness.
func (s *MockSocket) Push(data []byte) {
	s.mu.Lock()
	s.rx = append(s.rx, data...)
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// PushEOF marks the socket as shut down by the remote end.
func (s *MockSocket) PushEOF() {
	s.mu.Lock()
	s.eof = true
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// PushError makes Readable report err.
func (s *MockSocket) PushError(err error) {
	s.mu.Lock()
	s.err = err
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetSpurious makes the socket signal readiness with nothing to read.
func (s *MockSocket) SetSpurious(on bool) {
	s.mu.Lock()
	s.spurious = on
	fn := s.notify
	s.mu.Unlock()
	if on && fn != nil {
		fn()
	}
}

// SetTCPInfo sets the snapshot returned by TCPInfo.
func (s *MockSocket) SetTCPInfo(info core.TCPInfo) {
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *MockSocket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns how many times Close was called.
func (s *MockSocket) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ReadSizes returns the number of Read calls and the largest buffer offered.
func (s *MockSocket) ReadSizes() (calls, maxLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCalls, s.maxReadSize
}

// Options returns the options set on the socket.
func (s *MockSocket) Options() map[core.Option]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[core.Option]int, len(s.options))
	for k, v := range s.options {
		out[k] = v
	}
	return out
}

// Mode returns the passive, non-blocking and promiscuous flags and the
// collision domain.
func (s *MockSocket) Mode() (passive, nonblock, promisc bool, cdom int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passive, s.nonblock, s.promisc, s.cdom
}

// Backlog returns the backlog passed to Listen.
func (s *MockSocket) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog
}

// HasNotify reports whether a notify function is installed.
func (s *MockSocket) HasNotify() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify != nil
}

func (s *MockSocket) SetNonBlocking() error {
	if err := s.fail("SetNonBlocking"); err != nil {
		return err
	}
	s.mu.Lock()
	s.nonblock = true
	s.mu.Unlock()
	return nil
}

func (s *MockSocket) SetPassive() error {
	if err := s.fail("SetPassive"); err != nil {
		return err
	}
	s.mu.Lock()
	s.passive = true
	s.mu.Unlock()
	return nil
}

func (s *MockSocket) SetPromiscuous(cdom int) error {
	if err := s.fail("SetPromiscuous"); err != nil {
		return err
	}
	s.mu.Lock()
	s.promisc, s.cdom = true, cdom
	s.mu.Unlock()
	return nil
}

func (s *MockSocket) SetOption(opt core.Option, value int) error {
	if err := s.fail("SetOption:" + opt.String()); err != nil {
		return err
	}
	s.mu.Lock()
	s.options[opt] = value
	s.mu.Unlock()
	return nil
}

func (s *MockSocket) Bind(addr netip.AddrPort) error {
	if err := s.fail("Bind"); err != nil {
		return err
	}
	s.mu.Lock()
	s.local = addr
	s.mu.Unlock()
	return nil
}

func (s *MockSocket) Listen(backlog int) error {
	if err := s.fail("Listen"); err != nil {
		return err
	}
	s.mu.Lock()
	s.listening, s.backlog = true, backlog
	s.mu.Unlock()
	return nil
}

func (s *MockSocket) Accept() (core.Socket, error) {
	if err := s.fail("Accept"); err != nil {
		// Consume the pending flow so readiness does not re-fire forever.
		s.mu.Lock()
		if len(s.queue) > 0 {
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, core.ErrWouldBlock
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	return c, nil
}

func (s *MockSocket) PassivePeer() (core.Socket, error) {
	if err := s.fail("PassivePeer"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return nil, core.ErrNoPeer
	}
	return s.peer, nil
}

func (s *MockSocket) Readable() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return 0, core.ErrClosed
	case s.listening:
		return len(s.queue), nil
	case s.spurious:
		return 0, nil
	case len(s.rx) > 0:
		return len(s.rx), nil
	case s.err != nil:
		return 0, s.err
	case s.eof:
		return 0, io.EOF
	}
	return 0, nil
}

func (s *MockSocket) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.listening {
		return len(s.queue) > 0
	}
	return s.spurious || len(s.rx) > 0 || s.eof || s.err != nil
}

func (s *MockSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	if len(p) > s.maxReadSize {
		s.maxReadSize = len(p)
	}
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
	return n, nil
}

func (s *MockSocket) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *MockSocket) RemoteAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *MockSocket) TCPInfo() (core.TCPInfo, error) {
	if err := s.fail("TCPInfo"); err != nil {
		return core.TCPInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, nil
}

func (s *MockSocket) SetNotify(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *MockSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closed {
		return core.ErrClosed
	}
	s.closed = true
	s.notify = nil
	return nil
}

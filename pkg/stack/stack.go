// Package stack implements a passive TCP stack on top of gopacket reassembly.
//
// The stack never transmits. Listening sockets in passive mode claim flows
// whose client SYN matches their bound address; once the handshake has been
// observed the flow is queued for Accept as a pair of sockets: the accepted
// socket reads what the client sent, its passive peer reads what the server
// sent. Frames are fed per interface, either from a capture source via Up or
// directly via Inject.
package stack

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"

	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/logging"
)

const (
	// flushInterval is how often idle and stalled flows are flushed.
	flushInterval = time.Second

	// maxBufferedPages bounds out-of-order data held by one interface.
	maxBufferedPages = 4096

	// maxSocketBuffer bounds unread bytes held by one socket.
	maxSocketBuffer = 4 << 20

	defaultReassemblyDeadline = 2 * time.Second
	defaultIdleTimeout        = 6 * time.Second
)

// ErrStackClosed is returned by a closed stack.
var ErrStackClosed = errors.New("stack closed")

// Source is a stream of captured frames.
type Source interface {
	Packets() <-chan gopacket.Packet
}

// Stats contains stack counters.
type Stats struct {
	Packets           uint64 `json:"packets"`
	NonTCP            uint64 `json:"non_tcp"`
	FlowsAccepted     uint64 `json:"flows_accepted"`
	FlowsIgnored      uint64 `json:"flows_ignored"`
	HandshakeTimeouts uint64 `json:"handshake_timeouts"`
	BacklogDrops      uint64 `json:"backlog_drops"`
	BytesDelivered    uint64 `json:"bytes_delivered"`
	BytesDropped      uint64 `json:"bytes_dropped"`
	BytesSkipped      uint64 `json:"bytes_skipped"`
}

type counters struct {
	packets, nonTCP, accepted, ignored, hsTimeouts, backlogDrops atomic.Uint64
	delivered, dropped, skipped                                  atomic.Uint64
}

// Stack is a passive TCP stack. It implements core.Stack.
type Stack struct {
	mu        sync.Mutex
	ifaces    map[string]*iface
	aliases   map[netip.Addr]string
	listeners map[*socket]listenKey
	nextID    uint64
	closed    bool

	wg    sync.WaitGroup
	stats counters
}

var _ core.Stack = (*Stack)(nil)

type listenKey struct {
	addr    netip.AddrPort
	promisc bool
	cdom    int
}

type iface struct {
	st   *Stack
	name string
	cdom int

	mu        sync.Mutex
	assembler *reassembly.Assembler
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an empty stack.
func New() *Stack {
	return &Stack{
		ifaces:    make(map[string]*iface),
		aliases:   make(map[netip.Addr]string),
		listeners: make(map[*socket]listenKey),
	}
}

// AddInterface registers an interface in collision domain cdom.
func (st *Stack) AddInterface(name string, cdom int) error {
	if cdom <= 0 {
		return fmt.Errorf("interface %s: invalid collision domain %d", name, cdom)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrStackClosed
	}
	if _, ok := st.ifaces[name]; ok {
		return fmt.Errorf("interface %s already exists", name)
	}
	ifc := &iface{st: st, name: name, cdom: cdom}
	pool := reassembly.NewStreamPool(&streamFactory{ifc: ifc})
	ifc.assembler = reassembly.NewAssembler(pool)
	ifc.assembler.AssemblerOptions.MaxBufferedPagesTotal = maxBufferedPages
	st.ifaces[name] = ifc
	return nil
}

// AddAlias assigns addr to an interface. Non-promiscuous listeners only
// observe traffic for aliased addresses.
func (st *Stack) AddAlias(ifname string, addr netip.Addr) error {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsUnspecified() {
		return fmt.Errorf("invalid alias address %s", addr)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.ifaces[ifname]; !ok {
		return fmt.Errorf("unknown interface %s", ifname)
	}
	if owner, ok := st.aliases[addr]; ok {
		if owner == ifname {
			return nil
		}
		return fmt.Errorf("alias %s on %s: %w", addr, owner, core.ErrAddrInUse)
	}
	st.aliases[addr] = ifname
	return nil
}

// Up starts feeding frames from src into the interface until ctx is done,
// src closes, or the interface is removed.
func (st *Stack) Up(ctx context.Context, ifname string, src Source) error {
	st.mu.Lock()
	ifc, ok := st.ifaces[ifname]
	if !ok {
		st.mu.Unlock()
		return fmt.Errorf("unknown interface %s", ifname)
	}
	if ifc.cancel != nil {
		st.mu.Unlock()
		return fmt.Errorf("interface %s already up", ifname)
	}
	ctx, cancel := context.WithCancel(ctx)
	ifc.cancel = cancel
	ifc.done = make(chan struct{})
	st.wg.Add(1)
	st.mu.Unlock()

	go func() {
		defer st.wg.Done()
		defer close(ifc.done)
		ifc.run(ctx, src)
	}()
	return nil
}

// Inject feeds a single frame to the interface synchronously.
func (st *Stack) Inject(ifname string, pkt gopacket.Packet) error {
	st.mu.Lock()
	ifc, ok := st.ifaces[ifname]
	st.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown interface %s", ifname)
	}
	ifc.handle(pkt)
	return nil
}

// RemoveInterface stops the interface and completes all of its flows.
func (st *Stack) RemoveInterface(name string) error {
	st.mu.Lock()
	ifc, ok := st.ifaces[name]
	if !ok {
		st.mu.Unlock()
		return fmt.Errorf("unknown interface %s", name)
	}
	delete(st.ifaces, name)
	for addr, owner := range st.aliases {
		if owner == name {
			delete(st.aliases, addr)
		}
	}
	st.mu.Unlock()

	ifc.shutdown()
	return nil
}

// Close stops every interface, completes all flows and refuses new sockets.
func (st *Stack) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	ifaces := make([]*iface, 0, len(st.ifaces))
	for _, ifc := range st.ifaces {
		ifaces = append(ifaces, ifc)
	}
	st.mu.Unlock()

	for _, ifc := range ifaces {
		ifc.shutdown()
	}
	st.wg.Wait()
	return nil
}

// Stats returns a snapshot of the stack counters.
func (st *Stack) Stats() Stats {
	c := &st.stats
	return Stats{
		Packets:           c.packets.Load(),
		NonTCP:            c.nonTCP.Load(),
		FlowsAccepted:     c.accepted.Load(),
		FlowsIgnored:      c.ignored.Load(),
		HandshakeTimeouts: c.hsTimeouts.Load(),
		BacklogDrops:      c.backlogDrops.Load(),
		BytesDelivered:    c.delivered.Load(),
		BytesDropped:      c.dropped.Load(),
		BytesSkipped:      c.skipped.Load(),
	}
}

// Socket creates a new stream socket.
func (st *Stack) Socket() (core.Socket, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, ErrStackClosed
	}
	st.nextID++
	return newSocket(st, st.nextID), nil
}

func (st *Stack) hasAlias(addr netip.Addr) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.aliases[addr.Unmap()]
	return ok
}

func (st *Stack) register(s *socket, key listenKey) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrStackClosed
	}
	for _, other := range st.listeners {
		if other == key {
			return fmt.Errorf("listen %s: %w", key.addr, core.ErrAddrInUse)
		}
	}
	st.listeners[s] = key
	return nil
}

func (st *Stack) deregister(s *socket) {
	st.mu.Lock()
	delete(st.listeners, s)
	st.mu.Unlock()
}

// match returns the most specific listener for a flow to dst arriving on ifc.
func (st *Stack) match(ifc *iface, dst netip.AddrPort) *socket {
	st.mu.Lock()
	defer st.mu.Unlock()

	owner, aliased := st.aliases[dst.Addr()]
	var best *socket
	bestScore := -1
	for s, key := range st.listeners {
		if key.promisc {
			if key.cdom != ifc.cdom {
				continue
			}
		} else if !aliased || owner != ifc.name {
			continue
		}
		score := 0
		if a := key.addr.Addr(); !a.IsUnspecified() {
			if a != dst.Addr() {
				continue
			}
			score += 2
		}
		if p := key.addr.Port(); p != 0 {
			if p != dst.Port() {
				continue
			}
			score++
		}
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	return best
}

// tuning returns the flush windows derived from the registered listeners.
func (st *Stack) tuning() (deadline, idle time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for s := range st.listeners {
		d, i := s.flowTimeouts()
		if d > 0 && (deadline == 0 || d < deadline) {
			deadline = d
		}
		if i > idle {
			idle = i
		}
	}
	if deadline == 0 {
		deadline = defaultReassemblyDeadline
	}
	if idle == 0 {
		idle = defaultIdleTimeout
	}
	return deadline, idle
}

func (ifc *iface) run(ctx context.Context, src Source) {
	log := logging.WithComponent("stack").WithField("iface", ifc.name)
	log.Debugf("Interface up")
	defer log.Debugf("Interface down")

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	packets := src.Packets()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ifc.flush(now)
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			ifc.handle(pkt)
		}
	}
}

func (ifc *iface) handle(pkt gopacket.Packet) {
	st := ifc.st
	st.stats.packets.Add(1)

	nl := pkt.NetworkLayer()
	tl := pkt.Layer(layers.LayerTypeTCP)
	if nl == nil || tl == nil {
		st.stats.nonTCP.Add(1)
		return
	}
	tcp := tl.(*layers.TCP)

	ci := pkt.Metadata().CaptureInfo
	if ci.Timestamp.IsZero() {
		ci.Timestamp = time.Now()
	}

	ifc.mu.Lock()
	ifc.assembler.AssembleWithContext(nl.NetworkFlow(), tcp, &captureContext{ci: ci})
	ifc.mu.Unlock()
}

func (ifc *iface) flush(now time.Time) {
	deadline, idle := ifc.st.tuning()
	ifc.mu.Lock()
	ifc.assembler.FlushWithOptions(reassembly.FlushOptions{
		T:  now.Add(-deadline),
		TC: now.Add(-idle),
	})
	ifc.mu.Unlock()
}

func (ifc *iface) shutdown() {
	ifc.st.mu.Lock()
	cancel, done := ifc.cancel, ifc.done
	ifc.st.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	ifc.mu.Lock()
	ifc.assembler.FlushAll()
	ifc.mu.Unlock()
}

type captureContext struct {
	ci gopacket.CaptureInfo
}

func (c *captureContext) GetCaptureInfo() gopacket.CaptureInfo { return c.ci }

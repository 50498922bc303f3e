package passive

import (
	"errors"
	"fmt"
	"net/netip"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/evloop"
	"github.com/irctrakz/passivetap/pkg/logging"
	"github.com/irctrakz/passivetap/pkg/render"
)

// Role tags used in connection labels.
const (
	RoleServer = "SERVER"
	RoleClient = "CLIENT"
)

// readBufferSize is the scratch buffer size; a single read takes at most
// one byte less.
const readBufferSize = 64 * 1024

// Listener tuning. Flows accepted by a listener inherit these settings.
const (
	keepInit           = 5 // seconds to complete the handshake
	keepIdle           = 1
	keepIntvl          = 1
	keepCnt            = 5
	reassemblyDeadline = 2
)

// Options are shared by the listeners of a process.
type Options struct {
	// Dumper receives payload and TCP state output. Nil writes to stdout.
	Dumper *Dumper

	// Recorder receives lifecycle events. Nil discards them.
	Recorder Recorder
}

func (o Options) withDefaults() Options {
	if o.Dumper == nil {
		o.Dumper = NewDumper(os.Stdout, render.Default, false)
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	return o
}

// Listener is a passive listening socket on one interface. After creation
// it is owned by the goroutine running its loop.
type Listener struct {
	ifc     core.InterfaceConfig
	cfg     core.ListenerConfig
	addr    netip.AddrPort
	loop    *evloop.Loop
	sock    core.Socket
	ctx     *evloop.Context
	watcher *evloop.Watcher
	out     *Dumper
	rec     Recorder
	log     *logrus.Entry

	conns map[*Connection]struct{}
	buf   []byte

	accepted       uint64
	acceptFailures uint64
	closedConns    uint64
	bytesRead      uint64
	closed         bool
}

// ListenerStats is a snapshot of a listener's counters.
type ListenerStats struct {
	Address        string `json:"address"`
	Verbose        int    `json:"verbose"`
	Accepted       uint64 `json:"accepted"`
	AcceptFailures uint64 `json:"accept_failures"`
	Active         int    `json:"active"`
	Closed         uint64 `json:"closed"`
	BytesRead      uint64 `json:"bytes_read"`
}

type tuning struct {
	step  Step
	opt   core.Option
	value int
}

var listenerTuning = []tuning{
	{StepSetNoDelay, core.OptNoDelay, 1},
	{StepSetKeepInit, core.OptKeepInit, keepInit},
	{StepSetKeepIdle, core.OptKeepIdle, keepIdle},
	{StepSetKeepIntvl, core.OptKeepIntvl, keepIntvl},
	{StepSetKeepCnt, core.OptKeepCnt, keepCnt},
	{StepReassemblyDeadline, core.OptReassemblyDeadline, reassemblyDeadline},
}

// NewListener creates a passive listener for cfg on interface ifc and starts
// its accept watcher on loop. On failure nothing is left allocated and the
// returned error is a *StepError.
func NewListener(loop *evloop.Loop, stack core.Stack, ifc core.InterfaceConfig, cfg core.ListenerConfig, opts Options) (*Listener, error) {
	opts = opts.withDefaults()
	l := &Listener{
		ifc:   ifc,
		cfg:   cfg,
		loop:  loop,
		out:   opts.Dumper,
		rec:   opts.Recorder,
		conns: make(map[*Connection]struct{}),
		buf:   make([]byte, readBufferSize),
		log: logging.WithInterface("listener", ifc.Name, ifc.Alias).
			WithField("listen", fmt.Sprintf("%s:%d", cfg.Address, cfg.PortValue())),
	}

	fail := func(step Step, err error) (*Listener, error) {
		l.release()
		l.rec.ListenerFailed(ifc.Alias, step)
		l.log.WithError(err).Errorf("Listener %s failed", step)
		return nil, &StepError{Step: step, Err: err}
	}

	addr, err := core.ParseAddress(cfg.Address)
	if err != nil {
		return fail(StepParseAddress, err)
	}
	port := cfg.PortValue()
	if port < 0 || port > 65535 {
		return fail(StepParseAddress, fmt.Errorf("invalid port %d", port))
	}
	l.addr = netip.AddrPortFrom(addr, uint16(port))

	if l.sock, err = stack.Socket(); err != nil {
		return fail(StepSocketCreate, err)
	}
	if l.ctx, err = loop.Attach(l.sock); err != nil {
		return fail(StepLoopAttach, err)
	}
	if err := l.sock.SetPassive(); err != nil {
		return fail(StepMakePassive, err)
	}
	if ifc.Promiscuous {
		if err := l.sock.SetPromiscuous(ifc.CDom); err != nil {
			return fail(StepMakePromiscuous, err)
		}
	}
	if err := l.sock.SetNonBlocking(); err != nil {
		return fail(StepSetNonBlocking, err)
	}
	for _, t := range listenerTuning {
		if err := l.sock.SetOption(t.opt, t.value); err != nil {
			return fail(t.step, err)
		}
	}
	if err := l.sock.Bind(l.addr); err != nil {
		return fail(StepBind, err)
	}
	if err := l.sock.Listen(-1); err != nil {
		return fail(StepListen, err)
	}

	l.watcher = l.ctx.NewWatcher(l.onAcceptReady, l)
	if err := loop.Start(l.watcher); err != nil {
		return fail(StepStartWatcher, err)
	}

	if cfg.Verbose > 0 {
		l.out.Printf("Listening on %s", l.addr)
	}
	l.log.Infof("Listening on %s", l.addr)
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() netip.AddrPort { return l.addr }

// release frees the listening socket and its loop registration.
func (l *Listener) release() {
	if l.watcher != nil {
		l.loop.Stop(l.watcher)
	}
	if l.ctx != nil {
		l.ctx.Detach()
	}
	if l.sock != nil {
		_ = l.sock.Close()
	}
}

// Close stops accepting and closes every live connection. It must run on
// the loop goroutine, or after the loop has stopped.
func (l *Listener) Close() {
	if l.closed {
		return
	}
	l.closed = true
	for c := range l.conns {
		c.close(nil)
	}
	l.release()
	l.log.Debugf("Listener closed")
}

// Stats returns the listener counters. It must run on the loop goroutine,
// or after the loop has stopped.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Address:        l.addr.String(),
		Verbose:        l.cfg.Verbose,
		Accepted:       l.accepted,
		AcceptFailures: l.acceptFailures,
		Active:         len(l.conns),
		Closed:         l.closedConns,
		BytesRead:      l.bytesRead,
	}
}

func label(role string, sock core.Socket) string {
	return fmt.Sprintf("%s (%s <- %s)", role, sock.LocalAddr(), sock.RemoteAddr())
}

// onAcceptReady accepts one pending flow. The loop calls it again while
// more are pending.
func (l *Listener) onAcceptReady(*evloop.Watcher) {
	sock, err := l.sock.Accept()
	if err != nil {
		if errors.Is(err, core.ErrWouldBlock) {
			return
		}
		l.acceptFailed("accept", err)
		return
	}
	l.log.Debugf("Accept succeeded")

	if err := l.pair(sock); err != nil {
		return
	}
	l.accepted++
	l.rec.Accepted(l.ifc.Alias)
}

func (l *Listener) acceptFailed(reason string, err error) {
	l.acceptFailures++
	l.rec.AcceptFailed(l.ifc.Alias, reason)
	l.log.WithError(err).Errorf("Accept failed (%s)", reason)
}

// pair builds the connection pair for an accepted socket. On failure every
// resource allocated for the attempt is released.
func (l *Listener) pair(sock core.Socket) error {
	var rollback []func()
	undo := func(reason string, cause error) error {
		for i := len(rollback) - 1; i >= 0; i-- {
			rollback[i]()
		}
		l.acceptFailed(reason, cause)
		return cause
	}

	rollback = append(rollback, func() { _ = sock.Close() })
	sctx, err := l.loop.Attach(sock)
	if err != nil {
		return undo("attach", err)
	}
	rollback = append(rollback, sctx.Detach)

	peer, err := sock.PassivePeer()
	if err != nil {
		return undo("peer", err)
	}
	rollback = append(rollback, func() { _ = peer.Close() })
	pctx, err := l.loop.Attach(peer)
	if err != nil {
		return undo("peer-attach", err)
	}
	rollback = append(rollback, pctx.Detach)

	server := newConnection(l, RoleServer, sock, sctx)
	client := newConnection(l, RoleClient, peer, pctx)
	l.conns[server] = struct{}{}
	l.conns[client] = struct{}{}
	rollback = append(rollback, func() {
		delete(l.conns, server)
		delete(l.conns, client)
		l.loop.Stop(server.watcher)
		l.loop.Stop(client.watcher)
	})

	if err := l.loop.Start(server.watcher); err != nil {
		return undo("watch", err)
	}
	if err := l.loop.Start(client.watcher); err != nil {
		return undo("watch", err)
	}

	l.log.WithFields(logrus.Fields{"server": server.label, "client": client.label}).
		Infof("Observing %s <- %s", sock.LocalAddr(), sock.RemoteAddr())
	return nil
}

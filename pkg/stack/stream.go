package stack

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"

	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/logging"
)

const (
	defaultMSS      = 536
	initialCwnd     = 10
	infiniteSSThres = 0x7fffffff
)

type flowState uint8

const (
	flowSynSent flowState = iota
	flowSynReceived
	flowEstablished
	flowAbandoned
)

// half holds what has been observed about one direction of a flow.
type half struct {
	started  bool
	nxt      uint32
	mss      uint16
	wscale   uint8
	wscaleOK bool
	window   uint32
	fin      bool
	finAt    time.Time

	rexmit  uint32
	zeroWin uint32
	ooo     uint32
	cwnd    uint32
	skipped int
}

type streamFactory struct {
	ifc *iface
}

// New is called by the assembler for the first packet of every flow.
func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow, tcp *layers.TCP, ac reassembly.AssemblerContext) reassembly.Stream {
	st := f.ifc.st
	s := &stream{ifc: f.ifc, state: flowAbandoned}

	if !tcp.SYN || tcp.ACK {
		// Mid-flow pickup: the client side is unknown.
		st.stats.ignored.Add(1)
		return s
	}
	src, ok1 := netip.AddrFromSlice(netFlow.Src().Raw())
	dst, ok2 := netip.AddrFromSlice(netFlow.Dst().Raw())
	if !ok1 || !ok2 {
		st.stats.ignored.Add(1)
		return s
	}
	s.client = netip.AddrPortFrom(src.Unmap(), uint16(tcp.SrcPort))
	s.server = netip.AddrPortFrom(dst.Unmap(), uint16(tcp.DstPort))

	s.listener = st.match(f.ifc, s.server)
	if s.listener == nil {
		st.stats.ignored.Add(1)
		return s
	}
	s.keepInit = s.listener.keepInit()
	s.state = flowSynSent
	return s
}

// stream tracks one observed TCP flow. It implements reassembly.Stream.
type stream struct {
	ifc      *iface
	client   netip.AddrPort
	server   netip.AddrPort
	listener *socket
	keepInit time.Duration

	mu       sync.Mutex
	state    flowState
	c2s, s2c half
	synAt    time.Time
	synAckAt time.Time
	rtt      time.Duration
	rttVar   time.Duration
	rst      bool

	// reader sockets, set once established
	srvSock *socket
	cliSock *socket
	early   [2][]byte
}

func (s *stream) halves(dir reassembly.TCPFlowDirection) (sender, receiver *half) {
	if dir == reassembly.TCPDirClientToServer {
		return &s.c2s, &s.s2c
	}
	return &s.s2c, &s.c2s
}

func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

func parseOptions(tcp *layers.TCP, h *half) {
	for _, opt := range tcp.Options {
		switch opt.OptionType {
		case layers.TCPOptionKindMSS:
			if len(opt.OptionData) == 2 {
				h.mss = binary.BigEndian.Uint16(opt.OptionData)
			}
		case layers.TCPOptionKindWindowScale:
			if len(opt.OptionData) == 1 {
				h.wscale = opt.OptionData[0]
				h.wscaleOK = true
			}
		}
	}
}

func (s *stream) Accept(tcp *layers.TCP, ci gopacket.CaptureInfo, dir reassembly.TCPFlowDirection, nextSeq reassembly.Sequence, start *bool, ac reassembly.AssemblerContext) bool {
	s.mu.Lock()
	if s.state == flowAbandoned {
		s.mu.Unlock()
		return false
	}

	ts := ci.Timestamp
	snd, rcv := s.halves(dir)
	payload := uint32(len(tcp.Payload))

	if tcp.SYN {
		parseOptions(tcp, snd)
		switch {
		case dir == reassembly.TCPDirClientToServer && !tcp.ACK:
			s.synAt = ts
		case dir == reassembly.TCPDirServerToClient && tcp.ACK && s.state == flowSynSent:
			s.synAckAt = ts
			s.state = flowSynReceived
		}
	}

	win := uint32(tcp.Window)
	if !tcp.SYN && snd.wscaleOK && rcv.wscaleOK {
		win <<= snd.wscale
	}
	snd.window = win
	if tcp.Window == 0 && !tcp.RST {
		snd.zeroWin++
	}

	end := tcp.Seq + payload
	if tcp.SYN {
		end++
	}
	if tcp.FIN {
		end++
	}
	if !snd.started {
		snd.started = true
		snd.nxt = end
	} else {
		if payload > 0 && !seqGT(end, snd.nxt) {
			snd.rexmit++
		} else if seqGT(tcp.Seq, snd.nxt) {
			snd.ooo++
		}
		if seqGT(end, snd.nxt) {
			snd.nxt = end
		}
	}

	if tcp.ACK && rcv.started {
		mss := uint32(snd.mss)
		if mss == 0 {
			mss = defaultMSS
		}
		if inflight := rcv.nxt - tcp.Ack; int32(inflight) > 0 {
			if segs := (inflight + mss - 1) / mss; segs > rcv.cwnd {
				rcv.cwnd = segs
			}
		}
	}

	if tcp.FIN && !snd.fin {
		snd.fin = true
		snd.finAt = ts
	}
	if tcp.RST {
		s.rst = true
		s.state = flowAbandoned
		s.mu.Unlock()
		s.finishSockets()
		return false
	}

	establish := false
	if s.state == flowSynReceived && dir == reassembly.TCPDirClientToServer && tcp.ACK && !tcp.SYN {
		if s.keepInit > 0 && ts.Sub(s.synAt) > s.keepInit {
			s.state = flowAbandoned
			s.mu.Unlock()
			s.ifc.st.stats.hsTimeouts.Add(1)
			return false
		}
		s.rtt = ts.Sub(s.synAt)
		s.rttVar = s.rtt / 2
		s.state = flowEstablished
		establish = true
	}
	s.mu.Unlock()

	if establish {
		s.establish()
	}
	return true
}

// establish creates the socket pair and offers it to the listener.
func (s *stream) establish() {
	l := s.listener
	srv := l.newFlowSocket(s, roleServer, s.server, s.client)
	cli := l.newFlowSocket(s, roleClient, s.client, s.server)
	srv.peer = cli

	s.mu.Lock()
	s.srvSock, s.cliSock = srv, cli
	early := s.early
	s.early = [2][]byte{}
	s.mu.Unlock()

	if len(early[0]) > 0 {
		srv.deliver(early[0], false)
	}
	if len(early[1]) > 0 {
		cli.deliver(early[1], false)
	}

	if !l.enqueue(srv) {
		s.mu.Lock()
		s.state = flowAbandoned
		s.mu.Unlock()
		s.ifc.st.stats.backlogDrops.Add(1)
		return
	}
	s.ifc.st.stats.accepted.Add(1)
	logging.WithComponent("stack").WithField("iface", s.ifc.name).
		Debugf("Flow %s -> %s established", s.client, s.server)
}

func (s *stream) ReassembledSG(sg reassembly.ScatterGather, ac reassembly.AssemblerContext) {
	dir, _, end, skip := sg.Info()
	length, _ := sg.Lengths()

	s.mu.Lock()
	if s.state == flowAbandoned {
		s.mu.Unlock()
		return
	}
	if skip > 0 {
		snd, _ := s.halves(dir)
		snd.skipped += skip
		s.ifc.st.stats.skipped.Add(uint64(skip))
	}
	var sock *socket
	if dir == reassembly.TCPDirClientToServer {
		sock = s.srvSock
	} else {
		sock = s.cliSock
	}
	if sock == nil {
		idx := 0
		if dir == reassembly.TCPDirServerToClient {
			idx = 1
		}
		if length > 0 {
			s.early[idx] = append(s.early[idx], sg.Fetch(length)...)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var data []byte
	if length > 0 {
		data = sg.Fetch(length)
	}
	sock.deliver(data, end)
}

func (s *stream) ReassemblyComplete(ac reassembly.AssemblerContext) bool {
	s.mu.Lock()
	s.state = flowAbandoned
	s.mu.Unlock()
	s.finishSockets()
	return true
}

// finishSockets shuts down both directions of the pair. Bytes already
// buffered stay readable ahead of the EOF.
func (s *stream) finishSockets() {
	s.mu.Lock()
	srv, cli := s.srvSock, s.cliSock
	s.mu.Unlock()

	if srv != nil {
		srv.finish()
	}
	if cli != nil {
		cli.finish()
	}
}

// socketClosed stops buffering once both readers are gone.
func (s *stream) socketClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srvSock != nil && s.cliSock != nil && s.srvSock.isClosed() && s.cliSock.isClosed() {
		s.state = flowAbandoned
	}
}

func (s *stream) info(r role) core.TCPInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	snd, rcv := &s.c2s, &s.s2c
	if r == roleServer {
		snd, rcv = &s.s2c, &s.c2s
	}
	scaled := snd.wscaleOK && rcv.wscaleOK

	info := core.TCPInfo{
		State:         s.stateFor(snd, rcv),
		RTT:           s.rtt,
		RTTVar:        s.rttVar,
		SndMSS:        mssOrDefault(rcv.mss),
		SndWnd:        rcv.window,
		SndNxt:        snd.nxt,
		SndRexmitPack: snd.rexmit,
		SndZeroWin:    rcv.zeroWin,
		SndSSThresh:   infiniteSSThres,
		SndCwnd:       snd.cwnd,
		RcvMSS:        mssOrDefault(snd.mss),
		RcvSpace:      snd.window,
		RcvNxt:        rcv.nxt,
		RcvOOOPack:    rcv.ooo,
	}
	if scaled {
		info.SndWScale = rcv.wscale
		info.RcvWScale = snd.wscale
	}
	if info.SndCwnd < initialCwnd {
		info.SndCwnd = initialCwnd
	}
	return info
}

func (s *stream) stateFor(snd, rcv *half) core.TCPState {
	switch {
	case s.rst:
		return core.StateClosed
	case s.state == flowSynSent:
		return core.StateSynSent
	case s.state == flowSynReceived:
		return core.StateSynReceived
	case !snd.fin && !rcv.fin:
		return core.StateEstablished
	case snd.fin && !rcv.fin:
		return core.StateFinWait1
	case !snd.fin && rcv.fin:
		return core.StateCloseWait
	case !snd.finAt.After(rcv.finAt):
		return core.StateTimeWait
	}
	return core.StateLastAck
}

func mssOrDefault(mss uint16) uint32 {
	if mss == 0 {
		return defaultMSS
	}
	return uint32(mss)
}

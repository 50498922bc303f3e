// Package capture opens packet sources that feed the passive stack.
//
// Three capture types are supported: "pcap" reads frames from a network
// interface with libpcap, "tun" creates a TUN device and reads the IP packets
// routed into it, and "raw" reads locally delivered IPv4 TCP packets from a
// raw socket bound to the interface address.
package capture

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/logging"
)

const (
	// DefaultSnapLen is used when Options.SnapLen is zero.
	DefaultSnapLen = 65535

	// DefaultMTU is used for TUN devices when Options.MTU is zero.
	DefaultMTU = 1500

	// pollTimeout bounds how long a blocking read waits before the reader
	// checks whether it was closed.
	pollTimeout = 500 * time.Millisecond

	packetQueue = 1024
)

// ErrUnknownType is returned by Open for an unsupported capture type.
var ErrUnknownType = errors.New("unknown capture type")

// Options configure a packet source.
type Options struct {
	Interface   string
	Type        string
	Promiscuous bool
	SnapLen     int
	Filter      string
	MTU         int
}

// Source is a running capture.
type Source interface {
	core.PacketSource

	// Packets returns the decoded frames. The channel is closed after
	// Close, or when the underlying device goes away.
	Packets() <-chan gopacket.Packet
}

// Open starts a capture of the given type.
func Open(opts Options) (Source, error) {
	if opts.SnapLen <= 0 {
		opts.SnapLen = DefaultSnapLen
	}
	if opts.MTU <= 0 {
		opts.MTU = DefaultMTU
	}

	switch opts.Type {
	case core.CapturePcap:
		return openPcap(opts)
	case core.CaptureTun:
		return openTUN(opts)
	case core.CaptureRaw:
		return openRaw(opts)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownType, opts.Type)
}

// BuildFilter returns a BPF expression that keeps only TCP segments to or
// from the given ports. A zero port, or no ports at all, keeps every TCP
// segment.
func BuildFilter(ports []int) string {
	seen := make(map[int]bool, len(ports))
	var uniq []int
	for _, p := range ports {
		if p == 0 {
			return "tcp"
		}
		if !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	if len(uniq) == 0 {
		return "tcp"
	}
	sort.Ints(uniq)

	terms := make([]string, len(uniq))
	for i, p := range uniq {
		terms[i] = "port " + strconv.Itoa(p)
	}
	if len(terms) == 1 {
		return "tcp and " + terms[0]
	}
	return "tcp and (" + strings.Join(terms, " or ") + ")"
}

// source holds what the capture types share: the output channel, counters
// and close signalling. The reader goroutine owns out and closes it on exit.
type source struct {
	name string
	kind string
	log  *logrus.Entry

	out     chan gopacket.Packet
	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	packets    atomic.Uint64
	bytes      atomic.Uint64
	decodeErrs atomic.Uint64
	errs       atomic.Uint64

	// interrupt unblocks a pending read. It may be nil when the reader
	// polls closing on its own.
	interrupt func() error
}

func newSource(name, kind string) *source {
	return &source{
		name:    name,
		kind:    kind,
		log:     logging.WithComponent("capture").WithFields(logrus.Fields{"iface": name, "type": kind}),
		out:     make(chan gopacket.Packet, packetQueue),
		closing: make(chan struct{}),
	}
}

func (s *source) Name() string { return s.name }

func (s *source) Packets() <-chan gopacket.Packet { return s.out }

func (s *source) Metrics() core.CaptureMetrics {
	return core.CaptureMetrics{
		PacketsReceived: s.packets.Load(),
		BytesReceived:   s.bytes.Load(),
		DecodeErrors:    s.decodeErrs.Load(),
		Errors:          s.errs.Load(),
	}
}

func (s *source) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closing)
		if s.interrupt != nil {
			err = s.interrupt()
		}
	})
	s.wg.Wait()
	return err
}

func (s *source) closed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// start runs read on a new goroutine until it returns.
func (s *source) start(read func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.out)
		s.log.Infof("Capture started")
		read()
		s.log.WithFields(logrus.Fields{
			"packets": s.packets.Load(),
			"errors":  s.errs.Load(),
		}).Infof("Capture stopped")
	}()
}

// emit counts pkt and hands it to the consumer. It returns false once the
// source is closing.
func (s *source) emit(pkt gopacket.Packet, wire int) bool {
	s.packets.Add(1)
	s.bytes.Add(uint64(wire))
	if pkt.NetworkLayer() == nil {
		s.decodeErrs.Add(1)
		if el := pkt.ErrorLayer(); el != nil {
			s.log.WithError(el.Error()).Debugf("Dropping undecodable frame")
		}
		return true
	}
	select {
	case s.out <- pkt:
		return true
	case <-s.closing:
		return false
	}
}

// decodeIP decodes a bare IP packet, as read from a TUN device or a raw
// socket, choosing the first layer by the version nibble.
func decodeIP(data []byte) (gopacket.Packet, error) {
	if len(data) == 0 {
		return nil, errors.New("empty packet")
	}
	var first gopacket.LayerType
	switch data[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, fmt.Errorf("unsupported IP version %d", data[0]>>4)
	}
	pkt := gopacket.NewPacket(data, first, gopacket.Default)
	md := pkt.Metadata()
	md.Timestamp = time.Now()
	md.CaptureLength = len(data)
	md.Length = len(data)
	return pkt, nil
}

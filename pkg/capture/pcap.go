package capture

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

type pcapSource struct {
	*source
	handle *pcap.Handle
}

func openPcap(opts Options) (Source, error) {
	inactive, err := pcap.NewInactiveHandle(opts.Interface)
	if err != nil {
		return nil, fmt.Errorf("pcap: %w", err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetPromisc(opts.Promiscuous); err != nil {
		return nil, fmt.Errorf("pcap: set promiscuous: %w", err)
	}
	if err := inactive.SetSnapLen(opts.SnapLen); err != nil {
		return nil, fmt.Errorf("pcap: set snaplen: %w", err)
	}
	if err := inactive.SetTimeout(pollTimeout); err != nil {
		return nil, fmt.Errorf("pcap: set timeout: %w", err)
	}
	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("pcap: activate %s: %w", opts.Interface, err)
	}
	if opts.Filter != "" {
		if err := handle.SetBPFFilter(opts.Filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("pcap: set BPF filter %q: %w", opts.Filter, err)
		}
	}

	s := &pcapSource{source: newSource(opts.Interface, "pcap"), handle: handle}
	s.log.WithField("filter", opts.Filter).Debugf("pcap handle active, link type %s", handle.LinkType())
	s.start(s.read)
	return s, nil
}

func (s *pcapSource) read() {
	defer s.handle.Close()

	ps := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	ps.DecodeOptions = gopacket.DecodeOptions{Lazy: true}
	for !s.closed() {
		pkt, err := ps.NextPacket()
		switch {
		case err == nil:
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, pcap.NextErrorNoMorePackets):
			return
		default:
			s.errs.Add(1)
			s.log.WithError(err).Warn("pcap read failed")
			continue
		}
		if !s.emit(pkt, pkt.Metadata().Length) {
			return
		}
	}
}

// Stats returns the counters kept by libpcap.
func (s *pcapSource) Stats() (*pcap.Stats, error) {
	return s.handle.Stats()
}

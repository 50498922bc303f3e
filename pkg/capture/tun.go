package capture

import (
	"errors"
	"fmt"
	"os"

	"golang.zx2c4.com/wireguard/tun"
)

// tunOffset is the headroom left in front of each packet buffer for the
// virtio header the device may prepend.
const tunOffset = 16

type tunSource struct {
	*source
	dev tun.Device
	mtu int
}

func openTUN(opts Options) (Source, error) {
	dev, err := tun.CreateTUN(opts.Interface, opts.MTU)
	if err != nil {
		return nil, fmt.Errorf("tun: create %s: %w", opts.Interface, err)
	}
	name, err := dev.Name()
	if err != nil {
		name = opts.Interface
	}

	s := &tunSource{source: newSource(name, "tun"), dev: dev, mtu: opts.MTU}
	s.interrupt = dev.Close
	s.start(s.read)
	return s, nil
}

func (s *tunSource) read() {
	batch := s.dev.BatchSize()
	bufs := make([][]byte, batch)
	sizes := make([]int, batch)
	for i := range bufs {
		// Offloaded reads may coalesce segments beyond the MTU.
		bufs[i] = make([]byte, tunOffset+65535)
	}

	for {
		n, err := s.dev.Read(bufs, sizes, tunOffset)
		for i := 0; i < n; i++ {
			data := make([]byte, sizes[i])
			copy(data, bufs[i][tunOffset:tunOffset+sizes[i]])
			pkt, derr := decodeIP(data)
			if derr != nil {
				s.packets.Add(1)
				s.decodeErrs.Add(1)
				continue
			}
			if !s.emit(pkt, len(data)) {
				return
			}
		}
		if err != nil {
			if s.closed() || errors.Is(err, os.ErrClosed) {
				return
			}
			if errors.Is(err, tun.ErrTooManySegments) {
				s.errs.Add(1)
				continue
			}
			s.errs.Add(1)
			s.log.WithError(err).Error("TUN read failed")
			return
		}
	}
}

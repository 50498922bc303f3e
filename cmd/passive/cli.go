package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/irctrakz/passivetap/pkg/core"
)

// ifaceBuilder collects -i, -t, -P, -l and -p in command-line order. Each
// option applies to the most recent interface or listen address, so the
// flags are parsed through Values that share this builder.
type ifaceBuilder struct {
	interfaces []core.InterfaceConfig
	// listeners given for the most recent interface
	current int
}

var (
	errNoInterface = errors.New("no interface specified")
	errNoListen    = errors.New("no listen address specified")
)

func (b *ifaceBuilder) last() (*core.InterfaceConfig, error) {
	if len(b.interfaces) == 0 {
		return nil, errNoInterface
	}
	return &b.interfaces[len(b.interfaces)-1], nil
}

func (b *ifaceBuilder) addInterface(name string) error {
	if name == "" {
		return errors.New("interface name cannot be empty")
	}
	b.interfaces = append(b.interfaces, core.InterfaceConfig{Name: name, Type: core.CapturePcap})
	b.current = 0
	return nil
}

func (b *ifaceBuilder) setType(t string) error {
	ifc, err := b.last()
	if err != nil {
		return err
	}
	switch t {
	case core.CapturePcap, core.CaptureTun, core.CaptureRaw:
		ifc.Type = t
		return nil
	}
	return fmt.Errorf("unknown interface type %s", t)
}

func (b *ifaceBuilder) setPromiscuous() error {
	ifc, err := b.last()
	if err != nil {
		return err
	}
	ifc.Promiscuous = true
	return nil
}

func (b *ifaceBuilder) addListen(addr string) error {
	ifc, err := b.last()
	if err != nil {
		return err
	}
	ifc.Listeners = append(ifc.Listeners, core.ListenerConfig{Address: addr})
	b.current++
	return nil
}

func (b *ifaceBuilder) setPort(s string) error {
	ifc, err := b.last()
	if err != nil || b.current == 0 {
		return errNoListen
	}
	port, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %q", s)
	}
	ifc.Listeners[len(ifc.Listeners)-1].Port = core.IntPtr(port)
	return nil
}

// orderedValue routes a flag to a builder method.
type orderedValue struct {
	kind string
	set  func(string) error
	last string
}

func (v *orderedValue) String() string { return v.last }
func (v *orderedValue) Type() string { return v.kind }

func (v *orderedValue) Set(s string) error {
	if err := v.set(s); err != nil {
		return err
	}
	v.last = s
	return nil
}

// register adds the ordered interface flags to fs.
func (b *ifaceBuilder) register(fs *pflag.FlagSet) {
	fs.VarP(&orderedValue{kind: "ifname", set: b.addInterface}, "interface", "i", "specify network interface")
	fs.VarP(&orderedValue{kind: "iftype", set: b.setType}, "type", "t", "interface type [pcap, tun, raw]")
	fs.VarP(&orderedValue{kind: "inaddr", set: b.addListen}, "listen", "l", "listen address")
	fs.VarP(&orderedValue{kind: "port", set: b.setPort}, "port", "p", "listen port [0, 65535]")
	promisc := fs.VarPF(&orderedValue{kind: "bool", set: func(string) error { return b.setPromiscuous() }},
		"promiscuous", "P", "put interface into Promiscuous INET mode")
	promisc.NoOptDefVal = "true"
}

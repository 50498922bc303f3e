package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/irctrakz/passivetap/pkg/api"
	"github.com/irctrakz/passivetap/pkg/capture"
	"github.com/irctrakz/passivetap/pkg/config"
	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/logging"
	"github.com/irctrakz/passivetap/pkg/metrics"
	"github.com/irctrakz/passivetap/pkg/passive"
	"github.com/irctrakz/passivetap/pkg/stack"
)

// tapStack is the part of *stack.Stack used while building interfaces.
type tapStack interface {
	core.Stack
	AddInterface(name string, cdom int) error
	AddAlias(ifname string, addr netip.Addr) error
}

// upStack attaches a capture source to a stack interface.
type upStack interface {
	Up(ctx context.Context, ifname string, src stack.Source) error
}

// openFunc opens the capture source of an interface.
type openFunc func(ifc core.InterfaceConfig) (capture.Source, error)

func openCapture(ifc core.InterfaceConfig) (capture.Source, error) {
	var ports []int
	for _, l := range ifc.Listeners {
		ports = append(ports, l.PortValue())
	}
	return capture.Open(capture.Options{
		Interface:   ifc.Name,
		Type:        ifc.Type,
		Promiscuous: ifc.Promiscuous,
		SnapLen:     ifc.SnapLen,
		MTU:         ifc.MTU,
		Filter:      capture.BuildFilter(ports),
	})
}

// buildWorkers creates the stack interfaces, aliases, workers and listeners
// for cfg. Interfaces that cannot be created are skipped, as are listeners
// that fail; an interface left without listeners is dropped.
func buildWorkers(cfg *config.Config, st tapStack, opts passive.Options) []*passive.Worker {
	out := opts.Dumper
	verbose := cfg.Verbose > 0
	var workers []*passive.Worker

	for _, ifc := range cfg.Interfaces {
		if verbose {
			state := "disabled"
			if ifc.Promiscuous {
				state = "enabled"
			}
			out.Printf("Creating interface %s, Promiscuous INET %s, cdom=%d", ifc.Alias, state, ifc.CDom)
		}
		if err := st.AddInterface(ifc.Alias, ifc.CDom); err != nil {
			out.Printf("Failed to create interface %s (%v)", ifc.Alias, err)
			continue
		}

		for _, l := range ifc.Listeners {
			addr, err := core.ParseAddress(l.Address)
			if err != nil || addr.IsUnspecified() {
				continue
			}
			if verbose {
				out.Printf("Adding address %s to interface %s", l.Address, ifc.Alias)
			}
			if err := st.AddAlias(ifc.Alias, addr); err != nil {
				out.Printf("Adding alias %s to interface %s failed (%v)", l.Address, ifc.Alias, err)
			}
		}

		w := passive.NewWorker(ifc)
		for _, l := range ifc.Listeners {
			if verbose {
				out.Printf("Creating passive server at %s:%d on interface %s", l.Address, l.PortValue(), ifc.Alias)
			}
			if _, err := w.AddListener(st, l, opts); err != nil {
				out.Printf("Failed to create passive server at %s:%d on interface %s (%v)",
					l.Address, l.PortValue(), ifc.Alias, err)
			}
		}
		if w.Listeners() == 0 {
			w.Close()
			continue
		}
		workers = append(workers, w)
	}
	return workers
}

// startWorkers brings up each worker's capture and starts its loop. Workers
// whose capture cannot be opened are closed and left out of the result.
func startWorkers(ctx context.Context, cfg *config.Config, st upStack, workers []*passive.Worker, open openFunc, out *passive.Dumper) ([]*passive.Worker, []core.PacketSource) {
	var (
		running []*passive.Worker
		sources []core.PacketSource
	)
	for _, w := range workers {
		ifc := w.Interface()
		if cfg.Verbose > 0 {
			out.Printf("Bringing up interface %s", ifc.Alias)
		}
		src, err := open(ifc)
		if err == nil {
			err = st.Up(ctx, ifc.Alias, src)
			if err != nil {
				_ = src.Close()
			}
		}
		if err != nil {
			out.Printf("Failed to bring up interface %s (%v)", ifc.Alias, err)
			w.Close()
			continue
		}
		sources = append(sources, src)

		if cfg.Verbose > 0 {
			out.Printf("Creating interface thread for interface %s", ifc.Alias)
		}
		w.Start(ctx)
		running = append(running, w)
	}
	return running, sources
}

func run(ctx context.Context, cfg *config.Config, out *passive.Dumper) error {
	return runWith(ctx, cfg, out, openCapture, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func runWith(ctx context.Context, cfg *config.Config, out *passive.Dumper, open openFunc, reg prometheus.Registerer, gather prometheus.Gatherer) error {
	log := logging.WithComponent("main")
	st := stack.New()
	defer st.Close()

	m := metrics.NewWithRegistry(reg)
	m.RegisterStack(st.Stats)

	workers := buildWorkers(cfg, st, passive.Options{Dumper: out, Recorder: m})
	workers, sources := startWorkers(ctx, cfg, st, workers, open, out)
	defer func() {
		for _, src := range sources {
			_ = src.Close()
		}
	}()
	if len(workers) == 0 {
		return errors.New("no interface could be started")
	}
	log.Infof("Observing on %d interface(s)", len(workers))

	if addr := cfg.API.Address; addr != "" {
		h := &api.Handlers{
			Workers:  workers,
			Sources:  sources,
			Stack:    st,
			Metrics:  m,
			Started:  time.Now(),
			Gatherer: gather,
		}
		go func() {
			if err := api.Serve(ctx, addr, api.NewRouter(h, cfg.API.MetricsPath)); err != nil {
				log.WithError(err).Error("Status API stopped")
			}
		}()
	}
	if iv := cfg.MetricsInterval(); iv > 0 {
		go runMetricsReporter(ctx, iv, cfg.Metrics.Format, m, st, sources)
	}
	metrics.StartRemoteWrite(ctx, cfg.Metrics.RemoteWriteURL, cfg.RemoteWriteInterval(), m)

	for _, w := range workers {
		w.Wait()
	}
	log.Infof("All interfaces stopped")

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/finswire/fins/arp"
	"github.com/finswire/fins/config"
	"github.com/finswire/fins/ctrlchan"
	"github.com/finswire/fins/ethernet"
	"github.com/finswire/fins/icmpv4"
	"github.com/finswire/fins/internal/obslog"
	"github.com/finswire/fins/ipv4"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
	"github.com/finswire/fins/rtm"
	"github.com/finswire/fins/socket"
	"github.com/finswire/fins/swtch"
	"github.com/finswire/fins/tcp"
	"github.com/finswire/fins/udp"
)

// runFabric builds every module named in SPEC_FULL.md, wires their queues
// through the switch, opens the capture/inject streams and the control
// channel, and runs until ctx is cancelled or a module's Run loop returns a
// fatal error. This is the Go analogue of the original daemon's fins_switch()
// spawning one pthread per module plus the interceptor/jinni threads (see
// DESIGN.md), generalized to goroutines and an errgroup.
func runFabric(ctx context.Context, cfg config.Config, log *obslog.Logger) error {
	localAddr, err := netip.ParseAddr(cfg.Interface.Address)
	if err != nil {
		return fmt.Errorf("finsd: interface address: %w", err)
	}
	localHW, err := cfg.HardwareAddr()
	if err != nil {
		return fmt.Errorf("finsd: %w", err)
	}
	onLinkPrefix, err := cfg.InterfacePrefix()
	if err != nil {
		return fmt.Errorf("finsd: interface prefix: %w", err)
	}

	queues := map[moduleid.ID]queue.Pair{
		moduleid.Ethernet: queue.NewPair("ethernet", cfg.Queue.Capacity),
		moduleid.ARP:       queue.NewPair("arp", cfg.Queue.Capacity),
		moduleid.IPv4:      queue.NewPair("ipv4", cfg.Queue.Capacity),
		moduleid.ICMP:      queue.NewPair("icmp", cfg.Queue.Capacity),
		moduleid.UDP:       queue.NewPair("udp", cfg.Queue.Capacity),
		moduleid.TCP:       queue.NewPair("tcp", cfg.Queue.Capacity),
		moduleid.Socket:    queue.NewPair("socket", cfg.Queue.Capacity),
		moduleid.RTM:       queue.NewPair("rtm", cfg.Queue.Capacity),
	}

	routes := ipv4.NewRouteTable()
	routes.Replace([]ipv4.Route{{Prefix: onLinkPrefix, Iface: int(moduleid.Ethernet)}})
	if cfg.Routing.DefaultNext != "" {
		nextHop, err := netip.ParseAddr(cfg.Routing.DefaultNext)
		if err != nil {
			return fmt.Errorf("finsd: routing.default_next_hop: %w", err)
		}
		routes.Replace(append(routes.Snapshot(), ipv4.Route{
			Prefix:  netip.PrefixFrom(netip.IPv4Unspecified(), 0),
			NextHop: nextHop,
			Iface:   int(moduleid.Ethernet),
		}))
	}

	arpMod, err := arp.NewModule(arp.HandlerConfig{
		HardwareAddr: localHW[:],
		ProtocolAddr: localAddr.AsSlice(),
		MaxQueries:   32,
		MaxPending:   32,
		HardwareType: 1, // Ethernet, per SPEC_FULL.md's ARP module
		ProtocolType: ethernet.TypeIPv4,
	}, queues[moduleid.ARP], log.With("module", "arp"))
	if err != nil {
		return fmt.Errorf("finsd: arp: %w", err)
	}

	ipMod := ipv4.NewModule(ipv4.Config{
		LocalAddr:         localAddr,
		MTU:               cfg.Interface.MTU,
		ReassemblyTimeout: cfg.Reassembly.Timeout,
		RoutingEnabled:    cfg.Routing.Enabled,
		DefaultTTL:        64,
	}, queues[moduleid.IPv4], routes, log.With("module", "ipv4"))

	icmpEngine := icmpv4.NewEngine(icmpv4.Config{LocalAddr: localAddr}, queues[moduleid.ICMP], log.With("module", "icmp"))

	sockMod := socket.NewModule(localAddr, queues[moduleid.Socket], log.With("module", "socket"))

	udpMod := udp.NewModule(queues[moduleid.UDP], socket.UDPDemux{M: sockMod}, log.With("module", "udp"))

	tcpMod := tcp.NewModule(tcp.Config{
		LocalAddr: localAddr,
		RxBufSize: 64 << 10,
		TxBufSize: 64 << 10,
		TxPackets: 32,
	}, queues[moduleid.TCP], socket.TCPDemux{M: sockMod}, log.With("module", "tcp"))

	rtmMod := rtm.NewModule(queues[moduleid.RTM], ipMod, routes, log.With("module", "rtm"))

	ethEndpoint := ethernet.NewEndpoint(moduleid.Ethernet, queues[moduleid.Ethernet], localHW, arpMod.Resolve, log.With("module", "ethernet"))

	sw := swtch.New(queues, swtch.DefaultRetryPolicy, log.With("module", "switch"))

	captureFile, err := os.Open(cfg.Streams.CapturePath)
	if err != nil {
		return fmt.Errorf("finsd: opening capture stream: %w", err)
	}
	defer captureFile.Close()
	injectFile, err := os.OpenFile(cfg.Streams.InjectPath, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("finsd: opening inject stream: %w", err)
	}
	defer injectFile.Close()

	chanCfg := ctrlchan.Config{Name: cfg.ControlChannel.SharedMemPath}
	ctrl, err := ctrlchan.Open(chanCfg)
	if err != nil {
		return fmt.Errorf("finsd: opening control channel: %w", err)
	}
	defer ctrl.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return arpMod.Run(gctx) })
	g.Go(func() error { return ipMod.Run(gctx) })
	g.Go(func() error { return icmpEngine.Run(gctx) })
	g.Go(func() error { return udpMod.Run(gctx) })
	g.Go(func() error { return tcpMod.Run(gctx) })
	g.Go(func() error { return sockMod.Run(gctx) })
	g.Go(func() error { return rtmMod.Run(gctx) })
	g.Go(func() error { return ethEndpoint.RunCapture(gctx, captureFile) })
	g.Go(func() error { return ethEndpoint.RunInject(gctx, injectFile) })
	g.Go(func() error { sw.Run(gctx); return nil })
	g.Go(func() error { return serveControlChannel(gctx, ctrl, sockMod, log.With("module", "ctrlchan")) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

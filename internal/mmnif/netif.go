package mmnif

import (
	"context"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const netifNICID tcpip.NICID = 1

// Netif presents the mmnif ring to the TCP/IP stack as a NIC: a
// channel endpoint carries raw IPv4 packets in both directions, with
// no link-layer framing (the ring is point to point, so there is no
// ARP to speak).
type Netif struct {
	dev *Device
	log *slog.Logger

	stack *stack.Stack
	ep    *channel.Endpoint

	cancel context.CancelFunc
}

// NewNetif builds the per-isle stack at 192.168.28.<isle>/24 and wires
// the ring underneath it.
func NewNetif(dev *Device, log *slog.Logger) (*Netif, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})

	ep := channel.New(512, MTU, "")
	if err := s.CreateNIC(netifNICID, ep); err != nil {
		return nil, fmt.Errorf("mmnif: create NIC: %s", err)
	}

	addr := tcpip.AddrFrom4([4]byte{192, 168, 28, byte(dev.IsleID())})
	if err := s.AddProtocolAddress(netifNICID, tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{Address: addr, PrefixLen: 24},
	}, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("mmnif: add address: %s", err)
	}

	// Subnet traffic stays on the ring; everything else forwards to
	// isle 1, the host gateway.
	subnet, err := tcpip.NewSubnet(
		tcpip.AddrFrom4([4]byte{192, 168, 28, 0}),
		tcpip.MaskFromBytes([]byte{255, 255, 255, 0}),
	)
	if err != nil {
		return nil, fmt.Errorf("mmnif: subnet: %w", err)
	}
	s.SetRouteTable([]tcpip.Route{
		{Destination: subnet, NIC: netifNICID},
		{
			Destination: mustEmptySubnet(),
			Gateway:     tcpip.AddrFrom4([4]byte{192, 168, 28, 1}),
			NIC:         netifNICID,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	n := &Netif{dev: dev, log: log, stack: s, ep: ep, cancel: cancel}

	// Ring -> stack.
	dev.SetRxHandler(func(packet []byte) {
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(packet),
		})
		n.ep.InjectInbound(ipv4.ProtocolNumber, pkt)
	})

	// Stack -> ring.
	go func() {
		for {
			pkt := n.ep.ReadContext(ctx)
			if pkt == nil {
				return
			}
			out := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			if e := dev.Send(out); e != 0 {
				n.log.Debug("mmnif tx dropped", "err", e, "len", len(out))
			}
		}
	}()

	log.Info("mmnif netif up", "isle", dev.IsleID(), "addr", addr.String(), "mtu", MTU)
	return n, nil
}

// Stack exposes the TCP/IP stack for endpoint creation.
func (n *Netif) Stack() *stack.Stack { return n.stack }

// Close tears the bridge down.
func (n *Netif) Close() {
	n.cancel()
	n.ep.Close()
	n.stack.Close()
}

func mustEmptySubnet() tcpip.Subnet {
	sub, err := tcpip.NewSubnet(
		tcpip.AddrFrom4([4]byte{0, 0, 0, 0}),
		tcpip.MaskFromBytes([]byte{0, 0, 0, 0}),
	)
	if err != nil {
		panic(err)
	}
	return sub
}

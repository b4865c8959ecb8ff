package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"

	"github.com/mdlayher/eui64"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/logger"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// AllServersGroup is the All_DHCP_Relay_Agents_and_Servers multicast
// address.
var AllServersGroup = netip.MustParseAddr("ff02::1:2")

// reuseAddr lets the multicast and reply sockets share port 547 on the
// same interface.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var soErr error
	err := c.Control(func(fd uintptr) {
		soErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return soErr
}

// MulticastConfig describes a per-interface multicast listener.
type MulticastConfig struct {
	Interface    string
	ReplyFrom    netip.Addr // zero value: pick a link-local address
	LinkAddress  netip.Addr // zero value: pick a global address
	ListenToSelf bool
	Marks        []string
}

// Multicast joins the DHCPv6 server group on one interface and replies
// from a link-local address on the same interface.
type Multicast struct {
	name   string
	cfg    MulticastConfig
	iface  *net.Interface
	conn   *net.UDPConn
	pc     *ipv6.PacketConn
	reply  *net.UDPConn
	link   netip.Addr
	replyA netip.Addr
	log    *slog.Logger
}

// NewMulticast opens the sockets for a multicast listener. Binding to port
// 547 usually needs elevated privileges; this runs in the master before
// the privilege drop.
func NewMulticast(cfg MulticastConfig) (*Multicast, error) {
	iface, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("multicast listener interface %s: %w", cfg.Interface, err)
	}

	replyFrom := cfg.ReplyFrom
	if !replyFrom.IsValid() {
		replyFrom, err = pickLinkLocal(iface)
		if err != nil {
			return nil, fmt.Errorf("multicast listener on %s: %w", cfg.Interface, err)
		}
	}
	if !replyFrom.IsLinkLocalUnicast() {
		return nil, fmt.Errorf("multicast listener on %s: reply-from %s is not link-local",
			cfg.Interface, replyFrom)
	}

	link := cfg.LinkAddress
	if !link.IsValid() {
		link = pickGlobal(iface)
	}

	lc := net.ListenConfig{Control: reuseAddr}
	packetConn, err := lc.ListenPacket(context.Background(), "udp6",
		fmt.Sprintf("[::]:%d", wire.ServerPort))
	if err != nil {
		return nil, fmt.Errorf("multicast listener on %s: %w", cfg.Interface, err)
	}
	conn := packetConn.(*net.UDPConn)

	pc := ipv6.NewPacketConn(conn)
	group := net.UDPAddr{IP: AllServersGroup.AsSlice()}
	if err := pc.JoinGroup(iface, &group); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join %s on %s: %w", AllServersGroup, cfg.Interface, err)
	}
	if err := pc.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("control messages on %s: %w", cfg.Interface, err)
	}
	if !cfg.ListenToSelf {
		_ = pc.SetMulticastLoopback(false)
	}

	replyConn, err := lc.ListenPacket(context.Background(), "udp6",
		fmt.Sprintf("[%s%%%s]:%d", replyFrom, cfg.Interface, wire.ServerPort))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reply socket on %s: %w", cfg.Interface, err)
	}

	return &Multicast{
		name:   "multicast-" + cfg.Interface,
		cfg:    cfg,
		iface:  iface,
		conn:   conn,
		pc:     pc,
		reply:  replyConn.(*net.UDPConn),
		link:   link,
		replyA: replyFrom,
		log:    logger.Component(logger.ComponentListener),
	}, nil
}

func (l *Multicast) Name() string { return l.name }

func (l *Multicast) Run(ctx context.Context, enqueue func(*IncomingPacket) bool) error {
	buf := make([]byte, 65536)
	for {
		n, cm, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn("read failed", "listener", l.name, "error", err)
			continue
		}
		if cm != nil && cm.IfIndex != 0 && cm.IfIndex != l.iface.Index {
			// Joined group traffic for another interface on a wildcard bind
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		source, _ := netip.AddrFromSlice(udpAddr.IP)
		data := make([]byte, n)
		copy(data, buf[:n])

		pkt := &IncomingPacket{
			ListenerName:  l.name,
			Interface:     l.cfg.Interface,
			Source:        netip.AddrPortFrom(source.Unmap(), uint16(udpAddr.Port)),
			LinkAddress:   l.link,
			InterfaceID:   []byte(l.cfg.Interface),
			Marks:         l.cfg.Marks,
			OverMulticast: cm == nil || isMulticastDst(cm),
			Data:          data,
			Replier:       &udpReplier{conn: l.reply, dest: netip.AddrPortFrom(source.Unmap(), uint16(udpAddr.Port)), zone: l.cfg.Interface},
		}
		if !enqueue(pkt) {
			l.log.Debug("work queue full, packet dropped", "listener", l.name)
		}
	}
}

func isMulticastDst(cm *ipv6.ControlMessage) bool {
	dst, ok := netip.AddrFromSlice(cm.Dst)
	return !ok || dst.IsMulticast()
}

func (l *Multicast) Close() error {
	group := net.UDPAddr{IP: AllServersGroup.AsSlice()}
	_ = l.pc.LeaveGroup(l.iface, &group)
	err := l.conn.Close()
	if rerr := l.reply.Close(); err == nil {
		err = rerr
	}
	return err
}

// UnicastConfig describes a unicast UDP listener, typically fed by relays.
type UnicastConfig struct {
	Address   netip.Addr
	Interface string
	Marks     []string
}

// Unicast listens on a fixed global address.
type Unicast struct {
	name string
	cfg  UnicastConfig
	conn *net.UDPConn
	log  *slog.Logger
}

func NewUnicast(cfg UnicastConfig) (*Unicast, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	packetConn, err := lc.ListenPacket(context.Background(), "udp6",
		fmt.Sprintf("[%s]:%d", cfg.Address, wire.ServerPort))
	if err != nil {
		return nil, fmt.Errorf("unicast listener on %s: %w", cfg.Address, err)
	}
	return &Unicast{
		name: "unicast-" + cfg.Address.String(),
		cfg:  cfg,
		conn: packetConn.(*net.UDPConn),
		log:  logger.Component(logger.ComponentListener),
	}, nil
}

func (l *Unicast) Name() string { return l.name }

func (l *Unicast) Run(ctx context.Context, enqueue func(*IncomingPacket) bool) error {
	buf := make([]byte, 65536)
	for {
		n, addr, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn("read failed", "listener", l.name, "error", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		pkt := &IncomingPacket{
			ListenerName: l.name,
			Interface:    l.cfg.Interface,
			Source:       netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
			LinkAddress:  l.cfg.Address,
			Marks:        l.cfg.Marks,
			Data:         data,
			Replier:      &udpReplier{conn: l.conn, dest: addr},
		}
		if !enqueue(pkt) {
			l.log.Debug("work queue full, packet dropped", "listener", l.name)
		}
	}
}

func (l *Unicast) Close() error { return l.conn.Close() }

// udpReplier sends one datagram per outgoing message to the recorded
// source of the request.
type udpReplier struct {
	conn *net.UDPConn
	dest netip.AddrPort
	zone string
}

func (r *udpReplier) Send(msg wire.Message) error {
	data, peer, err := payloadBytes(msg)
	if err != nil {
		return err
	}

	dest := r.dest
	if peer.IsValid() && peer != dest.Addr() {
		// The pipeline rewrote the peer; honor it
		dest = netip.AddrPortFrom(peer, dest.Port())
	}
	if dest.Addr().IsLinkLocalUnicast() && r.zone != "" {
		dest = netip.AddrPortFrom(dest.Addr().WithZone(r.zone), dest.Port())
	}

	_, err = r.conn.WriteToUDPAddrPort(data, dest)
	return err
}

// pickLinkLocal chooses the reply-from address on an interface: the first
// link-local whose EUI-64 interface identifier carries the universal bit,
// falling back to the first link-local.
func pickLinkLocal(iface *net.Interface) (netip.Addr, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, err
	}

	var fallback netip.Addr
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok || !addr.Is6() || !addr.IsLinkLocalUnicast() {
			continue
		}
		addr = addr.Unmap().WithZone("")
		if !fallback.IsValid() {
			fallback = addr
		}
		if _, mac, err := eui64.ParseIP(ipNet.IP); err == nil {
			// A universally administered MAC means the address is the
			// interface's own stable one
			if len(mac) > 0 && mac[0]&0x02 == 0 {
				return addr, nil
			}
		}
	}

	if fallback.IsValid() {
		return fallback, nil
	}
	return netip.Addr{}, fmt.Errorf("no link-local address on %s", iface.Name)
}

// pickGlobal returns the first global address on the interface, or the
// unspecified address when there is none.
func pickGlobal(iface *net.Interface) netip.Addr {
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.IPv6Unspecified()
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok || !addr.Is6() || addr.Is4In6() {
			continue
		}
		if addr.IsGlobalUnicast() {
			return addr.Unmap()
		}
	}
	return netip.IPv6Unspecified()
}

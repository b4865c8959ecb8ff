package listener

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"inet.af/netaddr"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/logger"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// tcpIdleTimeout closes connections that go quiet mid-session.
const tcpIdleTimeout = 30 * time.Second

// maxFrameSize bounds one length-prefixed message.
const maxFrameSize = 65535

// TCPConfig describes a TCP listener for bulk leasequery.
type TCPConfig struct {
	Address        netip.AddrPort
	MaxConnections int
	AllowFrom      []netip.Prefix
	Marks          []string
}

// TCP accepts framed DHCPv6 messages (2-byte network-order length +
// payload) and lets workers stream multiple replies back on the same
// connection.
type TCP struct {
	name  string
	cfg   TCPConfig
	ln    *net.TCPListener
	allow *netaddr.IPSet
	sem   chan struct{}
	wg    sync.WaitGroup
	log   *slog.Logger
}

func NewTCP(cfg TCPConfig) (*TCP, error) {
	addr := cfg.Address
	if addr.Port() == 0 {
		addr = netip.AddrPortFrom(addr.Addr(), wire.ServerPort)
	}
	ln, err := net.ListenTCP("tcp6", net.TCPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("tcp listener on %s: %w", addr, err)
	}

	// An empty allow-from list admits everyone; a non-empty one denies by
	// default.
	var allow *netaddr.IPSet
	if len(cfg.AllowFrom) > 0 {
		var builder netaddr.IPSetBuilder
		for _, prefix := range cfg.AllowFrom {
			p, err := netaddr.ParseIPPrefix(prefix.String())
			if err != nil {
				ln.Close()
				return nil, fmt.Errorf("tcp allow-from %s: %w", prefix, err)
			}
			builder.AddPrefix(p)
		}
		allow, err = builder.IPSet()
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("tcp allow-from: %w", err)
		}
	}

	return &TCP{
		name:  "tcp-" + addr.String(),
		cfg:   cfg,
		ln:    ln,
		allow: allow,
		sem:   make(chan struct{}, cfg.MaxConnections),
		log:   logger.Component(logger.ComponentListener),
	}, nil
}

func (l *TCP) Name() string { return l.name }

func (l *TCP) Run(ctx context.Context, enqueue func(*IncomingPacket) bool) error {
	defer l.wg.Wait()
	for {
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn("accept failed", "listener", l.name, "error", err)
			continue
		}

		peer := addrPortOf(conn.RemoteAddr())
		if l.allow != nil && !l.allowed(peer.Addr()) {
			l.log.Info("connection refused by allow-from", "listener", l.name, "peer", peer)
			conn.Close()
			continue
		}

		select {
		case l.sem <- struct{}{}:
		default:
			l.log.Warn("connection limit reached", "listener", l.name, "peer", peer)
			conn.Close()
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() { <-l.sem }()
			l.serve(ctx, conn, peer, enqueue)
		}()
	}
}

func (l *TCP) allowed(addr netip.Addr) bool {
	ip, err := netaddr.ParseIP(addr.String())
	if err != nil {
		return false
	}
	return l.allow.Contains(ip)
}

// serve reads framed messages off one connection until it idles out or the
// peer hangs up.
func (l *TCP) serve(ctx context.Context, conn *net.TCPConn, peer netip.AddrPort, enqueue func(*IncomingPacket) bool) {
	defer conn.Close()
	replier := &tcpReplier{conn: conn}

	header := make([]byte, 2)
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))
		if _, err := io.ReadFull(conn, header); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !isTimeout(err) {
				l.log.Debug("connection read failed", "listener", l.name, "peer", peer, "error", err)
			}
			return
		}
		length := binary.BigEndian.Uint16(header)
		if length == 0 {
			continue
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(conn, data); err != nil {
			return
		}

		pkt := &IncomingPacket{
			ListenerName: l.name,
			Source:       peer,
			LinkAddress:  netip.IPv6Unspecified(),
			Marks:        l.cfg.Marks,
			OverTCP:      true,
			Data:         data,
			Replier:      replier,
		}
		if !enqueue(pkt) {
			l.log.Debug("work queue full, connection dropped", "listener", l.name, "peer", peer)
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		a, _ := netip.AddrFromSlice(tcpAddr.IP)
		return netip.AddrPortFrom(a.Unmap(), uint16(tcpAddr.Port))
	}
	return netip.AddrPort{}
}

func (l *TCP) Close() error { return l.ln.Close() }

// tcpReplier writes length-prefixed messages back on the connection. The
// lock keeps reply streams of pipelined requests from interleaving.
type tcpReplier struct {
	conn *net.TCPConn
	mu   sync.Mutex
}

func (r *tcpReplier) Send(msg wire.Message) error {
	data, _, err := payloadBytes(msg)
	if err != nil {
		return err
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("reply of %d octets does not fit a frame", len(data))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(tcpIdleTimeout))
	frame := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(frame, uint16(len(data)))
	copy(frame[2:], data)
	_, err = r.conn.Write(frame)
	return err
}

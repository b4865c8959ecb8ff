// Package server ties the pieces together: the master owns the sockets,
// the work queue and the worker pools, and runs until told to stop.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/veesix-networks/ipv6-dhcpd/internal/control"
	"github.com/veesix-networks/ipv6-dhcpd/internal/listener"
	"github.com/veesix-networks/ipv6-dhcpd/internal/stats"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/config"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/logger"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/version"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// crash watchdog: this many worker crashes within the window kill the
// server rather than let it limp on.
const (
	watchdogWindow = 10 * time.Second
	watchdogLimit  = 5
)

// Options carries what the command line decided.
type Options struct {
	ConfigFile string
	PIDFile    string // overrides the configured pid file when set
}

// Master is the long-lived server process.
type Master struct {
	opts Options
	cfg  *config.Config
	plan *config.Plan

	queue     chan *listener.IncomingPacket
	listeners []listener.Listener
	stats     *stats.Server
	pool      *pool
	oldPools  []*pool
	crashes   chan time.Time
	control   *control.Server
	exporter  *stats.Exporter

	reloadRequests chan struct{}
	reloadMu       sync.Mutex
	shutdownOnce   sync.Once
	shutdownCh     chan struct{}

	log *slog.Logger
}

// New builds a master around a loaded configuration.
func New(opts Options, cfg *config.Config) (*Master, error) {
	plan, err := config.Compile(cfg)
	if err != nil {
		return nil, err
	}
	if opts.PIDFile != "" {
		cfg.Server.PIDFile = opts.PIDFile
	}
	return &Master{
		opts:           opts,
		cfg:            cfg,
		plan:           plan,
		queue:          make(chan *listener.IncomingPacket, cfg.Server.QueueSize),
		stats:          stats.NewServer(),
		crashes:        make(chan time.Time, watchdogLimit*2),
		reloadRequests: make(chan struct{}, 1),
		shutdownCh:     make(chan struct{}),
		log:            logger.Component(logger.ComponentMaster),
	}, nil
}

// Run starts everything and blocks until shutdown. The returned error is a
// runtime failure; a clean shutdown returns nil.
func (m *Master) Run(ctx context.Context) error {
	m.log.Info("starting ipv6-dhcpd",
		"version", version.Full(),
		"config", m.opts.ConfigFile,
		"pid", os.Getpid(),
		"server_duid", wire.DUIDString(m.plan.ServerDUID))

	wire.MaxRelayDepth = m.cfg.Server.RelayHopLimit

	// Open everything that needs privileges before dropping them
	if err := m.openListeners(); err != nil {
		m.closeListeners()
		return err
	}

	if err := m.writePIDFile(); err != nil {
		m.closeListeners()
		return err
	}
	defer os.Remove(m.cfg.Server.PIDFile)

	m.control = control.NewServer(m.cfg.Server.ControlSocket, control.Hooks{
		Shutdown: m.RequestShutdown,
		Reload:   m.requestReloadSync,
		Stats:    m.stats.Snapshot,
		Version:  version.Version,
	})
	if err := m.control.Start(ctx); err != nil {
		m.closeListeners()
		return err
	}
	defer m.control.Stop()

	dropped, err := dropPrivileges(m.cfg.Server.User, m.cfg.Server.Group)
	if err != nil {
		return fmt.Errorf("privilege drop: %w", err)
	}
	if m.cfg.Server.User != "" && !dropped {
		m.log.Warn("could not drop privileges, continuing as current user",
			"user", m.cfg.Server.User)
	}

	// No registrations may happen once packets start flowing
	wire.Freeze()

	if m.cfg.Exporter.Address != "" {
		m.exporter = stats.NewExporter(m.cfg.Exporter.Address, m.stats)
		if err := m.exporter.Start(); err != nil {
			return fmt.Errorf("metrics exporter: %w", err)
		}
		defer m.exporter.Stop()
	}

	m.pool = newPool(m.plan, m.queue, m.stats, m.crashes)
	if err := m.pool.start(m.workerCount()); err != nil {
		return err
	}

	listenCtx, stopListeners := context.WithCancel(ctx)
	defer stopListeners()
	var listenerWG sync.WaitGroup
	for _, l := range m.listeners {
		listenerWG.Add(1)
		go func(l listener.Listener) {
			defer listenerWG.Done()
			if err := l.Run(listenCtx, m.enqueue); err != nil {
				m.log.Error("listener failed", "listener", l.Name(), "error", err)
			}
		}(l)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var crashTimes []time.Time
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				m.log.Info("SIGHUP received, reloading configuration")
				if err := m.reload(); err != nil {
					m.log.Error("reload failed, keeping running configuration", "error", err)
				}
			default:
				m.log.Info("shutdown signal received", "signal", sig)
				m.RequestShutdown()
			}

		case <-m.reloadRequests:
			if err := m.reload(); err != nil {
				m.log.Error("reload failed, keeping running configuration", "error", err)
			}

		case t := <-m.crashes:
			crashTimes = append(crashTimes, t)
			cutoff := time.Now().Add(-watchdogWindow)
			pruned := crashTimes[:0]
			for _, ct := range crashTimes {
				if ct.After(cutoff) {
					pruned = append(pruned, ct)
				}
			}
			crashTimes = pruned
			if len(crashTimes) >= watchdogLimit {
				m.shutdown(stopListeners, &listenerWG)
				return fmt.Errorf("watchdog: %d worker crashes within %s", len(crashTimes), watchdogWindow)
			}

		case <-ctx.Done():
			m.shutdown(stopListeners, &listenerWG)
			return nil

		case <-m.shutdownCh:
			m.shutdown(stopListeners, &listenerWG)
			return nil
		}
	}
}

// RequestShutdown asks the master to stop; safe from any goroutine.
func (m *Master) RequestShutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })
}

// requestReloadSync performs a reload on behalf of the control socket and
// reports its outcome.
func (m *Master) requestReloadSync() error {
	return m.reload()
}

func (m *Master) workerCount() int {
	if m.cfg.Server.Workers > 0 {
		return m.cfg.Server.Workers
	}
	return runtime.NumCPU()
}

// enqueue feeds a packet to the workers without ever blocking the
// listener; a full queue drops the packet and counts the overflow.
func (m *Master) enqueue(pkt *listener.IncomingPacket) bool {
	select {
	case m.queue <- pkt:
		return true
	default:
		m.stats.QueueOverflow.Add(1)
		return false
	}
}

func (m *Master) openListeners() error {
	for _, lc := range m.cfg.Listeners {
		l, err := openListener(lc)
		if err != nil {
			return err
		}
		m.listeners = append(m.listeners, l)
		m.log.Info("listener ready", "listener", l.Name())
	}
	return nil
}

func openListener(lc config.Listener) (listener.Listener, error) {
	switch lc.Type {
	case "multicast":
		cfg := listener.MulticastConfig{
			Interface:    lc.Interface,
			ListenToSelf: lc.ListenToSelf,
			Marks:        lc.Marks,
		}
		if lc.ReplyFrom != "" {
			addr, err := netip.ParseAddr(lc.ReplyFrom)
			if err != nil {
				return nil, fmt.Errorf("listener %s reply_from: %w", lc.Interface, err)
			}
			cfg.ReplyFrom = addr
		}
		if lc.LinkAddress != "" {
			addr, err := netip.ParseAddr(lc.LinkAddress)
			if err != nil {
				return nil, fmt.Errorf("listener %s link_address: %w", lc.Interface, err)
			}
			cfg.LinkAddress = addr
		}
		return listener.NewMulticast(cfg)

	case "unicast":
		addr, err := netip.ParseAddr(lc.Address)
		if err != nil {
			return nil, fmt.Errorf("unicast listener address: %w", err)
		}
		return listener.NewUnicast(listener.UnicastConfig{
			Address:   addr,
			Interface: lc.Interface,
			Marks:     lc.Marks,
		})

	case "tcp":
		addrPort, err := netip.ParseAddrPort(lc.Address)
		if err != nil {
			addr, aerr := netip.ParseAddr(lc.Address)
			if aerr != nil {
				return nil, fmt.Errorf("tcp listener address: %w", err)
			}
			addrPort = netip.AddrPortFrom(addr, wire.ServerPort)
		}
		cfg := listener.TCPConfig{
			Address:        addrPort,
			MaxConnections: lc.MaxConnections,
			Marks:          lc.Marks,
		}
		for _, p := range lc.AllowFrom {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, fmt.Errorf("tcp listener allow_from: %w", err)
			}
			cfg.AllowFrom = append(cfg.AllowFrom, prefix)
		}
		return listener.NewTCP(cfg)

	default:
		return nil, fmt.Errorf("unknown listener type %q", lc.Type)
	}
}

func (m *Master) closeListeners() {
	for _, l := range m.listeners {
		if err := l.Close(); err != nil {
			m.log.Warn("closing listener failed", "listener", l.Name(), "error", err)
		}
	}
	m.listeners = nil
}

// reload re-parses the configuration and swaps in a new worker pool. The
// running configuration stays untouched when anything fails. Listeners and
// privileges are not reconfigurable at runtime; changing them needs a
// restart.
func (m *Master) reload() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := config.Load(m.opts.ConfigFile)
	if err != nil {
		return err
	}
	plan, err := config.Compile(cfg)
	if err != nil {
		return err
	}

	newPool := newPool(plan, m.queue, m.stats, m.crashes)
	if err := newPool.start(m.workerCount()); err != nil {
		newPool.retire()
		return err
	}

	old := m.pool
	m.pool = newPool
	m.plan = plan
	m.cfg.Handlers = cfg.Handlers
	m.cfg.Server.Authoritative = cfg.Server.Authoritative
	m.cfg.Server.AllowRapidCommit = cfg.Server.AllowRapidCommit
	m.cfg.Server.RapidCommitRejections = cfg.Server.RapidCommitRejections

	logger.Configure(cfg.Logging.Format, logger.LogLevel(cfg.Logging.Level), componentLevels(cfg))
	m.log = logger.Component(logger.ComponentMaster)

	// Old workers finish their in-flight bundles, then exit
	old.retire()
	m.oldPools = append(m.oldPools, old)

	m.log.Info("configuration reloaded", "workers", m.workerCount())
	return nil
}

// shutdown closes the intake side, lets workers drain until the deadline
// and then gives up on them.
func (m *Master) shutdown(stopListeners context.CancelFunc, listenerWG *sync.WaitGroup) {
	m.log.Info("shutting down")

	stopListeners()
	m.closeListeners()
	listenerWG.Wait()

	close(m.queue)

	pools := append(m.oldPools, m.pool)
	done := make(chan struct{})
	go func() {
		for _, p := range pools {
			p.wait()
		}
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("workers drained")
	case <-time.After(m.cfg.Server.DrainDeadline):
		m.log.Warn("drain deadline exceeded, abandoning remaining workers")
		for _, p := range pools {
			p.retire()
		}
	}
}

func (m *Master) writePIDFile() error {
	path := m.cfg.Server.PIDFile
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ComponentLevels converts the configured per-component levels.
func componentLevels(cfg *config.Config) map[string]logger.LogLevel {
	out := map[string]logger.LogLevel{}
	for name, level := range cfg.Logging.Components {
		out[name] = logger.LogLevel(level)
	}
	return out
}

// ConfigureLogging applies the logging section, exported for main.
func ConfigureLogging(cfg *config.Config) {
	logger.Configure(cfg.Logging.Format, logger.LogLevel(cfg.Logging.Level), componentLevels(cfg))
}

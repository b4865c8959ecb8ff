package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/veesix-networks/ipv6-dhcpd/internal/handlers"
	"github.com/veesix-networks/ipv6-dhcpd/internal/listener"
	"github.com/veesix-networks/ipv6-dhcpd/internal/lqstore"
	"github.com/veesix-networks/ipv6-dhcpd/internal/stats"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/config"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/logger"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// pool is one generation of workers. A reload starts a fresh pool on the
// same queue and retires the old one; in-flight bundles finish on the old
// generation's pipelines.
type pool struct {
	plan  *config.Plan
	queue <-chan *listener.IncomingPacket
	stats *stats.Server

	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
	crashes  chan<- time.Time
	log      *slog.Logger
}

func newPool(plan *config.Plan, queue <-chan *listener.IncomingPacket,
	st *stats.Server, crashes chan<- time.Time) *pool {
	return &pool{
		plan:    plan,
		queue:   queue,
		stats:   st,
		stop:    make(chan struct{}),
		crashes: crashes,
		log:     logger.Component(logger.ComponentWorker),
	}
}

// buildPipeline instantiates a worker-private pipeline: the mandatory
// setup handlers, the configured tree, then the mandatory cleanup
// handlers.
func buildPipeline(plan *config.Plan) (*pipeline.Pipeline, error) {
	cfg := plan.Config

	var nodes []*pipeline.Node
	if cfg.Server.AllowRapidCommit {
		// First in the list so its post phase runs last
		nodes = append(nodes, pipeline.HandlerNode(&handlers.RapidCommit{
			CommitRejections: cfg.Server.RapidCommitRejections,
		}))
	}
	nodes = append(nodes,
		pipeline.HandlerNode(&handlers.ServerIDCheck{DUID: plan.ServerDUID}),
		pipeline.HandlerNode(&handlers.InterfaceIDEcho{}),
	)

	configured, err := plan.BuildNodes()
	if err != nil {
		return nil, err
	}
	nodes = append(nodes, configured...)

	nodes = append(nodes,
		pipeline.HandlerNode(&handlers.RejectUnwantedUnicast{}),
		pipeline.HandlerNode(&handlers.UnansweredIA{Authoritative: cfg.Server.Authoritative}),
	)
	if cfg.LeaseDB.Path != "" {
		nodes = append(nodes, pipeline.HandlerNode(&handlers.LeaseRegistrar{
			Store: lqstore.NewSQLiteStore(cfg.LeaseDB.Path),
		}))
	}
	nodes = append(nodes, pipeline.HandlerNode(&handlers.AddMissingStatus{}))

	return pipeline.New(plan.ServerDUID, nodes), nil
}

// start spawns n workers, each with its own pipeline instance.
func (p *pool) start(n int) error {
	for i := 0; i < n; i++ {
		pipe, err := buildPipeline(p.plan)
		if err != nil {
			return fmt.Errorf("build worker pipeline: %w", err)
		}
		if err := pipe.WorkerInit(); err != nil {
			return fmt.Errorf("initialise worker: %w", err)
		}

		p.done.Add(1)
		go p.run(i, pipe)
	}
	return nil
}

// retire stops the pool after in-flight work completes. Idempotent.
func (p *pool) retire() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// wait blocks until every worker has exited.
func (p *pool) wait() {
	p.done.Wait()
}

func (p *pool) run(id int, pipe *pipeline.Pipeline) {
	defer p.done.Done()
	defer pipe.WorkerShutdown()

	log := p.log.With("worker", id)
	log.Debug("worker started")

	for {
		select {
		case <-p.stop:
			log.Debug("worker retiring")
			return
		case pkt, ok := <-p.queue:
			if !ok {
				return
			}
			p.handlePacket(log, pipe, pkt)
		}
	}
}

// handlePacket runs one packet through parse, pipeline and send. A panic
// aborts only this bundle and feeds the master's crash watchdog.
func (p *pool) handlePacket(log *slog.Logger, pipe *pipeline.Pipeline, pkt *listener.IncomingPacket) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker crashed while handling packet", "listener", pkt.ListenerName, "panic", r)
			p.stats.SetFor(pkt.ListenerName).HandlingError()
			select {
			case p.crashes <- time.Now():
			default:
			}
		}
	}()

	set := p.stats.SetFor(pkt.ListenerName)
	set.IncomingPacket()

	deadline := p.plan.Config.Server.BundleDeadline
	started := time.Now()

	b, err := p.parsePacket(pkt)
	if err != nil {
		log.Debug("dropping unparsable packet",
			"listener", pkt.ListenerName, "source", pkt.Source, "error", err)
		set.UnparsablePacket()
		return
	}

	set.MessageIn(b.Request.Type)
	if len(b.Relays) > 1 {
		set.MessageIn(wire.MessageTypeRelayForward)
	}

	result := pipe.Run(b)
	switch result.Outcome {
	case pipeline.OutcomeIgnored:
		if errors.Is(result.Err, handlers.ErrRateLimited) {
			set.RateLimited()
		} else {
			set.IgnoredPacket()
		}
		return
	case pipeline.OutcomeIncomplete:
		set.IncompletePacket()
		return
	case pipeline.OutcomeCannotRespond:
		var cannot *pipeline.CannotRespondError
		if errors.As(result.Err, &cannot) && cannot.Kind == pipeline.KindForOtherServer {
			set.ForOtherServer()
		} else {
			set.DoNotRespond()
		}
		return
	case pipeline.OutcomeUseMulticast:
		set.UseMulticast()
	case pipeline.OutcomeError:
		set.HandlingError()
		return
	case pipeline.OutcomeNoResponse:
		return
	}

	if elapsed := time.Since(started); elapsed > deadline {
		log.Warn("pipeline exceeded deadline, dropping response",
			"listener", pkt.ListenerName, "elapsed", elapsed, "deadline", deadline)
		set.HandlingError()
		return
	}

	for _, outgoing := range b.OutgoingMessages() {
		if err := pkt.Replier.Send(outgoing); err != nil {
			log.Error("sending reply failed",
				"listener", pkt.ListenerName, "destination", pkt.Source, "error", err)
			set.HandlingError()
			return
		}
		set.OutgoingPacket()
		set.MessageOut(innerType(outgoing))
		if _, relayed := outgoing.(*wire.RelayMessage); relayed && len(b.Relays) > 1 {
			set.MessageOut(wire.MessageTypeRelayReply)
		}
	}
}

// parsePacket decodes the payload, validates it strictly and wraps it in
// the synthetic relay-forward shell carrying the listener metadata, so
// every bundle has a uniform relay chain.
func (p *pool) parsePacket(pkt *listener.IncomingPacket) (*bundle.Bundle, error) {
	msg, err := wire.ParseMessage(pkt.Data)
	if err != nil {
		return nil, err
	}
	if err := wire.Validate(msg); err != nil {
		return nil, err
	}

	hopCount := uint8(0)
	if relay, ok := msg.(*wire.RelayMessage); ok {
		hopCount = relay.HopCount + 1
	}

	link := pkt.LinkAddress
	if !link.IsValid() {
		link = netip.IPv6Unspecified()
	}

	shell := &wire.RelayMessage{
		Type:        wire.MessageTypeRelayForward,
		HopCount:    hopCount,
		LinkAddress: link,
		PeerAddress: pkt.Source.Addr().WithZone(""),
	}
	if len(pkt.InterfaceID) > 0 {
		shell.Options = append(shell.Options, &wire.InterfaceIDOption{InterfaceID: pkt.InterfaceID})
	}
	shell.Options = append(shell.Options, &wire.RelayMessageOption{Message: msg})

	return bundle.New(shell, pkt.OverMulticast, pkt.OverTCP,
		p.plan.Config.Server.AllowRapidCommit, pkt.Marks...)
}

// innerType digs out the message type the client will actually see.
func innerType(msg wire.Message) wire.MessageType {
	for {
		relay, ok := msg.(*wire.RelayMessage)
		if !ok {
			return msg.MessageType()
		}
		inner := relay.InnerMessage()
		if inner == nil {
			return relay.Type
		}
		msg = inner
	}
}

package pipeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/logger"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// Outcome classifies how a bundle went through the pipeline, for the stats
// counters.
type Outcome int

const (
	OutcomeResponded Outcome = iota
	OutcomeNoResponse
	OutcomeIgnored
	OutcomeIncomplete
	OutcomeCannotRespond
	OutcomeUseMulticast
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResponded:
		return "responded"
	case OutcomeNoResponse:
		return "no-response"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeIncomplete:
		return "incomplete"
	case OutcomeCannotRespond:
		return "cannot-respond"
	case OutcomeUseMulticast:
		return "use-multicast"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what a pipeline run produced. When Outcome is OutcomeResponded
// the bundle's outgoing messages are ready to send.
type Result struct {
	Outcome Outcome
	Err     error
}

// Pipeline drives bundles through an ordered node tree. One Pipeline is
// instantiated per worker from the plan; it is not shared.
type Pipeline struct {
	ServerDUID wire.DUID
	Nodes      []*Node

	log *slog.Logger
}

// New builds a pipeline around the given node tree.
func New(serverDUID wire.DUID, nodes []*Node) *Pipeline {
	return &Pipeline{
		ServerDUID: serverDUID,
		Nodes:      nodes,
		log:        logger.Component(logger.ComponentPipeline),
	}
}

// WorkerInit runs the per-worker initialisation hook of every node.
func (p *Pipeline) WorkerInit() error {
	return walk(p.Nodes, func(n any) error {
		if wi, ok := n.(WorkerIniter); ok {
			return wi.WorkerInit()
		}
		return nil
	})
}

// WorkerShutdown releases per-worker resources. Errors are logged, not
// propagated; shutdown continues past them.
func (p *Pipeline) WorkerShutdown() {
	_ = walk(p.Nodes, func(n any) error {
		if ws, ok := n.(WorkerShutdowner); ok {
			if err := ws.WorkerShutdown(); err != nil {
				p.log.Warn("worker shutdown hook failed", "error", err)
			}
		}
		return nil
	})
}

type phaseFunc func(h Handler, b *bundle.Bundle) error

// traverse visits the node tree in order, re-evaluating filter matches
// against the bundle's current state, and appends every visited handler to
// the realized visit list.
func (p *Pipeline) traverse(nodes []*Node, b *bundle.Bundle, fn phaseFunc, visited *[]Handler) error {
	for _, n := range nodes {
		switch {
		case n.Filter != nil:
			ok, err := n.Filter.Matches(b)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if visited != nil {
				*visited = append(*visited, n.Filter)
			}
			if err := fn(n.Filter, b); err != nil {
				return err
			}
			if err := p.traverse(n.Children, b, fn, visited); err != nil {
				return err
			}
		case n.Handler != nil:
			if visited != nil {
				*visited = append(*visited, n.Handler)
			}
			if err := fn(n.Handler, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run drives the bundle through pre, response initialisation, handle and
// reverse-order post. On abort the response is either cleared or replaced
// by the appropriate error reply.
func (p *Pipeline) Run(b *bundle.Bundle) Result {
	err := func() error {
		if err := p.traverse(p.Nodes, b, func(h Handler, b *bundle.Bundle) error {
			return h.Pre(b)
		}, nil); err != nil {
			return err
		}

		if err := p.initResponse(b); err != nil {
			return err
		}

		var visited []Handler
		if err := p.traverse(p.Nodes, b, func(h Handler, b *bundle.Bundle) error {
			p.log.Debug("applying handler", "handler", h.Name(), "request", b.Request.Type)
			return h.Handle(b)
		}, &visited); err != nil {
			return err
		}

		// Post runs in reverse over the realized visit list. It may not
		// abort: failures are logged per node and the response still goes
		// out.
		for i := len(visited) - 1; i >= 0; i-- {
			h := visited[i]
			if err := runPost(h, b); err != nil {
				p.log.Error("post phase failed", "handler", h.Name(), "error", err)
			}
		}
		return nil
	}()

	switch {
	case err == nil:
		if b.Response == nil {
			return Result{Outcome: OutcomeNoResponse}
		}
		return Result{Outcome: OutcomeResponded}

	case errors.Is(err, ErrIncompleteMessage):
		b.Response = nil
		return Result{Outcome: OutcomeIncomplete, Err: err}

	case errors.Is(err, ErrIgnoreMessage):
		b.Response = nil
		return Result{Outcome: OutcomeIgnored, Err: err}
	}

	var cannot *CannotRespondError
	if errors.As(err, &cannot) {
		p.log.Debug("cannot respond", "reason", cannot.Reason)
		b.Response = nil
		return Result{Outcome: OutcomeCannotRespond, Err: err}
	}

	var useMulticast *UseMulticastError
	if errors.As(err, &useMulticast) {
		if b.ReceivedOverMulticast {
			// The client already used multicast, telling them to is absurd
			b.Response = nil
			return Result{Outcome: OutcomeCannotRespond, Err: err}
		}
		b.Response = p.useMulticastReply(b)
		return Result{Outcome: OutcomeUseMulticast, Err: err}
	}

	var withStatus *ReplyWithStatusError
	if errors.As(err, &withStatus) {
		b.Response = p.statusReply(b, withStatus)
		return Result{Outcome: OutcomeResponded, Err: err}
	}

	p.log.Error("error while handling request", "request", b.Request.Type, "error", err)
	b.Response = nil
	return Result{Outcome: OutcomeError, Err: err}
}

func runPost(h Handler, b *bundle.Bundle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in post: %v", r)
		}
	}()
	return h.Post(b)
}

// initResponse creates the response message matching the request type and
// prepopulates the identity options.
func (p *Pipeline) initResponse(b *bundle.Bundle) error {
	switch b.Request.Type {
	case wire.MessageTypeSolicit:
		b.Response = wire.NewClientServerMessage(wire.MessageTypeAdvertise, b.Request.TransactionID)

	case wire.MessageTypeRequest, wire.MessageTypeRenew, wire.MessageTypeRebind,
		wire.MessageTypeRelease, wire.MessageTypeDecline, wire.MessageTypeInformationRequest:
		b.Response = wire.NewClientServerMessage(wire.MessageTypeReply, b.Request.TransactionID)

	case wire.MessageTypeConfirm:
		// A Confirm without any addresses must not be answered at all
		confirmable := false
		for _, ia := range b.UnhandledIAs() {
			for _, sub := range ia.SubOptions() {
				switch sub.(type) {
				case *wire.IAAddressOption, *wire.IAPrefixOption:
					confirmable = true
				}
			}
		}
		if !confirmable {
			return CannotRespond("confirm without addresses")
		}
		b.Response = wire.NewClientServerMessage(wire.MessageTypeReply, b.Request.TransactionID)

	case wire.MessageTypeLeaseQuery:
		b.Response = wire.NewClientServerMessage(wire.MessageTypeLeaseQueryReply, b.Request.TransactionID)

	default:
		return CannotRespond("no reply defined for %s", b.Request.Type)
	}

	b.Response.Options = append(b.Response.Options, &wire.ServerIDOption{DUID: p.ServerDUID})
	if cid, ok := wire.GetOption[*wire.ClientIDOption](b.Request.Options); ok {
		b.Response.Options = append(b.Response.Options, cid)
	}

	return b.BuildOutgoingRelays()
}

// useMulticastReply tells a unicasting client to use the proper multicast
// address.
func (p *Pipeline) useMulticastReply(b *bundle.Bundle) *wire.ClientServerMessage {
	reply := wire.NewClientServerMessage(wire.MessageTypeReply, b.Request.TransactionID)
	if cid, ok := wire.GetOption[*wire.ClientIDOption](b.Request.Options); ok {
		reply.Options = append(reply.Options, cid)
	}
	reply.Options = append(reply.Options,
		&wire.ServerIDOption{DUID: p.ServerDUID},
		wire.NewStatus(wire.StatusUseMulticast,
			"you cannot send requests directly to this server, use the proper multicast addresses"))
	// The relay chain was already built for the original response shape;
	// rebuild it around the error reply.
	b.Response = reply
	_ = b.BuildOutgoingRelays()
	return reply
}

// statusReply answers with a bare status, used by the leasequery handlers.
func (p *Pipeline) statusReply(b *bundle.Bundle, e *ReplyWithStatusError) *wire.ClientServerMessage {
	mt := wire.MessageTypeReply
	if b.Request.Type == wire.MessageTypeLeaseQuery {
		mt = wire.MessageTypeLeaseQueryReply
	}
	reply := wire.NewClientServerMessage(mt, b.Request.TransactionID)
	if cid, ok := wire.GetOption[*wire.ClientIDOption](b.Request.Options); ok {
		reply.Options = append(reply.Options, cid)
	}
	reply.Options = append(reply.Options,
		&wire.ServerIDOption{DUID: p.ServerDUID},
		wire.NewStatus(e.Status, e.Message))
	b.Response = reply
	_ = b.BuildOutgoingRelays()
	return reply
}

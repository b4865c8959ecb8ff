package pipeline

import (
	"errors"
	"fmt"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// ErrIgnoreMessage aborts the pipeline without a reply and without noise:
// the request simply was not ours to answer.
var ErrIgnoreMessage = errors.New("ignoring message")

// ErrIncompleteMessage is an ignore whose cause is a message we could not
// fully use. Same silent drop, separate counter.
var ErrIncompleteMessage = fmt.Errorf("%w: incomplete message", ErrIgnoreMessage)

// CannotRespondError aborts the pipeline without a reply but records a
// structured reason for stats and logging. Kind selects the stats bucket;
// empty means the generic do-not-respond counter.
type CannotRespondError struct {
	Reason string
	Kind   string
}

// Kinds with their own stats bucket.
const (
	KindForOtherServer = "for-other-server"
	KindNotAllowed     = "not-allowed"
)

func (e *CannotRespondError) Error() string {
	if e.Reason == "" {
		return "cannot respond to this message"
	}
	return "cannot respond: " + e.Reason
}

// CannotRespond builds a CannotRespondError.
func CannotRespond(format string, args ...any) error {
	return &CannotRespondError{Reason: fmt.Sprintf(format, args...)}
}

// CannotRespondKind builds a CannotRespondError counted in a specific
// stats bucket.
func CannotRespondKind(kind, format string, args ...any) error {
	return &CannotRespondError{Reason: fmt.Sprintf(format, args...), Kind: kind}
}

// UseMulticastError aborts the pipeline and replies with a UseMulticast
// status: the client contacted us over unicast without permission.
type UseMulticastError struct{}

func (e *UseMulticastError) Error() string {
	return "client must use multicast"
}

// ReplyWithStatusError aborts the pipeline and replies with the given
// leasequery status.
type ReplyWithStatusError struct {
	Status  wire.StatusCode
	Message string
}

func (e *ReplyWithStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Status, e.Message)
	}
	return e.Status.String()
}

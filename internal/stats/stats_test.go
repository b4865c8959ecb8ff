package stats

import (
	"strings"
	"testing"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

func TestSetUpdatesGlobalAndListener(t *testing.T) {
	s := NewServer()
	set := s.SetFor("multicast-eth0")

	set.IncomingPacket()
	set.IncomingPacket()
	set.MessageIn(wire.MessageTypeSolicit)
	set.OutgoingPacket()
	set.MessageOut(wire.MessageTypeAdvertise)
	set.RateLimited()

	if got := s.Global.IncomingPackets.Load(); got != 2 {
		t.Fatalf("global incoming = %d, want 2", got)
	}
	if got := s.Listener("multicast-eth0").IncomingPackets.Load(); got != 2 {
		t.Fatalf("listener incoming = %d, want 2", got)
	}
	if got := s.Listener("unicast-x").IncomingPackets.Load(); got != 0 {
		t.Fatalf("other listener incoming = %d, want 0", got)
	}

	snapshot := s.Snapshot()
	if snapshot["global"]["rate_limited"] != 1 {
		t.Fatalf("rate_limited = %d, want 1", snapshot["global"]["rate_limited"])
	}
	if snapshot["global"]["messages_in_solicit"] != 1 {
		t.Fatal("per-message-type counter missing")
	}
	if snapshot["multicast-eth0"]["messages_out_advertise"] != 1 {
		t.Fatal("per-listener message counter missing")
	}
}

func TestQueueOverflowCounter(t *testing.T) {
	s := NewServer()
	s.QueueOverflow.Add(3)
	if got := s.Snapshot()["global"]["queue_overflow"]; got != 3 {
		t.Fatalf("queue_overflow = %d, want 3", got)
	}
}

func TestFormatIsSortedAndParseable(t *testing.T) {
	s := NewServer()
	s.SetFor("a").IncomingPacket()
	out := Format(s.Snapshot())

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		t.Fatalf("format produced %d lines", len(lines))
	}
	prev := ""
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			t.Fatalf("line %q is not 'name value'", line)
		}
		if prev != "" && fields[0] < prev {
			t.Fatalf("output not sorted: %q after %q", fields[0], prev)
		}
		prev = fields[0]
	}
	if !strings.Contains(out, "a.incoming_packets 1") {
		t.Fatalf("missing counter in output:\n%s", out)
	}
}

package handlers

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/config"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

func init() {
	config.RegisterHandler("static-csv", func(spec config.HandlerSpec, children []*pipeline.Node) (*pipeline.Node, error) {
		path := spec.StringParam("file", "")
		if path == "" {
			return nil, fmt.Errorf("static-csv needs a file parameter")
		}
		h := newStaticAssignment(spec, &csvSource{path: path})
		return pipeline.HandlerNode(h), nil
	})
}

// lookupKeys produces the identifiers a static backend tries for a
// request, most specific first: client DUID, then the identity options of
// the relay closest to the client.
func lookupKeys(b *bundle.Bundle) []string {
	keys := []string{"duid:" + wire.DUIDString(b.ClientDUID())}

	if o, _ := b.RelayOption(wire.OptionCodeInterfaceID, true); o != nil {
		iid := o.(*wire.InterfaceIDOption)
		keys = append(keys, "interface-id:"+hex.EncodeToString(iid.InterfaceID))
	}
	if o, _ := b.RelayOption(wire.OptionCodeRemoteID, true); o != nil {
		rid := o.(*wire.RemoteIDOption)
		keys = append(keys, fmt.Sprintf("remote-id:%d:%s",
			rid.EnterpriseNumber, hex.EncodeToString(rid.RemoteID)))
	}
	if o, _ := b.RelayOption(wire.OptionCodeSubscriberID, true); o != nil {
		sid := o.(*wire.SubscriberIDOption)
		keys = append(keys, "subscriber-id:"+hex.EncodeToString(sid.SubscriberID))
	}
	if o, _ := b.RelayOption(wire.OptionCodeLinkLayerID, true); o != nil {
		ll := o.(*wire.LinkLayerIDOption)
		keys = append(keys, fmt.Sprintf("linklayer-id:%d:%s",
			ll.LinkLayerType, hex.EncodeToString(ll.LinkLayerID)))
	}
	return keys
}

// csvSource maps identifiers to assignments from a CSV file with columns
// id,address,prefix. The file is read per worker, after privilege drop.
type csvSource struct {
	path    string
	mapping map[string]Assignment
}

func (s *csvSource) WorkerInit() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open assignments csv: %w", err)
	}
	defer f.Close()

	mapping, err := readAssignments(f)
	if err != nil {
		return fmt.Errorf("read assignments csv %s: %w", s.path, err)
	}
	s.mapping = mapping
	return nil
}

func readAssignments(r io.Reader) (map[string]Assignment, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	mapping := map[string]Assignment{}

	first := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			// Skip a header row if present
			if strings.EqualFold(strings.TrimSpace(row[0]), "id") {
				continue
			}
		}
		if len(row) < 2 {
			return nil, fmt.Errorf("row for %q needs at least id and address", row[0])
		}

		id := normalizeID(row[0])
		var assignment Assignment
		if addr := strings.TrimSpace(row[1]); addr != "" {
			a, err := netip.ParseAddr(addr)
			if err != nil {
				return nil, fmt.Errorf("address for %q: %w", id, err)
			}
			assignment.Address = a
		}
		if len(row) > 2 {
			if pfx := strings.TrimSpace(row[2]); pfx != "" {
				p, err := netip.ParsePrefix(pfx)
				if err != nil {
					return nil, fmt.Errorf("prefix for %q: %w", id, err)
				}
				assignment.Prefix = p
			}
		}
		mapping[id] = assignment
	}
	return mapping, nil
}

// normalizeID lowercases and strips separator noise from the id column so
// "duid:00:03:00:01..." and "duid:0003:0001..." match the same client.
func normalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	kind, value, found := strings.Cut(id, ":")
	if !found {
		return id
	}
	switch kind {
	case "duid", "interface-id", "subscriber-id":
		return kind + ":" + strings.ReplaceAll(value, ":", "")
	case "remote-id", "linklayer-id":
		enterprise, rest, ok := strings.Cut(value, ":")
		if !ok {
			return id
		}
		return kind + ":" + enterprise + ":" + strings.ReplaceAll(rest, ":", "")
	default:
		return id
	}
}

func (s *csvSource) Lookup(b *bundle.Bundle) (Assignment, error) {
	for _, key := range lookupKeys(b) {
		if assignment, ok := s.mapping[key]; ok {
			return assignment, nil
		}
	}
	return Assignment{}, nil
}

package wire

import (
	"strings"

	"golang.org/x/net/idna"
)

// Domain is a DNS domain name as carried in DHCPv6 options: a sequence of
// length-prefixed labels, uncompressed (RFC 3315 section 8). Absolute names
// carry a terminating zero-length label on the wire, relative names do not.
//
// Name holds the presentation form (U-labels). The wire bytes seen by the
// parser are kept so that re-serializing an option reproduces its input
// exactly, even when the presentation form went through IDN conversion.
type Domain struct {
	Name     string
	Absolute bool

	raw []byte
}

// NewDomain builds a domain from its presentation form. A trailing dot marks
// the name as absolute.
func NewDomain(name string) Domain {
	d := Domain{Name: strings.TrimSuffix(name, "."), Absolute: strings.HasSuffix(name, ".")}
	return d
}

func (d Domain) String() string {
	if d.Absolute {
		return d.Name + "."
	}
	return d.Name
}

// Marshal encodes the domain as a wire label sequence, converting non-ASCII
// labels to A-labels.
func (d Domain) Marshal() ([]byte, error) {
	if d.raw != nil {
		return d.raw, nil
	}

	var buf []byte
	if d.Name != "" {
		for _, label := range strings.Split(d.Name, ".") {
			if label == "" {
				return nil, malformed("empty label in domain name %q", d.Name)
			}
			ascii, err := idna.ToASCII(label)
			if err != nil {
				return nil, malformed("cannot convert label %q: %v", label, err)
			}
			if len(ascii) > 63 {
				return nil, malformed("label %q longer than 63 octets", label)
			}
			buf = append(buf, byte(len(ascii)))
			buf = append(buf, ascii...)
		}
	}
	if d.Absolute {
		buf = append(buf, 0)
	}
	return buf, nil
}

// parseDomain reads one label sequence from data. When allowRelative is
// false the sequence must end with a zero-length label. Returns the number
// of bytes consumed.
func parseDomain(data []byte, allowRelative bool) (int, Domain, error) {
	var labels []string
	offset := 0
	absolute := false

	for offset < len(data) {
		labelLen := int(data[offset])
		offset++

		if labelLen == 0 {
			absolute = true
			break
		}
		if labelLen > 63 {
			return 0, Domain{}, malformed("domain label length %d exceeds 63", labelLen)
		}
		if offset+labelLen > len(data) {
			return 0, Domain{}, ErrInsufficientData
		}

		label := string(data[offset : offset+labelLen])
		unicode, err := idna.ToUnicode(label)
		if err != nil {
			// Keep the raw label, presentation is best-effort
			unicode = label
		}
		labels = append(labels, unicode)
		offset += labelLen
	}

	if !absolute && !allowRelative {
		return 0, Domain{}, malformed("domain name does not end with a zero-length label")
	}

	d := Domain{
		Name:     strings.Join(labels, "."),
		Absolute: absolute,
		raw:      append([]byte(nil), data[:offset]...),
	}
	return offset, d, nil
}

// parseDomainList reads consecutive absolute label sequences until the data
// is exhausted.
func parseDomainList(data []byte) ([]Domain, error) {
	var domains []Domain
	offset := 0
	for offset < len(data) {
		used, d, err := parseDomain(data[offset:], false)
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
		offset += used
	}
	return domains, nil
}

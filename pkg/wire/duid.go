package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// DUID type codes.
const (
	DUIDTypeLinkLayerTime uint16 = 1
	DUIDTypeEnterprise    uint16 = 2
	DUIDTypeLinkLayer     uint16 = 3
	DUIDTypeUUID          uint16 = 4
)

// A DUID can be no more than 128 octets long, not counting the type code.
const maxDUIDLen = 128

// DUID identifies a DHCP client or server. Two DUIDs are equal iff their
// octet representations are equal.
type DUID interface {
	DUIDType() uint16

	// Marshal produces the wire form including the two-octet type code.
	Marshal() ([]byte, error)
}

// EqualDUID reports whether two DUIDs have the same octet representation.
func EqualDUID(a, b DUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, err := a.Marshal()
	if err != nil {
		return false
	}
	bb, err := b.Marshal()
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// DUIDString renders a DUID as lowercase hex, the form used in CSV mappings
// and log output.
func DUIDString(d DUID) string {
	if d == nil {
		return "none"
	}
	b, err := d.Marshal()
	if err != nil {
		return "invalid"
	}
	return hex.EncodeToString(b)
}

// ParseDUID decodes a DUID from its wire form. Unknown type codes produce an
// UnknownDUID preserving the raw payload.
func ParseDUID(data []byte) (DUID, error) {
	if len(data) < 2 {
		return nil, ErrInsufficientData
	}
	if len(data) > maxDUIDLen+2 {
		return nil, fmt.Errorf("%w: DUID of %d octets", ErrInvalidLength, len(data)-2)
	}

	duidType := binary.BigEndian.Uint16(data)
	ctor, ok := duidRegistry[duidType]
	if !ok {
		return &UnknownDUID{Type: duidType, Data: append([]byte(nil), data[2:]...)}, nil
	}

	d := ctor()
	if err := d.unmarshal(data[2:]); err != nil {
		return nil, err
	}
	return d, nil
}

// duidDecoder is implemented by all registered DUID variants. The payload
// excludes the type code.
type duidDecoder interface {
	DUID
	unmarshal(payload []byte) error
}

func marshalDUID(duidType uint16, payload []byte) ([]byte, error) {
	if len(payload) > maxDUIDLen {
		return nil, fmt.Errorf("%w: DUID of %d octets", ErrInvalidLength, len(payload))
	}
	buf := make([]byte, 2, 2+len(payload))
	binary.BigEndian.PutUint16(buf, duidType)
	return append(buf, payload...), nil
}

// LinkLayerTimeDUID is a DUID-LLT: link-layer address plus a timestamp.
type LinkLayerTimeDUID struct {
	HardwareType uint16
	Time         uint32
	Address      net.HardwareAddr
}

func (d *LinkLayerTimeDUID) DUIDType() uint16 { return DUIDTypeLinkLayerTime }

func (d *LinkLayerTimeDUID) Marshal() ([]byte, error) {
	payload := make([]byte, 6, 6+len(d.Address))
	binary.BigEndian.PutUint16(payload, d.HardwareType)
	binary.BigEndian.PutUint32(payload[2:], d.Time)
	return marshalDUID(DUIDTypeLinkLayerTime, append(payload, d.Address...))
}

func (d *LinkLayerTimeDUID) unmarshal(payload []byte) error {
	if len(payload) < 6 {
		return ErrInsufficientData
	}
	d.HardwareType = binary.BigEndian.Uint16(payload)
	d.Time = binary.BigEndian.Uint32(payload[2:])
	d.Address = append(net.HardwareAddr(nil), payload[6:]...)
	return nil
}

// EnterpriseDUID is a DUID-EN: an enterprise number plus an opaque
// identifier assigned by that enterprise.
type EnterpriseDUID struct {
	EnterpriseNumber uint32
	Identifier       []byte
}

func (d *EnterpriseDUID) DUIDType() uint16 { return DUIDTypeEnterprise }

func (d *EnterpriseDUID) Marshal() ([]byte, error) {
	payload := make([]byte, 4, 4+len(d.Identifier))
	binary.BigEndian.PutUint32(payload, d.EnterpriseNumber)
	return marshalDUID(DUIDTypeEnterprise, append(payload, d.Identifier...))
}

func (d *EnterpriseDUID) unmarshal(payload []byte) error {
	if len(payload) < 4 {
		return ErrInsufficientData
	}
	d.EnterpriseNumber = binary.BigEndian.Uint32(payload)
	d.Identifier = append([]byte(nil), payload[4:]...)
	return nil
}

// LinkLayerDUID is a DUID-LL: a bare link-layer address.
type LinkLayerDUID struct {
	HardwareType uint16
	Address      net.HardwareAddr
}

func (d *LinkLayerDUID) DUIDType() uint16 { return DUIDTypeLinkLayer }

func (d *LinkLayerDUID) Marshal() ([]byte, error) {
	payload := make([]byte, 2, 2+len(d.Address))
	binary.BigEndian.PutUint16(payload, d.HardwareType)
	return marshalDUID(DUIDTypeLinkLayer, append(payload, d.Address...))
}

func (d *LinkLayerDUID) unmarshal(payload []byte) error {
	if len(payload) < 2 {
		return ErrInsufficientData
	}
	d.HardwareType = binary.BigEndian.Uint16(payload)
	d.Address = append(net.HardwareAddr(nil), payload[2:]...)
	return nil
}

// UUIDDUID is a DUID-UUID (RFC 6355).
type UUIDDUID struct {
	UUID uuid.UUID
}

func (d *UUIDDUID) DUIDType() uint16 { return DUIDTypeUUID }

func (d *UUIDDUID) Marshal() ([]byte, error) {
	return marshalDUID(DUIDTypeUUID, d.UUID[:])
}

func (d *UUIDDUID) unmarshal(payload []byte) error {
	if len(payload) != 16 {
		return fmt.Errorf("%w: DUID-UUID payload of %d octets", ErrInvalidLength, len(payload))
	}
	copy(d.UUID[:], payload)
	return nil
}

// UnknownDUID preserves a DUID with an unregistered type code.
type UnknownDUID struct {
	Type uint16
	Data []byte
}

func (d *UnknownDUID) DUIDType() uint16 { return d.Type }

func (d *UnknownDUID) Marshal() ([]byte, error) {
	return marshalDUID(d.Type, d.Data)
}

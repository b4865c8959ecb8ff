package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
)

// ClientIDOption carries the client's DUID.
type ClientIDOption struct {
	DUID DUID
}

func (o *ClientIDOption) Code() OptionCode { return OptionCodeClientID }

func (o *ClientIDOption) MarshalBinary() ([]byte, error) {
	if o.DUID == nil {
		return nil, malformed("client-id option without DUID")
	}
	return o.DUID.Marshal()
}

func (o *ClientIDOption) UnmarshalBinary(payload []byte) error {
	duid, err := ParseDUID(payload)
	if err != nil {
		return err
	}
	o.DUID = duid
	return nil
}

func (o *ClientIDOption) String() string {
	return fmt.Sprintf("client-id %s", DUIDString(o.DUID))
}

// ServerIDOption carries the server's DUID.
type ServerIDOption struct {
	DUID DUID
}

func (o *ServerIDOption) Code() OptionCode { return OptionCodeServerID }

func (o *ServerIDOption) MarshalBinary() ([]byte, error) {
	if o.DUID == nil {
		return nil, malformed("server-id option without DUID")
	}
	return o.DUID.Marshal()
}

func (o *ServerIDOption) UnmarshalBinary(payload []byte) error {
	duid, err := ParseDUID(payload)
	if err != nil {
		return err
	}
	o.DUID = duid
	return nil
}

func (o *ServerIDOption) String() string {
	return fmt.Sprintf("server-id %s", DUIDString(o.DUID))
}

// OptionRequestOption lists the option codes the client is interested in.
type OptionRequestOption struct {
	Requested []OptionCode
}

func (o *OptionRequestOption) Code() OptionCode { return OptionCodeORO }

func (o *OptionRequestOption) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 2*len(o.Requested))
	for i, code := range o.Requested {
		binary.BigEndian.PutUint16(buf[2*i:], uint16(code))
	}
	return buf, nil
}

func (o *OptionRequestOption) UnmarshalBinary(payload []byte) error {
	if len(payload)%2 != 0 {
		return fmt.Errorf("%w: option-request payload of %d octets", ErrInvalidLength, len(payload))
	}
	o.Requested = make([]OptionCode, len(payload)/2)
	for i := range o.Requested {
		o.Requested[i] = OptionCode(binary.BigEndian.Uint16(payload[2*i:]))
	}
	return nil
}

// Requests reports whether the client asked for the given option code.
func (o *OptionRequestOption) Requests(code OptionCode) bool {
	for _, c := range o.Requested {
		if c == code {
			return true
		}
	}
	return false
}

// PreferenceOption carries the server's preference value for Advertise
// selection.
type PreferenceOption struct {
	Preference uint8
}

func (o *PreferenceOption) Code() OptionCode { return OptionCodePreference }

func (o *PreferenceOption) MarshalBinary() ([]byte, error) {
	return []byte{o.Preference}, nil
}

func (o *PreferenceOption) UnmarshalBinary(payload []byte) error {
	if len(payload) != 1 {
		return fmt.Errorf("%w: preference payload of %d octets", ErrInvalidLength, len(payload))
	}
	o.Preference = payload[0]
	return nil
}

// ElapsedTimeOption carries the time since the client began the exchange,
// in hundredths of a second.
type ElapsedTimeOption struct {
	ElapsedTime uint16
}

func (o *ElapsedTimeOption) Code() OptionCode { return OptionCodeElapsedTime }

func (o *ElapsedTimeOption) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, o.ElapsedTime)
	return buf, nil
}

func (o *ElapsedTimeOption) UnmarshalBinary(payload []byte) error {
	if len(payload) != 2 {
		return fmt.Errorf("%w: elapsed-time payload of %d octets", ErrInvalidLength, len(payload))
	}
	o.ElapsedTime = binary.BigEndian.Uint16(payload)
	return nil
}

// RelayMessageOption carries the encapsulated message in a relay message.
// Parsing is handled inline by the option parser so relay nesting depth can
// be enforced; UnmarshalBinary exists for standalone use and parses with a
// fresh depth budget.
type RelayMessageOption struct {
	Message Message
}

func (o *RelayMessageOption) Code() OptionCode { return OptionCodeRelayMessage }

func (o *RelayMessageOption) MarshalBinary() ([]byte, error) {
	if o.Message == nil {
		return nil, malformed("relay-message option without message")
	}
	return o.Message.Marshal()
}

func (o *RelayMessageOption) UnmarshalBinary(payload []byte) error {
	msg, err := ParseMessage(payload)
	if err != nil {
		return err
	}
	o.Message = msg
	return nil
}

// AuthenticationOption carries RFC 3315 authentication data. The protocol
// internals are opaque to this server.
type AuthenticationOption struct {
	Protocol           uint8
	Algorithm          uint8
	RDM                uint8
	ReplayDetection    uint64
	AuthenticationInfo []byte
}

func (o *AuthenticationOption) Code() OptionCode { return OptionCodeAuthentication }

func (o *AuthenticationOption) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 11, 11+len(o.AuthenticationInfo))
	buf[0] = o.Protocol
	buf[1] = o.Algorithm
	buf[2] = o.RDM
	binary.BigEndian.PutUint64(buf[3:], o.ReplayDetection)
	return append(buf, o.AuthenticationInfo...), nil
}

func (o *AuthenticationOption) UnmarshalBinary(payload []byte) error {
	if len(payload) < 11 {
		return ErrInsufficientData
	}
	o.Protocol = payload[0]
	o.Algorithm = payload[1]
	o.RDM = payload[2]
	o.ReplayDetection = binary.BigEndian.Uint64(payload[3:])
	o.AuthenticationInfo = append([]byte(nil), payload[11:]...)
	return nil
}

// ServerUnicastOption tells the client it may contact the server directly
// on the given address.
type ServerUnicastOption struct {
	Address netip.Addr
}

func (o *ServerUnicastOption) Code() OptionCode { return OptionCodeServerUnicast }

func (o *ServerUnicastOption) MarshalBinary() ([]byte, error) {
	if !o.Address.Is6() || o.Address.Is4In6() {
		return nil, malformed("server-unicast address must be IPv6")
	}
	addr := o.Address.As16()
	return addr[:], nil
}

func (o *ServerUnicastOption) UnmarshalBinary(payload []byte) error {
	if len(payload) != 16 {
		return fmt.Errorf("%w: server-unicast payload of %d octets", ErrInvalidLength, len(payload))
	}
	addr, _ := netip.AddrFromSlice(payload)
	o.Address = addr
	return nil
}

// StatusCodeOption carries a status code and human-readable message.
type StatusCodeOption struct {
	Status  StatusCode
	Message string
}

func NewStatus(status StatusCode, message string) *StatusCodeOption {
	return &StatusCodeOption{Status: status, Message: message}
}

func (o *StatusCodeOption) Code() OptionCode { return OptionCodeStatusCode }

func (o *StatusCodeOption) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 2, 2+len(o.Message))
	binary.BigEndian.PutUint16(buf, uint16(o.Status))
	return append(buf, o.Message...), nil
}

func (o *StatusCodeOption) UnmarshalBinary(payload []byte) error {
	if len(payload) < 2 {
		return ErrInsufficientData
	}
	o.Status = StatusCode(binary.BigEndian.Uint16(payload))
	o.Message = string(payload[2:])
	return nil
}

func (o *StatusCodeOption) String() string {
	if o.Message != "" {
		return fmt.Sprintf("%s: %s", o.Status, o.Message)
	}
	return o.Status.String()
}

// RapidCommitOption signals a two-message exchange. It has no payload.
type RapidCommitOption struct{}

func (o *RapidCommitOption) Code() OptionCode { return OptionCodeRapidCommit }

func (o *RapidCommitOption) MarshalBinary() ([]byte, error) { return nil, nil }

func (o *RapidCommitOption) UnmarshalBinary(payload []byte) error {
	if len(payload) != 0 {
		return fmt.Errorf("%w: rapid-commit payload of %d octets", ErrInvalidLength, len(payload))
	}
	return nil
}

// UserClassOption carries user class data as length-prefixed opaque fields.
type UserClassOption struct {
	ClassData [][]byte
}

func (o *UserClassOption) Code() OptionCode { return OptionCodeUserClass }

func (o *UserClassOption) MarshalBinary() ([]byte, error) {
	var buf []byte
	for _, data := range o.ClassData {
		if len(data) > 0xffff {
			return nil, fmt.Errorf("%w: user-class field of %d octets", ErrInvalidLength, len(data))
		}
		field := make([]byte, 2)
		binary.BigEndian.PutUint16(field, uint16(len(data)))
		buf = append(buf, field...)
		buf = append(buf, data...)
	}
	return buf, nil
}

func (o *UserClassOption) UnmarshalBinary(payload []byte) error {
	o.ClassData = nil
	offset := 0
	for offset < len(payload) {
		if len(payload)-offset < 2 {
			return ErrInsufficientData
		}
		length := int(binary.BigEndian.Uint16(payload[offset:]))
		offset += 2
		if offset+length > len(payload) {
			return fmt.Errorf("%w: user-class field exceeds option", ErrInvalidLength)
		}
		o.ClassData = append(o.ClassData, append([]byte(nil), payload[offset:offset+length]...))
		offset += length
	}
	return nil
}

// VendorClassOption carries vendor class data for one enterprise.
type VendorClassOption struct {
	EnterpriseNumber uint32
	ClassData        [][]byte
}

func (o *VendorClassOption) Code() OptionCode { return OptionCodeVendorClass }

func (o *VendorClassOption) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, o.EnterpriseNumber)
	for _, data := range o.ClassData {
		if len(data) > 0xffff {
			return nil, fmt.Errorf("%w: vendor-class field of %d octets", ErrInvalidLength, len(data))
		}
		field := make([]byte, 2)
		binary.BigEndian.PutUint16(field, uint16(len(data)))
		buf = append(buf, field...)
		buf = append(buf, data...)
	}
	return buf, nil
}

func (o *VendorClassOption) UnmarshalBinary(payload []byte) error {
	if len(payload) < 4 {
		return ErrInsufficientData
	}
	o.EnterpriseNumber = binary.BigEndian.Uint32(payload)
	o.ClassData = nil
	offset := 4
	for offset < len(payload) {
		if len(payload)-offset < 2 {
			return ErrInsufficientData
		}
		length := int(binary.BigEndian.Uint16(payload[offset:]))
		offset += 2
		if offset+length > len(payload) {
			return fmt.Errorf("%w: vendor-class field exceeds option", ErrInvalidLength)
		}
		o.ClassData = append(o.ClassData, append([]byte(nil), payload[offset:offset+length]...))
		offset += length
	}
	return nil
}

// VendorSpecificInformationOption carries opaque vendor option data for one
// enterprise. The inner option space is vendor-defined, so it round-trips
// as raw bytes.
type VendorSpecificInformationOption struct {
	EnterpriseNumber uint32
	VendorData       []byte
}

func (o *VendorSpecificInformationOption) Code() OptionCode { return OptionCodeVendorOpts }

func (o *VendorSpecificInformationOption) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4, 4+len(o.VendorData))
	binary.BigEndian.PutUint32(buf, o.EnterpriseNumber)
	return append(buf, o.VendorData...), nil
}

func (o *VendorSpecificInformationOption) UnmarshalBinary(payload []byte) error {
	if len(payload) < 4 {
		return ErrInsufficientData
	}
	o.EnterpriseNumber = binary.BigEndian.Uint32(payload)
	o.VendorData = append([]byte(nil), payload[4:]...)
	return nil
}

// InterfaceIDOption identifies the interface a relay received the client
// message on. Echoed verbatim into the relay-reply.
type InterfaceIDOption struct {
	InterfaceID []byte
}

func (o *InterfaceIDOption) Code() OptionCode { return OptionCodeInterfaceID }

func (o *InterfaceIDOption) MarshalBinary() ([]byte, error) {
	return o.InterfaceID, nil
}

func (o *InterfaceIDOption) UnmarshalBinary(payload []byte) error {
	o.InterfaceID = append([]byte(nil), payload...)
	return nil
}

func (o *InterfaceIDOption) String() string {
	return fmt.Sprintf("interface-id %s", hex.EncodeToString(o.InterfaceID))
}

// ReconfigureMessageOption tells the client which message type to respond
// with to a Reconfigure.
type ReconfigureMessageOption struct {
	ReconfigureType MessageType
}

func (o *ReconfigureMessageOption) Code() OptionCode { return OptionCodeReconfMessage }

func (o *ReconfigureMessageOption) MarshalBinary() ([]byte, error) {
	return []byte{byte(o.ReconfigureType)}, nil
}

func (o *ReconfigureMessageOption) UnmarshalBinary(payload []byte) error {
	if len(payload) != 1 {
		return fmt.Errorf("%w: reconf-msg payload of %d octets", ErrInvalidLength, len(payload))
	}
	o.ReconfigureType = MessageType(payload[0])
	return nil
}

func (o *ReconfigureMessageOption) Validate() error {
	if o.ReconfigureType != MessageTypeRenew && o.ReconfigureType != MessageTypeInformationRequest {
		return malformed("reconf-msg type must be Renew or Information-request")
	}
	return nil
}

// ReconfigureAcceptOption signals willingness to accept Reconfigure
// messages. It has no payload.
type ReconfigureAcceptOption struct{}

func (o *ReconfigureAcceptOption) Code() OptionCode { return OptionCodeReconfAccept }

func (o *ReconfigureAcceptOption) MarshalBinary() ([]byte, error) { return nil, nil }

func (o *ReconfigureAcceptOption) UnmarshalBinary(payload []byte) error {
	if len(payload) != 0 {
		return fmt.Errorf("%w: reconf-accept payload of %d octets", ErrInvalidLength, len(payload))
	}
	return nil
}

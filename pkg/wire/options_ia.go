package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// IAOption is implemented by the identity-association options IA_NA, IA_TA
// and IA_PD. Handlers use it to treat all three kinds uniformly.
type IAOption interface {
	Option
	ID() uint32
	SubOptions() Options
}

// NewIAOfSameKind builds a fresh IA of the same concrete kind and IAID as
// the given one, carrying the supplied sub-options and zero timers.
func NewIAOfSameKind(like IAOption, sub ...Option) IAOption {
	switch like.(type) {
	case *IANAOption:
		return &IANAOption{IAID: like.ID(), Options: Options(sub)}
	case *IATAOption:
		return &IATAOption{IAID: like.ID(), Options: Options(sub)}
	case *IAPDOption:
		return &IAPDOption{IAID: like.ID(), Options: Options(sub)}
	default:
		return nil
	}
}

// IANAOption identifies a non-temporary address association.
type IANAOption struct {
	IAID    uint32
	T1      uint32
	T2      uint32
	Options Options
}

func (o *IANAOption) Code() OptionCode    { return OptionCodeIANA }
func (o *IANAOption) ID() uint32          { return o.IAID }
func (o *IANAOption) SubOptions() Options { return o.Options }

func (o *IANAOption) MarshalBinary() ([]byte, error) {
	sub, err := o.Options.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 12, 12+len(sub))
	binary.BigEndian.PutUint32(buf, o.IAID)
	binary.BigEndian.PutUint32(buf[4:], o.T1)
	binary.BigEndian.PutUint32(buf[8:], o.T2)
	return append(buf, sub...), nil
}

func (o *IANAOption) UnmarshalBinary(payload []byte) error {
	if len(payload) < 12 {
		return ErrInsufficientData
	}
	o.IAID = binary.BigEndian.Uint32(payload)
	o.T1 = binary.BigEndian.Uint32(payload[4:])
	o.T2 = binary.BigEndian.Uint32(payload[8:])
	var err error
	o.Options, err = parseOptions(payload[12:], 0)
	return err
}

func (o *IANAOption) Validate() error {
	if o.T1 != 0 && o.T2 != 0 && o.T1 > o.T2 {
		return malformed("IA_NA has T1 %d > T2 %d", o.T1, o.T2)
	}
	return nil
}

// Addresses returns the addresses of the IA's address sub-options.
func (o *IANAOption) Addresses() []netip.Addr {
	var out []netip.Addr
	for _, sub := range GetOptions[*IAAddressOption](o.Options) {
		out = append(out, sub.Address)
	}
	return out
}

// Status returns the IA's status sub-option, if any.
func (o *IANAOption) Status() *StatusCodeOption {
	s, _ := GetOption[*StatusCodeOption](o.Options)
	return s
}

func (o *IANAOption) String() string {
	return fmt.Sprintf("IA_NA iaid=%#x t1=%d t2=%d", o.IAID, o.T1, o.T2)
}

// IATAOption identifies a temporary address association. It has no timers.
type IATAOption struct {
	IAID    uint32
	Options Options
}

func (o *IATAOption) Code() OptionCode    { return OptionCodeIATA }
func (o *IATAOption) ID() uint32          { return o.IAID }
func (o *IATAOption) SubOptions() Options { return o.Options }

func (o *IATAOption) MarshalBinary() ([]byte, error) {
	sub, err := o.Options.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4, 4+len(sub))
	binary.BigEndian.PutUint32(buf, o.IAID)
	return append(buf, sub...), nil
}

func (o *IATAOption) UnmarshalBinary(payload []byte) error {
	if len(payload) < 4 {
		return ErrInsufficientData
	}
	o.IAID = binary.BigEndian.Uint32(payload)
	var err error
	o.Options, err = parseOptions(payload[4:], 0)
	return err
}

// Addresses returns the addresses of the IA's address sub-options.
func (o *IATAOption) Addresses() []netip.Addr {
	var out []netip.Addr
	for _, sub := range GetOptions[*IAAddressOption](o.Options) {
		out = append(out, sub.Address)
	}
	return out
}

// Status returns the IA's status sub-option, if any.
func (o *IATAOption) Status() *StatusCodeOption {
	s, _ := GetOption[*StatusCodeOption](o.Options)
	return s
}

func (o *IATAOption) String() string {
	return fmt.Sprintf("IA_TA iaid=%#x", o.IAID)
}

// IAAddressOption carries one leased address inside an IA_NA or IA_TA.
type IAAddressOption struct {
	Address           netip.Addr
	PreferredLifetime uint32
	ValidLifetime     uint32
	Options           Options
}

func (o *IAAddressOption) Code() OptionCode { return OptionCodeIAAddress }

func (o *IAAddressOption) MarshalBinary() ([]byte, error) {
	if !o.Address.Is6() || o.Address.Is4In6() {
		return nil, malformed("IA address must be IPv6")
	}
	sub, err := o.Options.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 24, 24+len(sub))
	addr := o.Address.As16()
	copy(buf, addr[:])
	binary.BigEndian.PutUint32(buf[16:], o.PreferredLifetime)
	binary.BigEndian.PutUint32(buf[20:], o.ValidLifetime)
	return append(buf, sub...), nil
}

func (o *IAAddressOption) UnmarshalBinary(payload []byte) error {
	if len(payload) < 24 {
		return ErrInsufficientData
	}
	addr, _ := netip.AddrFromSlice(payload[:16])
	o.Address = addr
	o.PreferredLifetime = binary.BigEndian.Uint32(payload[16:])
	o.ValidLifetime = binary.BigEndian.Uint32(payload[20:])
	var err error
	o.Options, err = parseOptions(payload[24:], 0)
	return err
}

func (o *IAAddressOption) Validate() error {
	if o.PreferredLifetime > o.ValidLifetime {
		return malformed("preferred lifetime %d exceeds valid lifetime %d",
			o.PreferredLifetime, o.ValidLifetime)
	}
	return nil
}

func (o *IAAddressOption) String() string {
	return fmt.Sprintf("address %s pref=%d valid=%d", o.Address, o.PreferredLifetime, o.ValidLifetime)
}

// IAPDOption identifies a prefix delegation association.
type IAPDOption struct {
	IAID    uint32
	T1      uint32
	T2      uint32
	Options Options
}

func (o *IAPDOption) Code() OptionCode    { return OptionCodeIAPD }
func (o *IAPDOption) ID() uint32          { return o.IAID }
func (o *IAPDOption) SubOptions() Options { return o.Options }

func (o *IAPDOption) MarshalBinary() ([]byte, error) {
	sub, err := o.Options.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 12, 12+len(sub))
	binary.BigEndian.PutUint32(buf, o.IAID)
	binary.BigEndian.PutUint32(buf[4:], o.T1)
	binary.BigEndian.PutUint32(buf[8:], o.T2)
	return append(buf, sub...), nil
}

func (o *IAPDOption) UnmarshalBinary(payload []byte) error {
	if len(payload) < 12 {
		return ErrInsufficientData
	}
	o.IAID = binary.BigEndian.Uint32(payload)
	o.T1 = binary.BigEndian.Uint32(payload[4:])
	o.T2 = binary.BigEndian.Uint32(payload[8:])
	var err error
	o.Options, err = parseOptions(payload[12:], 0)
	return err
}

func (o *IAPDOption) Validate() error {
	if o.T1 != 0 && o.T2 != 0 && o.T1 > o.T2 {
		return malformed("IA_PD has T1 %d > T2 %d", o.T1, o.T2)
	}
	return nil
}

// Prefixes returns the prefixes of the IA's prefix sub-options.
func (o *IAPDOption) Prefixes() []netip.Prefix {
	var out []netip.Prefix
	for _, sub := range GetOptions[*IAPrefixOption](o.Options) {
		out = append(out, sub.Prefix)
	}
	return out
}

// Status returns the IA's status sub-option, if any.
func (o *IAPDOption) Status() *StatusCodeOption {
	s, _ := GetOption[*StatusCodeOption](o.Options)
	return s
}

func (o *IAPDOption) String() string {
	return fmt.Sprintf("IA_PD iaid=%#x t1=%d t2=%d", o.IAID, o.T1, o.T2)
}

// IAPrefixOption carries one delegated prefix inside an IA_PD.
type IAPrefixOption struct {
	Prefix            netip.Prefix
	PreferredLifetime uint32
	ValidLifetime     uint32
	Options           Options
}

func (o *IAPrefixOption) Code() OptionCode { return OptionCodeIAPrefix }

func (o *IAPrefixOption) MarshalBinary() ([]byte, error) {
	if !o.Prefix.Addr().Is6() || o.Prefix.Addr().Is4In6() {
		return nil, malformed("delegated prefix must be IPv6")
	}
	sub, err := o.Options.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 25, 25+len(sub))
	binary.BigEndian.PutUint32(buf, o.PreferredLifetime)
	binary.BigEndian.PutUint32(buf[4:], o.ValidLifetime)
	buf[8] = byte(o.Prefix.Bits())
	addr := o.Prefix.Addr().As16()
	copy(buf[9:], addr[:])
	return append(buf, sub...), nil
}

func (o *IAPrefixOption) UnmarshalBinary(payload []byte) error {
	if len(payload) < 25 {
		return ErrInsufficientData
	}
	o.PreferredLifetime = binary.BigEndian.Uint32(payload)
	o.ValidLifetime = binary.BigEndian.Uint32(payload[4:])
	bits := int(payload[8])
	if bits > 128 {
		return malformed("prefix length %d exceeds 128", bits)
	}
	addr, _ := netip.AddrFromSlice(payload[9:25])
	o.Prefix = netip.PrefixFrom(addr, bits)
	var err error
	o.Options, err = parseOptions(payload[25:], 0)
	return err
}

func (o *IAPrefixOption) Validate() error {
	if o.PreferredLifetime > o.ValidLifetime {
		return malformed("preferred lifetime %d exceeds valid lifetime %d",
			o.PreferredLifetime, o.ValidLifetime)
	}
	return nil
}

func (o *IAPrefixOption) String() string {
	return fmt.Sprintf("prefix %s pref=%d valid=%d", o.Prefix, o.PreferredLifetime, o.ValidLifetime)
}

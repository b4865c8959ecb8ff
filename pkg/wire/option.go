package wire

import (
	"encoding/binary"
	"fmt"
)

// Option is a single DHCPv6 option. Concrete options marshal their payload
// only; the TLV header is written by the container.
type Option interface {
	Code() OptionCode
	MarshalBinary() ([]byte, error)
}

// optionDecoder is implemented by every registered option type.
type optionDecoder interface {
	Option
	UnmarshalBinary(payload []byte) error
}

// Validator is implemented by options that support the explicit validation
// pass. Parse never calls Validate; callers that want strict input do.
type Validator interface {
	Validate() error
}

// Options is an ordered option sequence.
type Options []Option

// First returns the first option with the given code, or nil.
func (opts Options) First(code OptionCode) Option {
	for _, o := range opts {
		if o.Code() == code {
			return o
		}
	}
	return nil
}

// All returns every option with the given code, preserving order.
func (opts Options) All(code OptionCode) Options {
	var out Options
	for _, o := range opts {
		if o.Code() == code {
			out = append(out, o)
		}
	}
	return out
}

// GetOption returns the first option of the given concrete type.
func GetOption[T Option](opts Options) (T, bool) {
	for _, o := range opts {
		if t, ok := o.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// GetOptions returns every option of the given concrete type, preserving
// order.
func GetOptions[T Option](opts Options) []T {
	var out []T
	for _, o := range opts {
		if t, ok := o.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// Marshal serializes the option sequence as consecutive TLVs.
func (opts Options) Marshal() ([]byte, error) {
	var buf []byte
	for _, o := range opts {
		var err error
		buf, err = appendOption(buf, o)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendOption(buf []byte, o Option) ([]byte, error) {
	payload, err := o.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", o.Code(), err)
	}
	if len(payload) > 0xffff {
		return nil, fmt.Errorf("%w: %s payload of %d octets", ErrInvalidLength, o.Code(), len(payload))
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint16(header, uint16(o.Code()))
	binary.BigEndian.PutUint16(header[2:], uint16(len(payload)))
	buf = append(buf, header...)
	return append(buf, payload...), nil
}

// parseOptions decodes consecutive TLVs. The relay-message option is handled
// inline so the nesting depth can be tracked; unknown codes round-trip as
// UnknownOption.
func parseOptions(data []byte, depth int) (Options, error) {
	var opts Options
	offset := 0
	for offset < len(data) {
		if len(data)-offset < 4 {
			return nil, ErrInsufficientData
		}
		code := OptionCode(binary.BigEndian.Uint16(data[offset:]))
		length := int(binary.BigEndian.Uint16(data[offset+2:]))
		offset += 4
		if offset+length > len(data) {
			return nil, fmt.Errorf("%w: %s claims %d octets, %d available",
				ErrInvalidLength, code, length, len(data)-offset)
		}
		payload := data[offset : offset+length]
		offset += length

		if code == OptionCodeRelayMessage {
			inner, err := parseMessage(payload, depth)
			if err != nil {
				return nil, fmt.Errorf("relay-message option: %w", err)
			}
			opts = append(opts, &RelayMessageOption{Message: inner})
			continue
		}

		ctor, ok := optionRegistry[code]
		if !ok {
			opts = append(opts, &UnknownOption{Type: code, Data: append([]byte(nil), payload...)})
			continue
		}
		o := ctor()
		dec, ok := o.(optionDecoder)
		if !ok {
			return nil, fmt.Errorf("registered option %s cannot decode", code)
		}
		if err := dec.UnmarshalBinary(payload); err != nil {
			return nil, fmt.Errorf("parse %s: %w", code, err)
		}
		opts = append(opts, o)
	}
	return opts, nil
}

// ParseOptions decodes a raw option sequence outside any relay context.
func ParseOptions(data []byte) (Options, error) {
	return parseOptions(data, 0)
}

// UnknownOption preserves an option with an unregistered code.
type UnknownOption struct {
	Type OptionCode
	Data []byte
}

func (o *UnknownOption) Code() OptionCode { return o.Type }

func (o *UnknownOption) MarshalBinary() ([]byte, error) {
	return o.Data, nil
}

func (o *UnknownOption) UnmarshalBinary(payload []byte) error {
	o.Data = append([]byte(nil), payload...)
	return nil
}

func (o *UnknownOption) String() string {
	return fmt.Sprintf("%s with %d octets", o.Type, len(o.Data))
}

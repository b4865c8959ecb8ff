package wire

import (
	"errors"
	"fmt"
)

// Parse failures. ErrUnknownVariant is recoverable: the parser substitutes
// the Unknown* container and keeps going. The others abort the packet.
var (
	ErrInsufficientData = errors.New("insufficient data to parse")
	ErrInvalidLength    = errors.New("length field does not match contents")
	ErrUnknownVariant   = errors.New("unknown variant")
	ErrMalformedField   = errors.New("malformed field")
	ErrRelayTooDeep     = errors.New("relay encapsulation too deep")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedField, fmt.Sprintf(format, args...))
}

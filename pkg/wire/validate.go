package wire

import "fmt"

// Validate checks field shape and containment cardinality for a parsed
// message, recursing through relay encapsulations and container options.
// Parsing never validates; callers that want strict input call this
// explicitly.
func Validate(msg Message) error {
	switch m := msg.(type) {
	case *ClientServerMessage:
		if _, ok := messageRegistry[m.Type]; !ok {
			return fmt.Errorf("%w: message type %d", ErrUnknownVariant, uint8(m.Type))
		}
		if err := validateOptions(m.Options, messageContainment[m.Type]); err != nil {
			return fmt.Errorf("%s: %w", m.Type, err)
		}
		return nil

	case *RelayMessage:
		if err := validateOptions(m.Options, messageContainment[m.Type]); err != nil {
			return fmt.Errorf("%s: %w", m.Type, err)
		}
		if inner := m.InnerMessage(); inner != nil {
			return Validate(inner)
		}
		return nil

	case *UnknownMessage:
		return fmt.Errorf("%w: message type %d", ErrUnknownVariant, uint8(m.Type))

	default:
		return fmt.Errorf("%w: %T", ErrUnknownVariant, msg)
	}
}

func validateOptions(opts Options, rules map[OptionCode]Occurrence) error {
	counts := map[OptionCode]int{}
	for _, o := range opts {
		counts[o.Code()]++

		if v, ok := o.(Validator); ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("%s: %w", o.Code(), err)
			}
		}

		// Recurse into container options that declare child rules. Unknown
		// children inside them never fail validation; only declared
		// cardinality does.
		if sub := subOptionsOf(o); sub != nil {
			if err := validateOptions(sub, optionContainment[o.Code()]); err != nil {
				return fmt.Errorf("%s: %w", o.Code(), err)
			}
		}
	}

	for code, occ := range rules {
		n := counts[code]
		if n < occ.Min {
			return fmt.Errorf("%s occurs %d times, minimum is %d", code, n, occ.Min)
		}
		if occ.Max > 0 && n > occ.Max {
			return fmt.Errorf("%s occurs %d times, maximum is %d", code, n, occ.Max)
		}
	}
	return nil
}

func subOptionsOf(o Option) Options {
	switch v := o.(type) {
	case *IANAOption:
		return v.Options
	case *IATAOption:
		return v.Options
	case *IAPDOption:
		return v.Options
	case *IAAddressOption:
		return v.Options
	case *IAPrefixOption:
		return v.Options
	case *LQQueryOption:
		return v.Options
	case *ClientDataOption:
		return v.Options
	default:
		return nil
	}
}

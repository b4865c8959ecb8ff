package config

import (
	"encoding/hex"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// BuildDUID turns a DUID spec into a concrete server DUID. An empty spec
// produces a freshly generated DUID-UUID; operators that care about a
// stable identity across restarts configure one explicitly.
func BuildDUID(spec DUIDSpec) (wire.DUID, error) {
	switch spec.Type {
	case "":
		return &wire.UUIDDUID{UUID: uuid.New()}, nil

	case "ll":
		addr, err := net.ParseMAC(spec.Address)
		if err != nil {
			return nil, fmt.Errorf("duid address: %w", err)
		}
		hwType := spec.HardwareType
		if hwType == 0 {
			hwType = 1 // ethernet
		}
		return &wire.LinkLayerDUID{HardwareType: hwType, Address: addr}, nil

	case "llt":
		addr, err := net.ParseMAC(spec.Address)
		if err != nil {
			return nil, fmt.Errorf("duid address: %w", err)
		}
		hwType := spec.HardwareType
		if hwType == 0 {
			hwType = 1
		}
		return &wire.LinkLayerTimeDUID{HardwareType: hwType, Time: spec.Time, Address: addr}, nil

	case "en":
		if spec.Enterprise == 0 {
			return nil, fmt.Errorf("duid type en needs an enterprise number")
		}
		id, err := hex.DecodeString(spec.Identifier)
		if err != nil {
			return nil, fmt.Errorf("duid identifier: %w", err)
		}
		return &wire.EnterpriseDUID{EnterpriseNumber: spec.Enterprise, Identifier: id}, nil

	case "uuid":
		u, err := uuid.Parse(spec.UUID)
		if err != nil {
			return nil, fmt.Errorf("duid uuid: %w", err)
		}
		return &wire.UUIDDUID{UUID: u}, nil

	default:
		return nil, fmt.Errorf("unknown duid type %q", spec.Type)
	}
}

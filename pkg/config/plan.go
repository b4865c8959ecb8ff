package config

import (
	"fmt"

	"github.com/veesix-networks/ipv6-dhcpd/pkg/pipeline"
	"github.com/veesix-networks/ipv6-dhcpd/pkg/wire"
)

// Plan is the compiled, immutable form of a configuration. The master
// compiles it once; workers instantiate their own handler trees from it
// after privileges are dropped, so handler construction never needs
// elevated rights.
type Plan struct {
	Config     *Config
	ServerDUID wire.DUID
}

// Compile validates the cross-cutting parts of the configuration that the
// YAML validation cannot see and freezes the result into a plan.
func Compile(cfg *Config) (*Plan, error) {
	duid, err := BuildDUID(cfg.Server.DUID)
	if err != nil {
		return nil, fmt.Errorf("server duid: %w", err)
	}
	return &Plan{Config: cfg, ServerDUID: duid}, nil
}

// BuildNodes instantiates the configured pipeline tree. Each call returns
// fresh handler instances; workers never share handler state.
func (p *Plan) BuildNodes() ([]*pipeline.Node, error) {
	return buildNodes(p.Config.Handlers)
}

func buildNodes(specs []HandlerSpec) ([]*pipeline.Node, error) {
	nodes := make([]*pipeline.Node, 0, len(specs))
	for _, spec := range specs {
		factory, ok := GetFactory(spec.Type)
		if !ok {
			return nil, fmt.Errorf("unknown handler type %q", spec.Type)
		}
		children, err := buildNodes(spec.Handlers)
		if err != nil {
			return nil, err
		}
		node, err := factory(spec, children)
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", spec.Type, err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

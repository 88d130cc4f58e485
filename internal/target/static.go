package target

import (
	"context"
	"fmt"
	"tunnel/internal/config"
)

const SourceStatic = "static"

// StaticSource offers the targets declared in configuration.
type StaticSource struct {
	targets []config.StaticTarget
}

// NewStaticSource creates a source over configured static targets.
func NewStaticSource(targets []config.StaticTarget) *StaticSource {
	return &StaticSource{targets: targets}
}

func (s *StaticSource) Name() string { return SourceStatic }

func (s *StaticSource) List(ctx context.Context, yield func(Target) bool) error {
	for _, st := range s.targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		proto := Protocol(st.Protocol)
		if proto == "" {
			proto = ProtocolTCP
		}
		desc := st.Description
		if desc == "" {
			desc = fmt.Sprintf("static %s endpoint", proto)
		}
		if !yield(Target{
			ID:          SourceStatic + "/" + st.Name,
			DisplayName: st.Name,
			Protocol:    proto,
			RemoteHost:  st.Host,
			RemotePort:  st.Port,
			Source:      SourceStatic,
			Description: desc,
		}) {
			return nil
		}
	}
	return nil
}

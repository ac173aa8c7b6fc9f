// Package cloud holds the substrate registry and the concrete
// CloudController implementations under it.
package cloud

import (
	"github.com/fleetlabs/fleet-server/internal/core/ports"
)

// Registry maps substrate identifiers to their controllers. Each
// controller is registered once at startup; selection order between
// substrates comes from configuration, not from the registry.
type Registry struct {
	controllers map[string]ports.CloudController
	order       []string
}

func NewRegistry() *Registry {
	return &Registry{
		controllers: make(map[string]ports.CloudController),
	}
}

func (r *Registry) Register(controller ports.CloudController) {
	id := controller.CloudIdentifier()
	if _, exists := r.controllers[id]; !exists {
		r.order = append(r.order, id)
	}
	r.controllers[id] = controller
}

func (r *Registry) Get(identifier string) (ports.CloudController, bool) {
	c, ok := r.controllers[identifier]
	return c, ok
}

// All returns every registered controller in registration order.
func (r *Registry) All() []ports.CloudController {
	out := make([]ports.CloudController, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.controllers[id])
	}
	return out
}

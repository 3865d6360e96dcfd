package instancesync

import (
	"fmt"
	"sort"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// Registry maps an infrastructure kind to its handler. It is immutable once built
// and safe for concurrent use.
type Registry struct {
	byKind     map[InfrastructureKind]Handler
	byTaskType map[string]Handler
}

// NewRegistry builds a registry. Unknown kinds and duplicate kinds or task types are rejected.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{
		byKind:     make(map[InfrastructureKind]Handler, len(handlers)),
		byTaskType: make(map[string]Handler, len(handlers)),
	}
	for _, h := range handlers {
		if h == nil {
			return nil, engine.NewInvalidArgumentsError("nil instance sync handler", nil)
		}
		kind := h.InfrastructureKind()
		if !kind.Known() {
			return nil, engine.NewInvalidArgumentsError(fmt.Sprintf("unknown infrastructure kind %q", kind), nil).
				WithCode(engine.ErrCodeUnregisteredKind)
		}
		if _, ok := r.byKind[kind]; ok {
			return nil, engine.NewInvalidArgumentsError(fmt.Sprintf("duplicate handler for infrastructure kind %s", kind), nil)
		}
		taskType := h.PerpetualTaskType()
		if _, ok := r.byTaskType[taskType]; ok {
			return nil, engine.NewInvalidArgumentsError(fmt.Sprintf("duplicate handler for task type %s", taskType), nil)
		}
		r.byKind[kind] = h
		r.byTaskType[taskType] = h
	}
	return r, nil
}

// DefaultRegistry returns a registry with every built-in handler.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(ECSHandler{}, PDCHandler{}, AWSSSHHandler{}, CustomDeploymentHandler{})
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the handler for kind. An unregistered kind is a configuration error.
func (r *Registry) Get(kind InfrastructureKind) (Handler, error) {
	h, ok := r.byKind[kind]
	if !ok {
		return nil, engine.NewInvalidArgumentsError(fmt.Sprintf("no instance sync handler registered for %q", kind), nil).
			WithCode(engine.ErrCodeUnregisteredKind)
	}
	return h, nil
}

// ForTaskType returns the handler that owns a perpetual task type.
func (r *Registry) ForTaskType(taskType string) (Handler, error) {
	h, ok := r.byTaskType[taskType]
	if !ok {
		return nil, engine.NewInvalidArgumentsError(fmt.Sprintf("no instance sync handler for task type %q", taskType), nil).
			WithCode(engine.ErrCodeUnregisteredKind)
	}
	return h, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []InfrastructureKind {
	kinds := make([]InfrastructureKind, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ToInstanceInfos normalizes a full poll result through the handler for kind.
func (r *Registry) ToInstanceInfos(kind InfrastructureKind, observed []ServerInstanceInfo) ([]InstanceInfo, error) {
	h, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	out := make([]InstanceInfo, 0, len(observed))
	for _, o := range observed {
		info, err := h.ToInstanceInfo(o)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

package ganko

import (
	"sync"

	"go.uber.org/zap"
)

// Capability is the tagged result of probing an optional collaborator.
// Callers branch on Available instead of receiving a proxy that silently
// no-ops.
type Capability struct {
	Name   string
	Client any    // Set when available.
	Reason string // Set when unavailable.
}

func (c Capability) Available() bool {
	return c.Client != nil
}

// CapabilityProbe attempts to construct the collaborator's client.
type CapabilityProbe func() (any, error)

// CapabilityRegistry resolves optional collaborators once and caches the
// outcome for the process lifetime.
type CapabilityRegistry struct {
	log *zap.Logger

	mu       sync.Mutex
	probes   map[string]CapabilityProbe
	resolved map[string]Capability
}

func NewCapabilityRegistry(log *zap.Logger) *CapabilityRegistry {
	return &CapabilityRegistry{
		log:      log,
		probes:   make(map[string]CapabilityProbe),
		resolved: make(map[string]Capability),
	}
}

// Register installs a probe for a named capability. Re-registering replaces
// the probe and forgets any cached resolution.
func (r *CapabilityRegistry) Register(name string, probe CapabilityProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.probes[name] = probe
	delete(r.resolved, name)
}

// Lookup resolves a capability, running its probe on first use. Unknown
// names resolve as unavailable.
func (r *CapabilityRegistry) Lookup(name string) Capability {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.resolved[name]; ok {
		return c
	}

	probe, ok := r.probes[name]
	if !ok {
		return Capability{Name: name, Reason: "not registered"}
	}

	client, err := probe()

	c := Capability{Name: name}
	if err != nil {
		c.Reason = err.Error()
		r.log.Warn("capability unavailable", zap.String("name", name), zap.Error(err))
	} else {
		c.Client = client
	}

	r.resolved[name] = c

	return c
}

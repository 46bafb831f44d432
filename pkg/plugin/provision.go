package plugin

import (
	"log/slog"
	"net/http"
)

// CapabilityRegistry is the capability bundle handed to one plugin. Logger is
// always set; the other handles are nil unless the manifest declared them and
// the runtime offers them.
type CapabilityRegistry struct {
	Plugin string
	Logger *slog.Logger
	Fetch  *Fetch
	KV     *KV
	Timer  *Timer
	Crypto *Crypto
}

// Has reports whether the bundle carries c.
func (r *CapabilityRegistry) Has(c Capability) bool {
	if r == nil {
		return false
	}
	switch c {
	case CapabilityLogger:
		return r.Logger != nil
	case CapabilityFetch:
		return r.Fetch != nil
	case CapabilityKV:
		return r.KV != nil
	case CapabilityTimer:
		return r.Timer != nil
	case CapabilityCrypto:
		return r.Crypto != nil
	}
	return false
}

// Names lists the capabilities present in the bundle.
func (r *CapabilityRegistry) Names() []string {
	var out []string
	for _, c := range []Capability{CapabilityLogger, CapabilityFetch, CapabilityKV, CapabilityTimer, CapabilityCrypto} {
		if r.Has(c) {
			out = append(out, c.String())
		}
	}
	return out
}

// Close releases resources held by the bundle's capabilities.
func (r *CapabilityRegistry) Close() {
	if r == nil {
		return
	}
	if r.Timer != nil {
		r.Timer.Close()
	}
}

// Backends are the shared implementations capabilities are built on.
type Backends struct {
	// Logger is the parent of every plugin logger.
	Logger *slog.Logger
	// Audit receives one record per capability invocation.
	Audit *slog.Logger
	// HTTPClient backs fetch. A client with a 30s timeout is used when nil.
	HTTPClient *http.Client
	// KV backs kv. An in-process store is used when nil.
	KV KVStore
}

// Provisioner mints plugin-scoped capability bundles.
type Provisioner struct {
	backends Backends
}

// NewProvisioner creates a provisioner over b.
func NewProvisioner(b Backends) *Provisioner {
	discard := slog.New(slog.DiscardHandler)
	if b.Logger == nil {
		b.Logger = discard
	}
	if b.Audit == nil {
		b.Audit = discard
	}
	if b.KV == nil {
		b.KV = NewMemoryKV()
	}
	return &Provisioner{backends: b}
}

// Provision builds the bundle for m. Capabilities that are undeclared or not
// offered by state are left out.
func (p *Provisioner) Provision(state HostState, m Manifest) *CapabilityRegistry {
	name := m.Name
	reg := &CapabilityRegistry{
		Plugin: name,
		Logger: p.backends.Logger.With(slog.String("plugin", name)),
	}
	audit := p.backends.Audit.With(slog.String("runtime", string(state.Runtime)))
	for _, declared := range m.Capabilities {
		c, ok := ParseCapability(declared)
		if !ok || !state.Available(declared) || reg.Has(c) {
			continue
		}
		switch c {
		case CapabilityLogger:
		case CapabilityFetch:
			reg.Fetch = newFetch(p.backends.HTTPClient, name, audit)
		case CapabilityKV:
			reg.KV = newKV(p.backends.KV, name, audit)
		case CapabilityTimer:
			reg.Timer = newTimer(name, audit)
		case CapabilityCrypto:
			reg.Crypto = newCrypto(name, audit)
		}
	}
	return reg
}

package plugin

import (
	"fmt"
	"sort"
	"strings"
)

// Capability is a host-granted ability a plugin may request in its manifest.
type Capability int

const (
	// CapabilityLogger is provisioned for every plugin whether declared or not.
	CapabilityLogger Capability = iota + 1
	CapabilityFetch
	CapabilityKV
	CapabilityTimer
	CapabilityCrypto
)

var capabilityNames = map[Capability]string{
	CapabilityLogger: "logger",
	CapabilityFetch:  "fetch",
	CapabilityKV:     "kv",
	CapabilityTimer:  "timer",
	CapabilityCrypto: "crypto",
}

// String returns the manifest name of the capability.
func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("capability(%d)", int(c))
}

// ParseCapability maps a manifest capability name onto its kind.
func ParseCapability(name string) (Capability, bool) {
	for c, n := range capabilityNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// Runtime identifies a capability profile offered by a host environment.
type Runtime string

const (
	RuntimeFull       Runtime = "full"
	RuntimeRestricted Runtime = "restricted"
)

// runtimeAliases accept the environment names used in manifests' engines block.
var runtimeAliases = map[string]Runtime{
	"node":    RuntimeFull,
	"workers": RuntimeRestricted,
}

var catalog = map[Runtime][]Capability{
	RuntimeFull:       {CapabilityLogger, CapabilityFetch, CapabilityKV, CapabilityTimer, CapabilityCrypto},
	RuntimeRestricted: {CapabilityLogger, CapabilityFetch, CapabilityKV, CapabilityCrypto},
}

// ParseRuntime resolves a runtime name or alias.
func ParseRuntime(name string) (Runtime, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if _, ok := catalog[Runtime(key)]; ok {
		return Runtime(key), nil
	}
	if rt, ok := runtimeAliases[key]; ok {
		return rt, nil
	}
	return "", fmt.Errorf("unknown runtime %q", name)
}

// Runtimes lists every known runtime profile.
func Runtimes() []Runtime {
	out := make([]Runtime, 0, len(catalog))
	for rt := range catalog {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetCapabilities returns the capabilities rt can provision. Unknown runtimes
// offer nothing.
func GetCapabilities(rt Runtime) []Capability {
	caps := catalog[rt]
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

// HasCapability reports whether rt offers c.
func HasCapability(rt Runtime, c Capability) bool {
	for _, have := range catalog[rt] {
		if have == c {
			return true
		}
	}
	return false
}

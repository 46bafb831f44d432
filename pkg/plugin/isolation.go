package plugin

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	xerrors "hatago-plugin-host/internal/errors"
)

// Authorize checks that every capability the manifest declares is offered by
// the host. The first missing capability is reported by name.
func Authorize(state HostState, m Manifest) error {
	for _, name := range m.Capabilities {
		if !state.Available(name) {
			return xerrors.New(xerrors.CodeCapabilityUnavailable,
				fmt.Sprintf("capability %s is not available in the %s runtime", name, state.Runtime),
				xerrors.WithMetadata("capability", name))
		}
	}
	return nil
}

// CheckEngine reports whether hostVersion satisfies the manifest's
// engines.hatago constraint.
func CheckEngine(hostVersion string, m Manifest) error {
	constraint, err := semver.NewConstraint(m.Engines[EngineHatago])
	if err != nil {
		return xerrors.Wrap(xerrors.CodeIncompatibleEngine, err, "engines.hatago is not a valid version range")
	}
	version, err := semver.NewVersion(hostVersion)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeIncompatibleEngine, err, "host version is not a valid semantic version")
	}
	if !constraint.Check(version) {
		return xerrors.Newf(xerrors.CodeIncompatibleEngine,
			"plugin %s requires hatago %s, host is %s", m.Name, m.Engines[EngineHatago], version)
	}
	return nil
}

package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "hatago-plugin-host/internal/errors"
)

// EngineHatago is the engines key holding the compatible host version range.
const EngineHatago = "hatago"

// EntryDefault is the mandatory entry key.
const EntryDefault = "default"

// Manifest declares a plugin's identity, capability needs and entry points.
type Manifest struct {
	Name         string            `json:"name" yaml:"name"`
	Version      string            `json:"version" yaml:"version"`
	Description  string            `json:"description" yaml:"description"`
	Engines      map[string]string `json:"engines" yaml:"engines"`
	Capabilities []string          `json:"capabilities" yaml:"capabilities"`
	Entry        map[string]string `json:"entry" yaml:"entry"`
}

// ValidateManifest checks the structural rules in order and reports the
// first one violated.
func ValidateManifest(m Manifest) error {
	switch {
	case m.Name == "" || m.Version == "" || m.Description == "":
		return invalidManifest("identity", "manifest requires name, version and description")
	case m.Engines[EngineHatago] == "":
		return invalidManifest("engines", "manifest requires engines.hatago")
	case m.Capabilities == nil:
		return invalidManifest("capabilities", "manifest capabilities must be a list")
	case m.Entry[EntryDefault] == "":
		return invalidManifest("entry", "manifest requires entry.default")
	}
	return nil
}

func invalidManifest(rule, message string) error {
	return xerrors.New(xerrors.CodeInvalidManifest, message, xerrors.WithMetadata("rule", rule))
}

// EntryFor returns the module locator for rt, falling back to entry.default.
func (m Manifest) EntryFor(rt Runtime) string {
	if entry, ok := m.Entry[string(rt)]; ok && entry != "" {
		return entry
	}
	return m.Entry[EntryDefault]
}

// Clone returns a deep copy so transitions never share mutable maps with callers.
func (m Manifest) Clone() Manifest {
	out := m
	out.Engines = cloneStrings(m.Engines)
	out.Entry = cloneStrings(m.Entry)
	if m.Capabilities != nil {
		out.Capabilities = append(make([]string, 0, len(m.Capabilities)), m.Capabilities...)
	}
	return out
}

// ParseManifest decodes a manifest. format is "json", "yaml" or empty to
// guess from the content.
func ParseManifest(data []byte, format string) (Manifest, error) {
	var m Manifest
	if format == "" {
		format = "yaml"
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			format = "json"
		}
	}
	var err error
	switch strings.ToLower(format) {
	case "json":
		err = json.Unmarshal(data, &m)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &m)
	default:
		return m, xerrors.Newf(xerrors.CodeInvalidArgument, "unsupported manifest format %q", format)
	}
	if err != nil {
		return m, xerrors.Wrap(xerrors.CodeInvalidManifest, err, "decode manifest")
	}
	return m, nil
}

// LoadManifest reads a manifest file, choosing the decoder by extension.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return Manifest{}, xerrors.New(xerrors.CodeInvalidArgument, "manifest path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	format := ""
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = "json"
	case ".yaml", ".yml":
		format = "yaml"
	}
	return ParseManifest(raw, format)
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

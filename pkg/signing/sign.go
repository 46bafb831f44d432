package signing

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	xerrors "hatago-plugin-host/internal/errors"
)

// SignPlugin signs data with priv using alg and returns the detached
// signature, timestamped now. It is meant for release tooling.
func SignPlugin(data []byte, priv crypto.Signer, keyID string, alg Algorithm) (PluginSignature, error) {
	return signAt(data, priv, keyID, alg, time.Now().UTC())
}

func signAt(data []byte, priv crypto.Signer, keyID string, alg Algorithm, at time.Time) (PluginSignature, error) {
	if keyID == "" {
		return PluginSignature{}, xerrors.New(xerrors.CodeSigningFailure, "key id cannot be empty")
	}
	if priv == nil {
		return PluginSignature{}, xerrors.New(xerrors.CodeSigningFailure, "private key cannot be nil")
	}
	impl, err := LookupAlgorithm(alg)
	if err != nil {
		return PluginSignature{}, xerrors.Wrap(xerrors.CodeSigningFailure, err, "lookup algorithm",
			xerrors.WithMetadata("algorithm", string(alg)))
	}
	raw, err := impl.Sign(priv, data)
	if err != nil {
		return PluginSignature{}, xerrors.Wrap(xerrors.CodeSigningFailure, err, "sign plugin with "+string(alg),
			xerrors.WithMetadata("algorithm", string(alg)),
			xerrors.WithMetadata("key_id", keyID))
	}
	return PluginSignature{
		Algorithm: alg,
		Signature: base64.StdEncoding.EncodeToString(raw),
		KeyID:     keyID,
		Timestamp: at,
	}, nil
}

// LoadSignature reads a detached signature written as JSON by release tooling.
func LoadSignature(path string) (PluginSignature, error) {
	var sig PluginSignature
	raw, err := os.ReadFile(path)
	if err != nil {
		return sig, fmt.Errorf("read signature: %w", err)
	}
	if err := json.Unmarshal(raw, &sig); err != nil {
		return sig, fmt.Errorf("decode signature %s: %w", path, err)
	}
	return sig, nil
}

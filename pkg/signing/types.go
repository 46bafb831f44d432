// Package signing authenticates plugin artifacts before the host trusts them
// enough to load.
//
// Release tooling signs artifact bytes with SignPlugin; the host checks the
// detached PluginSignature with a Verifier backed by a KeyRegistry of signer
// public keys. Verification never re-encodes the artifact: the exact bytes
// that were signed must be the bytes that are checked.
package signing

import (
	"crypto"
	"time"
)

// Algorithm names a supported signature scheme.
type Algorithm string

const (
	AlgorithmEd25519   Algorithm = "ed25519"
	AlgorithmRSAPSS    Algorithm = "rsa-pss"
	AlgorithmECDSAP256 Algorithm = "ecdsa-p256"
)

// Status is the outcome category of a verification.
type Status string

const (
	StatusValid     Status = "valid"
	StatusInvalid   Status = "invalid"
	StatusExpired   Status = "expired"
	StatusUntrusted Status = "untrusted"
	StatusError     Status = "error"
)

// PluginSignature is a detached signature over plugin bytes.
type PluginSignature struct {
	Algorithm    Algorithm `json:"algorithm" yaml:"algorithm"`
	Signature    string    `json:"signature" yaml:"signature"`
	KeyID        string    `json:"keyId" yaml:"keyId"`
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	Certificates []string  `json:"certificates,omitempty" yaml:"certificates,omitempty"`
}

// Signer identifies who produced a valid signature.
type Signer struct {
	KeyID   string `json:"keyId"`
	Issuer  string `json:"issuer,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// VerificationResult is returned by Verifier.VerifyPlugin.
type VerificationResult struct {
	Valid      bool      `json:"valid"`
	Status     Status    `json:"status"`
	Message    string    `json:"message"`
	Signer     *Signer   `json:"signer,omitempty"`
	VerifiedAt time.Time `json:"verifiedAt"`
	Error      string    `json:"error,omitempty"`
}

// KeyMetadata describes a registered key. ValidFrom and ValidTo are recorded
// for callers; the registry and verifier do not enforce them.
type KeyMetadata struct {
	Algorithm Algorithm  `json:"algorithm" yaml:"algorithm"`
	Issuer    string     `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Subject   string     `json:"subject,omitempty" yaml:"subject,omitempty"`
	ValidFrom *time.Time `json:"validFrom,omitempty" yaml:"validFrom,omitempty"`
	ValidTo   *time.Time `json:"validTo,omitempty" yaml:"validTo,omitempty"`
}

// TrustedKeyEntry is a registry record.
type TrustedKeyEntry struct {
	Key      crypto.PublicKey
	Trusted  bool
	Metadata KeyMetadata
}

// KeyPair is produced by GenerateKeyPair.
type KeyPair struct {
	PublicKey  crypto.PublicKey
	PrivateKey crypto.Signer
	KeyID      string
	Algorithm  Algorithm
}

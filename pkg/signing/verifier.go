package signing

import (
	"context"
	"crypto"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"
)

// DefaultMaxSignatureAge is applied when Config.MaxSignatureAge is zero.
const DefaultMaxSignatureAge = 30 * 24 * time.Hour

// Config controls verification policy.
type Config struct {
	// Enabled turns verification on. A disabled verifier accepts everything.
	Enabled bool `yaml:"enabled"`
	// MaxSignatureAge rejects signatures older than this. Negative disables the check.
	MaxSignatureAge time.Duration `yaml:"maxSignatureAge"`
	// AllowUntrusted accepts registered keys that are not flagged trusted,
	// e.g. development or test keys.
	AllowUntrusted bool `yaml:"allowUntrusted"`
}

// Verifier authenticates plugin bytes against detached signatures.
type Verifier struct {
	cfg      Config
	registry *KeyRegistry
	now      func() time.Time
	logger   *slog.Logger
	observe  func(VerificationResult)
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLogger sets the logger decisions are reported to.
func WithLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithResultObserver registers a callback invoked with every result.
func WithResultObserver(fn func(VerificationResult)) VerifierOption {
	return func(v *Verifier) {
		v.observe = fn
	}
}

// NewVerifier constructs a verifier reading keys from registry.
func NewVerifier(cfg Config, registry *KeyRegistry, opts ...VerifierOption) *Verifier {
	if cfg.MaxSignatureAge == 0 {
		cfg.MaxSignatureAge = DefaultMaxSignatureAge
	}
	if registry == nil {
		registry = NewKeyRegistry()
	}
	v := &Verifier{
		cfg:      cfg,
		registry: registry,
		now:      time.Now,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Enabled reports whether signatures are checked at all.
func (v *Verifier) Enabled() bool {
	return v.cfg.Enabled
}

// Registry exposes the key registry the verifier reads from.
func (v *Verifier) Registry() *KeyRegistry {
	return v.registry
}

// AddTrustedKey registers pub as a trusted key under keyID.
func (v *Verifier) AddTrustedKey(keyID string, pub crypto.PublicKey, metadata KeyMetadata) error {
	if metadata.Algorithm == "" {
		alg, err := AlgorithmForKey(pub)
		if err != nil {
			return err
		}
		metadata.Algorithm = alg
	}
	return v.registry.AddKey(keyID, pub, true, metadata)
}

// VerifyPlugin checks sig against data. It never panics and never returns an
// error: every outcome, including internal failures, is a VerificationResult.
func (v *Verifier) VerifyPlugin(data []byte, sig PluginSignature) (result VerificationResult) {
	defer func() {
		if r := recover(); r != nil {
			result = v.finish(sig, VerificationResult{
				Status:  StatusError,
				Message: "verification failed unexpectedly",
				Error:   fmt.Sprint(r),
			})
		}
	}()

	if !v.cfg.Enabled {
		return v.finish(sig, VerificationResult{Valid: true, Status: StatusValid, Message: "disabled"})
	}

	now := v.now()
	if v.cfg.MaxSignatureAge > 0 && now.Sub(sig.Timestamp) > v.cfg.MaxSignatureAge {
		return v.finish(sig, VerificationResult{
			Status:  StatusExpired,
			Message: fmt.Sprintf("signature older than %s", v.cfg.MaxSignatureAge),
		})
	}

	entry, ok := v.registry.Lookup(sig.KeyID)
	if !ok {
		return v.finish(sig, VerificationResult{Status: StatusUntrusted, Message: "unknown key id"})
	}
	if !entry.Trusted && !v.cfg.AllowUntrusted {
		return v.finish(sig, VerificationResult{Status: StatusUntrusted, Message: "key is not trusted"})
	}

	impl, err := LookupAlgorithm(sig.Algorithm)
	if err != nil {
		return v.finish(sig, VerificationResult{Status: StatusError, Message: "unsupported algorithm", Error: err.Error()})
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return v.finish(sig, VerificationResult{Status: StatusInvalid, Message: "signature is not valid base64"})
	}
	valid, err := impl.Verify(entry.Key, data, raw)
	if err != nil {
		return v.finish(sig, VerificationResult{Status: StatusError, Message: "key does not match algorithm", Error: err.Error()})
	}
	if !valid {
		return v.finish(sig, VerificationResult{Status: StatusInvalid, Message: "signature does not match plugin bytes"})
	}

	return v.finish(sig, VerificationResult{
		Valid:   true,
		Status:  StatusValid,
		Message: "signature verified",
		Signer: &Signer{
			KeyID:   sig.KeyID,
			Issuer:  entry.Metadata.Issuer,
			Subject: entry.Metadata.Subject,
		},
	})
}

func (v *Verifier) finish(sig PluginSignature, result VerificationResult) VerificationResult {
	result.VerifiedAt = v.now()
	level := slog.LevelInfo
	if !result.Valid {
		level = slog.LevelWarn
	}
	v.logger.Log(context.Background(), level, "plugin signature checked",
		slog.String("key_id", sig.KeyID),
		slog.String("algorithm", string(sig.Algorithm)),
		slog.String("status", string(result.Status)),
		slog.String("message", result.Message),
	)
	if v.observe != nil {
		v.observe(result)
	}
	return result
}

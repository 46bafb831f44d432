package signing

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "hatago-plugin-host/internal/errors"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func newTestVerifier(t *testing.T, cfg Config) (*Verifier, *KeyRegistry) {
	t.Helper()
	registry := NewKeyRegistry()
	return NewVerifier(cfg, registry, WithClock(clock)), registry
}

func signedFixture(t *testing.T, alg Algorithm, data []byte) (KeyPair, PluginSignature) {
	t.Helper()
	pair, err := GenerateKeyPair(alg)
	require.NoError(t, err)
	sig, err := signAt(data, pair.PrivateKey, pair.KeyID, alg, fixedNow.Add(-time.Hour))
	require.NoError(t, err)
	return pair, sig
}

func TestRoundTripAllAlgorithms(t *testing.T) {
	data := []byte("console.log('hello from plugin')\n")
	for _, alg := range Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			verifier, _ := newTestVerifier(t, Config{Enabled: true})
			pair, sig := signedFixture(t, alg, data)
			require.NoError(t, verifier.AddTrustedKey(pair.KeyID, pair.PublicKey, KeyMetadata{Issuer: "release", Subject: "ci"}))

			result := verifier.VerifyPlugin(data, sig)
			assert.True(t, result.Valid, result.Message)
			assert.Equal(t, StatusValid, result.Status)
			require.NotNil(t, result.Signer)
			assert.Equal(t, pair.KeyID, result.Signer.KeyID)
			assert.Equal(t, "release", result.Signer.Issuer)
			assert.Equal(t, "ci", result.Signer.Subject)
			assert.Equal(t, fixedNow, result.VerifiedAt)
		})
	}
}

func TestSignPluginStampsCurrentTime(t *testing.T) {
	pair, err := GenerateKeyPair(AlgorithmEd25519)
	require.NoError(t, err)

	before := time.Now().UTC()
	sig, err := SignPlugin([]byte("x"), pair.PrivateKey, pair.KeyID, AlgorithmEd25519)
	require.NoError(t, err)

	assert.Equal(t, AlgorithmEd25519, sig.Algorithm)
	assert.Equal(t, pair.KeyID, sig.KeyID)
	assert.False(t, sig.Timestamp.Before(before))
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	require.NoError(t, err)
	assert.Len(t, raw, ed25519.SignatureSize)
}

func TestTamperedBytesAreInvalid(t *testing.T) {
	for _, alg := range Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			verifier, _ := newTestVerifier(t, Config{Enabled: true})
			pair, sig := signedFixture(t, alg, []byte(`{"a":1,"b":2}`))
			require.NoError(t, verifier.AddTrustedKey(pair.KeyID, pair.PublicKey, KeyMetadata{}))

			// Same JSON document, different bytes.
			result := verifier.VerifyPlugin([]byte(`{"b":2,"a":1}`), sig)
			assert.False(t, result.Valid)
			assert.Equal(t, StatusInvalid, result.Status)
		})
	}
}

func TestDisabledVerifierAcceptsAnything(t *testing.T) {
	verifier, _ := newTestVerifier(t, Config{Enabled: false})

	result := verifier.VerifyPlugin([]byte("anything"), PluginSignature{Signature: "%%%", KeyID: "nobody"})
	assert.True(t, result.Valid)
	assert.Equal(t, StatusValid, result.Status)
	assert.Equal(t, "disabled", result.Message)
	assert.Equal(t, fixedNow, result.VerifiedAt)
}

func TestExpiredSignature(t *testing.T) {
	verifier, _ := newTestVerifier(t, Config{Enabled: true, MaxSignatureAge: time.Hour})
	pair, err := GenerateKeyPair(AlgorithmEd25519)
	require.NoError(t, err)
	require.NoError(t, verifier.AddTrustedKey(pair.KeyID, pair.PublicKey, KeyMetadata{}))

	sig, err := signAt([]byte("x"), pair.PrivateKey, pair.KeyID, AlgorithmEd25519, fixedNow.Add(-2*time.Hour))
	require.NoError(t, err)

	result := verifier.VerifyPlugin([]byte("x"), sig)
	assert.False(t, result.Valid)
	assert.Equal(t, StatusExpired, result.Status)
}

func TestExpiryCheckedBeforeKeyLookup(t *testing.T) {
	verifier, _ := newTestVerifier(t, Config{Enabled: true, MaxSignatureAge: time.Minute})

	result := verifier.VerifyPlugin([]byte("x"), PluginSignature{KeyID: "missing", Timestamp: fixedNow.Add(-time.Hour)})
	assert.Equal(t, StatusExpired, result.Status)
}

func TestNegativeMaxAgeDisablesExpiry(t *testing.T) {
	verifier, _ := newTestVerifier(t, Config{Enabled: true, MaxSignatureAge: -1})
	pair, err := GenerateKeyPair(AlgorithmEd25519)
	require.NoError(t, err)
	require.NoError(t, verifier.AddTrustedKey(pair.KeyID, pair.PublicKey, KeyMetadata{}))
	sig, err := signAt([]byte("x"), pair.PrivateKey, pair.KeyID, AlgorithmEd25519, fixedNow.AddDate(-5, 0, 0))
	require.NoError(t, err)

	assert.True(t, verifier.VerifyPlugin([]byte("x"), sig).Valid)
}

func TestUnknownKeyIsUntrusted(t *testing.T) {
	verifier, _ := newTestVerifier(t, Config{Enabled: true})
	_, sig := signedFixture(t, AlgorithmEd25519, []byte("x"))

	result := verifier.VerifyPlugin([]byte("x"), sig)
	assert.False(t, result.Valid)
	assert.Equal(t, StatusUntrusted, result.Status)
	assert.Equal(t, "unknown key id", result.Message)
}

func TestUntrustedKeyPolicy(t *testing.T) {
	data := []byte("plugin")
	pair, sig := signedFixture(t, AlgorithmECDSAP256, data)

	strict, registry := newTestVerifier(t, Config{Enabled: true})
	require.NoError(t, registry.AddKey(pair.KeyID, pair.PublicKey, false, KeyMetadata{Algorithm: AlgorithmECDSAP256}))
	result := strict.VerifyPlugin(data, sig)
	assert.Equal(t, StatusUntrusted, result.Status)

	lenient := NewVerifier(Config{Enabled: true, AllowUntrusted: true}, registry, WithClock(clock))
	result = lenient.VerifyPlugin(data, sig)
	assert.True(t, result.Valid)
}

func TestMalformedSignatureEncoding(t *testing.T) {
	verifier, _ := newTestVerifier(t, Config{Enabled: true})
	pair, sig := signedFixture(t, AlgorithmEd25519, []byte("x"))
	require.NoError(t, verifier.AddTrustedKey(pair.KeyID, pair.PublicKey, KeyMetadata{}))

	sig.Signature = "not base64!"
	result := verifier.VerifyPlugin([]byte("x"), sig)
	assert.Equal(t, StatusInvalid, result.Status)
}

func TestAlgorithmKeyMismatchReportsError(t *testing.T) {
	verifier, _ := newTestVerifier(t, Config{Enabled: true})
	pair, sig := signedFixture(t, AlgorithmEd25519, []byte("x"))
	require.NoError(t, verifier.AddTrustedKey(pair.KeyID, pair.PublicKey, KeyMetadata{}))

	sig.Algorithm = AlgorithmRSAPSS
	result := verifier.VerifyPlugin([]byte("x"), sig)
	assert.False(t, result.Valid)
	assert.Equal(t, StatusError, result.Status)
	assert.NotEmpty(t, result.Error)

	sig.Algorithm = "dsa"
	result = verifier.VerifyPlugin([]byte("x"), sig)
	assert.Equal(t, StatusError, result.Status)
}

func TestMalformedKeyMaterialDoesNotPanic(t *testing.T) {
	verifier, registry := newTestVerifier(t, Config{Enabled: true})
	require.NoError(t, registry.AddKey("broken", &ecdsa.PublicKey{}, true, KeyMetadata{}))

	var result VerificationResult
	require.NotPanics(t, func() {
		result = verifier.VerifyPlugin([]byte("x"), PluginSignature{
			Algorithm: AlgorithmECDSAP256,
			KeyID:     "broken",
			Signature: base64.StdEncoding.EncodeToString([]byte("sig")),
			Timestamp: fixedNow,
		})
	})
	assert.False(t, result.Valid)
	assert.Equal(t, StatusError, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestResultObserverSeesEveryOutcome(t *testing.T) {
	var seen []Status
	verifier := NewVerifier(Config{Enabled: true}, nil, WithClock(clock), WithResultObserver(func(r VerificationResult) {
		seen = append(seen, r.Status)
	}))
	verifier.VerifyPlugin([]byte("x"), PluginSignature{KeyID: "a", Timestamp: fixedNow})
	verifier.VerifyPlugin([]byte("x"), PluginSignature{KeyID: "b", Timestamp: fixedNow.AddDate(-1, 0, 0)})

	assert.Equal(t, []Status{StatusUntrusted, StatusExpired}, seen)
}

func TestGenerateKeyIDIsDeterministic(t *testing.T) {
	for _, alg := range Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			pair, err := GenerateKeyPair(alg)
			require.NoError(t, err)

			id1, err := GenerateKeyID(pair.PublicKey)
			require.NoError(t, err)
			assert.Equal(t, pair.KeyID, id1)
			assert.Len(t, id1, 16)

			encoded, err := MarshalPublicKeyPEM(pair.PublicKey)
			require.NoError(t, err)
			decoded, err := ParsePublicKeyPEM(encoded)
			require.NoError(t, err)
			id2, err := GenerateKeyID(decoded)
			require.NoError(t, err)
			assert.Equal(t, id1, id2)

			inferred, err := AlgorithmForKey(decoded)
			require.NoError(t, err)
			assert.Equal(t, alg, inferred)
		})
	}
}

func TestDistinctKeysHaveDistinctIDs(t *testing.T) {
	a, err := GenerateKeyPair(AlgorithmEd25519)
	require.NoError(t, err)
	b, err := GenerateKeyPair(AlgorithmEd25519)
	require.NoError(t, err)
	assert.NotEqual(t, a.KeyID, b.KeyID)
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	for _, alg := range Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			pair, err := GenerateKeyPair(alg)
			require.NoError(t, err)
			encoded, err := MarshalPrivateKeyPEM(pair.PrivateKey)
			require.NoError(t, err)
			priv, err := ParsePrivateKeyPEM(encoded)
			require.NoError(t, err)

			data := []byte("artifact")
			sig, err := SignPlugin(data, priv, pair.KeyID, alg)
			require.NoError(t, err)

			verifier := NewVerifier(Config{Enabled: true}, nil)
			require.NoError(t, verifier.AddTrustedKey(pair.KeyID, pair.PublicKey, KeyMetadata{}))
			assert.True(t, verifier.VerifyPlugin(data, sig).Valid)
		})
	}
}

func TestParsePEMRejectsWrongBlocks(t *testing.T) {
	_, err := ParsePublicKeyPEM([]byte("garbage"))
	assert.Error(t, err)

	pair, err := GenerateKeyPair(AlgorithmEd25519)
	require.NoError(t, err)
	privPEM, err := MarshalPrivateKeyPEM(pair.PrivateKey)
	require.NoError(t, err)
	_, err = ParsePublicKeyPEM(privPEM)
	assert.Error(t, err)
}

func TestSignPluginRejectsMismatchedKey(t *testing.T) {
	pair, err := GenerateKeyPair(AlgorithmEd25519)
	require.NoError(t, err)

	_, err = SignPlugin([]byte("x"), pair.PrivateKey, pair.KeyID, AlgorithmECDSAP256)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeSigningFailure))
	coded, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, string(AlgorithmECDSAP256), coded.Metadata()["algorithm"])
	_, err = SignPlugin([]byte("x"), pair.PrivateKey, "", AlgorithmEd25519)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeSigningFailure))
	_, err = SignPlugin([]byte("x"), nil, pair.KeyID, AlgorithmEd25519)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeSigningFailure))
	_, err = SignPlugin([]byte("x"), pair.PrivateKey, pair.KeyID, "md5")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeSigningFailure))
}

func TestRegistryOperations(t *testing.T) {
	registry := NewKeyRegistry()
	pair, err := GenerateKeyPair(AlgorithmEd25519)
	require.NoError(t, err)

	require.Error(t, registry.AddKey("", pair.PublicKey, true, KeyMetadata{}))
	require.Error(t, registry.AddKey("k", nil, true, KeyMetadata{}))

	require.NoError(t, registry.AddKey("b", pair.PublicKey, false, KeyMetadata{Issuer: "dev"}))
	require.NoError(t, registry.AddKey("a", pair.PublicKey, true, KeyMetadata{Algorithm: AlgorithmEd25519}))

	assert.Equal(t, []string{"a", "b"}, registry.ListKeys())
	assert.True(t, registry.IsTrusted("a"))
	assert.False(t, registry.IsTrusted("b"))
	assert.False(t, registry.IsTrusted("missing"))

	key, ok := registry.GetKey("a")
	require.True(t, ok)
	assert.Equal(t, pair.PublicKey, key)

	info, ok := registry.GetKeyInfo("b")
	require.True(t, ok)
	assert.Equal(t, "dev", info.Issuer)

	_, ok = registry.GetKeyInfo("missing")
	assert.False(t, ok)

	assert.True(t, registry.RemoveKey("b"))
	assert.False(t, registry.RemoveKey("b"))
	assert.Equal(t, []string{"a"}, registry.ListKeys())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	registry := NewKeyRegistry()
	pair, err := GenerateKeyPair(AlgorithmEd25519)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = registry.AddKey(fmt.Sprintf("key-%d", i), pair.PublicKey, i%2 == 0, KeyMetadata{})
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = registry.IsTrusted(fmt.Sprintf("key-%d", i))
			_ = registry.ListKeys()
		}(i)
	}
	wg.Wait()
	assert.Len(t, registry.ListKeys(), 50)
}

func TestLoadSignature(t *testing.T) {
	pair, err := GenerateKeyPair(AlgorithmEd25519)
	require.NoError(t, err)
	sig, err := signAt([]byte("artifact"), pair.PrivateKey, pair.KeyID, AlgorithmEd25519, fixedNow)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "echo.so.sig.json")
	raw, err := json.Marshal(sig)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	loaded, err := LoadSignature(path)
	require.NoError(t, err)
	assert.Equal(t, sig.Signature, loaded.Signature)
	assert.True(t, loaded.Timestamp.Equal(fixedNow))

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err = LoadSignature(path)
	assert.Error(t, err)
	_, err = LoadSignature(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

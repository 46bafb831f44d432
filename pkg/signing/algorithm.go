package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// rsaPSSSaltLength is fixed so signatures made by other tooling with the
// same parameters verify here.
const rsaPSSSaltLength = 32

const rsaKeyBits = 2048

// SignatureAlgorithm is one asymmetric signature scheme.
type SignatureAlgorithm interface {
	Name() Algorithm
	GenerateKey() (crypto.PublicKey, crypto.Signer, error)
	Sign(key crypto.Signer, message []byte) ([]byte, error)
	// Verify reports whether sig is a valid signature of message. It returns
	// an error only when the key does not belong to this algorithm.
	Verify(key crypto.PublicKey, message, sig []byte) (bool, error)
}

// LookupAlgorithm returns the implementation registered for name.
func LookupAlgorithm(name Algorithm) (SignatureAlgorithm, error) {
	switch name {
	case AlgorithmEd25519:
		return ed25519Algorithm{}, nil
	case AlgorithmRSAPSS:
		return rsaPSSAlgorithm{}, nil
	case AlgorithmECDSAP256:
		return ecdsaP256Algorithm{}, nil
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", name)
	}
}

// Algorithms lists every supported algorithm.
func Algorithms() []Algorithm {
	return []Algorithm{AlgorithmEd25519, AlgorithmRSAPSS, AlgorithmECDSAP256}
}

type ed25519Algorithm struct{}

func (ed25519Algorithm) Name() Algorithm { return AlgorithmEd25519 }

func (ed25519Algorithm) GenerateKey() (crypto.PublicKey, crypto.Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return pub, priv, nil
}

func (ed25519Algorithm) Sign(key crypto.Signer, message []byte) ([]byte, error) {
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ed25519 requires an ed25519 private key, got %T", key)
	}
	return ed25519.Sign(priv, message), nil
}

func (ed25519Algorithm) Verify(key crypto.PublicKey, message, sig []byte) (bool, error) {
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return false, fmt.Errorf("ed25519 requires an ed25519 public key, got %T", key)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid ed25519 public key size: %d", len(pub))
	}
	return ed25519.Verify(pub, message, sig), nil
}

type rsaPSSAlgorithm struct{}

func (rsaPSSAlgorithm) Name() Algorithm { return AlgorithmRSAPSS }

func (rsaPSSAlgorithm) GenerateKey() (crypto.PublicKey, crypto.Signer, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &priv.PublicKey, priv, nil
}

func (rsaPSSAlgorithm) Sign(key crypto.Signer, message []byte) ([]byte, error) {
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("rsa-pss requires an rsa private key, got %T", key)
	}
	digest := sha256.Sum256(message)
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsaPSSSaltLength,
		Hash:       crypto.SHA256,
	})
}

func (rsaPSSAlgorithm) Verify(key crypto.PublicKey, message, sig []byte) (bool, error) {
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return false, fmt.Errorf("rsa-pss requires an rsa public key, got %T", key)
	}
	digest := sha256.Sum256(message)
	err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsaPSSSaltLength,
		Hash:       crypto.SHA256,
	})
	return err == nil, nil
}

type ecdsaP256Algorithm struct{}

func (ecdsaP256Algorithm) Name() Algorithm { return AlgorithmECDSAP256 }

func (ecdsaP256Algorithm) GenerateKey() (crypto.PublicKey, crypto.Signer, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ecdsa key: %w", err)
	}
	return &priv.PublicKey, priv, nil
}

func (ecdsaP256Algorithm) Sign(key crypto.Signer, message []byte) ([]byte, error) {
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ecdsa-p256 requires an ecdsa private key, got %T", key)
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("ecdsa-p256 requires a P-256 key, got %s", priv.Curve.Params().Name)
	}
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, priv, digest[:])
}

func (ecdsaP256Algorithm) Verify(key crypto.PublicKey, message, sig []byte) (bool, error) {
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return false, fmt.Errorf("ecdsa-p256 requires an ecdsa public key, got %T", key)
	}
	if pub.Curve != elliptic.P256() {
		return false, fmt.Errorf("ecdsa-p256 requires a P-256 key, got %s", pub.Curve.Params().Name)
	}
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(pub, digest[:], sig), nil
}

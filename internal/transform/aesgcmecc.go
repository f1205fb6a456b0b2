package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/hkdf"
)

func newSHA256() hash.Hash { return sha256.New() }

// ECCCurve names the supported NIST curves.
type ECCCurve string

const (
	CurveP256 ECCCurve = "P-256"
	CurveP384 ECCCurve = "P-384"
	CurveP521 ECCCurve = "P-521"
)

func (c ECCCurve) ecdhCurve() (ecdh.Curve, error) {
	switch c {
	case CurveP256, "":
		return ecdh.P256(), nil
	case CurveP384:
		return ecdh.P384(), nil
	case CurveP521:
		return ecdh.P521(), nil
	default:
		return nil, fmt.Errorf("aes_256_gcm_ecc: unsupported curve %q", c)
	}
}

// AESGCMECCConfig configures aes_256_gcm_ecc. PublicKey alone supports
// Forward (write-only instances); PrivateKey is required for Inverse.
type AESGCMECCConfig struct {
	Curve      ECCCurve
	PublicKey  []byte // uncompressed point, per curve.NewPublicKey
	PrivateKey []byte // per curve.NewPrivateKey; may be nil for a write-only instance
}

// AESGCMECCTransform wraps the per-block data key with an ECIES exchange
// instead of a shared master key: a fresh ephemeral keypair is generated
// per block, an HKDF-derived key wraps the data key, and only the
// ephemeral public key plus wrapped key travel in the sidecar header.
// Built on stdlib crypto/ecdh + golang.org/x/crypto/hkdf. This makes the
// public key alone sufficient for writes, enabling write-only backup
// instances that never hold the private key.
type AESGCMECCTransform struct {
	curve      ecdh.Curve
	publicKey  *ecdh.PublicKey
	privateKey *ecdh.PrivateKey
}

func NewAESGCMECCTransform(cfg AESGCMECCConfig) (*AESGCMECCTransform, error) {
	curve, err := cfg.Curve.ecdhCurve()
	if err != nil {
		return nil, err
	}
	t := &AESGCMECCTransform{curve: curve}
	if len(cfg.PublicKey) > 0 {
		pub, err := curve.NewPublicKey(cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("aes_256_gcm_ecc: invalid public key: %w", err)
		}
		t.publicKey = pub
	}
	if len(cfg.PrivateKey) > 0 {
		priv, err := curve.NewPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("aes_256_gcm_ecc: invalid private key: %w", err)
		}
		t.privateKey = priv
		if t.publicKey == nil {
			t.publicKey = priv.PublicKey()
		}
	}
	if t.publicKey == nil {
		return nil, fmt.Errorf("aes_256_gcm_ecc: a public key (or a private key to derive one) is required")
	}
	return t, nil
}

func (*AESGCMECCTransform) Name() string { return "aes_256_gcm_ecc" }

func (t *AESGCMECCTransform) Forward(plaintext []byte) ([]byte, Header, error) {
	ephemeral, err := t.curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(t.publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("ecdh: %w", err)
	}
	wrapKey, err := deriveWrapKey(shared)
	if err != nil {
		return nil, nil, err
	}

	dataKey := make([]byte, 32)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, nil, fmt.Errorf("generating data key: %w", err)
	}
	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generating iv: %w", err)
	}
	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	wrapped, err := keyWrap(wrapKey, dataKey)
	if err != nil {
		return nil, nil, fmt.Errorf("wrapping data key: %w", err)
	}

	header := Header{
		"iv":             hex.EncodeToString(iv),
		"wrapped_key":    hex.EncodeToString(wrapped),
		"ephemeral_key":  hex.EncodeToString(ephemeral.PublicKey().Bytes()),
	}
	return ciphertext, header, nil
}

func (t *AESGCMECCTransform) Inverse(data []byte, header Header) ([]byte, error) {
	if t.privateKey == nil {
		return nil, fmt.Errorf("aes_256_gcm_ecc: private key required to decrypt")
	}
	ephemeralBytes, err := hex.DecodeString(header["ephemeral_key"])
	if err != nil {
		return nil, fmt.Errorf("decoding ephemeral key: %w", err)
	}
	ephemeralPub, err := t.curve.NewPublicKey(ephemeralBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing ephemeral key: %w", err)
	}
	shared, err := t.privateKey.ECDH(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	wrapKey, err := deriveWrapKey(shared)
	if err != nil {
		return nil, err
	}

	wrapped, err := hex.DecodeString(header["wrapped_key"])
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped key: %w", err)
	}
	dataKey, err := keyUnwrap(wrapKey, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	iv, err := hex.DecodeString(header["iv"])
	if err != nil {
		return nil, fmt.Errorf("decoding iv: %w", err)
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, data, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}
	return plaintext, nil
}

func deriveWrapKey(shared []byte) ([]byte, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(newSHA256, shared, nil, []byte("benji-aes-256-gcm-ecc-wrap"))
	if _, err := kdf.Read(key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

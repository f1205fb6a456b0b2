package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// AESGCMConfig selects how the master key is obtained. Either Password
// is set (derived via PBKDF2-SHA-512) or a 32-byte MasterKey is supplied
// directly; when both are set, MasterKey is used and Password is ignored.
type AESGCMConfig struct {
	Password      string
	MasterKey     []byte // 32 bytes, used verbatim if set
	KDFSalt       []byte
	KDFIterations int
}

// AESGCMTransform implements envelope encryption: a fresh 256-bit data
// key per block, AES-256-GCM over the plaintext, and the data key
// wrapped with the master key via RFC 3394 (keywrap.go). Built on
// crypto/aes + crypto/cipher for the symmetric layer, with key
// derivation via PBKDF2-SHA-512 (golang.org/x/crypto/pbkdf2) when a
// password rather than a raw key is configured.
type AESGCMTransform struct {
	masterKey []byte
	paramsFP  string // empty when the master key was supplied directly
}

// KDFParamsFingerprint renders salt+iterations as a stable hex digest.
// Changing either after data exists makes every old ciphertext
// unrecoverable, so the fingerprint is stamped onto a Storage on first
// use and compared on every startup; a mismatch must be refused loudly
// rather than discovered at restore time.
func KDFParamsFingerprint(salt []byte, iterations int) string {
	h := sha256.New()
	h.Write(salt)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(iterations))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// ParamsFingerprint returns the KDF-parameters fingerprint, or "" when
// the master key was configured directly (no derivation to pin).
func (t *AESGCMTransform) ParamsFingerprint() string { return t.paramsFP }

func NewAESGCMTransform(cfg AESGCMConfig) (*AESGCMTransform, error) {
	if len(cfg.MasterKey) == 32 {
		return &AESGCMTransform{masterKey: cfg.MasterKey}, nil
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("aes_256_gcm: either password or a 32-byte masterKey is required")
	}
	if len(cfg.KDFSalt) == 0 {
		return nil, fmt.Errorf("aes_256_gcm: kdfSalt is required when deriving the master key from a password")
	}
	iterations := cfg.KDFIterations
	if iterations == 0 {
		iterations = 200_000
	}
	key := pbkdf2.Key([]byte(cfg.Password), cfg.KDFSalt, iterations, 32, sha512.New)
	return &AESGCMTransform{masterKey: key, paramsFP: KDFParamsFingerprint(cfg.KDFSalt, iterations)}, nil
}

func (*AESGCMTransform) Name() string { return "aes_256_gcm" }

func (t *AESGCMTransform) Forward(plaintext []byte) ([]byte, Header, error) {
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

	wrapped, err := keyWrap(t.masterKey, dataKey)
	if err != nil {
		return nil, nil, fmt.Errorf("wrapping data key: %w", err)
	}

	header := Header{
		"iv":          hex.EncodeToString(iv),
		"wrapped_key": hex.EncodeToString(wrapped),
	}
	return ciphertext, header, nil
}

func (t *AESGCMTransform) Inverse(data []byte, header Header) ([]byte, error) {
	wrapped, err := hex.DecodeString(header["wrapped_key"])
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped key: %w", err)
	}
	dataKey, err := keyUnwrap(t.masterKey, wrapped)
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

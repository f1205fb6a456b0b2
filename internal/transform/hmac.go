package transform

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// HMACConfig mirrors AESGCMConfig's key-derivation options: either a
// password (PBKDF2-SHA-512) or a raw key.
type HMACConfig struct {
	Password      string
	Key           []byte
	KDFSalt       []byte
	KDFIterations int
}

// HMACSigner signs/verifies sidecar fields with HMAC-SHA-256 per RFC 2104.
type HMACSigner struct {
	key []byte
}

func NewHMACSigner(cfg HMACConfig) (*HMACSigner, error) {
	if len(cfg.Key) > 0 {
		return &HMACSigner{key: cfg.Key}, nil
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("hmac sidecar: either password or key is required")
	}
	if len(cfg.KDFSalt) == 0 {
		return nil, fmt.Errorf("hmac sidecar: kdfSalt is required when deriving from a password")
	}
	iterations := cfg.KDFIterations
	if iterations == 0 {
		iterations = 200_000
	}
	key := pbkdf2.Key([]byte(cfg.Password), cfg.KDFSalt, iterations, 32, sha512.New)
	return &HMACSigner{key: key}, nil
}

// Canonical renders a sidecar field set deterministically: sorted
// "key=value" pairs joined by "\n", so the same logical sidecar always
// signs to the same bytes regardless of map iteration order.
func Canonical(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func (s *HMACSigner) Sign(fields map[string]string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(Canonical(fields))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether want matches the HMAC over fields, using a
// constant-time comparison.
func (s *HMACSigner) Verify(fields map[string]string, want string) bool {
	got, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(Canonical(fields))
	return hmac.Equal(mac.Sum(nil), got)
}

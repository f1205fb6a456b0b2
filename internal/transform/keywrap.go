package transform

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
)

// rfc3394DefaultIV is the standard 8-byte initial value from RFC 3394 §2.2.3.1.
var rfc3394DefaultIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// keyWrap implements the RFC 3394 AES key wrap algorithm over a raw
// block cipher, directly against the RFC text.
func keyWrap(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 || len(plaintext) < 16 {
		return nil, fmt.Errorf("keywrap: plaintext length %d must be a multiple of 8 and >= 16", len(plaintext))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(plaintext) / 8
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], plaintext[i*8:(i+1)*8])
	}
	var a [8]byte
	copy(a[:], rfc3394DefaultIV[:])

	buf := make([]byte, 16)
	for j := 0; j < 6; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			block.Encrypt(buf, buf)
			var t uint64
			binary.BigEndian.PutUint64(a[:], binary.BigEndian.Uint64(buf[:8]))
			t = uint64(n*j + i)
			xorCounter(a[:], t)
			copy(r[i-1][:], buf[8:])
		}
	}

	out := make([]byte, 8+len(plaintext))
	copy(out[:8], a[:])
	for i := 0; i < n; i++ {
		copy(out[8+i*8:], r[i][:])
	}
	return out, nil
}

func keyUnwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, fmt.Errorf("keyunwrap: wrapped length %d must be a multiple of 8 and >= 24", len(wrapped))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[:8])
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], wrapped[8+i*8:8+(i+1)*8])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			xorCounter(a[:], t)
			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			block.Decrypt(buf, buf)
			copy(a[:], buf[:8])
			copy(r[i-1][:], buf[8:])
		}
	}

	if a != rfc3394DefaultIV {
		return nil, fmt.Errorf("keyunwrap: integrity check failed")
	}
	out := make([]byte, n*8)
	for i := 0; i < n; i++ {
		copy(out[i*8:], r[i][:])
	}
	return out, nil
}

func xorCounter(a []byte, t uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], t)
	for i := range a {
		a[i] ^= buf[i]
	}
}

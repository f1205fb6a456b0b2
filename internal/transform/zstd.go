package transform

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdTransform compresses blocks with klauspost/compress/zstd. Level is
// the only configuration knob; an optional pre-shared dictionary may be
// supplied as raw bytes (nil disables it).
type ZstdTransform struct {
	level zstd.EncoderLevel
	dict  []byte
}

// NewZstdTransform builds a transform at the given level with an
// optional pre-shared dictionary (nil to disable).
func NewZstdTransform(level int, dict []byte) (*ZstdTransform, error) {
	lvl := zstd.EncoderLevelFromZstd(level)
	return &ZstdTransform{level: lvl, dict: dict}, nil
}

func (*ZstdTransform) Name() string { return "zstd" }

func (t *ZstdTransform) encoder() (*zstd.Encoder, error) {
	opts := []zstd.EOption{zstd.WithEncoderLevel(t.level)}
	if len(t.dict) > 0 {
		opts = append(opts, zstd.WithEncoderDict(t.dict))
	}
	return zstd.NewWriter(nil, opts...)
}

func (t *ZstdTransform) decoder() (*zstd.Decoder, error) {
	var opts []zstd.DOption
	if len(t.dict) > 0 {
		opts = append(opts, zstd.WithDecoderDicts(t.dict))
	}
	return zstd.NewReader(nil, opts...)
}

func (t *ZstdTransform) Forward(plaintext []byte) ([]byte, Header, error) {
	enc, err := t.encoder()
	if err != nil {
		return nil, nil, fmt.Errorf("building zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(plaintext, nil), Header{}, nil
}

func (t *ZstdTransform) Inverse(data []byte, _ Header) ([]byte, error) {
	dec, err := t.decoder()
	if err != nil {
		return nil, fmt.Errorf("building zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

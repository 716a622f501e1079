package registry

import (
	"github.com/klauspost/compress/zstd"
)

// Validation log details are JSON documents that repeat the same field names
// thousands of times a day; they are zstd-compressed at rest.

var (
	detailsEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	detailsDecoder, _ = zstd.NewReader(nil)
)

// zstdMagic is the frame header every compressed details blob starts with.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func compressDetails(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return detailsEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

// decompressDetails restores a details blob. Plain JSON written before
// compression was introduced passes through untouched.
func decompressDetails(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	if len(stored) < len(zstdMagic) || string(stored[:4]) != string(zstdMagic) {
		return stored, nil
	}
	return detailsDecoder.DecodeAll(stored, nil)
}

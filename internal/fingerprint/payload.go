package fingerprint

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/tphakala/radiotrack/internal/errors"
)

// payloadVersion is the first byte of every decompressed payload.
const payloadVersion = 1

// each hash needs at least two bytes once varint packed
const minEncodedHashBytes = 2

// MaxPayloadHashes bounds the hashes of one track, a few hours of audio.
const MaxPayloadHashes = 1 << 23

// maxRawPayloadBytes is the largest decompressed payload EncodePayload can
// produce. Decompression stops there.
const maxRawPayloadBytes = 1 + binary.MaxVarintLen64 + MaxPayloadHashes*2*binary.MaxVarintLen32

var (
	encoderOnce = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	})
	decoderOnce = sync.OnceValues(func() (*zstd.Decoder, error) {
		return newPayloadDecoder(maxRawPayloadBytes)
	})
)

func newPayloadDecoder(maxBytes uint64) (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxBytes))
}

// EncodePayload packs hashes as (frame delta, value) uvarint pairs in frame
// order and compresses the result with zstd. hashes is sorted in place.
func EncodePayload(hashes []Hash) ([]byte, error) {
	if len(hashes) > MaxPayloadHashes {
		return nil, errors.Newf("%d hashes exceed the payload limit of %d", len(hashes), MaxPayloadHashes).
			Component("fingerprint").
			Category(errors.CategoryValidation).
			Build()
	}
	sortHashes(hashes)

	raw := make([]byte, 0, 1+binary.MaxVarintLen64+len(hashes)*4)
	raw = append(raw, payloadVersion)
	raw = binary.AppendUvarint(raw, uint64(len(hashes)))

	var prev uint32
	for _, h := range hashes {
		raw = binary.AppendUvarint(raw, uint64(h.Frame-prev))
		raw = binary.AppendUvarint(raw, uint64(h.Value))
		prev = h.Frame
	}

	enc, err := encoderOnce()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(raw, nil), nil
}

// DecodePayload reverses EncodePayload. Any malformed input yields an error
// wrapping errors.ErrIndexCorruption.
func DecodePayload(payload []byte) ([]Hash, error) {
	dec, err := decoderOnce()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return decodePayload(dec, payload)
}

func decodePayload(dec *zstd.Decoder, payload []byte) ([]Hash, error) {
	raw, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, corruption("decompress: %v", err)
	}
	if len(raw) == 0 || raw[0] != payloadVersion {
		return nil, corruption("unsupported payload version")
	}
	raw = raw[1:]

	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, corruption("bad hash count")
	}
	raw = raw[n:]
	if count > uint64(len(raw)/minEncodedHashBytes) {
		return nil, corruption("hash count %d exceeds payload size", count)
	}

	hashes := make([]Hash, 0, count)
	var frame uint64
	for i := range count {
		delta, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, corruption("truncated frame at hash %d", i)
		}
		raw = raw[n:]
		value, n := binary.Uvarint(raw)
		if n <= 0 || value > 0xFFFFFFFF {
			return nil, corruption("truncated value at hash %d", i)
		}
		raw = raw[n:]

		frame += delta
		if frame > 0xFFFFFFFF {
			return nil, corruption("frame overflow at hash %d", i)
		}
		hashes = append(hashes, Hash{Value: uint32(value), Frame: uint32(frame)})
	}
	if len(raw) != 0 {
		return nil, corruption("%d trailing bytes", len(raw))
	}
	return hashes, nil
}

func corruption(format string, args ...any) error {
	return errors.New(fmt.Errorf("%w: "+format, append([]any{errors.ErrIndexCorruption}, args...)...)).
		Component("fingerprint").
		Category(errors.CategoryIndexCorrupt).
		Build()
}

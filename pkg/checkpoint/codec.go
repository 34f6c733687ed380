// Copyright 2026 © The TokenRing Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/tokenring-ai/agentry/pkg/errors"
)

// Blob layout: magic (2 bytes) | version (1 byte) | BLAKE3 checksum of
// the compressed payload (32 bytes) | zstd-compressed deterministic
// CBOR. The checksum is what turns random corruption into a clean
// CHECKPOINT_CORRUPT instead of a garbled decode.
const (
	blobVersion  = 1
	headerLength = 2 + 1 + 32
)

var blobMagic = [2]byte{'A', 'C'}

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// logical state always produces identical bytes, which keeps checkpoint
// checksums stable across processes.
var encMode cbor.EncMode

// decMode accepts standard CBOR and decodes any-typed targets into
// map[string]any for compatibility with the rest of the runtime.
// Integers decode as int64 so a state map survives an encode/decode
// round trip with the same dynamic types it was written with.
var decMode cbor.DecMode

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("checkpoint: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("checkpoint: CBOR decoder initialization failed: " + err.Error())
	}

	// Both are safe for concurrent use and reused across calls.
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("checkpoint: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("checkpoint: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes v into a checksummed checkpoint blob.
func Encode(v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "checkpoint state is not serializable", err)
	}
	compressed := zstdEncoder.EncodeAll(raw, nil)

	blob := make([]byte, headerLength, headerLength+len(compressed))
	blob[0], blob[1] = blobMagic[0], blobMagic[1]
	blob[2] = blobVersion
	sum := blake3.Sum256(compressed)
	copy(blob[3:], sum[:])
	return append(blob, compressed...), nil
}

// Decode deserializes a checkpoint blob produced by Encode into v.
// Any header, checksum, or shape mismatch fails with CHECKPOINT_CORRUPT.
func Decode(blob []byte, v any) error {
	if len(blob) < headerLength {
		return errors.Newf(errors.CodeCheckpointCorrupt, "blob truncated: %d bytes", len(blob))
	}
	if blob[0] != blobMagic[0] || blob[1] != blobMagic[1] {
		return errors.Newf(errors.CodeCheckpointCorrupt, "bad magic %x", blob[:2])
	}
	if blob[2] != blobVersion {
		return errors.Newf(errors.CodeCheckpointCorrupt, "unsupported blob version %d", blob[2])
	}
	compressed := blob[headerLength:]
	sum := blake3.Sum256(compressed)
	for i, b := range blob[3:headerLength] {
		if sum[i] != b {
			return errors.Newf(errors.CodeCheckpointCorrupt, "checksum mismatch")
		}
	}
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return errors.New(errors.CodeCheckpointCorrupt, "decompression failed", err)
	}
	if err := decMode.Unmarshal(raw, v); err != nil {
		return errors.New(errors.CodeCheckpointCorrupt, "state shape mismatch", err)
	}
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the block compressor of a compressed cas file.
// Stored as one header byte; values are format constants.
type Codec uint8

const (
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

// String returns the codec name.
func (c Codec) String() string {
	switch c {
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCodec parses a codec name as used in configuration.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("unknown cas codec: %q", name)
	}
}

// BlockSize is the maximum number of raw bytes in one block.
const BlockSize = 1 << 20

// HeaderSize is the size of the compressed-file header.
const HeaderSize = 4 + 1 + 8

const blockHeaderSize = 8

var compressedMagic = [4]byte{'B', 'C', 'A', 'S'}

var errIncompressible = errors.New("data is incompressible")

// Compress encodes content in the compressed cas file format.
// Blocks that do not shrink are stored raw, marked by a compressed
// length equal to the raw length.
func Compress(content []byte, codec Codec) ([]byte, error) {
	if codec != CodecLZ4 && codec != CodecZstd {
		return nil, fmt.Errorf("compress: unsupported codec %s", codec)
	}
	output := make([]byte, HeaderSize, HeaderSize+len(content)/2+blockHeaderSize)
	copy(output, compressedMagic[:])
	output[4] = byte(codec)
	binary.BigEndian.PutUint64(output[5:HeaderSize], uint64(len(content)))

	for offset := 0; offset < len(content); offset += BlockSize {
		end := min(offset+BlockSize, len(content))
		raw := content[offset:end]

		block, err := compressBlock(raw, codec)
		if errors.Is(err, errIncompressible) {
			block = raw
		} else if err != nil {
			return nil, err
		}

		var header [blockHeaderSize]byte
		binary.BigEndian.PutUint32(header[0:4], uint32(len(block)))
		binary.BigEndian.PutUint32(header[4:8], uint32(len(raw)))
		output = append(output, header[:]...)
		output = append(output, block...)
	}
	return output, nil
}

// UncompressedSize reads the uncompressed size from a compressed
// file header.
func UncompressedSize(compressed []byte) (int64, error) {
	if len(compressed) < HeaderSize {
		return 0, fmt.Errorf("%w: compressed file shorter than header (%d bytes)", ErrCorrupt, len(compressed))
	}
	if [4]byte(compressed[0:4]) != compressedMagic {
		return 0, fmt.Errorf("%w: bad compressed file magic %x", ErrCorrupt, compressed[0:4])
	}
	size := binary.BigEndian.Uint64(compressed[5:HeaderSize])
	if size > 1<<40 {
		return 0, fmt.Errorf("%w: implausible uncompressed size %d", ErrCorrupt, size)
	}
	return int64(size), nil
}

// Decompress decodes a compressed cas file into destination, which
// must be exactly the uncompressed size. Any structural mismatch
// returns an error wrapping [ErrCorrupt].
func Decompress(compressed []byte, destination []byte) error {
	size, err := UncompressedSize(compressed)
	if err != nil {
		return err
	}
	if int64(len(destination)) != size {
		return fmt.Errorf("decompress: destination is %d bytes, want %d", len(destination), size)
	}
	codec := Codec(compressed[4])
	if codec != CodecLZ4 && codec != CodecZstd {
		return fmt.Errorf("%w: unknown codec byte %d", ErrCorrupt, compressed[4])
	}

	position := HeaderSize
	written := 0
	for written < len(destination) {
		if len(compressed)-position < blockHeaderSize {
			return fmt.Errorf("%w: truncated block header at offset %d", ErrCorrupt, position)
		}
		blockLength := int(binary.BigEndian.Uint32(compressed[position : position+4]))
		rawLength := int(binary.BigEndian.Uint32(compressed[position+4 : position+8]))
		position += blockHeaderSize

		if rawLength == 0 || rawLength > BlockSize || rawLength > len(destination)-written {
			return fmt.Errorf("%w: block raw length %d invalid at offset %d", ErrCorrupt, rawLength, position)
		}
		if blockLength > len(compressed)-position || blockLength > rawLength {
			return fmt.Errorf("%w: block length %d invalid at offset %d", ErrCorrupt, blockLength, position)
		}
		block := compressed[position : position+blockLength]
		target := destination[written : written+rawLength : written+rawLength]

		if blockLength == rawLength {
			copy(target, block)
		} else if err := decompressBlock(block, target, codec); err != nil {
			return fmt.Errorf("%w: block at offset %d: %v", ErrCorrupt, position, err)
		}
		position += blockLength
		written += rawLength
	}
	if position != len(compressed) {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(compressed)-position)
	}
	return nil
}

func compressBlock(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil
	case CodecZstd:
		compressed := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)))
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

func decompressBlock(block, target []byte, codec Codec) error {
	switch codec {
	case CodecLZ4:
		read, err := lz4.UncompressBlock(block, target)
		if err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != len(target) {
			return fmt.Errorf("lz4 decompress: produced %d bytes, want %d", read, len(target))
		}
		return nil
	case CodecZstd:
		decoded, err := zstdDecoder.DecodeAll(block, target[:0])
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		if len(decoded) != len(target) {
			return fmt.Errorf("zstd decompress: produced %d bytes, want %d", len(decoded), len(target))
		}
		// DecodeAll reallocates when the output outgrows target's
		// capacity; the length check above rules that out, but a
		// same-length reallocation would still leave target unwritten.
		if &decoded[0] != &target[0] {
			copy(target, decoded)
		}
		return nil
	default:
		return fmt.Errorf("unsupported codec %s", codec)
	}
}

// Package-level zstd encoder and decoder. Both are safe for
// concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cas: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cas: zstd decoder initialization failed: " + err.Error())
	}
}

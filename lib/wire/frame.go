// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	// MaxFrameSize bounds a frame on the wire, excluding the length
	// prefix. Larger transfers are split by the caller into segments
	// with explicit offsets.
	MaxFrameSize = 1024 * 1024

	// frameHeaderSize is request id, service, type and flags.
	frameHeaderSize = 4 + 1 + 1 + 1

	// MaxPayloadSize is the largest encoded payload a single frame
	// can carry.
	MaxPayloadSize = MaxFrameSize - frameHeaderSize

	// compressThreshold is the payload size above which frames are
	// zstd-compressed when that makes them smaller.
	compressThreshold = 16 * 1024
)

// Frame flags.
const (
	flagResponse uint8 = 1 << 0
	flagError    uint8 = 1 << 1
	flagZstd     uint8 = 1 << 2
)

// Service identifies a handler registry on the remote side.
type Service uint8

const (
	ServiceSystem  Service = 0
	ServiceStorage Service = 1
	ServiceSession Service = 2
)

// Message names one operation: the service that handles it and the
// message type within that service.
type Message struct {
	Service Service
	Type    uint8
	Name    string
}

// key strips the name so lookups match on the wire identity only.
func (m Message) key() messageKey {
	return messageKey{service: m.Service, messageType: m.Type}
}

func (m Message) String() string {
	if m.Name != "" {
		return m.Name
	}
	return fmt.Sprintf("service%d/type%d", m.Service, m.Type)
}

type messageKey struct {
	service     Service
	messageType uint8
}

// ErrPayloadTooLarge is returned when an encoded payload does not fit
// in one frame.
var ErrPayloadTooLarge = errors.New("wire: payload exceeds frame size")

type frame struct {
	requestID uint32
	message   messageKey
	flags     uint8
	payload   []byte
}

// writeFrame encodes f as one length-prefixed frame. Large payloads
// are compressed when that shrinks them.
func writeFrame(w io.Writer, f frame) error {
	payload := f.payload
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if len(payload) > compressThreshold {
		compressed := zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		if len(compressed) < len(payload) {
			payload = compressed
			f.flags |= flagZstd
		}
	}

	buffer := make([]byte, 4+frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buffer[0:4], uint32(frameHeaderSize+len(payload)))
	binary.BigEndian.PutUint32(buffer[4:8], f.requestID)
	buffer[8] = byte(f.message.service)
	buffer[9] = f.message.messageType
	buffer[10] = f.flags
	copy(buffer[11:], payload)
	_, err := w.Write(buffer)
	return err
}

// readFrame reads and decodes one frame.
func readFrame(r io.Reader) (frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return frame{}, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length < frameHeaderSize {
		return frame{}, fmt.Errorf("frame length %d shorter than header", length)
	}
	if length > MaxFrameSize {
		return frame{}, fmt.Errorf("frame length %d exceeds maximum %d", length, MaxFrameSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, fmt.Errorf("reading frame body: %w", err)
	}

	f := frame{
		requestID: binary.BigEndian.Uint32(body[0:4]),
		message:   messageKey{service: Service(body[4]), messageType: body[5]},
		flags:     body[6],
		payload:   body[frameHeaderSize:],
	}
	if f.flags&flagZstd != 0 {
		decoded, err := zstdDecoder.DecodeAll(f.payload, nil)
		if err != nil {
			return frame{}, fmt.Errorf("decompressing frame payload: %w", err)
		}
		if len(decoded) > MaxPayloadSize {
			return frame{}, fmt.Errorf("%w: decompressed to %d bytes", ErrPayloadTooLarge, len(decoded))
		}
		f.payload = decoded
		f.flags &^= flagZstd
	}
	return f, nil
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(2*MaxFrameSize))
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

package wire

import (
	"encoding/binary"
)

// frameHeaderSize is the length of the u32 big-endian length prefix that
// precedes every frame on the wire.
const frameHeaderSize = 4

// Encode serializes p and, if cipher has an installed session key, seals it
// for transmission. The returned slice is a complete frame (length prefix
// included) ready to write to the connection.
func Encode(p Packet, cipher *Cipher) ([]byte, error) {
	payload, err := EncodePayload(p)
	if err != nil {
		return nil, err
	}
	sealed, err := cipher.seal(payload)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeaderSize+len(sealed))
	binary.BigEndian.PutUint32(frame, uint32(len(sealed)))
	copy(frame[frameHeaderSize:], sealed)
	return frame, nil
}

// Decode attempts to parse one frame from the front of buf. It returns
// ErrNeedMore if buf does not yet hold a complete frame; the caller should
// read more bytes and retry without discarding buf. consumed is the number
// of bytes belonging to the parsed frame (header included) regardless of
// whether decoding the payload itself failed, so the caller can still
// advance its read cursor before tearing the connection down.
//
// Decode never panics, including on arbitrary/adversarial input.
func Decode(buf []byte, cipher *Cipher) (pkt Packet, consumed int, err error) {
	if len(buf) < frameHeaderSize {
		return nil, 0, ErrNeedMore
	}
	length := binary.BigEndian.Uint32(buf[:frameHeaderSize])
	if length == 0 {
		return nil, 0, framingErrorf("zero-length frame")
	}
	if length > MaxFrameLength {
		return nil, 0, framingErrorf("frame length %d exceeds maximum %d", length, MaxFrameLength)
	}
	total := frameHeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, ErrNeedMore
	}

	sealed := buf[frameHeaderSize:total]
	payload, err := cipher.open(sealed)
	if err != nil {
		return nil, total, err
	}
	pkt, err = DecodePayload(payload)
	if err != nil {
		return nil, total, err
	}
	return pkt, total, nil
}

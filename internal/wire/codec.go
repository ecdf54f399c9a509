package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrNeedMore is returned by Decode when the buffer does not yet contain a
// full frame. Callers should read more bytes from the socket and retry.
var ErrNeedMore = errors.New("wire: need more data")

// FramingError is fatal: the connection must close without a reply.
type FramingError struct {
	msg string
}

func (e *FramingError) Error() string { return "wire: framing: " + e.msg }

func framingErrorf(format string, a ...any) error {
	return &FramingError{msg: fmt.Sprintf(format, a...)}
}

// buffer is a small cursor over a byte slice used while decoding a single
// packet payload. It never panics: every read checks remaining length first.
type buffer struct {
	b   []byte
	off int
}

func (r *buffer) remaining() int { return len(r.b) - r.off }

func (r *buffer) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, framingErrorf("truncated u8")
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *buffer) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, framingErrorf("truncated u16")
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, nil
}

func (r *buffer) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, framingErrorf("truncated u32")
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *buffer) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, framingErrorf("truncated u64")
	}
	v := binary.BigEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v, nil
}

func (r *buffer) rawBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, framingErrorf("truncated byte field (want %d, have %d)", n, r.remaining())
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v, nil
}

func (r *buffer) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	raw, err := r.rawBytes(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", framingErrorf("string field is not valid UTF-8")
	}
	return string(raw), nil
}

func (r *buffer) bytesField() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	raw, err := r.rawBytes(int(n))
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return cp, nil
}

func (r *buffer) timestamp() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *buffer) messageRecord() (MessageRecord, error) {
	var rec MessageRecord
	id, err := r.u64()
	if err != nil {
		return rec, err
	}
	sender, err := r.str()
	if err != nil {
		return rec, err
	}
	kind, err := r.u8()
	if err != nil {
		return rec, err
	}
	body, err := r.bytesField()
	if err != nil {
		return rec, err
	}
	sentAt, err := r.timestamp()
	if err != nil {
		return rec, err
	}
	rec.ID = id
	rec.Sender = sender
	rec.Kind = MessageKind(kind)
	rec.Body = body
	rec.SentAt = sentAt
	return rec, nil
}

// writer accumulates an encoded payload.
type writer struct {
	b []byte
}

func (w *writer) u8(v byte)   { w.b = append(w.b, v) }
func (w *writer) u16(v uint16) {
	w.b = binary.BigEndian.AppendUint16(w.b, v)
}
func (w *writer) u32(v uint32) {
	w.b = binary.BigEndian.AppendUint32(w.b, v)
}
func (w *writer) u64(v uint64) {
	w.b = binary.BigEndian.AppendUint64(w.b, v)
}
func (w *writer) timestamp(v int64) { w.u64(uint64(v)) }

func (w *writer) str(s string) error {
	if len(s) > MaxStringBytes {
		return fmt.Errorf("wire: string field exceeds %d bytes", MaxStringBytes)
	}
	if !utf8.ValidString(s) {
		return errors.New("wire: string field is not valid UTF-8")
	}
	w.u16(uint16(len(s)))
	w.b = append(w.b, s...)
	return nil
}

func (w *writer) bytesField(b []byte) {
	w.u32(uint32(len(b)))
	w.b = append(w.b, b...)
}

func (w *writer) messageRecord(rec MessageRecord) error {
	w.u64(rec.ID)
	if err := w.str(rec.Sender); err != nil {
		return err
	}
	w.u8(byte(rec.Kind))
	w.bytesField(rec.Body)
	w.timestamp(rec.SentAt)
	return nil
}

// EncodePayload encodes a Packet's tag and fields into a payload (without
// the length prefix). Callers needing a full frame should use Encode.
func EncodePayload(p Packet) ([]byte, error) {
	w := &writer{}
	w.u8(byte(p.Tag()))

	switch v := p.(type) {
	case *Handshake:
		w.bytesField(v.ClientNonce)
	case *ServerPubKey:
		w.bytesField(v.PubKeyDER)
		w.bytesField(v.ServerNonce)
	case *EncryptionRequest:
		w.bytesField(v.EncSessionKey)
		w.bytesField(v.EncNonceEcho)
	case *EncryptionAck:
		// no fields
	case *Login:
		if err := w.str(v.Username); err != nil {
			return nil, err
		}
		if err := w.str(v.Password); err != nil {
			return nil, err
		}
	case *Register:
		if err := w.str(v.Username); err != nil {
			return nil, err
		}
		if err := w.str(v.Password); err != nil {
			return nil, err
		}
	case *LoginAck:
		// no fields
	case *LoginFail:
		if err := w.str(v.Reason); err != nil {
			return nil, err
		}
	case *Message:
		if err := w.str(v.Sender); err != nil {
			return nil, err
		}
		if len(v.Body) > MaxMessageBody {
			return nil, fmt.Errorf("wire: message body exceeds %d bytes", MaxMessageBody)
		}
		if err := w.str(v.Body); err != nil {
			return nil, err
		}
	case *ImageMessage:
		if err := w.str(v.Sender); err != nil {
			return nil, err
		}
		if len(v.Bytes) > MaxImageBytes {
			return nil, fmt.Errorf("wire: image exceeds %d bytes", MaxImageBytes)
		}
		w.bytesField(v.Bytes)
	case *HistoryRequest:
		w.u64(v.BeforeID)
		w.u16(v.Count)
	case *HistoryChunk:
		if len(v.Records) > 0xFFFF {
			return nil, errors.New("wire: too many history records for one chunk")
		}
		w.u16(uint16(len(v.Records)))
		for _, rec := range v.Records {
			if err := w.messageRecord(rec); err != nil {
				return nil, err
			}
		}
	case *Ping:
		w.u32(v.Nonce)
	case *Pong:
		w.u32(v.Nonce)
	case *Kick:
		if err := w.str(v.Reason); err != nil {
			return nil, err
		}
	case *ErrorPacket:
		w.u8(byte(v.Code))
		if err := w.str(v.Detail); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("wire: unknown packet type %T", p)
	}
	return w.b, nil
}

// DecodePayload parses a single decrypted packet payload (tag + fields, no
// length prefix). It never panics: malformed input always yields a
// *FramingError.
func DecodePayload(payload []byte) (Packet, error) {
	r := &buffer{b: payload}
	tagByte, err := r.u8()
	if err != nil {
		return nil, err
	}
	tag := Tag(tagByte)

	var pkt Packet
	switch tag {
	case TagHandshake:
		nonce, err := r.bytesField()
		if err != nil {
			return nil, err
		}
		pkt = &Handshake{ClientNonce: nonce}
	case TagServerPubKey:
		pub, err := r.bytesField()
		if err != nil {
			return nil, err
		}
		nonce, err := r.bytesField()
		if err != nil {
			return nil, err
		}
		pkt = &ServerPubKey{PubKeyDER: pub, ServerNonce: nonce}
	case TagEncryptionRequest:
		key, err := r.bytesField()
		if err != nil {
			return nil, err
		}
		echo, err := r.bytesField()
		if err != nil {
			return nil, err
		}
		pkt = &EncryptionRequest{EncSessionKey: key, EncNonceEcho: echo}
	case TagEncryptionAck:
		pkt = &EncryptionAck{}
	case TagLogin:
		user, err := r.str()
		if err != nil {
			return nil, err
		}
		pass, err := r.str()
		if err != nil {
			return nil, err
		}
		pkt = &Login{Username: user, Password: pass}
	case TagRegister:
		user, err := r.str()
		if err != nil {
			return nil, err
		}
		pass, err := r.str()
		if err != nil {
			return nil, err
		}
		pkt = &Register{Username: user, Password: pass}
	case TagLoginAck:
		pkt = &LoginAck{}
	case TagLoginFail:
		reason, err := r.str()
		if err != nil {
			return nil, err
		}
		pkt = &LoginFail{Reason: reason}
	case TagMessage:
		sender, err := r.str()
		if err != nil {
			return nil, err
		}
		body, err := r.str()
		if err != nil {
			return nil, err
		}
		if len(body) > MaxMessageBody {
			return nil, framingErrorf("message body exceeds %d bytes", MaxMessageBody)
		}
		pkt = &Message{Sender: sender, Body: body}
	case TagImageMessage:
		sender, err := r.str()
		if err != nil {
			return nil, err
		}
		data, err := r.bytesField()
		if err != nil {
			return nil, err
		}
		if len(data) > MaxImageBytes {
			return nil, framingErrorf("image exceeds %d bytes", MaxImageBytes)
		}
		pkt = &ImageMessage{Sender: sender, Bytes: data}
	case TagHistoryRequest:
		before, err := r.u64()
		if err != nil {
			return nil, err
		}
		count, err := r.u16()
		if err != nil {
			return nil, err
		}
		if count > MaxHistoryCount {
			return nil, framingErrorf("history count exceeds %d", MaxHistoryCount)
		}
		pkt = &HistoryRequest{BeforeID: before, Count: count}
	case TagHistoryChunk:
		count, err := r.u16()
		if err != nil {
			return nil, err
		}
		records := make([]MessageRecord, 0, count)
		for i := 0; i < int(count); i++ {
			rec, err := r.messageRecord()
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		pkt = &HistoryChunk{Records: records}
	case TagPing:
		nonce, err := r.u32()
		if err != nil {
			return nil, err
		}
		pkt = &Ping{Nonce: nonce}
	case TagPong:
		nonce, err := r.u32()
		if err != nil {
			return nil, err
		}
		pkt = &Pong{Nonce: nonce}
	case TagKick:
		reason, err := r.str()
		if err != nil {
			return nil, err
		}
		pkt = &Kick{Reason: reason}
	case TagError:
		code, err := r.u8()
		if err != nil {
			return nil, err
		}
		detail, err := r.str()
		if err != nil {
			return nil, err
		}
		pkt = &ErrorPacket{Code: ErrorCode(code), Detail: detail}
	default:
		return nil, framingErrorf("unknown packet tag 0x%02x", tagByte)
	}

	if r.remaining() != 0 {
		return nil, framingErrorf("%d trailing bytes after %s payload", r.remaining(), tag)
	}
	return pkt, nil
}

package wire

import (
	"crypto/rand"
	"errors"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecryptFailed is fatal: a frame failed AEAD authentication. The
// connection must be torn down since a forged or corrupted ciphertext means
// the channel can no longer be trusted.
var ErrDecryptFailed = errors.New("wire: frame failed to decrypt")

// sessionKeys holds the two independent AEAD keys and per-direction nonce
// counters installed once the handshake completes. Read and write keys are
// distinct so a reflected ciphertext from one direction never authenticates
// in the other.
type sessionKeys struct {
	readAEAD  aeadCipher
	writeAEAD aeadCipher
	readSeq   uint64
	writeSeq  uint64
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// Cipher is the per-connection transport encryption state. Before the
// handshake installs a key, Seal/Open are no-ops that pass payloads through
// unmodified; InstallKeys atomically flips both directions to AEAD mode at
// once, so a connection is never half-encrypted.
type Cipher struct {
	keys atomic.Pointer[sessionKeys]
}

// NewCipher returns a Cipher in plaintext mode.
func NewCipher() *Cipher {
	return &Cipher{}
}

// InstallKeys derives independent AEAD ciphers from readKey/writeKey and
// atomically installs them. readKey/writeKey must each be
// chacha20poly1305.KeySize bytes (32). Server and client must install the
// keys with directions swapped: the server's write key is the client's read
// key, and vice versa.
func (c *Cipher) InstallKeys(readKey, writeKey []byte) error {
	readAEAD, err := chacha20poly1305.New(readKey)
	if err != nil {
		return err
	}
	writeAEAD, err := chacha20poly1305.New(writeKey)
	if err != nil {
		return err
	}
	c.keys.Store(&sessionKeys{readAEAD: readAEAD, writeAEAD: writeAEAD})
	return nil
}

// Installed reports whether a session key has been installed.
func (c *Cipher) Installed() bool {
	return c.keys.Load() != nil
}

// seal encrypts payload for sending, or returns it unchanged if no key is
// installed yet (used only during the handshake phase, where wire.Decode's
// caller also hasn't installed a key).
func (c *Cipher) seal(payload []byte) ([]byte, error) {
	k := c.keys.Load()
	if k == nil {
		return payload, nil
	}
	seq := atomic.AddUint64(&k.writeSeq, 1) - 1
	nonce := sequenceNonce(seq, k.writeAEAD.NonceSize())
	return k.writeAEAD.Seal(nil, nonce, payload, nil), nil
}

// open decrypts a received frame, or returns it unchanged if no key is
// installed yet.
func (c *Cipher) open(frame []byte) ([]byte, error) {
	k := c.keys.Load()
	if k == nil {
		return frame, nil
	}
	seq := atomic.AddUint64(&k.readSeq, 1) - 1
	nonce := sequenceNonce(seq, k.readAEAD.NonceSize())
	plain, err := k.readAEAD.Open(nil, nonce, frame, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// sequenceNonce expands a monotonically increasing counter into a
// nonce-sized buffer (big-endian, left-padded with zeros). Both peers start
// their counters at zero when a key is installed and advance in lockstep
// with the frames they actually send/receive, so the same counter value is
// never reused under the same key.
func sequenceNonce(seq uint64, size int) []byte {
	n := make([]byte, size)
	for i := 0; i < 8 && i < size; i++ {
		n[size-1-i] = byte(seq >> (8 * i))
	}
	return n
}

// randomNonce returns n cryptographically random bytes, suitable for the
// Handshake/ServerPubKey packets' ClientNonce/ServerNonce fields. Nothing in
// this module calls it; the connection actor draws its ServerNonce from its
// own helper.
func randomNonce(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

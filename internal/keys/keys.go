// Package keys manages the server's long-lived RSA keypair used to bootstrap
// the handshake's asymmetric phase (wire.ServerPubKey / wire.EncryptionRequest).
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// KeyBits is the RSA modulus size for newly generated keypairs. 3072 bits
// gives comfortable headroom over the handshake's lifetime without the
// latency cost of 4096.
const KeyBits = 3072

// KeyPair wraps the server's asymmetric identity: a private key used to
// decrypt the client's chosen session key, and its DER encoding, computed
// once and reused for every ServerPubKey packet.
type KeyPair struct {
	Private *rsa.PrivateKey
	PubDER  []byte
}

// Generate creates a fresh KeyPair.
func Generate() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("[keys] generate: %w", err)
	}
	return fromPrivate(priv)
}

func fromPrivate(priv *rsa.PrivateKey) (*KeyPair, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("[keys] marshal public key: %w", err)
	}
	return &KeyPair{Private: priv, PubDER: der}, nil
}

// Load reads a PEM-encoded PKCS#8 private key from path.
func Load(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("[keys] read %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("[keys] %s: not a PEM-encoded private key", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("[keys] parse %s: %w", path, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("[keys] %s: not an RSA key", path)
	}
	return fromPrivate(priv)
}

// Save writes kp's private key to path as PEM-encoded PKCS#8, creating the
// file with 0600 permissions (it is the server's identity secret).
func Save(kp *KeyPair, path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return fmt.Errorf("[keys] marshal private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("[keys] write %s: %w", path, err)
	}
	return nil
}

// LoadOrGenerate loads an existing keypair at path, generating and
// persisting a fresh one if the file does not exist.
func LoadOrGenerate(path string) (*KeyPair, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("[keys] stat %s: %w", path, err)
	}
	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := Save(kp, path); err != nil {
		return nil, err
	}
	return kp, nil
}

// Fingerprint returns the SHA-256 digest of the public key's DER encoding,
// suitable for logging so operators can confirm a client connected to the
// expected server out of band.
func (kp *KeyPair) Fingerprint() [32]byte {
	return sha256.Sum256(kp.PubDER)
}

// Decrypt unwraps an RSA-OAEP(SHA-256) ciphertext produced by a client using
// the public key from PubDER.
func (kp *KeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, kp.Private, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("[keys] decrypt: %w", err)
	}
	return pt, nil
}

// Encrypt wraps plaintext under the given DER-encoded RSA public key using
// RSA-OAEP(SHA-256). It is used by clients and by tests that exercise the
// server's handshake without a real client implementation.
func Encrypt(pubDER, plaintext []byte) ([]byte, error) {
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, fmt.Errorf("[keys] parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("[keys] public key is not RSA")
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("[keys] encrypt: %w", err)
	}
	return ct, nil
}

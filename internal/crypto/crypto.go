// internal/crypto/crypto.go
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// meshchat crypto suite
//
// - X25519 static identity keys, one per node
// - XChaCha20-Poly1305 for every sealed payload
// - SHA3-256 label KDF, PBKDF2-SHA256 for channel passwords
// -----------------------------------------------------------------------------

const (
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24

	PublicKeySize = 32
)

var ErrOpen = errors.New("crypto: open failed")

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

// XSeal generates a random 24-byte nonce and seals plaintext under key32.
func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// SealBox returns nonce||ciphertext, the layout carried in frame payloads.
func SealBox(key32, plaintext, aad []byte) ([]byte, error) {
	nonce, ct, err := XSeal(key32, plaintext, aad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	return append(out, ct...), nil
}

func OpenBox(key32, box, aad []byte) ([]byte, error) {
	if len(box) < XNonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: short box", ErrOpen)
	}
	pt, err := XOpen(key32, box[:XNonceSize], box[XNonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return pt, nil
}

// -----------------------------------------------------------------------------
// X25519 static identity
// -----------------------------------------------------------------------------

type StaticKey struct {
	priv *ecdh.PrivateKey
	pub  []byte
}

func (k *StaticKey) String() string {
	return "StaticKey{REDACTED}"
}

func (k *StaticKey) GoString() string {
	return "crypto.StaticKey{REDACTED}"
}

func GenerateStaticKey() (*StaticKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &StaticKey{priv: priv, pub: priv.PublicKey().Bytes()}, nil
}

func StaticKeyFromBytes(privBytes []byte) (*StaticKey, error) {
	priv, err := ecdh.X25519().NewPrivateKey(privBytes)
	if err != nil {
		return nil, err
	}
	return &StaticKey{priv: priv, pub: priv.PublicKey().Bytes()}, nil
}

func (k *StaticKey) Public() []byte {
	out := make([]byte, len(k.pub))
	copy(out, k.pub)
	return out
}

func (k *StaticKey) Shared(peerPub []byte) ([]byte, error) {
	if len(peerPub) != PublicKeySize {
		return nil, errors.New("bad peer public key size")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return k.priv.ECDH(pub)
}

// StorageKey derives a symmetric key for sealing local state at rest. It is
// bound to the static key, so it survives restarts but not a new identity.
func (k *StaticKey) StorageKey(label string) []byte {
	return KDF(label, k.priv.Bytes())
}

// Fingerprint is the short hex identity used to key per-peer state that must
// outlive a PeerID.
func Fingerprint(pub []byte) string {
	return hex.EncodeToString(KDF("meshchat:fp:v1", pub)[:8])
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveStaticKey(dir string, k *StaticKey) error {
	if k == nil {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(k.pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(k.priv.Bytes())), 0600)
}

func LoadStaticKey(dir string) (*StaticKey, error) {
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, err
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil {
		return nil, fmt.Errorf("bad priv.hex")
	}
	return StaticKeyFromBytes(priv)
}

// LoadOrCreateStaticKey loads the node key from dir, generating and saving a
// fresh one when none exists yet.
func LoadOrCreateStaticKey(dir string) (*StaticKey, error) {
	k, err := LoadStaticKey(dir)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	k, err = GenerateStaticKey()
	if err != nil {
		return nil, err
	}
	if err := SaveStaticKey(dir, k); err != nil {
		return nil, err
	}
	return k, nil
}

// Package keystore persists the gateway's long-lived secp256k1 signing key
// on disk under an exclusive file lock and exposes sign/verify over it.
//
// Grounded on the flock-guarded load/generate/never-overwrite semantics of
// the Python reference's crypto module.
package keystore

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/sys/unix"
)

// Keystore holds the service's signing key, loaded once at boot.
type Keystore struct {
	priv *secp256k1.PrivateKey
	pub  *secp256k1.PublicKey
}

// Load acquires an exclusive lock on lockPath, then loads the key at
// keyPath if it exists and is non-empty, or generates and persists a new
// one. The lock is released before Load returns. An existing-but-corrupt
// key file is a fatal error: it is never silently overwritten.
func Load(keyPath, lockPath string) (*Keystore, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create key dir: %w", err)
	}

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("keystore: open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("keystore: acquire exclusive lock: %w", err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	raw, err := os.ReadFile(keyPath)
	if err == nil && len(raw) > 0 {
		return fromBytes(raw)
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("keystore: read key file: %w", err)
	}

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}

	if err := os.WriteFile(keyPath, priv.Serialize(), 0o600); err != nil {
		return nil, fmt.Errorf("keystore: persist key: %w", err)
	}

	return &Keystore{priv: priv, pub: priv.PubKey()}, nil
}

func fromBytes(raw []byte) (*Keystore, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("keystore: corrupt key file (want 32 bytes, got %d) — refusing to overwrite", len(raw))
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return &Keystore{priv: priv, pub: priv.PubKey()}, nil
}

// Sign produces a DER-serialized ECDSA signature over data.
func (k *Keystore) Sign(data []byte) []byte {
	sig := ecdsa.Sign(k.priv, data)
	return sig.Serialize()
}

// PublicKeyHex returns the compressed public key as a hex string, the form
// used as a principal identifier throughout the capability-token engine.
func (k *Keystore) PublicKeyHex() string {
	return fmt.Sprintf("%x", k.pub.SerializeCompressed())
}

// PublicKeyBase64 returns the compressed public key base64-encoded, the
// `verifying_key` form exposed over the HTTP surface.
func (k *Keystore) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.pub.SerializeCompressed())
}

// Verify checks a DER signature over data against a compressed public key
// given as a hex string.
func Verify(pubKeyHex string, data, sig []byte) bool {
	pubBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(data, pub)
}

// Package identity owns the long-term X25519 keypair a daemon instance
// publishes as its ratchet identity, persisting it across restarts the
// way the teacher's cmd/relay/main.go loadOrGenerateKey persists a
// relay's RSA key: generate once, then load the same file on every
// subsequent start so the account keeps answering to the same public
// key.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"

	"golang.org/x/crypto/curve25519"

	"github.com/zentalk/core/internal/model"
)

const keySize = 32

// Identity is one local account's ratchet keypair plus the UserId
// derived from it.
type Identity struct {
	Owner   model.UserId
	Private [keySize]byte
	Public  [keySize]byte
}

// LoadOrGenerate reads a 32-byte private key from path, or generates and
// persists a fresh one if the file doesn't exist yet.
func LoadOrGenerate(path string) (Identity, error) {
	private, err := os.ReadFile(path)
	if err == nil {
		if len(private) != keySize {
			return Identity{}, fmt.Errorf("identity: %s has %d bytes, want %d", path, len(private), keySize)
		}
		var priv [keySize]byte
		copy(priv[:], private)
		return fromPrivate(priv), nil
	}
	if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("identity: reading %s: %w", path, err)
	}

	var priv [keySize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return Identity{}, fmt.Errorf("identity: generating key: %w", err)
	}
	if err := os.WriteFile(path, priv[:], 0o600); err != nil {
		return Identity{}, fmt.Errorf("identity: persisting %s: %w", path, err)
	}
	return fromPrivate(priv), nil
}

func fromPrivate(private [keySize]byte) Identity {
	var public [keySize]byte
	curve25519.ScalarBaseMult(&public, &private)
	owner := sha256.Sum256(public[:])
	return Identity{Owner: model.UserId(owner), Private: private, Public: public}
}

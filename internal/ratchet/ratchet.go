// Package ratchet is the cryptographic state machine the rest of the
// core treats as a pre-existing external library (spec.md §1, §6): a
// Double Ratchet over X25519 with HKDF key derivation. Nothing outside
// this package and internal/sessionadapter should depend on its internal
// key schedule.
package ratchet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/zentalk/core/internal/model"
)

const (
	keySize    = 32
	seekerSize = 34

	infoRoot   = "zentalk-core ratchet root"
	infoChain  = "zentalk-core ratchet chain"
	infoSeeker = "zentalk-core ratchet seeker"
)

var (
	ErrUnknownPeer  = errors.New("ratchet: unknown peer")
	ErrWrongState   = errors.New("ratchet: operation invalid in current state")
	ErrCryptoFailed = errors.New("ratchet: crypto operation failed")
)

type dhKeyPair struct {
	private [keySize]byte
	public  [keySize]byte
}

func generateDHKeyPair() (dhKeyPair, error) {
	var kp dhKeyPair
	if _, err := rand.Read(kp.private[:]); err != nil {
		return kp, fmt.Errorf("%w: generating dh key: %v", ErrCryptoFailed, err)
	}
	curve25519.ScalarBaseMult(&kp.public, &kp.private)
	return kp, nil
}

func dh(private, public [keySize]byte) []byte {
	var shared [keySize]byte
	curve25519.ScalarMult(&shared, &private, &public)
	return shared[:]
}

func kdfRoot(rootKey, dhOutput []byte) (newRoot, chainKey []byte, err error) {
	r := hkdf.New(sha256.New, dhOutput, rootKey, []byte(infoRoot))
	out := make([]byte, 2*keySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, fmt.Errorf("%w: kdfRoot: %v", ErrCryptoFailed, err)
	}
	return out[:keySize], out[keySize:], nil
}

func kdfChain(chainKey []byte) (newChainKey, messageKey []byte) {
	mac := hmacSHA256(chainKey, append([]byte(infoChain), 0x01))
	newChain := hmacSHA256(chainKey, append([]byte(infoChain), 0x02))
	return newChain, mac
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// deriveSeeker computes the board-addressing token for a given chain key
// and message index without consuming the chain: both sides of a session
// derive identical seekers because they share the same chain key.
func deriveSeeker(chainKey []byte, msgNum uint32) model.Seeker {
	var counter [4]byte
	binary.BigEndian.PutUint32(counter[:], msgNum)
	r := hkdf.New(sha256.New, chainKey, counter[:], []byte(infoSeeker))
	out := make([]byte, seekerSize)
	_, _ = io.ReadFull(r, out) // hkdf.Read over sha256 output never errors for this length
	return model.Seeker(out)
}

func aesGCMEncrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func aesGCMDecrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

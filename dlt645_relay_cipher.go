package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

// AESRelayCipher is the default RelayCipher (§9 open question: "the
// encryption key and cipher mode are not specified in the source. Leave the
// cipher as an injectable strategy"). It derives a 128-bit AES key from an
// operator-configured passphrase with PBKDF2 and encrypts the 16-byte relay
// block with AES-CBC under a random IV, prefixing the IV to the ciphertext.
//
// This is a reasonable production default, not a spec requirement: any type
// implementing RelayCipher may be substituted (e.g. for meters whose vendor
// firmware expects a fixed key or a different mode).
type AESRelayCipher struct {
	block cipher.Block
}

// NewAESRelayCipher derives the AES-128 key from passphrase using PBKDF2-
// HMAC-SHA3-256 with a fixed, documented salt (the relay-control channel has
// no per-meter key exchange to carry a random salt over).
func NewAESRelayCipher(passphrase string) (*AESRelayCipher, error) {
	if passphrase == "" {
		return nil, NewError(KindConfigInvalid, "relay cipher passphrase must not be empty", nil)
	}
	salt := []byte("ivy-4g-gateway/dlt645-relay-control/v1")
	key := pbkdf2.Key([]byte(passphrase), salt, 100000, 16, sha3.New256)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("relay cipher: new AES cipher: %w", err)
	}
	return &AESRelayCipher{block: block}, nil
}

// Encrypt implements RelayCipher. It returns the random IV followed by the
// 16-byte CBC ciphertext (32 bytes total); the frame's declared data length
// carries this expanded size, which §4.C leaves to the codec rather than
// fixing at 16.
func (c *AESRelayCipher) Encrypt(block [16]byte) ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("relay cipher: read IV: %w", err)
	}
	out := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, block[:])
	return append(iv, out...), nil
}

// ClearRelayCipher sends the relay-control block unencrypted. Useful for
// lab meters and integration tests only.
type ClearRelayCipher struct{}

func (ClearRelayCipher) Encrypt(block [16]byte) ([]byte, error) {
	return append([]byte{}, block[:]...), nil
}

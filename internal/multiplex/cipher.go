package multiplex

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/linkmux/linkmux/internal/common"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	EncryptionMethodPlain = iota
	EncryptionMethodAESGCM
	EncryptionMethodChacha20Poly1305
)

var errCiphertextTooShort = errors.New("ciphertext is shorter than nonce and tag")

// PayloadCipher seals frame payloads of a session with a pre-shared key. Each sealed payload is
// [nonce][ciphertext][tag]; the session id and service type are authenticated as additional data
// so a payload cannot be replayed into another stream.
type PayloadCipher struct {
	method byte
	aead   cipher.AEAD
}

// MakePayloadCipher returns nil for EncryptionMethodPlain: a session without a cipher sends
// payloads as they are.
func MakePayloadCipher(encryptionMethod byte, key [32]byte) (*PayloadCipher, error) {
	var aead cipher.AEAD
	var err error
	switch encryptionMethod {
	case EncryptionMethodPlain:
		return nil, nil
	case EncryptionMethodAESGCM:
		var c cipher.Block
		c, err = aes.NewCipher(key[:])
		if err != nil {
			return nil, err
		}
		aead, err = cipher.NewGCM(c)
		if err != nil {
			return nil, err
		}
	case EncryptionMethodChacha20Poly1305:
		aead, err = chacha20poly1305.New(key[:])
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown encryption method valued %v", encryptionMethod)
	}
	return &PayloadCipher{method: encryptionMethod, aead: aead}, nil
}

// Overhead is the number of bytes sealing adds to a payload
func (pc *PayloadCipher) Overhead() int {
	return pc.aead.NonceSize() + pc.aead.Overhead()
}

func additionalData(sessionID uint8, service ServiceType) []byte {
	return []byte{sessionID, uint8(service)}
}

func (pc *PayloadCipher) seal(sessionID uint8, service ServiceType, plaintext []byte) ([]byte, error) {
	nonceSize := pc.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+pc.aead.Overhead())
	common.CryptoRandRead(out)
	return pc.aead.Seal(out, out[:nonceSize], plaintext, additionalData(sessionID, service)), nil
}

func (pc *PayloadCipher) open(sessionID uint8, service ServiceType, sealed []byte) ([]byte, error) {
	nonceSize := pc.aead.NonceSize()
	if len(sealed) < nonceSize+pc.aead.Overhead() {
		return nil, errCiphertextTooShort
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	return pc.aead.Open(ciphertext[:0], nonce, ciphertext, additionalData(sessionID, service))
}

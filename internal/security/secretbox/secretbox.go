// Package secretbox cifra material privado de claves en reposo con AES-256-GCM.
// El formato en disco es base64(nonce)|base64(ciphertext).
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// EnvMasterKey es la variable de entorno con la clave maestra (base64, 32 bytes).
	EnvMasterKey = "ATTESTOR_MASTER_KEY"

	nonceSizeGCM      = 12 // AES-GCM nonce recomendado (96 bits)
	requiredKeyLength = 32 // 32 bytes => AES-256
	sep               = "|"
)

var ErrNoMasterKey = errors.New("master_key_not_set")

// Box encapsula una clave maestra. A diferencia de un singleton de proceso,
// cada Store de claves posee su propio Box, lo que permite instancias
// independientes bajo test.
type Box struct {
	key []byte
}

// FromEnv construye un Box desde ATTESTOR_MASTER_KEY.
// Retorna ErrNoMasterKey si la variable no está seteada (cifrado deshabilitado).
func FromEnv() (*Box, error) {
	kb64 := strings.TrimSpace(os.Getenv(EnvMasterKey))
	if kb64 == "" {
		return nil, ErrNoMasterKey
	}
	k, err := base64.StdEncoding.DecodeString(kb64)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", EnvMasterKey, err)
	}
	return New(k)
}

// New construye un Box con una clave cruda de 32 bytes.
func New(key []byte) (*Box, error) {
	if len(key) != requiredKeyLength {
		return nil, fmt.Errorf("master key debe ser de %d bytes, obtuvo %d", requiredKeyLength, len(key))
	}
	b := &Box{key: make([]byte, requiredKeyLength)}
	copy(b.key, key)
	return b, nil
}

// GenerateMasterKey genera una clave maestra nueva en base64, lista para
// exportar como ATTESTOR_MASTER_KEY.
func GenerateMasterKey() (string, error) {
	k := make([]byte, requiredKeyLength)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", fmt.Errorf("random: %w", err)
	}
	return base64.StdEncoding.EncodeToString(k), nil
}

// Seal cifra plaintext y devuelve base64(nonce)|base64(ciphertext).
func (b *Box) Seal(plaintext []byte) (string, error) {
	aesgcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce random: %w", err)
	}

	ct := aesgcm.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Open recibe base64(nonce)|base64(ciphertext) y devuelve el plaintext.
func (b *Box) Open(sealed string) ([]byte, error) {
	parts := strings.Split(sealed, sep)
	if len(parts) != 2 {
		return nil, errors.New("formato inválido: esperado base64(nonce)|base64(ciphertext)")
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nonce) != nonceSizeGCM {
		return nil, fmt.Errorf("nonce inválido: esperado %d bytes, obtuvo %d", nonceSizeGCM, len(nonce))
	}

	aesgcm, err := b.gcm()
	if err != nil {
		return nil, err
	}
	pt, err := aesgcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm auth/decrypt: %w", err)
	}
	return pt, nil
}

func (b *Box) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	return cipher.NewGCM(block)
}

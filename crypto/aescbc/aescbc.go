// Package aescbc holds the AES-CBC helpers used for device key decryption,
// the system keybag payload and backup file contents.
package aescbc

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

var (
	ErrBlockSize  = errors.New("aescbc: input is not a multiple of the block size")
	ErrIVSize     = errors.New("aescbc: iv must be 16 bytes")
	ErrBadPadding = errors.New("aescbc: bad padding")
)

var zeroiv = make([]byte, aes.BlockSize)

// Decrypt decrypts ciphertext with key. A nil iv means an all zero iv. When
// padding is set the PKCS#7 padding is checked and removed.
func Decrypt(key, ciphertext, iv []byte, padding bool) ([]byte, error) {
	mode, err := newMode(key, iv, false)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBlockSize
	}
	out := make([]byte, len(ciphertext))
	mode.CryptBlocks(out, ciphertext)
	if padding {
		return Unpad(out)
	}
	return out, nil
}

// Encrypt is the inverse of Decrypt.
func Encrypt(key, plaintext, iv []byte, padding bool) ([]byte, error) {
	mode, err := newMode(key, iv, true)
	if err != nil {
		return nil, err
	}
	if padding {
		plaintext = Pad(plaintext)
	} else if len(plaintext)%aes.BlockSize != 0 {
		return nil, ErrBlockSize
	}
	out := make([]byte, len(plaintext))
	mode.CryptBlocks(out, plaintext)
	return out, nil
}

// NewDecrypter returns a raw CBC block mode for streaming use.
func NewDecrypter(key, iv []byte) (cipher.BlockMode, error) {
	return newMode(key, iv, false)
}

func newMode(key, iv []byte, encrypt bool) (cipher.BlockMode, error) {
	if iv == nil {
		iv = zeroiv
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrIVSize
	}
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if encrypt {
		return cipher.NewCBCEncrypter(b, iv), nil
	}
	return cipher.NewCBCDecrypter(b, iv), nil
}

// Pad appends PKCS#7 padding.
func Pad(data []byte) []byte {
	c := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data), len(data)+c)
	copy(out, data)
	for i := 0; i < c; i++ {
		out = append(out, byte(c))
	}
	return out
}

// Unpad strips PKCS#7 padding.
func Unpad(data []byte) ([]byte, error) {
	l := len(data)
	if l == 0 {
		return nil, ErrBadPadding
	}
	c := data[l-1]
	if c == 0 || c > aes.BlockSize || int(c) > l {
		return nil, ErrBadPadding
	}
	for i := 0; i < int(c); i++ {
		if data[l-i-1] != c {
			return nil, ErrBadPadding
		}
	}
	return data[:l-int(c)], nil
}

// Package decode decrypts HLS segments.
package decode

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

var ErrPadding = errors.New("invalid padding")

// ParseIV reads an IV attribute like 0x62dafe649b36307e2a4caf5d30d18490.
// An empty attribute yields nil.
func ParseIV(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	iv, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "parse iv %q", s)
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.Errorf("iv has %d bytes", len(iv))
	}
	return iv, nil
}

// SequenceIV is the IV of a segment whose key has no IV attribute: the media
// sequence number as a big-endian 128-bit integer.
func SequenceIV(seq uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	for i := 0; i < 8; i++ {
		iv[aes.BlockSize-1-i] = byte(seq >> (8 * i))
	}
	return iv
}

// AESDecrypt decrypts AES-128-CBC data with PKCS7 padding. A nil iv means
// the key itself is the IV.
func AESDecrypt(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "new cipher")
	}
	if iv == nil {
		iv = key[:block.BlockSize()]
	}
	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return nil, errors.Errorf("%d bytes is not a multiple of the block size", len(data))
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return unpad(out, block.BlockSize())
}

// AesEncrypt encrypts data with AES-128-CBC using the key as IV.
func AesEncrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "new cipher")
	}
	data = pad(data, block.BlockSize())
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, key[:block.BlockSize()]).CryptBlocks(out, data)
	return out, nil
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrPadding
		}
	}
	return data[:len(data)-n], nil
}

package decode

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	key := []byte("key1key2key3key4")
	for _, before := range [][]byte{[]byte("testtesttestt"), []byte("0123456789abcdef"), {}} {
		encoded, err := AesEncrypt(before, key)
		require.NoError(t, err)
		assert.Zero(t, len(encoded)%aes.BlockSize)

		decoded, err := AESDecrypt(encoded, key, nil)
		require.NoError(t, err)
		assert.Equal(t, before, decoded)
	}
}

func TestDecodeWithIV(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv, err := ParseIV("0x62dafe649b36307e2a4caf5d30d18490")
	require.NoError(t, err)

	plain := pad([]byte("segment payload"), aes.BlockSize)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	encrypted := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, plain)

	decoded, err := AESDecrypt(encrypted, key, iv)
	require.NoError(t, err)
	assert.Equal(t, []byte("segment payload"), decoded)
}

func TestDecodeErrors(t *testing.T) {
	key := []byte("0123456789abcdef")
	_, err := AESDecrypt([]byte("short"), key, nil)
	assert.Error(t, err)

	_, err = AESDecrypt(make([]byte, 16), []byte("bad key"), nil)
	assert.Error(t, err)

	// zero plaintext decrypts to garbage padding
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	encrypted := make([]byte, 16)
	cipher.NewCBCEncrypter(block, key).CryptBlocks(encrypted, make([]byte, 16))
	_, err = AESDecrypt(encrypted, key, nil)
	assert.True(t, errors.Is(err, ErrPadding))
}

func TestParseIV(t *testing.T) {
	iv, err := ParseIV("")
	require.NoError(t, err)
	assert.Nil(t, iv)

	_, err = ParseIV("0x1234")
	assert.Error(t, err)

	_, err = ParseIV("0xzz")
	assert.Error(t, err)

	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 2}, SequenceIV(258))
}

package hls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encrypt(t require.TestingT, plain, key, iv []byte) []byte {
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestDecryptRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)
	iv[15] = 9

	for _, n := range []int{0, 1, 15, 16, 17, 1000} {
		plain := bytes.Repeat([]byte{0xA5}, n)
		got, err := Decrypt(encrypt(t, plain, key, iv), key, iv)
		require.NoError(t, err, "len %d", n)
		assert.Equal(t, plain, got)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)

	_, err := Decrypt([]byte("short"), key, iv)
	assert.ErrorIs(t, err, ErrSegmentVerify)

	_, err = Decrypt(make([]byte, 32), key, iv)
	assert.ErrorIs(t, err, ErrSegmentVerify)

	_, err = Decrypt(make([]byte, 16), []byte("bad"), iv)
	assert.ErrorIs(t, err, ErrBadKey)

	assert.True(t, segmentRetryable(ErrSegmentVerify))
	assert.False(t, segmentRetryable(ErrBadKey))
}

package cipher

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(n int) []byte {
	return bytes.Repeat([]byte{0x42}, n)
}

func TestCompatRoundTripAndDeterminism(t *testing.T) {
	for rounds, keyLen := range map[int]int{10: 16, 12: 24, 14: 32} {
		c, err := New(Config{Mode: ModeCompat, Key: key(keyLen), Rounds: rounds})
		require.NoError(t, err)

		pt := []byte("GET http://example.com/foo?x=1<h>Accept:text/html")
		ct1, err := c.Encrypt(pt, false)
		require.NoError(t, err)
		ct2, err := c.Encrypt(pt, false)
		require.NoError(t, err)

		assert.Len(t, ct1, len(pt))
		assert.Equal(t, ct1, ct2, "compat mode is deterministic")
		assert.NotEqual(t, pt, ct1)

		got, err := c.Decrypt(ct1)
		require.NoError(t, err)
		assert.Equal(t, pt, got)
	}
}

func TestCompatRejectsMismatchedKey(t *testing.T) {
	_, err := New(Config{Mode: ModeCompat, Key: key(16), Rounds: 14})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidKey)

	var ce *CipherError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "init", ce.Op)

	_, err = New(Config{Mode: ModeCompat, Key: key(32), Rounds: 11})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDefaultRoundsIsAES256(t *testing.T) {
	_, err := New(Config{Key: key(32)})
	require.NoError(t, err)
}

func TestPadThenDecryptKeepsPadding(t *testing.T) {
	c, err := New(Config{Mode: ModeCompat, Key: key(32)})
	require.NoError(t, err)

	ct, err := c.Encrypt([]byte("hello"), true)
	require.NoError(t, err)
	assert.Len(t, ct, 16)

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Len(t, pt, 16)

	unpadded, err := Unpad(pt, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), unpadded)
}

func TestSecureModes(t *testing.T) {
	for _, tc := range []struct {
		mode  Mode
		nonce int
	}{
		{ModeAESGCM, 12},
		{ModeXChaCha20Poly1305, 24},
	} {
		mode := tc.mode
		t.Run(string(mode), func(t *testing.T) {
			c, err := New(Config{Mode: mode, Key: key(32)})
			require.NoError(t, err)

			pt := []byte("\x00\xc8 http://example.com/ <h>X-Test:1<b>hello")
			ct1, err := c.Encrypt(pt, false)
			require.NoError(t, err)
			assert.Len(t, ct1, tc.nonce+len(pt)+16, "nonce || ciphertext || tag")
			ct2, err := c.Encrypt(pt, false)
			require.NoError(t, err)
			assert.NotEqual(t, ct1, ct2, "random nonce")

			got, err := c.Decrypt(ct1)
			require.NoError(t, err)
			assert.Equal(t, pt, got)

			tampered := append([]byte(nil), ct1...)
			tampered[len(tampered)-1] ^= 0x01
			_, err = c.Decrypt(tampered)
			assert.ErrorIs(t, err, ErrDecrypt)

			_, err = c.Decrypt([]byte("short"))
			assert.ErrorIs(t, err, ErrDecrypt)
		})
	}
}

func TestSecureModesUseDistinctKeys(t *testing.T) {
	gcm, err := New(Config{Mode: ModeAESGCM, Key: key(32)})
	require.NoError(t, err)
	other, err := New(Config{Mode: ModeAESGCM, Key: key(24), Rounds: 12})
	require.NoError(t, err)

	ct, err := gcm.Encrypt([]byte("payload"), false)
	require.NoError(t, err)
	_, err = other.Decrypt(ct)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestUnsupportedMode(t *testing.T) {
	_, err := New(Config{Mode: "rot13", Key: key(32)})
	assert.ErrorIs(t, err, ErrUnsupportedMode)

	_, err = ParseMode("rot13")
	assert.ErrorIs(t, err, ErrUnsupportedMode)

	m, err := ParseMode(" AES-GCM ")
	require.NoError(t, err)
	assert.Equal(t, ModeAESGCM, m)
}

func TestUnpadRejectsBadPadding(t *testing.T) {
	_, err := Unpad([]byte{}, 16)
	assert.ErrorIs(t, err, ErrPadding)

	bad := bytes.Repeat([]byte{3}, 16)
	bad[14] = 9
	_, err = Unpad(bad, 16)
	assert.ErrorIs(t, err, ErrPadding)

	full := Pad(bytes.Repeat([]byte{'a'}, 16), 16)
	assert.Len(t, full, 32)
}

func TestDecodeKey(t *testing.T) {
	k, err := DecodeKey("00ff10")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, k)

	_, err = DecodeKey("zz")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = DecodeKey("")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(key(32))
	assert.Len(t, a, 16)
	assert.Equal(t, a, Fingerprint(key(32)))
	assert.NotEqual(t, a, Fingerprint(key(16)))
}

func TestParseConfig(t *testing.T) {
	hex32 := strings.Repeat("ab", 32)

	cfg, err := ParseConfig("", hex32, 0)
	require.NoError(t, err)
	assert.Equal(t, ModeCompat, cfg.Mode)
	assert.Len(t, cfg.Key, 32)

	_, err = ParseConfig("compat", strings.Repeat("ab", 16), 14)
	assert.ErrorIs(t, err, ErrInvalidKey, "compat key length must match rounds")

	cfg, err = ParseConfig("AES-GCM", strings.Repeat("ab", 16), 0)
	require.NoError(t, err)
	assert.Equal(t, ModeAESGCM, cfg.Mode)

	_, err = ParseConfig("rot13", hex32, 0)
	assert.ErrorIs(t, err, ErrUnsupportedMode)
}

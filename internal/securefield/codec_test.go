package securefield

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comptapilot/comptapilot/internal/common"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := New(testKey)
	require.NoError(t, err)
	return codec
}

func TestNewRejectsBadKeys(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	_, err = New("not-hex")
	assert.Error(t, err)

	_, err = New("abcd1234") // too short
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	plaintext := "FACTURE N° 2024-042\nFournisseur: Dupont SARL\nTTC: 1 200,00 €"
	encoded, err := codec.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, encoded, "Dupont")

	parts := strings.Split(encoded, ":")
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], nonceSize*2)
	assert.Len(t, parts[1], tagSize*2)

	decoded, err := codec.Decrypt(encoded)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decoded)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	codec := newTestCodec(t)

	first, err := codec.Encrypt("same input")
	require.NoError(t, err)
	second, err := codec.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestEmptyStringPassesThrough(t *testing.T) {
	codec := newTestCodec(t)

	encoded, err := codec.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, encoded)

	decoded, err := codec.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestDecryptFailsClosedOnTampering(t *testing.T) {
	codec := newTestCodec(t)

	encoded, err := codec.Encrypt("sensitive")
	require.NoError(t, err)

	parts := strings.Split(encoded, ":")
	flipped := flipHexNibble(parts[2])
	tampered := parts[0] + ":" + parts[1] + ":" + flipped

	plaintext, err := codec.Decrypt(tampered)
	var de *common.DecryptionError
	require.ErrorAs(t, err, &de)
	assert.Empty(t, plaintext)
}

func TestDecryptRejectsMalformedEncodings(t *testing.T) {
	codec := newTestCodec(t)

	for _, encoded := range []string{
		"just-one-part",
		"aa:bb",
		"zz:zz:zz",
		"aabb:ccdd:eeff", // wrong nonce length
	} {
		_, err := codec.Decrypt(encoded)
		var de *common.DecryptionError
		assert.ErrorAs(t, err, &de, "input %q", encoded)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	codec := newTestCodec(t)
	other, err := New(strings.Repeat("ff", 32))
	require.NoError(t, err)

	encoded, err := codec.Encrypt("cross-key")
	require.NoError(t, err)

	_, err = other.Decrypt(encoded)
	var de *common.DecryptionError
	assert.ErrorAs(t, err, &de)
}

func flipHexNibble(s string) string {
	b := []byte(s)
	if b[0] == '0' {
		b[0] = '1'
	} else {
		b[0] = '0'
	}
	return string(b)
}

package cryptutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/backup-core/internal/errs"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey("a-passphrase")

	cases := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("exactly sixteen!"),
		bytes.Repeat([]byte{0x42}, 1024),
	}

	for _, plaintext := range cases {
		ciphertext, err := Encrypt(plaintext, key[:])
		require.NoError(t, err)

		recovered, err := Decrypt(ciphertext, key[:])
		require.NoError(t, err)
		assert.Equal(t, plaintext, recovered)
	}
}

func TestEncryptRejectsWrongKeySize(t *testing.T) {
	_, err := Encrypt([]byte("data"), []byte("short"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCrypto))
}

func TestDecryptRejectsTruncatedInput(t *testing.T) {
	key := DeriveKey("secret")
	_, err := Decrypt([]byte{0x01, 0x02}, key[:])
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCrypto))
}

func TestEncryptToHexFormat(t *testing.T) {
	key := DeriveKey("license-secret")
	payload, err := EncryptToHex([]byte(`{"tenantId":"t-1"}`), key[:])
	require.NoError(t, err)

	parts := strings.SplitN(payload, ":", 2)
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 32) // 16-byte IV hex-encoded

	decrypted, err := DecryptFromHex(payload, key[:])
	require.NoError(t, err)
	assert.Equal(t, `{"tenantId":"t-1"}`, string(decrypted))
}

func TestDecryptFromHexRejectsMalformedPayload(t *testing.T) {
	key := DeriveKey("license-secret")
	_, err := DecryptFromHex("not-a-valid-payload", key[:])
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCrypto))
}

func TestChecksumIsStableAndStreaming(t *testing.T) {
	data := bytes.Repeat([]byte("payload-bytes"), 10_000)

	sum1, err := Checksum(bytes.NewReader(data))
	require.NoError(t, err)
	sum2, err := Checksum(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, sum1, sum2)
	assert.Len(t, sum1, 64)
}

func TestIntegrityHashIsOrderIndependent(t *testing.T) {
	a := map[string]any{"licenseId": "lic-1", "tenantId": "t-1", "quick": map[string]any{"status": "active"}}
	b := map[string]any{"tenantId": "t-1", "quick": map[string]any{"status": "active"}, "licenseId": "lic-1"}

	hashA, err := IntegrityHash(a, "process-secret")
	require.NoError(t, err)
	hashB, err := IntegrityHash(b, "process-secret")
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
}

func TestIntegrityHashChangesWithSecret(t *testing.T) {
	record := map[string]any{"licenseId": "lic-1"}

	hash1, err := IntegrityHash(record, "secret-a")
	require.NoError(t, err)
	hash2, err := IntegrityHash(record, "secret-b")
	require.NoError(t, err)

	assert.NotEqual(t, hash1, hash2)
}

// Package cryptutil implements the symmetric encryption, streaming
// checksums, and integrity hashing primitives shared by the backup
// engine and the license cache. The AES-256-CBC format is fixed for
// compatibility with existing persisted ciphertext and sync artifacts;
// implementations must match it exactly.
package cryptutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/savegress/backup-core/internal/errs"
)

const (
	// KeySize is the required AES-256 key length in bytes.
	KeySize = 32
	blockSize = aes.BlockSize
)

// DeriveKey derives a 32-byte AES key from a caller-supplied passphrase
// via SHA-256, per the license-payload key derivation contract.
func DeriveKey(passphrase string) [KeySize]byte {
	return sha256.Sum256([]byte(passphrase))
}

// Encrypt generates a random 16-byte IV and returns IV ∥ ciphertext under
// AES-256-CBC with PKCS#7 padding.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errs.Crypto("encrypt", fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key)))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Crypto("encrypt", fmt.Errorf("init cipher: %w", err))
	}

	iv := make([]byte, blockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errs.Crypto("encrypt", fmt.Errorf("generate iv: %w", err))
	}

	padded := pkcs7Pad(plaintext, blockSize)
	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt is the inverse of Encrypt. It fails with a CryptoError on bad
// padding or truncated input.
func Decrypt(ivAndCiphertext, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errs.Crypto("decrypt", fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key)))
	}
	if len(ivAndCiphertext) < blockSize {
		return nil, errs.Crypto("decrypt", fmt.Errorf("truncated input: need at least %d bytes", blockSize))
	}

	iv := ivAndCiphertext[:blockSize]
	ciphertext := ivAndCiphertext[blockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, errs.Crypto("decrypt", fmt.Errorf("ciphertext is not a multiple of the block size"))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Crypto("decrypt", fmt.Errorf("init cipher: %w", err))
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, blockSize)
	if err != nil {
		return nil, errs.Crypto("decrypt", fmt.Errorf("unpad: %w", err))
	}
	return unpadded, nil
}

// EncryptToHex encrypts plaintext and returns the fixed "IV_hex:CT_hex"
// license-payload wire format.
func EncryptToHex(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errs.Crypto("encrypt", fmt.Errorf("init cipher: %w", err))
	}

	iv := make([]byte, blockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", errs.Crypto("encrypt", fmt.Errorf("generate iv: %w", err))
	}

	padded := pkcs7Pad(plaintext, blockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return fmt.Sprintf("%s:%s", hex.EncodeToString(iv), hex.EncodeToString(ciphertext)), nil
}

// DecryptFromHex is the inverse of EncryptToHex. It fails with a
// CryptoError if the format is malformed.
func DecryptFromHex(payload string, key []byte) ([]byte, error) {
	ivHex, ctHex, ok := splitOnce(payload, ':')
	if !ok {
		return nil, errs.Crypto("decrypt", fmt.Errorf("malformed payload: expected IV_hex:CT_hex"))
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, errs.Crypto("decrypt", fmt.Errorf("decode iv: %w", err))
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, errs.Crypto("decrypt", fmt.Errorf("decode ciphertext: %w", err))
	}
	if len(iv) != blockSize {
		return nil, errs.Crypto("decrypt", fmt.Errorf("iv must be %d bytes, got %d", blockSize, len(iv)))
	}
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, errs.Crypto("decrypt", fmt.Errorf("ciphertext is not a multiple of the block size"))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Crypto("decrypt", fmt.Errorf("init cipher: %w", err))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, blockSize)
	if err != nil {
		return nil, errs.Crypto("decrypt", fmt.Errorf("unpad: %w", err))
	}
	return unpadded, nil
}

func splitOnce(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	length := len(data)
	if length == 0 || length%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", length)
	}
	padLen := int(data[length-1])
	if padLen == 0 || padLen > blockSize || padLen > length {
		return nil, fmt.Errorf("invalid padding byte %d", padLen)
	}
	for _, b := range data[length-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:length-padLen], nil
}

// Checksum computes the streaming SHA-256 of r, returning a 64-hex digest.
// It never buffers the whole stream in memory.
func Checksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errs.IO("checksum", fmt.Errorf("read stream: %w", err))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IntegrityHash computes SHA-256 over the canonical JSON encoding of
// sections concatenated with the process-wide secret. Canonicalization
// fixes key order and omits absent (nil) fields, so callers should pass
// only populated maps/structs.
func IntegrityHash(sections map[string]any, secret string) (string, error) {
	canonical, err := canonicalJSON(sections)
	if err != nil {
		return "", errs.Integrity("compute-hash", fmt.Errorf("canonicalize: %w", err))
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON re-marshals v with map keys sorted and no extraneous
// whitespace, so the same logical value always produces the same bytes.
func canonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return sortedValue(decoded), nil
}

func sortedValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k, val := range vv {
			if val == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedEntry{key: k, value: sortedValue(vv[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = sortedValue(item)
		}
		return out
	default:
		return vv
	}
}

type orderedEntry struct {
	key   string
	value any
}

type orderedMap []orderedEntry

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(e.value)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

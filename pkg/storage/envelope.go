/*
Copyright 2025 GuardAnt Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// envelope wraps a payload with tenant binding and transform flags.
// Decryption refuses a mismatched nest id: a payload written for one
// tenant can never be opened under another.
type envelope struct {
	NestID     string `json:"_nest"`
	Encrypted  bool   `json:"_encrypted,omitempty"`
	Compressed bool   `json:"_compressed,omitempty"`
	Data       string `json:"data"` // base64 of the (possibly transformed) payload
}

// KeyProvider supplies the tenant envelope key material.
type KeyProvider interface {
	Key() []byte
}

// StaticKey derives a 32-byte AES-256 key from a passphrase.
type StaticKey string

// Key hashes the passphrase to 32 bytes.
func (s StaticKey) Key() []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// sealEnvelope applies gzip above threshold, AES-256-GCM when keys is
// non-nil, and binds the result to nestID.
func sealEnvelope(nestID string, payload []byte, compressThreshold int, keys KeyProvider) ([]byte, bool, bool, error) {
	data := payload
	compressed := false
	if compressThreshold > 0 && len(data) >= compressThreshold {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return nil, false, false, fmt.Errorf("compress payload: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, false, false, fmt.Errorf("compress payload: %w", err)
		}
		// Keep the smaller form; tiny JSON can inflate under gzip.
		if buf.Len() < len(data) {
			data = buf.Bytes()
			compressed = true
		}
	}

	encrypted := false
	if keys != nil {
		sealed, err := encryptGCM(keys.Key(), nestID, data)
		if err != nil {
			return nil, false, false, err
		}
		data = sealed
		encrypted = true
	}

	env := envelope{
		NestID:     nestID,
		Encrypted:  encrypted,
		Compressed: compressed,
		Data:       base64.StdEncoding.EncodeToString(data),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, false, false, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, compressed, encrypted, nil
}

// openEnvelope reverses sealEnvelope and enforces the tenant binding.
func openEnvelope(nestID string, raw []byte, keys KeyProvider) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, types.NewError(types.KindInternal, "unmarshal envelope", err)
	}
	if env.NestID != nestID {
		return nil, types.NewError(types.KindAuth,
			fmt.Sprintf("payload belongs to nest %q, caller is %q", env.NestID, nestID), nil)
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, types.NewError(types.KindInternal, "decode envelope data", err)
	}
	if env.Encrypted {
		if keys == nil {
			return nil, types.NewError(types.KindInternal, "encrypted payload but no key configured", nil)
		}
		data, err = decryptGCM(keys.Key(), nestID, data)
		if err != nil {
			return nil, err
		}
	}
	if env.Compressed {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, types.NewError(types.KindInternal, "decompress payload", err)
		}
		defer gz.Close()
		data, err = io.ReadAll(gz)
		if err != nil {
			return nil, types.NewError(types.KindInternal, "decompress payload", err)
		}
	}
	return data, nil
}

// encryptGCM seals data with AES-256-GCM, authenticating the nest id
// as additional data so ciphertext cannot cross tenants.
func encryptGCM(key []byte, nestID string, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, data, []byte(nestID)), nil
}

func decryptGCM(key []byte, nestID string, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, types.NewError(types.KindInternal, "ciphertext shorter than nonce", nil)
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, []byte(nestID))
	if err != nil {
		return nil, types.NewError(types.KindAuth, "envelope decryption refused", err)
	}
	return plain, nil
}

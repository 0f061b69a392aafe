/*
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

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Plaintext key format: nxr_<keyid>_<secret>. The key id is public and
// indexes the stored hash; the secret is bcrypt-hashed and never stored.
const keyPrefix = "nxr"

// MintedKey is the one-time plaintext view returned at creation.
type MintedKey struct {
	KeyID      string
	Plaintext  string
	Prefix     string
	SecretHash string
}

// MintKey generates a fresh key and its bcrypt hash.
func MintKey() (*MintedKey, error) {
	keyID, err := randomHex(8)
	if err != nil {
		return nil, err
	}
	secret, err := randomHex(24)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing key secret, %w", err)
	}
	plaintext := fmt.Sprintf("%s_%s_%s", keyPrefix, keyID, secret)
	return &MintedKey{
		KeyID:      keyID,
		Plaintext:  plaintext,
		Prefix:     plaintext[:12],
		SecretHash: string(hash),
	}, nil
}

// SplitKey parses a presented bearer token into key id and secret.
func SplitKey(token string) (keyID, secret string, ok bool) {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func randomHex(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes, %w", err)
	}
	return hex.EncodeToString(buf), nil
}

/*
Copyright 2020-2022 Gravitational, Inc.

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

package user

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/subtle"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/md5_crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
	"lukechampine.com/blake3"
)

// Verify checks password against v, returning true on a match. VerifierNull
// always returns false: password auth is disabled for this user, which is
// distinct from the user being absent entirely (handled one layer up, in
// the registry's lookup order).
func (v TokenVerifier) Verify(password string) bool {
	switch v.Kind {
	case VerifierNull:
		return false
	case VerifierMD5Crypt, VerifierSHA256Crypt, VerifierSHA512Crypt:
		return verifyCrypt(v.Encoded, password)
	case VerifierFastHash:
		return verifyFastHash(v, password)
	default:
		return false
	}
}

func verifyCrypt(encoded, password string) bool {
	if encoded == "" {
		return false
	}
	c := crypt.NewFromHash(encoded)
	if c == nil {
		return false
	}
	if err := c.Verify(encoded, []byte(password)); err != nil {
		return false
	}
	return true
}

// verifyFastHash salts the password, digests it with the configured
// algorithm, and constant-time-compares it against every listed digest:
// the first match wins.
func verifyFastHash(v TokenVerifier, password string) bool {
	salted := []byte(v.Salt + password)

	var sum []byte
	switch v.Algo {
	case FastHashMD5:
		s := md5.Sum(salted)
		sum = s[:]
	case FastHashSHA1:
		s := sha1.Sum(salted)
		sum = s[:]
	case FastHashBlake3:
		s := blake3.Sum256(salted)
		sum = s[:]
	default:
		return false
	}

	encoded := encodeHex(sum)
	for _, digest := range v.Digests {
		if subtle.ConstantTimeCompare([]byte(encoded), []byte(digest)) == 1 {
			return true
		}
	}
	return false
}

const hexDigits = "0123456789abcdef"

func encodeHex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

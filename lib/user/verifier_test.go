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
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyFastHashMatchesAnyListedDigest(t *testing.T) {
	sum := sha1.Sum([]byte("saltpw"))
	v := TokenVerifier{
		Kind:    VerifierFastHash,
		Salt:    "salt",
		Algo:    FastHashSHA1,
		Digests: []string{"0000000000000000000000000000000000000", encodeHex(sum[:])},
	}
	require.True(t, v.Verify("pw"))
	require.False(t, v.Verify("wrong"))
}

func TestVerifyNullAlwaysFails(t *testing.T) {
	v := TokenVerifier{Kind: VerifierNull}
	require.False(t, v.Verify("anything"))
}

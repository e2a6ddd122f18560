/*
Copyright 2024 Pharos Networks, Inc.

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

package utils

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"

	"github.com/gravitational/trace"
)

// CryptoRandomHex returns hex encoded random string generated with
// crypto-strong pseudo random generator of the given bytes
func CryptoRandomHex(len int) (string, error) {
	randomBytes := make([]byte, len)
	if _, err := rand.Reader.Read(randomBytes); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(randomBytes), nil
}

// tokenAlphabet is the character set of token secrets. Lower-case
// alphanumerics only, so the published scanner pattern stays simple.
const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// CryptoRandomToken returns a crypto-strong random string of length n
// drawn from [a-z0-9].
func CryptoRandomToken(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", trace.Wrap(err)
		}
		out[i] = tokenAlphabet[idx.Int64()]
	}
	return string(out), nil
}
